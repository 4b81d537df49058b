// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package hvcall

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/siderolabs/talos-vmbusd/internal/hostos"
)

// ErrRetriesExhausted is wrapped into PostMessage's error when the
// maxRetryCount bound on a repeatable out-of-resources status is hit,
// letting callers distinguish "the host is transiently out of buffers"
// from other transport failures.
var ErrRetriesExhausted = errors.New("hvcall: post_message retries exhausted")

// Hypercall control codes, per the Hyper-V hypercall calling convention.
const (
	callPostMessage uint64 = 0x5B
	callSignalEvent uint64 = 0x5D
)

// CallPostMessage and CallSignalEvent are the hypercall control codes a
// Caller implementation receives from PostMessage and SignalEvent
// respectively, exported so a Caller written in another package (such as a
// test fake standing in for the hypervisor) can tell the two apart without
// re-deriving the TLFS control code values itself.
const (
	CallPostMessage = callPostMessage
	CallSignalEvent = callSignalEvent
)

// Hypercall completion status codes, the low 16 bits of the hypercall result.
const (
	statusSuccess              uint16 = 0x0000
	statusInsufficientMemory   uint16 = 0x0011
	statusInsufficientBuffers  uint16 = 0x0013
)

// StatusSuccess is the host completion status PostMessage/SignalEvent
// return on success. Callers compare against it directly since the gateway
// deliberately does not translate a non-retryable hard status into an
// error itself (see PostMessage's doc comment).
const StatusSuccess = statusSuccess

// msgTypeChannel is the hv_message_type tag for VMBus channel messages, as
// opposed to timer or other synthetic message categories.
const msgTypeChannel uint32 = 0x1

// maxRetryCount bounds the post_message retry loop on a retryable status.
const maxRetryCount = 20

// retryDelay is the sleep between post_message retries.
const retryDelay = 20 * time.Microsecond

// PageSize is the fixed Hyper-V hypercall page size.
const PageSize = 4096

// MaxPostMessageData is the largest data payload a POST_MESSAGE hypercall
// input structure can carry, bounding every VMBus message the gateway
// posts (the input envelope occupies the rest of the page).
const MaxPostMessageData = PageSize - postMsgHeaderSize

type postMsgInput struct {
	ConnectionID uint32
	Reserved     uint32
	MessageType  uint32
	DataSize     uint32
}

const postMsgHeaderSize = 16

// postMsgBuf is a pinned, page-sized POST_MESSAGE input buffer together
// with its already-resolved physical address.
type postMsgBuf struct {
	buf    []byte
	handle hostos.PageHandle
	phys   hostos.PhysAddr
}

// Gateway owns the hypercall page and exposes the two operations the VMBus
// core is built on: posting a control message and signalling an event.
type Gateway struct {
	alloc hostos.PageAllocator
	xlate hostos.AddressTranslator

	page       []byte
	pageHandle hostos.PageHandle
	phys       hostos.PhysAddr

	call Caller

	bufMu   sync.Mutex
	bufFree []*postMsgBuf
}

// Caller issues a hypercall given a control code and the RDX input, RCX
// being fixed as the control code. It returns the raw hypercall result; the
// low 16 bits are the completion status. Implementations are
// architecture-specific; see gateway_amd64.go.
type Caller interface {
	Call(controlCode, rdx, r8 uint64) uint64
}

// NewGateway allocates the hypercall page and resolves its physical frame.
// It does not register the page with the hypervisor; EnableHypercallPage
// does that. call performs the actual call through the page once the
// hypervisor has written its thunk into it.
func NewGateway(alloc hostos.PageAllocator, xlate hostos.AddressTranslator, call Caller) (*Gateway, error) {
	page, handle, err := alloc.AllocateContiguous(PageSize)
	if err != nil {
		return nil, fmt.Errorf("hvcall: allocate hypercall page: %w", err)
	}
	phys, err := xlate.PhysicalAddress(page)
	if err != nil {
		_ = alloc.Release(handle)
		return nil, fmt.Errorf("hvcall: translate hypercall page: %w", err)
	}
	return &Gateway{
		alloc:      alloc,
		xlate:      xlate,
		page:       page,
		pageHandle: handle,
		phys:       phys,
		call:       call,
	}, nil
}

// Close releases the hypercall page and every pinned post-message buffer
// on the free list. The gateway must not be used afterward.
func (g *Gateway) Close() error {
	g.bufMu.Lock()
	bufs := g.bufFree
	g.bufFree = nil
	g.bufMu.Unlock()

	for _, b := range bufs {
		_ = g.alloc.Release(b.handle)
	}
	return g.alloc.Release(g.pageHandle)
}

// getPostMsgBuf returns a pinned input buffer from the free list, pinning
// and translating a new one only when the list is empty. PostMessage is
// the only caller; pooling this way means a channel that posts messages
// repeatedly pins memory once, not once per call.
func (g *Gateway) getPostMsgBuf() (*postMsgBuf, error) {
	g.bufMu.Lock()
	if n := len(g.bufFree); n > 0 {
		b := g.bufFree[n-1]
		g.bufFree = g.bufFree[:n-1]
		g.bufMu.Unlock()
		return b, nil
	}
	g.bufMu.Unlock()

	buf, handle, err := g.alloc.AllocateContiguous(PageSize)
	if err != nil {
		return nil, fmt.Errorf("hvcall: allocate post-message input page: %w", err)
	}
	phys, err := g.xlate.PhysicalAddress(buf)
	if err != nil {
		_ = g.alloc.Release(handle)
		return nil, fmt.Errorf("hvcall: translate post-message input page: %w", err)
	}
	return &postMsgBuf{buf: buf, handle: handle, phys: phys}, nil
}

// putPostMsgBuf returns b to the free list for reuse by a later PostMessage.
func (g *Gateway) putPostMsgBuf(b *postMsgBuf) {
	g.bufMu.Lock()
	g.bufFree = append(g.bufFree, b)
	g.bufMu.Unlock()
}

// PhysAddr returns the guest-physical address of the hypercall page, for
// MSR programming.
func (g *Gateway) PhysAddr() hostos.PhysAddr { return g.phys }

// Page returns the hypercall page itself, so a Caller implementation that
// executes code out of it (such as HVCaller) can be pointed at the same
// memory the hypervisor was told, via EnableHypercallPage, to patch its
// call thunk into.
func (g *Gateway) Page() []byte { return g.page }

// PostMessage posts a pre-filled VMBus control message to the host,
// retrying on a bounded, repeatable out-of-resources status. msg is the raw
// message bytes (header + payload); the caller does not prepare the
// hypercall envelope itself. The returned error reports only transport
// failures (allocation, translation, retry exhaustion); a non-success host
// status with a nil error is returned unchanged for the caller to
// translate, per the gateway's error model.
func (g *Gateway) PostMessage(msg []byte) (uint16, error) {
	if len(msg) > MaxPostMessageData {
		return 0, fmt.Errorf("hvcall: message of %d bytes exceeds post-message cap of %d", len(msg), MaxPostMessageData)
	}

	pb, err := g.getPostMsgBuf()
	if err != nil {
		return 0, err
	}
	defer g.putPostMsgBuf(pb)

	hdr := postMsgInput{
		ConnectionID: 1, // VMBUS_CONNID_MESSAGE
		MessageType:  msgTypeChannel,
		DataSize:     uint32(len(msg)), //nolint:gosec
	}
	out := new(bytes.Buffer)
	if err := binary.Write(out, binary.LittleEndian, hdr); err != nil {
		return 0, err
	}
	out.Write(msg)
	clear(pb.buf)
	copy(pb.buf, out.Bytes())

	var lastStatus uint16
	for i := 0; i < maxRetryCount; i++ {
		result := g.call.Call(callPostMessage, uint64(pb.phys), 0)
		lastStatus = uint16(result & 0xFFFF) //nolint:gosec

		switch lastStatus {
		case statusSuccess:
			return lastStatus, nil
		case statusInsufficientMemory, statusInsufficientBuffers:
			time.Sleep(retryDelay)
			continue
		default:
			return lastStatus, nil
		}
	}
	return lastStatus, fmt.Errorf("hvcall: post_message exhausted %d retries, last status %#x: %w", maxRetryCount, lastStatus, ErrRetriesExhausted)
}

// SignalEvent issues the SIGNAL_EVENT fast hypercall for connID.
func (g *Gateway) SignalEvent(connID uint32) uint16 {
	result := g.call.Call(callSignalEvent, uint64(connID), 0)
	return uint16(result & 0xFFFF) //nolint:gosec
}
