// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package vmbus

import (
	"context"
	"fmt"

	"github.com/siderolabs/talos-vmbusd/internal/hostos"
)

// createGPADLHeaderSize is the size, in bytes, of everything in a
// CREATE_GPADL message before the page-number array: the 8-byte message
// header plus channel id, gpadl id, total-range-length, range-count,
// range-length and range-offset.
const createGPADLHeaderSize = MsgHeaderSize + 4 + 4 + 2 + 2 + 4 + 4

// createGPADLAddtHeaderSize is the size, in bytes, of everything in a
// CREATE_GPADL_ADDT message before the page-number array: the 8-byte
// message header plus msg_num and gpadl_id.
const createGPADLAddtHeaderSize = MsgHeaderSize + 4 + 4

// kMaxCreatePages and kMaxAddtPages bound how many 8-byte page numbers fit
// in a single CREATE_GPADL / CREATE_GPADL_ADDT message, given the
// hypercall payload cap.
func kMaxCreatePages(cap int) int {
	return (cap - createGPADLHeaderSize) / 8
}

func kMaxAddtPages(cap int) int {
	return (cap - createGPADLAddtHeaderSize) / 8
}

// chunkPages splits pages into groups of at most max, preserving order.
func chunkPages(pages []uint64, max int) [][]uint64 {
	if max <= 0 {
		return nil
	}
	var chunks [][]uint64
	for len(pages) > 0 {
		n := max
		if n > len(pages) {
			n = len(pages)
		}
		chunks = append(chunks, pages[:n])
		pages = pages[n:]
	}
	return chunks
}

// pageNumbersOf returns the physical frame numbers of every page backing
// buf, in order, starting from buf's first physical frame.
func pageNumbersOf(xlate hostos.AddressTranslator, buf []byte, pageSize int) ([]uint64, error) {
	n := len(buf) / pageSize
	nums := make([]uint64, n)
	for i := 0; i < n; i++ {
		phys, err := xlate.PhysicalAddress(buf[i*pageSize : i*pageSize+pageSize])
		if err != nil {
			return nil, fmt.Errorf("vmbus: translate page %d of gpadl buffer: %w", i, err)
		}
		nums[i] = uint64(phys) / uint64(pageSize)
	}
	return nums, nil
}

// AllocateGPADL builds the contiguous-pages descriptor for a ring buffer of
// length bytes, chunks it across one CREATE_GPADL and zero or more
// CREATE_GPADL_ADDT messages, awaits the response, and records the GPADL
// against channelID for later release.
func (b *Bus) AllocateGPADL(ctx context.Context, channelID uint32, length int) ([]byte, uint32, error) {
	if length <= 0 || length%b.pageSize != 0 {
		return nil, 0, newErr(KindBadValue, "allocate_gpadl", fmt.Errorf("length %d is not a positive page-aligned size", length))
	}
	pageCount := length / b.pageSize
	if pageCount+1 > MaxGPADLPages {
		return nil, 0, newErr(KindBadValue, "allocate_gpadl", fmt.Errorf("%d pages exceeds the %d page cap", pageCount, MaxGPADLPages))
	}

	ch := b.channelByID(channelID)
	if ch == nil {
		return nil, 0, newErr(KindNotFound, "allocate_gpadl", fmt.Errorf("channel %d not present", channelID))
	}

	buf, handle, err := b.alloc.AllocateContiguous(length)
	if err != nil {
		return nil, 0, newErr(KindNoMemory, "allocate_gpadl", err)
	}
	undoBuffer := true
	defer func() {
		if undoBuffer {
			_ = b.alloc.Release(handle)
		}
	}()

	pages, err := pageNumbersOf(b.xlate, buf, b.pageSize)
	if err != nil {
		return nil, 0, newErr(KindIOError, "allocate_gpadl", err)
	}

	gpadlID := b.nextGPADLID()

	kCreate := kMaxCreatePages(b.maxMsgData)
	createPages := pages
	var addtChunks [][]uint64
	if len(pages) > kCreate {
		createPages = pages[:kCreate]
		addtChunks = chunkPages(pages[kCreate:], kMaxAddtPages(b.maxMsgData))
	}

	createMsg, err := marshalCreateGPADL(channelID, gpadlID, uint32(length), createPages) //nolint:gosec
	if err != nil {
		return nil, 0, newErr(KindIOError, "allocate_gpadl", err)
	}

	// Link the transaction record and send CREATE_GPADL before sending any
	// ADDT fragment: the host cannot respond until it has every fragment,
	// so waiting here before the fragments are sent would deadlock both
	// sides.
	m, err := b.linkAndSend(createMsg, MsgCreateGPADLResponse, gpadlID)
	if err != nil {
		return nil, 0, translateTransactionErr("allocate_gpadl", err)
	}

	for i, chunk := range addtChunks {
		addtMsg, err := marshalCreateGPADLAddt(uint32(i), gpadlID, chunk) //nolint:gosec
		if err != nil {
			b.pool.abandon(m)
			return nil, 0, newErr(KindIOError, "allocate_gpadl", err)
		}
		if _, err := b.gw.PostMessage(addtMsg); err != nil {
			b.pool.abandon(m)
			return nil, 0, newErr(KindIOError, "allocate_gpadl", fmt.Errorf("post CREATE_GPADL_ADDT fragment %d: %w", i, err))
		}
	}

	resp, err := b.wait(ctx, m)
	if err != nil {
		return nil, 0, translateTransactionErr("allocate_gpadl", err)
	}

	respMsg, err := unmarshalCreateGPADLResp(resp)
	if err != nil {
		return nil, 0, newErr(KindIOError, "allocate_gpadl", err)
	}
	if respMsg.Result != 0 {
		return nil, 0, newErr(KindIOError, "allocate_gpadl", fmt.Errorf("host returned result %d", respMsg.Result))
	}

	rec := &GPADLRecord{ID: gpadlID, Buffer: buf, handle: handle}
	ch.addGPADL(rec)
	undoBuffer = false

	return buf, gpadlID, nil
}

// FreeGPADL releases a previously allocated GPADL.
func (b *Bus) FreeGPADL(ctx context.Context, channelID, gpadlID uint32) error {
	ch := b.channelByID(channelID)
	if ch == nil {
		return newErr(KindNotFound, "free_gpadl", fmt.Errorf("channel %d not present", channelID))
	}

	msg, err := marshalFreeGPADL(channelID, gpadlID)
	if err != nil {
		return newErr(KindIOError, "free_gpadl", err)
	}

	resp, err := b.sendAndWait(ctx, msg, MsgFreeGPADLResponse, gpadlID)
	if err != nil {
		return translateTransactionErr("free_gpadl", err)
	}

	respMsg, err := unmarshalFreeGPADLResp(resp)
	if err != nil {
		return newErr(KindIOError, "free_gpadl", err)
	}
	if respMsg.Result != 0 {
		return newErr(KindIOError, "free_gpadl", fmt.Errorf("host returned result %d", respMsg.Result))
	}

	rec := ch.removeGPADL(gpadlID)
	if rec == nil {
		return newErr(KindNotFound, "free_gpadl", fmt.Errorf("gpadl %d not owned by channel %d", gpadlID, channelID))
	}
	if err := b.alloc.Release(rec.handle); err != nil {
		return newErr(KindIOError, "free_gpadl", err)
	}
	return nil
}

// releaseChannelGPADLs frees every GPADL owned by ch without talking to the
// host, used during teardown after a rescind, when the host has already
// forgotten the channel.
func (b *Bus) releaseChannelGPADLs(ch *Channel) {
	for _, rec := range ch.takeAllGPADLs() {
		_ = b.alloc.Release(rec.handle)
	}
}
