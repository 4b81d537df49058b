// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package vmbus

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/siderolabs/talos-vmbusd/internal/hostos"
	"github.com/siderolabs/talos-vmbusd/pkg/hvcall"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testPageSize is small enough to keep per-test allocations cheap while
// staying a multiple of the fixed hypercall page size used by the real
// gateway, matching the relationship Connect assumes between the two.
const testPageSize = hvcall.PageSize

type msrKey struct {
	cpu int
	msr uint32
}

// fakeMSR is an in-memory MSRIO; it only records writes, since no test
// needs to observe a real SynIC react to them.
type fakeMSR struct {
	mu   sync.Mutex
	regs map[msrKey]uint64
}

func newFakeMSR() *fakeMSR { return &fakeMSR{regs: make(map[msrKey]uint64)} }

func (f *fakeMSR) ReadMSR(cpu int, msr uint32) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[msrKey{cpu, msr}], nil
}

func (f *fakeMSR) WriteMSR(cpu int, msr uint32, value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[msrKey{cpu, msr}] = value
	return nil
}

// postedMsg is one message the fake host observed via PostMessage.
type postedMsg struct {
	raw []byte
}

// fakeHost stands in for the hypervisor side of the gateway. It records
// every posted message and signalled connection id, and, if a responder is
// scripted, delivers a canned response synchronously within the Call that
// posted the request, by writing it into the target CPU's message slot and
// firing that CPU's installed interrupt handler exactly as real hardware
// would.
type fakeHost struct {
	alloc *hostos.FakeAllocator
	ints  *hostos.FakeInterruptInstaller
	irq   uint8

	mu       sync.Mutex
	posted   []postedMsg
	signaled []uint32

	respond func(raw []byte) (resp []byte, cpu int, deliver bool)

	perCPUMsgPage func(cpu int) []byte
}

func newFakeHost(alloc *hostos.FakeAllocator, ints *hostos.FakeInterruptInstaller, irq uint8) *fakeHost {
	return &fakeHost{alloc: alloc, ints: ints, irq: irq}
}

// Call implements hvcall.Caller.
func (h *fakeHost) Call(controlCode, rdx, r8 uint64) uint64 {
	switch controlCode {
	case hvcall.CallSignalEvent:
		h.mu.Lock()
		h.signaled = append(h.signaled, uint32(rdx)) //nolint:gosec
		h.mu.Unlock()
		return uint64(hvcall.StatusSuccess)

	case hvcall.CallPostMessage:
		page, ok := h.alloc.LookupPhysical(hostos.PhysAddr(rdx))
		if !ok {
			return uint64(hvcall.StatusSuccess)
		}
		dataSize := binary.LittleEndian.Uint32(page[12:16])
		raw := make([]byte, dataSize)
		copy(raw, page[16:16+dataSize])

		h.mu.Lock()
		h.posted = append(h.posted, postedMsg{raw: raw})
		respond := h.respond
		h.mu.Unlock()

		if respond != nil {
			if resp, cpu, deliver := respond(raw); deliver {
				h.deliver(cpu, resp)
			}
		}
		return uint64(hvcall.StatusSuccess)

	default:
		return uint64(hvcall.StatusSuccess)
	}
}

// deliver writes resp into cpu's message slot as a channel message and
// fires cpu's interrupt.
func (h *fakeHost) deliver(cpu int, resp []byte) {
	if h.perCPUMsgPage == nil {
		return
	}
	page := h.perCPUMsgPage(cpu)
	if page == nil {
		return
	}
	slot := messageSlot(page, SintMessage)
	for i := range slot {
		slot[i] = 0
	}
	binary.LittleEndian.PutUint32(slot[hvMsgOffsetType:], hvMessageTypeChannel)
	slot[hvMsgOffsetPayloadSize] = byte(len(resp)) //nolint:gosec
	copy(slot[hvMsgOffsetPayload:], resp)

	h.ints.Fire(h.irq, cpu)
}

func (h *fakeHost) lastPosted() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.posted) == 0 {
		return nil
	}
	return h.posted[len(h.posted)-1].raw
}

func (h *fakeHost) postedOfType(t MsgType) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out [][]byte
	for _, p := range h.posted {
		hdr, err := unmarshalHeader(p.raw)
		if err == nil && MsgType(hdr.Type) == t {
			out = append(out, p.raw)
		}
	}
	return out
}

func (h *fakeHost) signalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.signaled)
}

func (h *fakeHost) lastSignaled() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.signaled) == 0 {
		return 0
	}
	return h.signaled[len(h.signaled)-1]
}

// testBus bundles a Bus with its fakes for assertions.
type testBus struct {
	bus   *Bus
	host  *fakeHost
	ints  *hostos.FakeInterruptInstaller
	alloc *hostos.FakeAllocator
	pub   *hostos.FakeNodePublisher
}

// acceptFirstConnect scripts the fake host to accept whatever version is
// first offered, with the given connection id.
func acceptFirstConnect(connID uint32) func(raw []byte) ([]byte, int, bool) {
	return func(raw []byte) ([]byte, int, bool) {
		hdr, err := unmarshalHeader(raw)
		if err != nil || MsgType(hdr.Type) != MsgConnect {
			return nil, 0, false
		}
		resp, err := marshalFixed(MsgConnectResponse, &ConnectRespMsg{Supported: 1, ConnectionID: connID})
		if err != nil {
			return nil, 0, false
		}
		return resp, 0, true
	}
}

// newTestBus constructs a Bus wired to in-memory fakes and connects it,
// accepting the first offered version unless respond overrides that.
func newTestBus(t *testing.T, numCPU int, respond func(raw []byte) ([]byte, int, bool)) *testBus {
	t.Helper()

	alloc := hostos.NewFakeAllocator(testPageSize)
	ints := hostos.NewFakeInterruptInstaller()
	irqs := &hostos.FakeIRQDiscoverer{IRQ: 7}
	cpus := &hostos.FakeCPUBroadcaster{N: numCPU}
	pub := hostos.NewFakeNodePublisher()
	msr := newFakeMSR()

	host := newFakeHost(alloc, ints, irqs.IRQ)
	if respond == nil {
		respond = acceptFirstConnect(1)
	}
	host.respond = respond

	gw, err := hvcall.NewGateway(alloc, alloc, host)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	bus, err := NewBus(Config{
		Gateway:    gw,
		Alloc:      alloc,
		Xlate:      alloc,
		CPUs:       cpus,
		MSR:        msr,
		IRQs:       irqs,
		Interrupts: ints,
		Publisher:  pub,
		Log:        discardLogger(),
		PageSize:   testPageSize,
	})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}

	host.perCPUMsgPage = func(cpu int) []byte {
		if cpu < 0 || cpu >= len(bus.perCPU) || bus.perCPU[cpu] == nil {
			return nil
		}
		return bus.perCPU[cpu].msgPage
	}

	if err := bus.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	return &testBus{bus: bus, host: host, ints: ints, alloc: alloc, pub: pub}
}

// deliverOffer simulates the host spontaneously offering a channel.
func (tb *testBus) deliverOffer(t *testing.T, offer *ChannelOfferMsg) {
	t.Helper()
	raw, err := marshalFixed(MsgChannelOffer, offer)
	if err != nil {
		t.Fatalf("marshal offer: %v", err)
	}
	tb.host.deliver(0, raw)
}

// waitForChannel polls until channelID is visible in bus's channel table,
// since handleOffer runs asynchronously on the DPC goroutine relative to
// whatever test goroutine delivered the offer.
func waitForChannel(t *testing.T, bus *Bus, channelID uint32) *Channel {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ch := bus.channelByID(channelID); ch != nil {
			return ch
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("channel %d never appeared in the table", channelID)
	return nil
}

// deliverRescind simulates the host rescinding a channel.
func (tb *testBus) deliverRescind(t *testing.T, channelID uint32) {
	t.Helper()
	raw, err := marshalFixed(MsgRescindChannelOffer, &RescindChannelOfferMsg{ChannelID: channelID})
	if err != nil {
		t.Fatalf("marshal rescind: %v", err)
	}
	tb.host.deliver(0, raw)
}
