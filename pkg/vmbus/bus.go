// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package vmbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/siderolabs/talos-vmbusd/internal/hostos"
	"github.com/siderolabs/talos-vmbusd/internal/util"
	"github.com/siderolabs/talos-vmbusd/pkg/hvcall"
)

// hvMessageSlotSize is the size in bytes of one SynIC message slot, per the
// Hyper-V TLFS HV_MESSAGE layout (4-byte type + 1-byte payload size + 1-byte
// flags + 2-byte reserved + 8-byte sender + 240-byte payload).
const hvMessageSlotSize = 256

const (
	hvMsgOffsetType        = 0
	hvMsgOffsetPayloadSize = 4
	hvMsgOffsetFlags       = 5
	hvMsgOffsetPayload     = 16

	hvMessageFlagPending = 1
)

// hvMessageTypeNone/hvMessageTypeChannel mirror hvcall's message type tag,
// which pkg/hvcall keeps unexported.
const (
	hvMessageTypeNone    uint32 = 0
	hvMessageTypeChannel uint32 = 1
)

// dpcQueueDepth bounds the per-CPU DPC notification channel. A depth of 1 is
// enough: a pending notification already guarantees the DPC goroutine will
// re-read whatever is currently in the message slot, so a second interrupt
// arriving before the first is drained needs no second entry.
const dpcQueueDepth = 1

// well-known VMBus device class type UUIDs, used only to compose a
// friendlier device-node name than the "VMBus Channel <id>" fallback. This
// table is deliberately small and non-exhaustive; an unrecognized type
// still gets published, just under the fallback name.
var deviceNames = map[UUID]string{
	mustParseUUID("57164f39-9115-4e78-ab55-382f3bd5422d"): "Hyper-V Heartbeat",
}

func prettyName(typeUUID UUID, channelID uint32) string {
	if name, ok := deviceNames[typeUUID]; ok {
		return name
	}
	return fmt.Sprintf("VMBus Channel %d", channelID)
}

// perCPUState is one CPU's SynIC pages. Written only by the owning CPU's
// interrupt/DPC path once installed; addresses are fixed at allocation time
// and never recomputed, matching the per-CPU SynIC state invariant.
type perCPUState struct {
	cpu int

	msgPage   []byte
	msgHandle hostos.PageHandle

	eventPage   []byte
	eventHandle hostos.PageHandle
	flags       *perCPUEventFlags

	dpc chan struct{}
}

// Config collects the collaborators and tuning parameters Bus needs. All
// fields are required except PageSize, which defaults to hvcall.PageSize.
type Config struct {
	Gateway    *hvcall.Gateway
	Alloc      hostos.PageAllocator
	Xlate      hostos.AddressTranslator
	CPUs       hostos.CPUBroadcaster
	MSR        hvcall.MSRIO
	IRQs       hostos.IRQDiscoverer
	Interrupts hostos.InterruptInstaller
	Publisher  hostos.NodePublisher
	Log        *slog.Logger
	PageSize   int
}

// Bus is the VMBus guest-side root manager: hypercall gateway, per-CPU
// SynIC state, message transaction engine, interrupt/DPC path, channel
// table and registration worker, GPADL allocator, connect/version
// negotiation, and the channel operations façade, tied together.
type Bus struct {
	gw    *hvcall.Gateway
	alloc hostos.PageAllocator
	xlate hostos.AddressTranslator
	cpus  hostos.CPUBroadcaster
	msr   hvcall.MSRIO
	irqs  hostos.IRQDiscoverer
	ints  hostos.InterruptInstaller
	pub   hostos.NodePublisher
	log   *slog.Logger

	pageSize   int
	maxMsgData int

	pool         *msgPool
	gpadlCounter atomic.Uint32

	table atomic.Pointer[channelTable]

	eventFlagsMode eventFlagsMode
	globalFlags    *globalEventFlags
	globalFlagsRaw []byte
	globalFlagsHdl hostos.PageHandle

	monitor1, monitor2 []byte
	monitor1Hdl        hostos.PageHandle
	monitor2Hdl        hostos.PageHandle

	perCPU []*perCPUState

	version      Version
	connectionID uint32

	irq uint8

	offerCh   chan *Channel
	rescindCh chan *Channel
	wakeCh    chan struct{}

	onOfferMu sync.Mutex
	onOffer   []func(*Channel)

	wg       sync.WaitGroup
	cancelBG context.CancelFunc
}

// OnOffer registers fn to run, on the registration worker's goroutine,
// once a channel has been offered and its device node published. fn must
// not block; a driver that wants to do real work should hand off to its
// own goroutine. Registrations made after Connect still see every offer
// from that point on, but miss any already delivered.
func (b *Bus) OnOffer(fn func(*Channel)) {
	b.onOfferMu.Lock()
	defer b.onOfferMu.Unlock()
	b.onOffer = append(b.onOffer, fn)
}

// NewBus constructs a Bus from cfg. It allocates the global event-flags and
// monitor pages but performs no hypercalls and installs no interrupt
// handler; call Connect to bring the bus up.
func NewBus(cfg Config) (*Bus, error) {
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = hvcall.PageSize
	}

	globalFlagsRaw, globalFlagsHdl, err := cfg.Alloc.AllocateContiguous(pageSize)
	if err != nil {
		return nil, fmt.Errorf("vmbus: allocate event flags page: %w", err)
	}
	monitor1, mon1Hdl, err := cfg.Alloc.AllocateContiguous(pageSize)
	if err != nil {
		return nil, fmt.Errorf("vmbus: allocate monitor page 1: %w", err)
	}
	monitor2, mon2Hdl, err := cfg.Alloc.AllocateContiguous(pageSize)
	if err != nil {
		return nil, fmt.Errorf("vmbus: allocate monitor page 2: %w", err)
	}

	b := &Bus{
		gw:             cfg.Gateway,
		alloc:          cfg.Alloc,
		xlate:          cfg.Xlate,
		cpus:           cfg.CPUs,
		msr:            cfg.MSR,
		irqs:           cfg.IRQs,
		ints:           cfg.Interrupts,
		pub:            cfg.Publisher,
		log:            cfg.Log,
		pageSize:       pageSize,
		maxMsgData:     hvcall.MaxPostMessageData,
		pool:           newMsgPool(),
		eventFlagsMode: eventFlagsNull,
		globalFlagsRaw: globalFlagsRaw,
		globalFlagsHdl: globalFlagsHdl,
		monitor1:       monitor1,
		monitor1Hdl:    mon1Hdl,
		monitor2:       monitor2,
		monitor2Hdl:    mon2Hdl,
		offerCh:        make(chan *Channel, 1),
		rescindCh:      make(chan *Channel, 1),
		wakeCh:         make(chan struct{}, 1),
	}
	b.globalFlags = newGlobalEventFlags(globalFlagsRaw, pageSize/8)
	return b, nil
}

// Close tears down per-CPU interrupt wiring and releases owned pages. The
// bus must not be used afterward. The interrupt handler is uninstalled
// first, before any DPC channel is closed, so a concurrent interrupt can
// never attempt to send on a channel this is in the middle of closing.
func (b *Bus) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if b.irq != 0 {
		note(b.ints.Uninstall(b.irq))
	}
	if b.cancelBG != nil {
		b.cancelBG()
	}
	for _, pc := range b.perCPU {
		if pc != nil {
			close(pc.dpc)
		}
	}
	b.wg.Wait()

	for _, pc := range b.perCPU {
		if pc == nil {
			continue
		}
		note(b.alloc.Release(pc.msgHandle))
		note(b.alloc.Release(pc.eventHandle))
	}
	note(b.alloc.Release(b.globalFlagsHdl))
	note(b.alloc.Release(b.monitor1Hdl))
	note(b.alloc.Release(b.monitor2Hdl))
	return firstErr
}

// PageSize returns the page size the bus was configured with, the unit
// AllocateGPADL's length and OpenChannel's rxOffset must be multiples of.
func (b *Bus) PageSize() int { return b.pageSize }

func (b *Bus) channelByID(id uint32) *Channel {
	t := b.table.Load()
	if t == nil {
		return nil
	}
	return t.get(id)
}

func (b *Bus) nextGPADLID() uint32 {
	for {
		id := b.gpadlCounter.Add(1)
		if id != 0 {
			return id
		}
	}
}

// linkAndSend links a transaction record for respType/key, then posts msg,
// returning the record for a later wait. It is the link-before-send half
// of the message transaction engine: linking first means a response
// arriving immediately after the hypercall returns can always find a
// match. Callers that need to post further messages before waiting on the
// response (such as CREATE_GPADL_ADDT fragments following CREATE_GPADL)
// call linkAndSend once and wait once, rather than going through
// sendAndWait.
func (b *Bus) linkAndSend(msg []byte, respType MsgType, key uint32) (*msgInfo, error) {
	m := b.pool.get()
	b.pool.link(m, respType, key)

	status, err := b.gw.PostMessage(msg)
	if err != nil {
		b.pool.abandon(m)
		return nil, fmt.Errorf("post message: %w", err)
	}
	if status != hvcall.StatusSuccess {
		b.pool.abandon(m)
		return nil, fmt.Errorf("host returned hypercall status %#x", status)
	}
	return m, nil
}

// wait blocks on m's response or ctx's cancellation, recycling m exactly
// once regardless of which wins. On the ctx.Done() branch it races
// dispatch/cancel for the right to abandon m: unlink reports whether this
// call actually removed m from the active list. If it did, no completion
// can land on m afterward, so wait owns recycling it directly. If it
// didn't, a completion already claimed m and is about to close m.done (or
// already has), so wait blocks on done and reads the fields the completion
// wrote, which close(done) makes safe to read unsynchronized.
func (b *Bus) wait(ctx context.Context, m *msgInfo) ([]byte, error) {
	select {
	case <-m.done:
		resp, waitErr := m.resp, m.waitErr
		b.pool.put(m)
		if waitErr != nil {
			return nil, waitErr
		}
		return resp, nil
	case <-ctx.Done():
		if b.pool.unlink(m) {
			b.pool.put(m)
			return nil, ctx.Err()
		}
		<-m.done
		resp, waitErr := m.resp, m.waitErr
		b.pool.put(m)
		if waitErr != nil {
			return nil, waitErr
		}
		return resp, nil
	}
}

// sendAndWait is the message transaction engine's send/link/wait/unlink
// flow, shared by every façade operation that sends exactly one message
// and then waits for its response.
func (b *Bus) sendAndWait(ctx context.Context, msg []byte, respType MsgType, key uint32) ([]byte, error) {
	m, err := b.linkAndSend(msg, respType, key)
	if err != nil {
		return nil, err
	}
	return b.wait(ctx, m)
}

// translateTransactionErr maps an error from sendAndWait into the vmbus
// error-kind taxonomy: a forced cancellation already carries its own
// *Error (e.g. KindNotFound from a rescind aborting an open wait) and is
// passed through unchanged; context cancellation becomes KindInterrupted;
// a retries-exhausted hypercall becomes KindNoMemory; anything else is a
// generic KindIOError.
func translateTransactionErr(op string, err error) *Error {
	var verr *Error
	if errors.As(err, &verr) {
		return verr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newErr(KindInterrupted, op, err)
	}
	if errors.Is(err, hvcall.ErrRetriesExhausted) {
		return newErr(KindNoMemory, op, err)
	}
	return newErr(KindIOError, op, err)
}

// messageSlot returns the raw bytes of SynIC message slot sint within page.
func messageSlot(page []byte, sint uint32) []byte {
	off := int(sint) * hvMessageSlotSize
	return page[off : off+hvMessageSlotSize]
}

func slotMessageType(slot []byte) uint32 {
	return uint32(slot[0]) | uint32(slot[1])<<8 | uint32(slot[2])<<16 | uint32(slot[3])<<24
}

func slotPayloadSize(slot []byte) int {
	return int(slot[hvMsgOffsetPayloadSize])
}

func slotPending(slot []byte) bool {
	return slot[hvMsgOffsetFlags]&hvMessageFlagPending != 0
}

func slotPayload(slot []byte) []byte {
	n := slotPayloadSize(slot)
	return slot[hvMsgOffsetPayload : hvMsgOffsetPayload+n]
}

func clearSlotType(slot []byte) {
	slot[0], slot[1], slot[2], slot[3] = 0, 0, 0, 0
}

// initPerCPU allocates cpu's SynIC pages, programs its MSRs, and registers
// its DPC goroutine. Called once for CPU 0 before connect, and once more
// per remaining CPU after a modern version negotiates (see
// broadcastSynIC).
func (b *Bus) initPerCPU(cpu int, vector uint8) error {
	msgPage, msgHdl, err := b.alloc.AllocateContiguous(b.pageSize)
	if err != nil {
		return fmt.Errorf("cpu%d: allocate message page: %w", cpu, err)
	}
	eventPage, eventHdl, err := b.alloc.AllocateContiguous(b.pageSize)
	if err != nil {
		_ = b.alloc.Release(msgHdl)
		return fmt.Errorf("cpu%d: allocate event flags page: %w", cpu, err)
	}

	msgPhys, err := b.xlate.PhysicalAddress(msgPage)
	if err != nil {
		return fmt.Errorf("cpu%d: translate message page: %w", cpu, err)
	}
	eventPhys, err := b.xlate.PhysicalAddress(eventPage)
	if err != nil {
		return fmt.Errorf("cpu%d: translate event flags page: %w", cpu, err)
	}

	if err := hvcall.ProgramSynIC(b.msr, cpu, msgPhys, eventPhys, vector); err != nil {
		return fmt.Errorf("cpu%d: program synic: %w", cpu, err)
	}

	pc := &perCPUState{
		cpu:         cpu,
		msgPage:     msgPage,
		msgHandle:   msgHdl,
		eventPage:   eventPage,
		eventHandle: eventHdl,
		flags:       newPerCPUEventFlags(eventPage),
		dpc:         make(chan struct{}, dpcQueueDepth),
	}
	for len(b.perCPU) <= cpu {
		b.perCPU = append(b.perCPU, nil)
	}
	b.perCPU[cpu] = pc

	b.wg.Add(1)
	go b.runDPC(pc)
	return nil
}

// broadcastSynIC programs every remaining CPU's SynIC once a modern version
// has been negotiated. Per the legacy-path decision in DESIGN.md, this is
// never called after a legacy connect: CPU 0 alone stays initialized.
func (b *Bus) broadcastSynIC(vector uint8) error {
	n := b.cpus.NumCPU()
	var initErr error
	var mu sync.Mutex
	err := b.cpus.RunOnEach(func(cpu int) {
		if cpu == 0 || cpu >= n {
			return
		}
		if ierr := b.initPerCPU(cpu, vector); ierr != nil {
			mu.Lock()
			if initErr == nil {
				initErr = ierr
			}
			mu.Unlock()
		}
	})
	if err != nil {
		return fmt.Errorf("broadcast synic init: %w", err)
	}
	return initErr
}

// runDPC is the per-CPU DPC goroutine: it blocks on pc.dpc, and each wake
// re-reads whatever is currently in the MESSAGE slot, coalescing any
// interrupts that arrived while a previous pass was still running.
func (b *Bus) runDPC(pc *perCPUState) {
	defer b.wg.Done()
	for range pc.dpc {
		b.messageDPC(pc)
	}
}

// handleInterrupt is the Go stand-in for the bus ISR: it runs the selected
// event-flags dispatcher inline, then checks whether the per-CPU MESSAGE
// slot is non-empty and, if so, wakes the DPC goroutine for cpu.
func (b *Bus) handleInterrupt(cpu int) {
	b.dispatchEventFlags(cpu)

	if cpu < 0 || cpu >= len(b.perCPU) || b.perCPU[cpu] == nil {
		return
	}
	pc := b.perCPU[cpu]
	slot := messageSlot(pc.msgPage, SintMessage)
	if slotMessageType(slot) == hvMessageTypeNone {
		return
	}
	select {
	case pc.dpc <- struct{}{}:
	default:
	}
}

// dispatchEventFlags runs the event-flags dispatcher selected at connect
// time. Reading eventFlagsMode here without a lock is safe: it is written
// exactly once, before the interrupt handler is installed.
func (b *Bus) dispatchEventFlags(cpu int) {
	switch b.eventFlagsMode {
	case eventFlagsNull:
		return
	case eventFlagsLegacy:
		b.dispatchLegacyEventFlags(cpu)
	case eventFlagsModern:
		b.dispatchModernEventFlags(cpu)
	}
}

func (b *Bus) dispatchLegacyEventFlags(cpu int) {
	if cpu < 0 || cpu >= len(b.perCPU) || b.perCPU[cpu] == nil {
		return
	}
	if b.perCPU[cpu].flags.drainWord(int(SintMessage)) == 0 {
		return
	}
	t := b.table.Load()
	if t == nil {
		return
	}
	for idx := 0; idx*32 < t.size(); idx++ {
		word := b.globalFlags.drainRXWord(idx)
		if word != 0 {
			dispatchWord(uint32(idx*32), word, t) //nolint:gosec
		}
	}
}

func (b *Bus) dispatchModernEventFlags(cpu int) {
	if cpu < 0 || cpu >= len(b.perCPU) || b.perCPU[cpu] == nil {
		return
	}
	t := b.table.Load()
	if t == nil {
		return
	}
	flags := b.perCPU[cpu].flags
	for idx := 0; idx*32 < t.size(); idx++ {
		word := flags.drainWord(idx)
		if word != 0 {
			dispatchWord(uint32(idx*32), word, t) //nolint:gosec
		}
	}
}

// messageDPC validates and dispatches the message currently in cpu's
// MESSAGE slot, then writes EOM. Malformed messages are logged and
// dropped; the host still gets its EOM since punishing it is not an
// option.
func (b *Bus) messageDPC(pc *perCPUState) {
	slot := messageSlot(pc.msgPage, SintMessage)
	mtype := slotMessageType(slot)
	payloadSize := slotPayloadSize(slot)

	if mtype != hvMessageTypeChannel || payloadSize < MsgHeaderSize {
		b.eomMessage(pc)
		return
	}

	payload := slotPayload(slot)
	hdr, err := unmarshalHeader(payload)
	if err != nil {
		b.log.Warn("vmbus: unreadable message header", "err", err)
		b.eomMessage(pc)
		return
	}
	t := MsgType(hdr.Type)
	if hdr.Type >= uint32(msgTypeMax) || payloadSize < minPayloadSize[t] {
		b.log.Warn("vmbus: message too short for its type", "type", t, "size", payloadSize)
		b.eomMessage(pc)
		return
	}

	body := make([]byte, payloadSize)
	copy(body, payload)
	b.dispatchMessage(t, body)
	b.eomMessage(pc)
}

// eomMessage clears the current message slot and signals EOM on the owning
// CPU. If the hypervisor had set the pending flag after the clear, it
// reissues EOM once more, matching the original's pending-flag recheck.
func (b *Bus) eomMessage(pc *perCPUState) {
	slot := messageSlot(pc.msgPage, SintMessage)
	clearSlotType(slot)

	if err := hvcall.WriteEOM(b.msr, pc.cpu); err != nil {
		b.log.Error("vmbus: write EOM failed", "cpu", pc.cpu, "err", err)
		return
	}
	if slotPending(slot) {
		if err := hvcall.WriteEOM(b.msr, pc.cpu); err != nil {
			b.log.Error("vmbus: write EOM (pending recheck) failed", "cpu", pc.cpu, "err", err)
		}
	}
}

// dispatchMessage is the DPC's message-type switch: channel lifecycle
// messages are handed to the registration path, everything else is matched
// against the active transaction list by (type, correlation key).
func (b *Bus) dispatchMessage(t MsgType, data []byte) {
	switch t {
	case MsgChannelOffer:
		b.handleOffer(data)
	case MsgRescindChannelOffer:
		b.handleRescind(data)
	default:
		key, ok := correlationKey(t, data)
		if !ok {
			return
		}
		if !b.pool.dispatch(t, key, data) {
			b.log.Warn("vmbus: unmatched response dropped", "type", t, "key", key)
		}
	}
}

// correlationKey extracts the case-by-case correlation key spec.md §4.3
// requires for each response type.
func correlationKey(t MsgType, data []byte) (uint32, bool) {
	switch t {
	case MsgOpenChannelResponse:
		m, err := unmarshalOpenChannelResp(data)
		if err != nil {
			return 0, false
		}
		return m.ChannelID, true
	case MsgCreateGPADLResponse:
		m, err := unmarshalCreateGPADLResp(data)
		if err != nil {
			return 0, false
		}
		return m.GpadlID, true
	case MsgFreeGPADLResponse:
		m, err := unmarshalFreeGPADLResp(data)
		if err != nil {
			return 0, false
		}
		return m.GpadlID, true
	case MsgConnectResponse:
		return 0, true
	default:
		return 0, false
	}
}

// handleOffer allocates and publishes a channel object for an incoming
// CHANNEL_OFFER. All allocation happens before the publishing store, so the
// ISR never needs to allocate to see a consistent channel table.
func (b *Bus) handleOffer(data []byte) {
	offer, err := unmarshalChannelOffer(data)
	if err != nil {
		b.log.Warn("vmbus: malformed channel offer", "err", err)
		return
	}
	t := b.table.Load()
	if t == nil || int(offer.ChannelID) >= t.size() {
		b.log.Warn("vmbus: channel offer id out of range", "channel", offer.ChannelID)
		return
	}

	ch := newChannel(offer.ChannelID, offer, b.version.isLegacy())
	t.publish(offer.ChannelID, ch)

	select {
	case b.offerCh <- ch:
	default:
		b.log.Warn("vmbus: offer queue full, dropping channel", "channel", ch.ID)
	}
	b.wake()
}

// handleRescind clears the channel table slot for a rescinded channel and
// hands it to the registration worker for teardown. Per the Open Question
// #3 decision, it first aborts any in-flight OpenChannel wait on the
// channel rather than leaving it to hang.
func (b *Bus) handleRescind(data []byte) {
	m, err := unmarshalRescindChannelOffer(data)
	if err != nil {
		b.log.Warn("vmbus: malformed rescind", "err", err)
		return
	}

	b.pool.cancel(MsgOpenChannelResponse, m.ChannelID,
		newErr(KindNotFound, "open_channel", fmt.Errorf("channel %d rescinded", m.ChannelID)))

	t := b.table.Load()
	if t == nil {
		return
	}
	ch := t.clear(m.ChannelID)
	if ch == nil {
		return
	}

	select {
	case b.rescindCh <- ch:
	default:
		b.log.Warn("vmbus: rescind queue full, dropping channel", "channel", m.ChannelID)
	}
	b.wake()
}

func (b *Bus) wake() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

// registrationWorker drains at most one offer and one rescind per wake,
// exactly as spec.md §4.5 requires, publishing and withdrawing device
// nodes and sending the fire-and-forget FREE_CHANNEL notification.
func (b *Bus) registrationWorker(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wakeCh:
		}

		var offered, rescinded *Channel
		select {
		case offered = <-b.offerCh:
		default:
		}
		select {
		case rescinded = <-b.rescindCh:
		default:
		}

		if offered != nil {
			b.registerOffer(ctx, offered)
		}
		if rescinded != nil {
			b.registerRescind(ctx, rescinded)
		}
	}
}

func (b *Bus) registerOffer(ctx context.Context, ch *Channel) {
	attrs := hostos.ChannelAttrs{
		Bus:          "hyperv",
		PrettyName:   prettyName(ch.TypeUUID, ch.ID),
		ChannelID:    ch.ID,
		TypeUUID:     ch.TypeUUID.String(),
		InstanceUUID: ch.InstanceUUID.String(),
	}
	node, err := b.pub.Publish(ctx, attrs)
	if err != nil {
		b.log.Error("vmbus: publish channel node failed", "channel", ch.ID, "err", err)
		return
	}
	ch.setNode(node)
	util.TraceLog(b.log, "vmbus: registered channel", "channel", ch.ID, "type", ch.TypeUUID.String(), "instance", ch.InstanceUUID.String())

	b.onOfferMu.Lock()
	hooks := append([]func(*Channel){}, b.onOffer...)
	b.onOfferMu.Unlock()
	for _, fn := range hooks {
		fn(ch)
	}
}

func (b *Bus) registerRescind(ctx context.Context, ch *Channel) {
	if node, ok := ch.takeNode(); ok {
		if err := b.pub.Withdraw(ctx, node); err != nil {
			b.log.Error("vmbus: withdraw channel node failed", "channel", ch.ID, "err", err)
		}
	}
	b.releaseChannelGPADLs(ch)
	ch.clearCallback()

	if msg, err := marshalFreeChannel(ch.ID); err == nil {
		if _, err := b.gw.PostMessage(msg); err != nil {
			b.log.Warn("vmbus: post FREE_CHANNEL failed", "channel", ch.ID, "err", err)
		}
	}
	util.TraceLog(b.log, "vmbus: deregistered channel", "channel", ch.ID)
}

// Connect performs the full bring-up sequence: discover and install the
// bus IRQ, program CPU 0's SynIC, negotiate a version, select the
// legacy/modern event-flags dispatcher and channel table size, broadcast
// SynIC setup to the rest of the CPUs if the negotiated version is modern,
// start the registration worker, and issue REQUEST_CHANNELS.
func (b *Bus) Connect(ctx context.Context) error {
	irq, err := b.irqs.BusIRQ()
	if err != nil {
		return newErr(KindIOError, "connect", fmt.Errorf("discover bus irq: %w", err))
	}
	vector := irq + 0x20

	if err := b.ints.Install(irq, b.handleInterrupt); err != nil {
		return newErr(KindIOError, "connect", fmt.Errorf("install interrupt handler: %w", err))
	}
	b.irq = irq

	if err := b.initPerCPU(0, vector); err != nil {
		return newErr(KindIOError, "connect", err)
	}

	eventFlagsPhys, err := b.xlate.PhysicalAddress(b.globalFlagsRaw)
	if err != nil {
		return newErr(KindIOError, "connect", fmt.Errorf("translate event flags page: %w", err))
	}
	mon1Phys, err := b.xlate.PhysicalAddress(b.monitor1)
	if err != nil {
		return newErr(KindIOError, "connect", fmt.Errorf("translate monitor page 1: %w", err))
	}
	mon2Phys, err := b.xlate.PhysicalAddress(b.monitor2)
	if err != nil {
		return newErr(KindIOError, "connect", fmt.Errorf("translate monitor page 2: %w", err))
	}

	var version Version
	connected := false
	var connID uint32
	for _, v := range negotiationVersions {
		msg, err := marshalConnect(&ConnectMsg{
			Version:            uint32(v),
			TargetCPU:          0,
			EventFlagsPhysAddr: uint64(eventFlagsPhys),
			Monitor1PhysAddr:   uint64(mon1Phys),
			Monitor2PhysAddr:   uint64(mon2Phys),
		})
		if err != nil {
			return newErr(KindIOError, "connect", err)
		}

		resp, err := b.sendAndWait(ctx, msg, MsgConnectResponse, 0)
		if err != nil {
			return translateTransactionErr("connect", err)
		}
		respMsg, err := unmarshalConnectResp(resp)
		if err != nil {
			return newErr(KindIOError, "connect", err)
		}
		if respMsg.Supported != 0 {
			version = v
			connID = respMsg.ConnectionID
			connected = true
			break
		}
		util.TraceLog(b.log, "vmbus: host refused version", "version", v.String())
	}
	if !connected {
		return newErr(KindNotSupported, "connect", fmt.Errorf("no version accepted by host"))
	}

	b.version = version
	b.connectionID = connID
	b.log.Info("vmbus: connected", "version", version.String(), "connection_id", connID)

	if version.isLegacy() {
		b.eventFlagsMode = eventFlagsLegacy
		b.table.Store(newChannelTable(LegacyMaxChannels))
	} else {
		b.eventFlagsMode = eventFlagsModern
		b.table.Store(newChannelTable(ModernMaxChannels))
		if err := b.broadcastSynIC(vector); err != nil {
			return newErr(KindIOError, "connect", err)
		}
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	b.cancelBG = cancel
	b.wg.Add(1)
	go b.registrationWorker(bgCtx)

	return b.requestChannels(ctx)
}

// requestChannels asks the host to (re)enumerate its channels. No response
// is awaited here: offers arrive asynchronously as CHANNEL_OFFER messages.
func (b *Bus) requestChannels(_ context.Context) error {
	msg, err := marshalRequestChannels()
	if err != nil {
		return newErr(KindIOError, "request_channels", err)
	}
	status, err := b.gw.PostMessage(msg)
	if err != nil {
		return newErr(KindNoMemory, "request_channels", err)
	}
	if status != hvcall.StatusSuccess {
		return newErr(KindIOError, "request_channels", fmt.Errorf("host returned hypercall status %#x", status))
	}
	return nil
}

// OpenChannel opens channelID, ring-buffered by gpadlID, with the given
// event callback, and waits for the host's OPEN_CHANNEL_RESPONSE. rxOffset
// is the byte offset of the receive ring within the gpadl buffer; it is
// converted to the wire's page-granular offset internally.
func (b *Bus) OpenChannel(ctx context.Context, channelID, gpadlID uint32, rxOffset uint32, cb EventCallback, cbData any) error {
	t := b.table.Load()
	if t == nil || int(channelID) >= t.size() {
		return newErr(KindBadValue, "open_channel", fmt.Errorf("channel %d out of range", channelID))
	}
	ch := t.get(channelID)
	if ch == nil {
		return newErr(KindNotFound, "open_channel", fmt.Errorf("channel %d not present", channelID))
	}
	if rxOffset%uint32(b.pageSize) != 0 { //nolint:gosec
		return newErr(KindBadValue, "open_channel", fmt.Errorf("rx offset %d is not page-aligned", rxOffset))
	}
	if !ch.tryOpen() {
		return newErr(KindBusy, "open_channel", fmt.Errorf("channel %d already open", channelID))
	}

	ch.setCallback(cb, cbData)

	msg, err := marshalOpenChannel(&OpenChannelMsg{
		ChannelID:    channelID,
		OpenID:       channelID,
		GpadlID:      gpadlID,
		TargetCPU:    0,
		RxPageOffset: rxOffset / uint32(b.pageSize), //nolint:gosec
	})
	if err != nil {
		ch.clearCallback()
		return newErr(KindIOError, "open_channel", err)
	}

	resp, err := b.sendAndWait(ctx, msg, MsgOpenChannelResponse, channelID)
	if err != nil {
		ch.clearCallback()
		return translateTransactionErr("open_channel", err)
	}
	respMsg, err := unmarshalOpenChannelResp(resp)
	if err != nil {
		ch.clearCallback()
		return newErr(KindIOError, "open_channel", err)
	}
	if respMsg.Result != 0 || respMsg.OpenID != channelID {
		ch.clearCallback()
		return newErr(KindIOError, "open_channel", fmt.Errorf("result=%d open_id=%d", respMsg.Result, respMsg.OpenID))
	}
	return nil
}

// CloseChannel sends a best-effort CLOSE_CHANNEL; no response is tracked.
func (b *Bus) CloseChannel(channelID uint32) error {
	ch := b.channelByID(channelID)
	if ch == nil {
		return newErr(KindNotFound, "close_channel", fmt.Errorf("channel %d not present", channelID))
	}

	msg, err := marshalCloseChannel(channelID)
	if err != nil {
		return newErr(KindIOError, "close_channel", err)
	}
	if _, err := b.gw.PostMessage(msg); err != nil {
		return newErr(KindIOError, "close_channel", err)
	}
	ch.clearCallback()
	return nil
}

// SignalChannel notifies the host of pending work on channelID. For
// channels without a dedicated interrupt, the channel's bit is ORed into
// the global TX event-flags word first, for shared-interrupt coalescing.
func (b *Bus) SignalChannel(channelID uint32) error {
	ch := b.channelByID(channelID)
	if ch == nil {
		return newErr(KindNotFound, "signal_channel", fmt.Errorf("channel %d not present", channelID))
	}

	if !ch.DedicatedInterrupt {
		b.globalFlags.setTXBit(channelID)
	}

	connID := uint32(ConnIDEvents)
	if ch.DedicatedInterrupt {
		connID = ch.ConnectionID
	}
	status := b.gw.SignalEvent(connID)
	if status != hvcall.StatusSuccess {
		return newErr(KindIOError, "signal_channel", fmt.Errorf("host returned hypercall status %#x", status))
	}
	return nil
}
