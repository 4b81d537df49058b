// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package vmbus

import (
	"context"
	"encoding/binary"
	"testing"
)

func TestChunkPagesBoundary(t *testing.T) {
	pages := make([]uint64, 5)
	for i := range pages {
		pages[i] = uint64(i)
	}

	if chunks := chunkPages(pages[:3], 3); len(chunks) != 1 {
		t.Fatalf("exactly max pages: got %d chunks, want 1", len(chunks))
	} else if len(chunks[0]) != 3 {
		t.Fatalf("exactly max pages: chunk has %d pages, want 3", len(chunks[0]))
	}

	chunks := chunkPages(pages[:4], 3)
	if len(chunks) != 2 {
		t.Fatalf("max+1 pages: got %d chunks, want 2", len(chunks))
	}
	if len(chunks[0]) != 3 || len(chunks[1]) != 1 {
		t.Fatalf("max+1 pages: chunk sizes %d,%d, want 3,1", len(chunks[0]), len(chunks[1]))
	}
}

func TestKMaxPagesArithmetic(t *testing.T) {
	capBytes := 256
	kCreate := kMaxCreatePages(capBytes)
	kAddt := kMaxAddtPages(capBytes)

	if kCreate != (capBytes-createGPADLHeaderSize)/8 {
		t.Fatalf("kMaxCreatePages = %d, want %d", kCreate, (capBytes-createGPADLHeaderSize)/8)
	}
	if kAddt != (capBytes-createGPADLAddtHeaderSize)/8 {
		t.Fatalf("kMaxAddtPages = %d, want %d", kAddt, (capBytes-createGPADLAddtHeaderSize)/8)
	}
	if kAddt <= kCreate {
		t.Fatalf("kMaxAddtPages (%d) should exceed kMaxCreatePages (%d): the ADDT header is smaller", kAddt, kCreate)
	}
}

// gpadlHost layers a CREATE_GPADL/CREATE_GPADL_ADDT-aware responder on top
// of connect acceptance, for the GPADL-specific scenarios. By default it
// answers CREATE_GPADL immediately, which is correct whenever the request
// fits in a single message (no ADDT fragment follows); scenario-specific
// tests that need to wait for an ADDT fragment before responding replace
// tb.host.respond themselves.
func gpadlHost(t *testing.T) *testBus {
	t.Helper()
	var gpadlID uint32

	respond := func(raw []byte) ([]byte, int, bool) {
		hdr, err := unmarshalHeader(raw)
		if err != nil {
			return nil, 0, false
		}
		switch MsgType(hdr.Type) {
		case MsgConnect:
			resp, err := marshalFixed(MsgConnectResponse, &ConnectRespMsg{Supported: 1, ConnectionID: 1})
			if err != nil {
				t.Fatalf("marshal connect response: %v", err)
			}
			return resp, 0, true
		case MsgCreateGPADL:
			var m createGPADLHeader
			if err := unmarshalFixed(raw, &m); err != nil {
				t.Fatalf("unmarshal create gpadl: %v", err)
			}
			gpadlID = m.GpadlID
			resp, err := marshalFixed(MsgCreateGPADLResponse, &CreateGPADLRespMsg{GpadlID: gpadlID, Result: 0})
			if err != nil {
				t.Fatalf("marshal create gpadl response: %v", err)
			}
			return resp, 0, true
		case MsgFreeGPADL:
			resp, err := marshalFixed(MsgFreeGPADLResponse, &FreeGPADLRespMsg{GpadlID: gpadlID, Result: 0})
			if err != nil {
				t.Fatalf("marshal free gpadl response: %v", err)
			}
			return resp, 0, true
		default:
			return nil, 0, false
		}
	}

	return newTestBus(t, 1, respond)
}

// TestAllocateGPADLSpansTwoMessages covers end-to-end scenario 3: requesting
// K_MAX_CREATE+3 pages produces one CREATE_GPADL with K_MAX_CREATE page
// numbers and one CREATE_GPADL_ADDT with 3 page numbers, and the caller gets
// back a buffer and gpadl id once CREATE_GPADL_RESPONSE arrives.
func TestAllocateGPADLSpansTwoMessages(t *testing.T) {
	tb := gpadlHost(t)
	bus := tb.bus

	kCreate := kMaxCreatePages(bus.maxMsgData)
	pageCount := kCreate + 3
	length := pageCount * bus.pageSize

	offer := &ChannelOfferMsg{ChannelID: 5}
	tb.deliverOffer(t, offer)
	waitForChannel(t, bus, 5)

	// Script the CREATE_GPADL_RESPONSE to arrive once the ADDT fragment has
	// been observed, keyed by the gpadl id assigned inside AllocateGPADL.
	var gotCreate, gotAddt [][]byte
	tb.host.mu.Lock()
	tb.host.respond = func(raw []byte) ([]byte, int, bool) {
		hdr, err := unmarshalHeader(raw)
		if err != nil {
			return nil, 0, false
		}
		switch MsgType(hdr.Type) {
		case MsgCreateGPADL:
			gotCreate = append(gotCreate, raw)
			return nil, 0, false
		case MsgCreateGPADLAddt:
			gotAddt = append(gotAddt, raw)
			var m createGPADLAddtHeader
			_ = unmarshalFixed(raw, &m)
			resp, _ := marshalFixed(MsgCreateGPADLResponse, &CreateGPADLRespMsg{GpadlID: m.GpadlID, Result: 0})
			return resp, 0, true
		default:
			return nil, 0, false
		}
	}
	tb.host.mu.Unlock()

	buf, gpadlID, err := bus.AllocateGPADL(context.Background(), 5, length)
	if err != nil {
		t.Fatalf("AllocateGPADL: %v", err)
	}
	if len(buf) != length {
		t.Fatalf("buffer length = %d, want %d", len(buf), length)
	}
	if gpadlID == 0 {
		t.Fatal("gpadl id is zero")
	}

	if len(gotCreate) != 1 {
		t.Fatalf("CREATE_GPADL messages = %d, want 1", len(gotCreate))
	}
	createBody := gotCreate[0][MsgHeaderSize+binary.Size(createGPADLHeader{}):]
	if len(createBody)/8 != kCreate {
		t.Fatalf("CREATE_GPADL carries %d page numbers, want %d", len(createBody)/8, kCreate)
	}
	if len(gotAddt) != 1 {
		t.Fatalf("CREATE_GPADL_ADDT messages = %d, want 1", len(gotAddt))
	}
	addtBody := gotAddt[0][MsgHeaderSize+binary.Size(createGPADLAddtHeader{}):]
	if len(addtBody)/8 != 3 {
		t.Fatalf("CREATE_GPADL_ADDT carries %d page numbers, want 3", len(addtBody)/8)
	}
}

// TestAllocateGPADLExactlyKMaxCreateOmitsAddt covers the boundary: exactly
// K_MAX_CREATE pages fits in CREATE_GPADL alone, so no ADDT is ever sent.
func TestAllocateGPADLExactlyKMaxCreateOmitsAddt(t *testing.T) {
	tb := gpadlHost(t)
	bus := tb.bus

	kCreate := kMaxCreatePages(bus.maxMsgData)
	length := kCreate * bus.pageSize

	tb.deliverOffer(t, &ChannelOfferMsg{ChannelID: 6})
	waitForChannel(t, bus, 6)

	var addtSeen bool
	tb.host.mu.Lock()
	tb.host.respond = func(raw []byte) ([]byte, int, bool) {
		hdr, err := unmarshalHeader(raw)
		if err != nil {
			return nil, 0, false
		}
		switch MsgType(hdr.Type) {
		case MsgCreateGPADL:
			var m createGPADLHeader
			_ = unmarshalFixed(raw, &m)
			resp, _ := marshalFixed(MsgCreateGPADLResponse, &CreateGPADLRespMsg{GpadlID: m.GpadlID, Result: 0})
			return resp, 0, true
		case MsgCreateGPADLAddt:
			addtSeen = true
			return nil, 0, false
		default:
			return nil, 0, false
		}
	}
	tb.host.mu.Unlock()

	_, _, err := bus.AllocateGPADL(context.Background(), 6, length)
	if err != nil {
		t.Fatalf("AllocateGPADL: %v", err)
	}
	if addtSeen {
		t.Fatal("unexpected CREATE_GPADL_ADDT for exactly K_MAX_CREATE pages")
	}
}

func TestAllocateGPADLBoundaryBehaviors(t *testing.T) {
	tb := gpadlHost(t)
	bus := tb.bus
	tb.deliverOffer(t, &ChannelOfferMsg{ChannelID: 9})
	waitForChannel(t, bus, 9)

	if _, _, err := bus.AllocateGPADL(context.Background(), 9, 0); !isKind(err, KindBadValue) {
		t.Fatalf("L=0: err = %v, want bad-value", err)
	}
	if _, _, err := bus.AllocateGPADL(context.Background(), 9, bus.pageSize+1); !isKind(err, KindBadValue) {
		t.Fatalf("non-page-aligned L: err = %v, want bad-value", err)
	}
	tooMany := (MaxGPADLPages) * bus.pageSize
	if _, _, err := bus.AllocateGPADL(context.Background(), 9, tooMany); !isKind(err, KindBadValue) {
		t.Fatalf("P+1>8192: err = %v, want bad-value", err)
	}
}

// TestGPADLRoundTripLeavesNoLeak covers the round-trip law: allocate then
// free returns the bus to an indistinguishable state, with the buffer
// released back to the allocator and the channel's gpadl list empty.
func TestGPADLRoundTripLeavesNoLeak(t *testing.T) {
	tb := gpadlHost(t)
	bus := tb.bus
	tb.deliverOffer(t, &ChannelOfferMsg{ChannelID: 3})
	waitForChannel(t, bus, 3)

	_, gpadlID, err := bus.AllocateGPADL(context.Background(), 3, bus.pageSize)
	if err != nil {
		t.Fatalf("AllocateGPADL: %v", err)
	}

	ch := bus.channelByID(3)
	if len(ch.gpadls) != 1 {
		t.Fatalf("channel has %d gpadls after allocate, want 1", len(ch.gpadls))
	}

	if err := bus.FreeGPADL(context.Background(), 3, gpadlID); err != nil {
		t.Fatalf("FreeGPADL: %v", err)
	}
	if len(ch.gpadls) != 0 {
		t.Fatalf("channel has %d gpadls after free, want 0", len(ch.gpadls))
	}
}

func isKind(err error, k Kind) bool {
	verr, ok := err.(*Error)
	return ok && verr.Kind == k
}
