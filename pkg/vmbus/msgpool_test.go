// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package vmbus

import (
	"sync"
	"testing"
)

func TestMsgPoolLinkDispatchUnlink(t *testing.T) {
	p := newMsgPool()
	m := p.get()
	p.link(m, MsgOpenChannelResponse, 42)

	if !p.dispatch(MsgOpenChannelResponse, 42, []byte{1, 2, 3}) {
		t.Fatal("dispatch: expected a match")
	}
	select {
	case <-m.done:
	default:
		t.Fatal("dispatch did not close done")
	}
	if string(m.resp) != "\x01\x02\x03" {
		t.Fatalf("resp = %v, want [1 2 3]", m.resp)
	}

	p.unlink(m)
	p.put(m)

	// A record returned to the free pool must come back fully reset.
	m2 := p.get()
	if m2.respType != MsgInvalid || m2.key != 0 || m2.resp != nil || m2.waitErr != nil {
		t.Fatalf("reused record not reset: %+v", m2)
	}
}

func TestMsgPoolDispatchNoMatchReturnsFalse(t *testing.T) {
	p := newMsgPool()
	m := p.get()
	p.link(m, MsgOpenChannelResponse, 1)

	if p.dispatch(MsgOpenChannelResponse, 2, []byte{0}) {
		t.Fatal("dispatch: expected no match for a different key")
	}
	if p.dispatch(MsgCreateGPADLResponse, 1, []byte{0}) {
		t.Fatal("dispatch: expected no match for a different type")
	}
}

func TestMsgPoolUnlinkIsIdempotent(t *testing.T) {
	p := newMsgPool()
	m := p.get()
	p.link(m, MsgOpenChannelResponse, 7)

	p.unlink(m)
	p.unlink(m) // must not panic or double-remove

	p.activeMu.Lock()
	n := len(p.active)
	p.activeMu.Unlock()
	if n != 0 {
		t.Fatalf("active list has %d entries after unlink, want 0", n)
	}
}

func TestMsgPoolUnlinkRacesCancelSafely(t *testing.T) {
	// Exactly one of dispatch/cancel may complete a record; unlink from
	// either the response path or the cancellation path must never double
	// remove the same record from the active list.
	p := newMsgPool()
	m := p.get()
	p.link(m, MsgOpenChannelResponse, 9)

	if !p.cancel(MsgOpenChannelResponse, 9, errTestCancelled) {
		t.Fatal("cancel: expected a match")
	}
	select {
	case <-m.done:
	default:
		t.Fatal("cancel did not close done")
	}
	if m.waitErr != errTestCancelled {
		t.Fatalf("waitErr = %v, want errTestCancelled", m.waitErr)
	}

	// cancel already removed the record from the active list as part of
	// claiming it, so unlink racing in afterward finds nothing and must
	// still be safe and idempotent regardless of call order.
	p.unlink(m)
	p.unlink(m)
}

func TestMsgPoolGetReusesFreedRecords(t *testing.T) {
	p := newMsgPool()
	m1 := p.get()
	p.put(m1)
	m2 := p.get()
	if m1 != m2 {
		t.Fatal("get: expected the freed record to be reused rather than allocating a new one")
	}
}

func TestMsgPoolAbandonRacesCancelSafely(t *testing.T) {
	// abandon (wait's ctx.Done() path) and cancel (a dispatch-side
	// completion) firing concurrently on the same record must never let
	// abandon's put/reset run while cancel is still writing into the
	// record: whichever loses the claim race must block on done first.
	for i := 0; i < 200; i++ {
		p := newMsgPool()
		m := p.get()
		p.link(m, MsgOpenChannelResponse, 3)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.cancel(MsgOpenChannelResponse, 3, errTestCancelled)
		}()
		go func() {
			defer wg.Done()
			p.abandon(m)
		}()
		wg.Wait()

		p.activeMu.Lock()
		n := len(p.active)
		p.activeMu.Unlock()
		if n != 0 {
			t.Fatalf("active list has %d entries after race, want 0", n)
		}
	}
}

var errTestCancelled = &Error{Kind: KindInterrupted, Op: "test"}
