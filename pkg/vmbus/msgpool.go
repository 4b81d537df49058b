// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package vmbus

import "sync"

// msgInfo is one message transaction record: a request the caller is
// waiting on a response for. Records live on exactly one of msgPool's two
// lists at a time. resp and waitErr are only ever written by whichever
// of dispatch/cancel/unlink wins the race to remove the record from the
// active list under activeMu; close(done) is the happens-before edge that
// makes reading them afterward, unsynchronized, safe.
type msgInfo struct {
	respType MsgType
	key      uint32
	resp     []byte
	waitErr  error
	done     chan struct{}
}

func newMsgInfo() *msgInfo {
	return &msgInfo{done: make(chan struct{})}
}

func (m *msgInfo) reset() {
	m.respType = MsgInvalid
	m.key = 0
	m.resp = nil
	m.waitErr = nil
	m.done = make(chan struct{})
}

// msgPool is the free/active transaction-record pool described in the
// message transaction engine: a free list of reusable records and
// an active list of records awaiting a response, each under its own mutex.
type msgPool struct {
	freeMu sync.Mutex
	free   []*msgInfo

	activeMu sync.Mutex
	active   []*msgInfo
}

func newMsgPool() *msgPool {
	return &msgPool{}
}

// get returns a free record, allocating a new one if the pool is empty.
func (p *msgPool) get() *msgInfo {
	p.freeMu.Lock()
	defer p.freeMu.Unlock()
	if n := len(p.free); n > 0 {
		m := p.free[n-1]
		p.free = p.free[:n-1]
		return m
	}
	return newMsgInfo()
}

// put returns m to the free pool. m must already be unlinked from the
// active list.
func (p *msgPool) put(m *msgInfo) {
	m.reset()
	p.freeMu.Lock()
	p.free = append(p.free, m)
	p.freeMu.Unlock()
}

// link records m as awaiting a response keyed by (respType, key) and makes
// it visible to dispatch. The caller must link before sending, so that a
// response arriving immediately after the hypercall returns can always
// find a match.
func (p *msgPool) link(m *msgInfo, respType MsgType, key uint32) {
	m.respType = respType
	m.key = key
	p.activeMu.Lock()
	p.active = append(p.active, m)
	p.activeMu.Unlock()
}

// claim removes and returns the first active record for which match
// reports true, or nil if none matches. Finding the record and removing it
// from the active list happen under the same activeMu hold, so at most one
// caller among dispatch, cancel and unlink can ever claim a given record:
// whichever completion path loses the race sees the record already gone
// and takes no further action on it.
func (p *msgPool) claim(match func(*msgInfo) bool) *msgInfo {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for i, c := range p.active {
		if match(c) {
			p.active = append(p.active[:i], p.active[i+1:]...)
			return c
		}
	}
	return nil
}

// unlink removes m from the active list without completing it. It is safe
// to call even if m has already been claimed by dispatch or cancel; it
// simply finds nothing and returns false. wait's context-cancellation path
// uses the return value to tell whether it won the race to abandon m
// itself, or lost it to a completion already in flight.
func (p *msgPool) unlink(m *msgInfo) bool {
	return p.claim(func(c *msgInfo) bool { return c == m }) != nil
}

// abandon tears down m after its transaction is no longer wanted by the
// caller, independent of whether a response ever arrives: on a transport
// failure that happens after link but before (or instead of) any wait. If
// unlink wins the race, m is recycled immediately. If it loses, a
// dispatch/cancel completion already claimed m and is writing its fields
// and will close m.done; abandon waits for that close before recycling m,
// so put's reset can never run concurrently with that write.
func (p *msgPool) abandon(m *msgInfo) {
	if !p.unlink(m) {
		<-m.done
	}
	p.put(m)
}

// dispatch finds the active record matching (respType, key), removes it
// from the active list, copies resp into it and wakes its waiter. It
// reports whether a match was found; an unmatched response is the caller's
// cue to log and drop it.
func (p *msgPool) dispatch(respType MsgType, key uint32, resp []byte) bool {
	match := p.claim(func(c *msgInfo) bool { return c.respType == respType && c.key == key })
	if match == nil {
		return false
	}
	match.resp = resp
	close(match.done)
	return true
}

// cancel force-completes the active record matching (respType, key) with
// err in place of a response, waking its waiter immediately. Used when the
// bus itself must abort a caller's wait, such as a rescind arriving for a
// channel with an in-flight open transaction, rather than leaving the
// caller to hang until its own context is cancelled.
func (p *msgPool) cancel(respType MsgType, key uint32, err error) bool {
	match := p.claim(func(c *msgInfo) bool { return c.respType == respType && c.key == key })
	if match == nil {
		return false
	}
	match.waitErr = err
	close(match.done)
	return true
}
