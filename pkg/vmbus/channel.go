// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package vmbus

import (
	"sync"
	"sync/atomic"

	"github.com/siderolabs/talos-vmbusd/internal/hostos"
)

// EventCallback is invoked by the event-flags dispatcher when a channel's
// bit is found set. It runs on the ISR path: it must be short and must not
// block.
type EventCallback func(data any)

// GPADLRecord is one allocated GPADL owned by a channel.
type GPADLRecord struct {
	ID     uint32
	Buffer []byte
	handle hostos.PageHandle
}

// Channel is one VMBus channel, born on CHANNEL_OFFER and torn down after
// RESCIND_CHANNEL_OFFER has been processed.
type Channel struct {
	ID                  uint32
	TypeUUID            UUID
	InstanceUUID        UUID
	DedicatedInterrupt  bool
	ConnectionID        uint32

	mu       sync.Mutex
	callback EventCallback
	cbData   any
	opened   bool
	gpadls   []*GPADLRecord
	node     hostos.NodeHandle
	hasNode  bool
}

func newChannel(id uint32, offer *ChannelOfferMsg, legacy bool) *Channel {
	c := &Channel{
		ID:           id,
		TypeUUID:     offer.TypeUUID,
		InstanceUUID: offer.InstanceUUID,
	}
	if !legacy {
		c.DedicatedInterrupt = offer.DedicatedInterrupt()
		c.ConnectionID = offer.ConnectionID
	}
	return c
}

// tryOpen marks the channel open if it was not already, reporting whether
// it succeeded. Callers must not proceed with OPEN_CHANNEL on failure.
func (c *Channel) tryOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return false
	}
	c.opened = true
	return true
}

func (c *Channel) setCallback(cb EventCallback, data any) {
	c.mu.Lock()
	c.callback = cb
	c.cbData = data
	c.mu.Unlock()
}

func (c *Channel) clearCallback() {
	c.mu.Lock()
	c.callback = nil
	c.cbData = nil
	c.opened = false
	c.mu.Unlock()
}

func (c *Channel) fire() {
	c.mu.Lock()
	cb, data := c.callback, c.cbData
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *Channel) addGPADL(rec *GPADLRecord) {
	c.mu.Lock()
	c.gpadls = append(c.gpadls, rec)
	c.mu.Unlock()
}

func (c *Channel) removeGPADL(id uint32) *GPADLRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, g := range c.gpadls {
		if g.ID == id {
			c.gpadls = append(c.gpadls[:i], c.gpadls[i+1:]...)
			return g
		}
	}
	return nil
}

func (c *Channel) takeAllGPADLs() []*GPADLRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.gpadls
	c.gpadls = nil
	return out
}

func (c *Channel) setNode(h hostos.NodeHandle) {
	c.mu.Lock()
	c.node = h
	c.hasNode = true
	c.mu.Unlock()
}

func (c *Channel) takeNode() (hostos.NodeHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.node, c.hasNode
	c.hasNode = false
	return h, ok
}

// channelTable is the dense, id-indexed array of channel pointers the ISR
// walks under no lock on reads (atomic.Pointer gives torn-pointer-free
// loads) and the DPC/worker mutate under mu.
type channelTable struct {
	mu   sync.Mutex // serializes publish/clear against each other; reads never take it
	slot []atomic.Pointer[Channel]
}

func newChannelTable(size int) *channelTable {
	return &channelTable{slot: make([]atomic.Pointer[Channel], size)}
}

func (t *channelTable) size() int { return len(t.slot) }

func (t *channelTable) get(id uint32) *Channel {
	if int(id) >= len(t.slot) {
		return nil
	}
	return t.slot[id].Load()
}

// publish stores ch at id. The caller must have already fully populated ch;
// nothing further may be written to it off this path before it becomes
// visible to the ISR.
func (t *channelTable) publish(id uint32, ch *Channel) {
	t.mu.Lock()
	t.slot[id].Store(ch)
	t.mu.Unlock()
}

// clear removes and returns whatever was at id, atomically.
func (t *channelTable) clear(id uint32) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= len(t.slot) {
		return nil
	}
	old := t.slot[id].Load()
	t.slot[id].Store(nil)
	return old
}
