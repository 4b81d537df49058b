// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package drivers

import (
	"context"
	"log/slog"
	"time"

	"github.com/siderolabs/talos-vmbusd/pkg/vmbus"
)

// heartbeatTypeUUID is the well-known VMBus channel type for the Hyper-V
// heartbeat integration component.
const heartbeatTypeUUID = "57164f39-9115-4e78-ab55-382f3bd5422d"

// heartbeatRingSize is the per-direction ring size the Windows and Linux
// heartbeat drivers both request.
const heartbeatRingSize = 0x1000

// Heartbeat opens and keeps open the Hyper-V heartbeat channel so the host
// considers the guest responsive. It stops at the channel operations
// façade: it allocates the channel's gpadl and opens the ring, but does
// not itself read or write heartbeat packets, since that belongs to the
// ring-buffer producer/consumer protocol.
type Heartbeat struct {
	logger *slog.Logger

	openTimeout time.Duration
}

// NewHeartbeat creates a new heartbeat driver.
func NewHeartbeat(logger *slog.Logger) *Heartbeat {
	logger.Debug("initializing")
	return &Heartbeat{logger: logger, openTimeout: 5 * time.Second}
}

// Register implements Driver.
func (h *Heartbeat) Register(bus *vmbus.Bus) {
	h.logger.Debug("registering")
	matchOffer(bus, heartbeatTypeUUID, h.handleOffer)
}

// handleOffer runs on the registration worker's goroutine once the host
// has offered the heartbeat channel. It hands the actual open off to its
// own goroutine, since Bus.OnOffer callbacks must not block.
func (h *Heartbeat) handleOffer(bus *vmbus.Bus, ch *vmbus.Channel) {
	l := h.logger.With("channel", ch.ID, "instance", ch.InstanceUUID.String())
	l.Debug("heartbeat channel offered")
	go h.open(bus, ch, l)
}

func (h *Heartbeat) open(bus *vmbus.Bus, ch *vmbus.Channel, l *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), h.openTimeout)
	defer cancel()

	// One gpadl backs both ring directions: a control page followed by
	// the ring data, for the send side, then the same again for the
	// receive side. rxOffset marks where the receive half begins.
	ringLen := bus.PageSize() + heartbeatRingSize
	gpadlLen := 2 * ringLen

	_, gpadlID, err := bus.AllocateGPADL(ctx, ch.ID, gpadlLen)
	if err != nil {
		l.Error("allocate heartbeat gpadl failed", "err", err)
		return
	}

	cb := func(any) {
		// A real heartbeat responder would read the pending packet here,
		// bump its sequence number, and write the response back; that is
		// the ring-buffer protocol this driver deliberately does not
		// implement.
	}

	if err := bus.OpenChannel(ctx, ch.ID, gpadlID, uint32(ringLen), cb, nil); err != nil { //nolint:gosec
		l.Error("open heartbeat channel failed", "err", err)
		if err := bus.FreeGPADL(ctx, ch.ID, gpadlID); err != nil {
			l.Error("free heartbeat gpadl after failed open", "err", err)
		}
		return
	}

	l.Debug("heartbeat channel open")
}
