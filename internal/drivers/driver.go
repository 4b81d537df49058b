// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package drivers implements per-device-class consumers of the VMBus
// channel operations façade. A driver opens and closes its channel and
// reacts to its signal, but does not itself speak the ring-buffer
// producer/consumer protocol; that is a separate concern left to whatever
// eventually reads and writes ring packets.
package drivers

import "github.com/siderolabs/talos-vmbusd/pkg/vmbus"

// Driver is the interface every per-device-class consumer implements.
type Driver interface {
	// Register subscribes the driver to bus's channel offers. It returns
	// once the subscription is installed; it does not block waiting for
	// an offer to arrive.
	Register(bus *vmbus.Bus)
}

// matchOffer wires a driver's TypeUUID filter and handler into bus's offer
// notifications, the shared plumbing every Driver.Register implementation
// uses.
func matchOffer(bus *vmbus.Bus, typeUUID string, handle func(bus *vmbus.Bus, ch *vmbus.Channel)) {
	bus.OnOffer(func(ch *vmbus.Channel) {
		if ch.TypeUUID.String() != typeUUID {
			return
		}
		handle(bus, ch)
	})
}
