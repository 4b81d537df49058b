// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package vmbus

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// UUID is a 16-byte VMBus type/instance identifier, stored in the wire
// byte order used by CHANNEL_OFFER.
type UUID [16]byte

// String renders the UUID in the field-swapped, lowercase, hyphenated form
// VMBus uses for device-node attributes:
// "%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x".
func (u UUID) String() string {
	return fmt.Sprintf(
		"%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		uint32(u[3])<<24|uint32(u[2])<<16|uint32(u[1])<<8|uint32(u[0]),
		uint16(u[5])<<8|uint16(u[4]),
		uint16(u[7])<<8|uint16(u[6]),
		u[8], u[9],
		u[10], u[11], u[12], u[13], u[14], u[15],
	)
}

// IsZero reports whether the UUID is all zero bytes.
func (u UUID) IsZero() bool {
	return u == UUID{}
}

// parseUUID is the inverse of String, used to spell well-known device
// class UUIDs as literals in source rather than raw byte arrays.
func parseUUID(s string) (UUID, error) {
	raw, err := hex.DecodeString(strings.ReplaceAll(s, "-", ""))
	if err != nil {
		return UUID{}, fmt.Errorf("vmbus: malformed uuid %q: %w", s, err)
	}
	if len(raw) != 16 {
		return UUID{}, fmt.Errorf("vmbus: uuid %q has %d bytes, want 16", s, len(raw))
	}
	var u UUID
	u[0], u[1], u[2], u[3] = raw[3], raw[2], raw[1], raw[0]
	u[4], u[5] = raw[5], raw[4]
	u[6], u[7] = raw[7], raw[6]
	copy(u[8:], raw[8:])
	return u, nil
}

// mustParseUUID panics on a malformed literal; used only for package-level
// static tables built from known-good constant strings.
func mustParseUUID(s string) UUID {
	u, err := parseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}
