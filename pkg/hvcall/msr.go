// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package hvcall

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/siderolabs/talos-vmbusd/internal/hostos"
)

// Synthetic interrupt controller MSR numbers (Hyper-V TLFS).
const (
	msrHypercall uint32 = 0x40000001
	msrSControl  uint32 = 0x40000080
	msrSiefp     uint32 = 0x40000082
	msrSimp      uint32 = 0x40000083
	msrEOM       uint32 = 0x40000084
	msrSint0     uint32 = 0x40000090
)

const (
	hypercallEnableBit uint64 = 1
	simpSiefpEnableBit uint64 = 1
	sControlEnableBit  uint64 = 1
	sintMaskedBit      uint64 = 1 << 16
)

// EnableHypercallPage writes the guest-physical address of the hypercall
// page to the hypercall MSR with the enable bit set, which causes the
// hypervisor to patch that page with its call thunk. It must be done once,
// on any one CPU, before the gateway's Caller issues its first call.
func EnableHypercallPage(io MSRIO, cpu int, phys hostos.PhysAddr) error {
	value := (uint64(phys) &^ 0xFFF) | hypercallEnableBit
	if err := io.WriteMSR(cpu, msrHypercall, value); err != nil {
		return fmt.Errorf("hvcall: cpu%d: write hypercall MSR: %w", cpu, err)
	}
	return nil
}

// MSRIO reads and writes a single per-CPU model-specific register.
type MSRIO interface {
	ReadMSR(cpu int, msr uint32) (uint64, error)
	WriteMSR(cpu int, msr uint32, value uint64) error
}

// ProgramSynIC programs one CPU's synthetic interrupt controller: the
// message and event-flags page addresses, the SINT vectors for the VMBus
// message and timer sources, and enables the SynIC. It is called once per
// CPU, broadcast synchronously by the caller during connect.
func ProgramSynIC(io MSRIO, cpu int, msgPage, eventPage hostos.PhysAddr, vector uint8) error {
	simp := (uint64(msgPage) &^ 0xFFF) | simpSiefpEnableBit
	if err := io.WriteMSR(cpu, msrSimp, simp); err != nil {
		return fmt.Errorf("hvcall: cpu%d: write SIMP: %w", cpu, err)
	}

	siefp := (uint64(eventPage) &^ 0xFFF) | simpSiefpEnableBit
	if err := io.WriteMSR(cpu, msrSiefp, siefp); err != nil {
		return fmt.Errorf("hvcall: cpu%d: write SIEFP: %w", cpu, err)
	}

	for _, sint := range []uint32{sintMessage, sintTimer} {
		if err := writeSint(io, cpu, sint, vector); err != nil {
			return err
		}
	}

	sctl, err := io.ReadMSR(cpu, msrSControl)
	if err != nil {
		return fmt.Errorf("hvcall: cpu%d: read SCONTROL: %w", cpu, err)
	}
	if err := io.WriteMSR(cpu, msrSControl, sctl|sControlEnableBit); err != nil {
		return fmt.Errorf("hvcall: cpu%d: write SCONTROL: %w", cpu, err)
	}
	return nil
}

// sintMessage/sintTimer are the SINT indices VMBus uses (wire.go's
// vmbus.SintMessage/SintTimer mirrored here to avoid an import cycle).
const (
	sintMessage uint32 = 2
	sintTimer   uint32 = 4
)

func writeSint(io MSRIO, cpu int, sint uint32, vector uint8) error {
	msr := msrSint0 + sint
	cur, err := io.ReadMSR(cpu, msr)
	if err != nil {
		return fmt.Errorf("hvcall: cpu%d: read SINT%d: %w", cpu, sint, err)
	}
	// Preserve reserved/auto-EOI bits, replace the vector field (bits 0-7)
	// and clear the masked bit so the source is live.
	next := (cur &^ 0xFF &^ sintMaskedBit) | uint64(vector)
	if err := io.WriteMSR(cpu, msr, next); err != nil {
		return fmt.Errorf("hvcall: cpu%d: write SINT%d: %w", cpu, sint, err)
	}
	return nil
}

// WriteEOM writes zero to the end-of-message MSR on cpu, signalling the
// hypervisor the current message slot has been consumed.
func WriteEOM(io MSRIO, cpu int) error {
	if err := io.WriteMSR(cpu, msrEOM, 0); err != nil {
		return fmt.Errorf("hvcall: cpu%d: write EOM: %w", cpu, err)
	}
	return nil
}

// LinuxMSR implements MSRIO via /dev/cpu/<n>/msr, the standard Linux raw
// MSR access device. Reading and writing it requires CAP_SYS_RAWIO.
type LinuxMSR struct{}

func (LinuxMSR) devPath(cpu int) string {
	return fmt.Sprintf("/dev/cpu/%d/msr", cpu)
}

// ReadMSR implements MSRIO.
func (l LinuxMSR) ReadMSR(cpu int, msr uint32) (uint64, error) {
	fd, err := unix.Open(l.devPath(cpu), unix.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd) //nolint:errcheck

	var buf [8]byte
	if _, err := unix.Pread(fd, buf[:], int64(msr)); err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

// WriteMSR implements MSRIO.
func (l LinuxMSR) WriteMSR(cpu int, msr uint32, value uint64) error {
	fd, err := unix.Open(l.devPath(cpu), unix.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd) //nolint:errcheck

	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(value)
		value >>= 8
	}
	_, err = unix.Pwrite(fd, buf[:], int64(msr))
	return err
}
