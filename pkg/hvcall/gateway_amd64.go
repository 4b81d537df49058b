// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package hvcall

// HVCaller issues hypercalls through a previously-mapped hypercall page
// using the x86_64 RCX/RDX calling convention: RCX carries the control
// code, RDX the input guest-physical address (or the immediate value for a
// fast call such as SIGNAL_EVENT), R8 the output guest-physical address
// (unused by VMBus's two operations but part of the convention). The
// result is returned in RAX; the low 16 bits are the completion status.
type HVCaller struct {
	// Page is the mapped hypercall page the hypervisor has written its
	// call thunk into.
	Page []byte
}

// Call implements Caller by transferring control into Page at offset 0
// with the architecture's calling convention.
func (h *HVCaller) Call(controlCode, rdx, r8 uint64) uint64 {
	return hypercallAsm(&h.Page[0], controlCode, rdx, r8)
}

// hypercallAsm is implemented in gateway_amd64.s. It performs
// `call *page` with controlCode in RCX, rdx in RDX, r8 in R8, and returns
// the raw RAX result.
func hypercallAsm(page *byte, controlCode, rdx, r8 uint64) uint64
