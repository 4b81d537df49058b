// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package hvcall implements the Hyper-V hypercall gateway: the single
// executable page registered with the hypervisor through which the guest
// posts VMBus control messages and signals events, and the per-CPU
// synthetic-interrupt-controller MSR programming that makes the guest
// reachable from the host.
package hvcall
