// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package hvcall

// Hyper-V hypervisor CPUID leaves (TLFS).
const (
	cpuidLeafFeatures    uint32 = 0x00000001
	cpuidLeafHypervisor  uint32 = 0x40000000
	cpuidLeafHVInterface uint32 = 0x40000001
	cpuidLeafHVImpLimits uint32 = 0x40000005
)

// cpuidHypervisorPresentBit is ECX bit 31 of CPUID leaf 1, set by every
// hypervisor that implements the "hypervisor present" convention.
const cpuidHypervisorPresentBit uint32 = 1 << 31

// hvInterfaceSignature is the ASCII "Hv#1" interface identifier Hyper-V
// returns in EAX for CPUID leaf 0x40000001.
const hvInterfaceSignature uint32 = 0x31237648

// cpuidAsm is implemented in detect_amd64.s.
func cpuidAsm(leaf uint32) (eax, ebx, ecx, edx uint32)

// DetectHyperV reports whether the CPU advertises the Hyper-V hypervisor
// CPUID interface: the hypervisor-present bit is set, the hypervisor leaf
// claims support up to at least the implementation-limits leaf, and the
// interface leaf returns the "Hv#1" signature.
func DetectHyperV() bool {
	_, _, ecx, _ := cpuidAsm(cpuidLeafFeatures)
	if ecx&cpuidHypervisorPresentBit == 0 {
		return false
	}

	eax, _, _, _ := cpuidAsm(cpuidLeafHypervisor)
	if eax < cpuidLeafHVImpLimits {
		return false
	}

	eax, _, _, _ = cpuidAsm(cpuidLeafHVInterface)
	return eax == hvInterfaceSignature
}
