// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package macho

import "fmt"

// CPUType is an enumeration of instruction set architectures.
type CPUType uint32

// [CPUType] values for the architectures Mach-O executables ship on.
const (
	CPUTypeI386   CPUType = 0x00000007 // CPU_TYPE_X86
	CPUTypeX86_64 CPUType = 0x01000007 // CPU_TYPE_X86_64
	CPUTypeARM    CPUType = 0x0000000c // CPU_TYPE_ARM
	CPUTypeARM64  CPUType = 0x0100000c // CPU_TYPE_ARM64
)

// String returns the conventional architecture name.
func (ct CPUType) String() string {
	switch ct {
	case CPUTypeI386:
		return "i386"
	case CPUTypeX86_64:
		return "x86_64"
	case CPUTypeARM:
		return "arm"
	case CPUTypeARM64:
		return "arm64"
	default:
		return fmt.Sprintf("cpu(%#x)", uint32(ct))
	}
}

// Is64Bit reports whether the CPU type has a 64-bit address width.
func (ct CPUType) Is64Bit() bool {
	return ct&0x01000000 != 0
}
