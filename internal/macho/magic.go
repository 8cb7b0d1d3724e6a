// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package macho

import "encoding/binary"

// MagicNumberSize is the size (in bytes) of the magic number at the start of the Mach-O file.
const MagicNumberSize = 4

// Mach-O magic numbers, as read in the file's own byte order.
const (
	magic32        uint32 = 0xfeedface
	magic64        uint32 = 0xfeedfacf
	magicUniversal uint32 = 0xcafebabe
)

// readMagic classifies the magic number at the start of head.
// It returns the byte order the rest of the file uses and whether
// the file is 64-bit. ok is false for universal files, non-Mach-O
// data, and inputs shorter than [MagicNumberSize].
func readMagic(head []byte) (bo binary.ByteOrder, is64, ok bool) {
	if len(head) < MagicNumberSize {
		return nil, false, false
	}
	switch binary.BigEndian.Uint32(head) {
	case magic32:
		return binary.BigEndian, false, true
	case magic64:
		return binary.BigEndian, true, true
	}
	switch binary.LittleEndian.Uint32(head) {
	case magic32:
		return binary.LittleEndian, false, true
	case magic64:
		return binary.LittleEndian, true, true
	}
	return nil, false, false
}

// IsSingleArchitecture reports whether head starts with the Mach-O magic number
// for a single-architecture Mach-O file.
// IsSingleArchitecture will always report false if len(head) < [MagicNumberSize].
func IsSingleArchitecture(head []byte) bool {
	_, _, ok := readMagic(head)
	return ok
}

// IsUniversal reports whether head starts with the Mach-O magic number
// for a multi-architecture Mach-O file.
// IsUniversal will always report false if len(head) < [MagicNumberSize].
func IsUniversal(head []byte) bool {
	return len(head) >= MagicNumberSize && binary.BigEndian.Uint32(head) == magicUniversal
}
