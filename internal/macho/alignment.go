// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package macho

// Alignment is a power-of-two size or alignment
// expressed as a base-2 logarithm.
type Alignment uint32

// Bytes returns the alignment in bytes.
// ok is false if the alignment does not fit in a uint64.
func (a Alignment) Bytes() (_ uint64, ok bool) {
	if a >= 64 {
		return 0, false
	}
	return 1 << a, true
}
