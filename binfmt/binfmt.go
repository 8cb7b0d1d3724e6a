// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

// Package binfmt identifies the container format of compiled executables.
//
// Detection reads only as much of the file as is needed to validate the
// format's magic bytes and locate its header tables; it never parses the
// full file.
package binfmt

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Format is an enumeration of executable container formats.
type Format int

// Known executable container formats.
const (
	Unknown Format = iota
	ELF
	MachO
	PE
)

// String returns the conventional name of the format.
func (f Format) String() string {
	switch f {
	case ELF:
		return "ELF"
	case MachO:
		return "Mach-O"
	case PE:
		return "PE"
	default:
		return "unknown"
	}
}

// A FormatError reports that a file is not a valid executable
// of the format the caller expected.
type FormatError struct {
	Path   string
	Detail string
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return "executable format: " + e.Detail
	}
	return fmt.Sprintf("executable format: %s: %s", e.Path, e.Detail)
}

const (
	elfMagic = "\x7fELF"
	dosMagic = "MZ"
	peMagic  = "PE\x00\x00"
)

// machoMagics are the single-architecture and universal Mach-O magic numbers
// in both byte orders.
var machoMagics = [][4]byte{
	{0xfe, 0xed, 0xfa, 0xce}, // 32-bit big-endian
	{0xfe, 0xed, 0xfa, 0xcf}, // 64-bit big-endian
	{0xce, 0xfa, 0xed, 0xfe}, // 32-bit little-endian
	{0xcf, 0xfa, 0xed, 0xfe}, // 64-bit little-endian
	{0xca, 0xfe, 0xba, 0xbe}, // universal
}

// Detect reads the magic bytes at the start of r
// and reports the container format they identify.
// Files shorter than four bytes
// and files whose magic matches no known format
// are reported as [Unknown] without error.
// PE detection follows the DOS header's e_lfanew field
// to validate the PE signature.
func Detect(r io.ReaderAt) (Format, error) {
	var head [4]byte
	if _, err := r.ReadAt(head[:], 0); err != nil {
		if err == io.EOF {
			return Unknown, nil
		}
		return Unknown, fmt.Errorf("detect executable format: %w", err)
	}

	if string(head[:]) == elfMagic {
		return ELF, nil
	}
	for _, magic := range machoMagics {
		if head == magic {
			return MachO, nil
		}
	}
	if string(head[:2]) == dosMagic {
		ok, err := hasPESignature(r)
		if err != nil {
			return Unknown, err
		}
		if ok {
			return PE, nil
		}
	}
	return Unknown, nil
}

// hasPESignature reports whether the DOS header at the start of r
// points at a valid "PE\0\0" signature.
func hasPESignature(r io.ReaderAt) (bool, error) {
	var lfanew [4]byte
	if _, err := r.ReadAt(lfanew[:], 0x3c); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, fmt.Errorf("detect executable format: %w", err)
	}
	off := int64(binary.LittleEndian.Uint32(lfanew[:]))
	var sig [4]byte
	if _, err := r.ReadAt(sig[:], off); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, fmt.Errorf("detect executable format: %w", err)
	}
	return string(sig[:]) == peMagic, nil
}
