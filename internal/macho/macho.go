// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

// Package macho reads and rewrites single-architecture Mach-O
// executables held in memory: segment insertion, signature stripping,
// and ad-hoc re-signing.
package macho

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Type is an enumeration of Mach-O file types.
type Type uint32

// Known Mach-O file types.
const (
	TypeObj    Type = 1
	TypeExec   Type = 2
	TypeDylib  Type = 6
	TypeBundle Type = 8
)

const (
	fileHeaderSize32 = 28
	fileHeaderSize64 = 32
)

// FileHeader represents a Mach-O single-architecture file header.
type FileHeader struct {
	ByteOrder    binary.ByteOrder
	AddressWidth int
	CPU          CPUType
	Type         Type

	LoadCommandCount      uint32
	LoadCommandRegionSize uint32
}

// ParseFileHeader parses the header at the start of a
// single-architecture Mach-O file.
func ParseFileHeader(data []byte) (*FileHeader, error) {
	bo, is64, ok := readMagic(data)
	if !ok {
		return nil, fmt.Errorf("parse mach-o header: not a single-architecture mach-o file")
	}
	size := fileHeaderSize32
	if is64 {
		size = fileHeaderSize64
	}
	if len(data) < size {
		return nil, fmt.Errorf("parse mach-o header: %v", io.ErrUnexpectedEOF)
	}
	hdr := &FileHeader{
		ByteOrder:    bo,
		AddressWidth: 32,
		CPU:          CPUType(bo.Uint32(data[4:])),
		Type:         Type(bo.Uint32(data[12:])),

		LoadCommandCount:      bo.Uint32(data[16:]),
		LoadCommandRegionSize: bo.Uint32(data[20:]),
	}
	if is64 {
		hdr.AddressWidth = 64
	}
	return hdr, nil
}

// LoadCommandsOffset returns the offset
// in bytes from the beginning of the Mach-O file
// where the load commands region begins.
func (hdr *FileHeader) LoadCommandsOffset() int64 {
	if hdr.AddressWidth == 32 {
		return fileHeaderSize32
	}
	return fileHeaderSize64
}

// DataOffset returns the offset
// in bytes from the beginning of the Mach-O file
// where the data region begins.
func (hdr *FileHeader) DataOffset() int64 {
	return hdr.LoadCommandsOffset() + int64(hdr.LoadCommandRegionSize)
}
