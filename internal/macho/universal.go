// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package macho

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	universalHeaderFixedSize = 8
	universalFileEntrySize   = 20
)

// UniversalFileEntry is a single record from a Mach-O multi-architecture file.
type UniversalFileEntry struct {
	CPU        CPUType
	CPUSubtype uint32
	// Offset is the offset in bytes from the beginning of the Mach-O file
	// that this image starts at.
	Offset uint32
	// Size is the size of the image in bytes.
	Size      uint32
	Alignment Alignment
}

// ParseUniversalHeader parses the entry table at the start of a Mach-O
// multi-architecture file. The universal header is always big-endian.
func ParseUniversalHeader(data []byte) ([]UniversalFileEntry, error) {
	if len(data) < universalHeaderFixedSize {
		return nil, fmt.Errorf("parse universal mach-o header: %v", io.ErrUnexpectedEOF)
	}
	if !IsUniversal(data) {
		if IsSingleArchitecture(data) {
			return nil, fmt.Errorf("parse universal mach-o header: found single-architecture mach-o")
		}
		return nil, fmt.Errorf("parse universal mach-o header: not a mach-o file")
	}
	count := binary.BigEndian.Uint32(data[4:])
	if count == 0 {
		return nil, fmt.Errorf("parse universal mach-o header: empty")
	}
	if count > 128 {
		return nil, fmt.Errorf("parse universal mach-o header: too many entries (%d)", count)
	}
	if universalHeaderFixedSize+int64(count)*universalFileEntrySize > int64(len(data)) {
		return nil, fmt.Errorf("parse universal mach-o header: %v", io.ErrUnexpectedEOF)
	}

	entries := make([]UniversalFileEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		ent := data[universalHeaderFixedSize+int64(i)*universalFileEntrySize:]
		entry := UniversalFileEntry{
			CPU:        CPUType(binary.BigEndian.Uint32(ent)),
			CPUSubtype: binary.BigEndian.Uint32(ent[4:]),
			Offset:     binary.BigEndian.Uint32(ent[8:]),
			Size:       binary.BigEndian.Uint32(ent[12:]),
			Alignment:  Alignment(binary.BigEndian.Uint32(ent[16:])),
		}
		if _, ok := entry.Alignment.Bytes(); !ok {
			return nil, fmt.Errorf("parse universal mach-o header: entry %d: alignment too large", i)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
