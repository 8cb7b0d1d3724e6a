// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

// Package resource locates byte payloads embedded in the running
// executable itself.
//
// Lookup uses the container format's native section or segment table,
// so its cost is proportional to the number of entries, not the file
// size. The table is scanned once and memoized for the life of the
// process; the process performs the first lookup on a single thread
// at startup, before any concurrent access is possible. Absence is
// not an error: a binary built without injected resources answers
// every query with false.
package resource

import (
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"os"
	"sync"
)

// region locates one named payload within the executable file.
type region struct {
	off  int64
	size int64
}

type index struct {
	path    string
	regions map[string]region
}

var executableIndex = sync.OnceValue(func() *index {
	path, err := os.Executable()
	if err != nil {
		return &index{}
	}
	return scan(path)
})

// Has reports whether the running executable embeds a resource
// called name.
func Has(name string) bool {
	_, ok := executableIndex().regions[name]
	return ok
}

// Get reads back the payload embedded under name in the running
// executable. ok is false if no such resource exists or the
// executable cannot be read.
func Get(name string) (_ []byte, ok bool) {
	idx := executableIndex()
	r, ok := idx.regions[name]
	if !ok {
		return nil, false
	}
	f, err := os.Open(idx.path)
	if err != nil {
		return nil, false
	}
	defer f.Close()
	buf := make([]byte, r.size)
	if _, err := f.ReadAt(buf, r.off); err != nil {
		return nil, false
	}
	return buf, true
}

// scan builds the name table for the executable at path. Scan
// failures yield an empty index: a host binary must run correctly
// with or without injected resources.
func scan(path string) *index {
	f, err := os.Open(path)
	if err != nil {
		return &index{}
	}
	defer f.Close()

	idx := &index{path: path, regions: make(map[string]region)}
	switch {
	case scanELF(f, idx):
	case scanMachO(f, idx):
	case scanPE(f, idx):
	default:
		return &index{}
	}
	return idx
}

func scanELF(f *os.File, idx *index) bool {
	ef, err := elf.NewFile(f)
	if err != nil {
		return false
	}
	for _, s := range ef.Sections {
		if s.Name == "" || s.Type == elf.SHT_NOBITS {
			continue
		}
		idx.regions[s.Name] = region{off: int64(s.Offset), size: int64(s.Size)}
	}
	return true
}

func scanMachO(f *os.File, idx *index) bool {
	mf, err := macho.NewFile(f)
	if err != nil {
		return false
	}
	for _, load := range mf.Loads {
		seg, ok := load.(*macho.Segment)
		if !ok || seg.Name == "" || seg.Filesz == 0 {
			continue
		}
		idx.regions[seg.Name] = region{off: int64(seg.Offset), size: int64(seg.Filesz)}
	}
	return true
}

func scanPE(f *os.File, idx *index) bool {
	pf, err := pe.NewFile(f)
	if err != nil {
		return false
	}
	for _, s := range pf.Sections {
		if s.Name == "" {
			continue
		}
		size := int64(s.Size)
		// An injected payload's exact length is the virtual size;
		// the raw size is padded to the file alignment.
		if s.VirtualSize != 0 && int64(s.VirtualSize) < size {
			size = int64(s.VirtualSize)
		}
		idx.regions[s.Name] = region{off: int64(s.Offset), size: size}
	}
	return true
}
