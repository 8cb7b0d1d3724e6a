// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

// Package perw embeds named resources into PE executables.
//
// A resource is a section appended to the section table with its raw
// data at the end of the file. PE resource sections carry no signature
// or ordering constraint, so injection is append-only: existing
// sections and headers keep their offsets, and only the section count,
// the image size, and the new table entry are written.
package perw

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"binpack.dev/binpack/binfmt"
	"binpack.dev/binpack/injector"
	"binpack.dev/binpack/internal/osutil"
)

func init() {
	injector.Register(binfmt.PE, peInjector{})
}

type peInjector struct{}

func (peInjector) Inject(path, name string, payload []byte, opts *injector.Options) error {
	return Inject(path, name, payload, opts)
}

func (peInjector) List(path string) ([]injector.Resource, error) {
	return List(path)
}

func (peInjector) Extract(path, name string) ([]byte, error) {
	return Extract(path, name)
}

// characteristics of an injected section: initialized data, readable.
const sectionCharacteristics = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ

// headerLayout locates the fields of a PE image that injection reads
// and rewrites. All offsets are into the raw file.
type headerLayout struct {
	numSectionsOff   int64 // uint16
	sizeOfImageOff   int64 // uint32
	sectionTableOff  int64
	numSections      int
	sectionAlignment uint32
	fileAlignment    uint32
	sizeOfHeaders    uint32
}

func parseLayout(data []byte) (*headerLayout, error) {
	if len(data) < 0x40 || string(data[:2]) != "MZ" {
		return nil, &binfmt.FormatError{Detail: "bad DOS magic"}
	}
	le := binary.LittleEndian
	peOff := int64(le.Uint32(data[0x3c:]))
	if peOff <= 0 || peOff+24 > int64(len(data)) || string(data[peOff:peOff+4]) != "PE\x00\x00" {
		return nil, &binfmt.FormatError{Detail: "bad PE signature"}
	}
	optOff := peOff + 24
	optSize := int64(le.Uint16(data[peOff+20:]))
	if optSize < 64 || optOff+optSize > int64(len(data)) {
		return nil, &binfmt.FormatError{Detail: "optional header out of bounds"}
	}
	switch magic := le.Uint16(data[optOff:]); magic {
	case 0x10b, 0x20b: // PE32, PE32+
	default:
		return nil, &binfmt.FormatError{Detail: fmt.Sprintf("unknown optional header magic %#x", magic)}
	}
	// SectionAlignment through SizeOfHeaders sit at the same offsets
	// in PE32 and PE32+ optional headers.
	l := &headerLayout{
		numSectionsOff:   peOff + 6,
		sizeOfImageOff:   optOff + 56,
		sectionTableOff:  optOff + optSize,
		numSections:      int(le.Uint16(data[peOff+6:])),
		sectionAlignment: le.Uint32(data[optOff+32:]),
		fileAlignment:    le.Uint32(data[optOff+36:]),
		sizeOfHeaders:    le.Uint32(data[optOff+60:]),
	}
	if l.fileAlignment == 0 || l.sectionAlignment == 0 {
		return nil, &binfmt.FormatError{Detail: "zero alignment in optional header"}
	}
	if l.sectionTableOff+int64(l.numSections)*40 > int64(len(data)) {
		return nil, &binfmt.FormatError{Detail: "section table out of bounds"}
	}
	return l, nil
}

// Inject embeds payload as a section called name in the executable at
// path. Replacing an existing resource rewrites its raw data in place
// and requires the new payload to fit the section's allocated size.
func Inject(path, name string, payload []byte, opts *injector.Options) error {
	if err := injector.CheckPayload(binfmt.PE, name, payload); err != nil {
		return fmt.Errorf("inject into %s: %w", path, err)
	}
	data, pf, mode, err := open(path)
	if err != nil {
		return err
	}
	defer pf.Close()
	layout, err := parseLayout(data)
	if err != nil {
		return decorate(err, path)
	}
	le := binary.LittleEndian

	if existing := pf.Section(name); existing != nil {
		if opts == nil || !opts.Replace {
			return fmt.Errorf("inject %q into %s: %w", name, path, injector.ErrResourceExists)
		}
		return replaceInPlace(path, data, layout, existing, payload, mode)
	}

	// The new table entry must fit inside the mapped header region.
	tableEnd := layout.sectionTableOff + int64(layout.numSections+1)*40
	if tableEnd > int64(layout.sizeOfHeaders) {
		return fmt.Errorf("inject %q into %s: no room in header for another section entry", name, path)
	}

	// Virtual placement: first free section-aligned address.
	virtualAddr := alignUp(layout.sizeOfHeaders, layout.sectionAlignment)
	for _, sec := range pf.Sections {
		span := sec.VirtualSize
		if sec.Size > span {
			span = sec.Size
		}
		if end := alignUp(sec.VirtualAddress+span, layout.sectionAlignment); end > virtualAddr {
			virtualAddr = end
		}
	}

	rawPtr := alignUp(uint32(len(data)), layout.fileAlignment)
	rawSize := alignUp(uint32(len(payload)), layout.fileAlignment)

	out := make([]byte, int(rawPtr)+int(rawSize))
	copy(out, data)
	copy(out[rawPtr:], payload)

	// The slot is header slack and is not guaranteed to be zero;
	// stale relocation or line-number fields would corrupt the entry.
	entry := out[layout.sectionTableOff+int64(layout.numSections)*40:]
	clear(entry[:40])
	copy(entry[:8], name)
	le.PutUint32(entry[8:], uint32(len(payload))) // VirtualSize
	le.PutUint32(entry[12:], virtualAddr)
	le.PutUint32(entry[16:], rawSize)
	le.PutUint32(entry[20:], rawPtr)
	le.PutUint32(entry[36:], uint32(sectionCharacteristics))

	le.PutUint16(out[layout.numSectionsOff:], uint16(layout.numSections+1))
	le.PutUint32(out[layout.sizeOfImageOff:], alignUp(virtualAddr+uint32(len(payload)), layout.sectionAlignment))

	if err := osutil.WriteFileAtomic(path, out, mode); err != nil {
		return fmt.Errorf("inject %q into %s: %w", name, path, err)
	}
	return nil
}

func replaceInPlace(path string, data []byte, layout *headerLayout, sec *pe.Section, payload []byte, mode os.FileMode) error {
	if uint32(len(payload)) > sec.Size {
		return fmt.Errorf("replace %q in %s: payload is %d bytes; section holds %d: %w",
			sec.Name, path, len(payload), sec.Size, injector.ErrResourceTooLarge)
	}
	out := append([]byte(nil), data...)
	raw := out[sec.Offset : sec.Offset+sec.Size]
	copy(raw, payload)
	for i := len(payload); i < len(raw); i++ {
		raw[i] = 0
	}
	// Find the table entry for this section to update its VirtualSize.
	le := binary.LittleEndian
	for i := 0; i < layout.numSections; i++ {
		entry := out[layout.sectionTableOff+int64(i)*40:]
		if sectionName(entry[:8]) == sec.Name {
			le.PutUint32(entry[8:], uint32(len(payload)))
			break
		}
	}
	if err := osutil.WriteFileAtomic(path, out, mode); err != nil {
		return fmt.Errorf("replace %q in %s: %w", sec.Name, path, err)
	}
	return nil
}

// List enumerates the sections of the executable at path.
func List(path string) ([]injector.Resource, error) {
	_, pf, _, err := open(path)
	if err != nil {
		return nil, err
	}
	defer pf.Close()
	var resources []injector.Resource
	for _, sec := range pf.Sections {
		if sec.Name == "" {
			continue
		}
		resources = append(resources, injector.Resource{
			Name: sec.Name,
			Size: uint64(sec.VirtualSize),
		})
	}
	return resources, nil
}

// Extract reads back the payload of the section called name.
// The payload length is the section's virtual size; file-alignment
// padding is not returned.
func Extract(path, name string) ([]byte, error) {
	_, pf, _, err := open(path)
	if err != nil {
		return nil, err
	}
	defer pf.Close()
	sec := pf.Section(name)
	if sec == nil {
		return nil, fmt.Errorf("extract %q from %s: %w", name, path, injector.ErrResourceNotFound)
	}
	raw, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("extract %q from %s: %w", name, path, err)
	}
	if n := int(sec.VirtualSize); n > 0 && n <= len(raw) {
		raw = raw[:n]
	}
	return raw, nil
}

func open(path string) ([]byte, *pe.File, os.FileMode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, 0, err
	}
	pf, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, nil, 0, &binfmt.FormatError{Path: path, Detail: err.Error()}
	}
	return data, pf, info.Mode().Perm(), nil
}

func decorate(err error, path string) error {
	var formatErr *binfmt.FormatError
	if errors.As(err, &formatErr) && formatErr.Path == "" {
		formatErr.Path = path
	}
	return err
}

func sectionName(raw []byte) string {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw)
}

func alignUp(x, align uint32) uint32 {
	if align == 0 {
		return x
	}
	return (x + align - 1) / align * align
}
