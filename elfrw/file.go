// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package elfrw

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"binpack.dev/binpack/binfmt"
)

const (
	headerSize        = 64
	progHeaderSize    = 56
	sectionHeaderSize = 64
)

// header holds the mutable fields of a 64-bit ELF header.
// The identification bytes are carried verbatim from the input.
type header struct {
	ident     [16]byte
	typ       uint16
	machine   uint16
	version   uint32
	entry     uint64
	phoff     uint64
	shoff     uint64
	flags     uint32
	ehsize    uint16
	phentsize uint16
	phnum     uint16
	shentsize uint16
	shnum     uint16
	shstrndx  uint16
}

type prog struct {
	typ    uint32
	flags  uint32
	off    uint64
	vaddr  uint64
	paddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

type section struct {
	nameOff   uint32
	name      string
	typ       uint32
	flags     uint64
	addr      uint64
	off       uint64
	size      uint64
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
	// content, when non-nil, replaces the bytes at off in the original
	// image; the serializer relocates such sections to the end of the
	// output file.
	content []byte
}

// file is a parsed 64-bit ELF image. Section and segment contents stay
// in data at their original offsets; only metadata is held decoded.
type file struct {
	bo    binary.ByteOrder
	hdr   header
	progs []prog
	secs  []section
	data  []byte
}

func parse(data []byte) (*file, error) {
	if len(data) < headerSize {
		return nil, &binfmt.FormatError{Detail: "file too short for an ELF header"}
	}
	if string(data[:4]) != "\x7fELF" {
		return nil, &binfmt.FormatError{Detail: "bad ELF magic"}
	}
	if elf.Class(data[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return nil, &binfmt.FormatError{Detail: "only 64-bit ELF is supported"}
	}
	f := &file{data: data}
	switch elf.Data(data[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		f.bo = binary.LittleEndian
	case elf.ELFDATA2MSB:
		f.bo = binary.BigEndian
	default:
		return nil, &binfmt.FormatError{Detail: "unknown ELF byte order"}
	}

	hdr := &f.hdr
	copy(hdr.ident[:], data[:16])
	hdr.typ = f.bo.Uint16(data[16:])
	hdr.machine = f.bo.Uint16(data[18:])
	hdr.version = f.bo.Uint32(data[20:])
	hdr.entry = f.bo.Uint64(data[24:])
	hdr.phoff = f.bo.Uint64(data[32:])
	hdr.shoff = f.bo.Uint64(data[40:])
	hdr.flags = f.bo.Uint32(data[48:])
	hdr.ehsize = f.bo.Uint16(data[52:])
	hdr.phentsize = f.bo.Uint16(data[54:])
	hdr.phnum = f.bo.Uint16(data[56:])
	hdr.shentsize = f.bo.Uint16(data[58:])
	hdr.shnum = f.bo.Uint16(data[60:])
	hdr.shstrndx = f.bo.Uint16(data[62:])

	if hdr.phnum > 0 {
		if hdr.phentsize != progHeaderSize {
			return nil, &binfmt.FormatError{Detail: fmt.Sprintf("program header entry size %d; want %d", hdr.phentsize, progHeaderSize)}
		}
		end := hdr.phoff + uint64(hdr.phnum)*progHeaderSize
		if hdr.phoff < headerSize || end > uint64(len(data)) {
			return nil, &binfmt.FormatError{Detail: "program header table out of bounds"}
		}
		f.progs = make([]prog, hdr.phnum)
		for i := range f.progs {
			b := data[hdr.phoff+uint64(i)*progHeaderSize:]
			f.progs[i] = prog{
				typ:    f.bo.Uint32(b),
				flags:  f.bo.Uint32(b[4:]),
				off:    f.bo.Uint64(b[8:]),
				vaddr:  f.bo.Uint64(b[16:]),
				paddr:  f.bo.Uint64(b[24:]),
				filesz: f.bo.Uint64(b[32:]),
				memsz:  f.bo.Uint64(b[40:]),
				align:  f.bo.Uint64(b[48:]),
			}
		}
	}

	if hdr.shnum > 0 {
		if hdr.shentsize != sectionHeaderSize {
			return nil, &binfmt.FormatError{Detail: fmt.Sprintf("section header entry size %d; want %d", hdr.shentsize, sectionHeaderSize)}
		}
		end := hdr.shoff + uint64(hdr.shnum)*sectionHeaderSize
		if hdr.shoff < headerSize || end > uint64(len(data)) {
			return nil, &binfmt.FormatError{Detail: "section header table out of bounds"}
		}
		f.secs = make([]section, hdr.shnum)
		for i := range f.secs {
			b := data[hdr.shoff+uint64(i)*sectionHeaderSize:]
			f.secs[i] = section{
				nameOff:   f.bo.Uint32(b),
				typ:       f.bo.Uint32(b[4:]),
				flags:     f.bo.Uint64(b[8:]),
				addr:      f.bo.Uint64(b[16:]),
				off:       f.bo.Uint64(b[24:]),
				size:      f.bo.Uint64(b[32:]),
				link:      f.bo.Uint32(b[40:]),
				info:      f.bo.Uint32(b[44:]),
				addralign: f.bo.Uint64(b[48:]),
				entsize:   f.bo.Uint64(b[56:]),
			}
		}
		if int(hdr.shstrndx) >= len(f.secs) {
			return nil, &binfmt.FormatError{Detail: "section name table index out of bounds"}
		}
		names := f.sectionBytes(&f.secs[hdr.shstrndx])
		for i := range f.secs {
			f.secs[i].name = cstring(names, f.secs[i].nameOff)
		}
	}
	return f, nil
}

// sectionBytes returns a section's file content, or nil for sections
// that occupy no file space or whose bounds are corrupt.
func (f *file) sectionBytes(sec *section) []byte {
	if sec.content != nil {
		return sec.content
	}
	if sec.typ == uint32(elf.SHT_NOBITS) || sec.typ == uint32(elf.SHT_NULL) {
		return nil
	}
	end := sec.off + sec.size
	if sec.off > uint64(len(f.data)) || end > uint64(len(f.data)) || end < sec.off {
		return nil
	}
	return f.data[sec.off:end]
}

func (f *file) sectionByName(name string) *section {
	for i := 1; i < len(f.secs); i++ {
		if f.secs[i].name == name {
			return &f.secs[i]
		}
	}
	return nil
}

// serialize rebuilds the ELF image. Existing section and segment bytes
// stay at their original offsets; replaced contents, the rebuilt name
// table, and the section header table are appended at the end.
//
// The notes flag controls reconstruction of PT_NOTE program headers:
// with it set, every PT_NOTE entry is recomputed from the note section
// it covers; without it, PT_NOTE entries are omitted from the rebuilt
// table. Injection always serializes with notes set — dropping them
// produces a binary whose program header table no longer describes its
// note segments, which the loader and tooling reject.
func (f *file) serialize(notes bool) ([]byte, error) {
	// Drop a section header table that sat at the end of the input;
	// it is rebuilt below. A table in the middle of the file is left
	// in place as an inert gap.
	end := uint64(len(f.data))
	if f.hdr.shoff > 0 && f.hdr.shnum > 0 {
		if tail := f.hdr.shoff + uint64(f.hdr.shnum)*sectionHeaderSize; tail == end {
			end = f.hdr.shoff
		}
	}
	out := append([]byte(nil), f.data[:end]...)

	// Rebuild the section name table. It moves to the end of the image,
	// so the old copy becomes a gap.
	if len(f.secs) > 0 {
		names := []byte{0}
		for i := range f.secs {
			if i == 0 || f.secs[i].name == "" {
				f.secs[i].nameOff = 0
				continue
			}
			f.secs[i].nameOff = uint32(len(names))
			names = append(names, f.secs[i].name...)
			names = append(names, 0)
		}
		strtab := &f.secs[f.hdr.shstrndx]
		strtab.typ = uint32(elf.SHT_STRTAB)
		strtab.content = names
	}

	// Place relocated and new section contents.
	for i := range f.secs {
		sec := &f.secs[i]
		if sec.content == nil {
			continue
		}
		out = pad(out, sec.addralign)
		sec.off = uint64(len(out))
		sec.size = uint64(len(sec.content))
		out = append(out, sec.content...)
	}

	// Rebuild the program header table in place. The table can only
	// shrink (when notes are dropped), so the original slot always fits.
	if len(f.progs) > 0 {
		kept := make([]prog, 0, len(f.progs))
		for _, p := range f.progs {
			if p.typ == uint32(elf.PT_NOTE) {
				if !notes {
					continue
				}
				// Recompute the entry from the note section it covers.
				for i := range f.secs {
					sec := &f.secs[i]
					if sec.typ == uint32(elf.SHT_NOTE) && sec.off == p.off {
						p.filesz = sec.size
						p.vaddr = sec.addr
						p.paddr = sec.addr
						if p.memsz != 0 {
							p.memsz = sec.size
						}
						break
					}
				}
			}
			kept = append(kept, p)
		}
		b := out[f.hdr.phoff:]
		for i, p := range kept {
			e := b[i*progHeaderSize:]
			f.bo.PutUint32(e, p.typ)
			f.bo.PutUint32(e[4:], p.flags)
			f.bo.PutUint64(e[8:], p.off)
			f.bo.PutUint64(e[16:], p.vaddr)
			f.bo.PutUint64(e[24:], p.paddr)
			f.bo.PutUint64(e[32:], p.filesz)
			f.bo.PutUint64(e[40:], p.memsz)
			f.bo.PutUint64(e[48:], p.align)
		}
		for i := len(kept) * progHeaderSize; i < len(f.progs)*progHeaderSize; i++ {
			b[i] = 0
		}
		f.progs = kept
		f.hdr.phnum = uint16(len(kept))
	}

	// Append the section header table.
	if len(f.secs) > 0 {
		out = pad(out, 8)
		f.hdr.shoff = uint64(len(out))
		f.hdr.shnum = uint16(len(f.secs))
		f.hdr.shentsize = sectionHeaderSize
		for _, sec := range f.secs {
			var e [sectionHeaderSize]byte
			f.bo.PutUint32(e[0:], sec.nameOff)
			f.bo.PutUint32(e[4:], sec.typ)
			f.bo.PutUint64(e[8:], sec.flags)
			f.bo.PutUint64(e[16:], sec.addr)
			f.bo.PutUint64(e[24:], sec.off)
			f.bo.PutUint64(e[32:], sec.size)
			f.bo.PutUint32(e[40:], sec.link)
			f.bo.PutUint32(e[44:], sec.info)
			f.bo.PutUint64(e[48:], sec.addralign)
			f.bo.PutUint64(e[56:], sec.entsize)
			out = append(out, e[:]...)
		}
	} else {
		f.hdr.shoff = 0
		f.hdr.shnum = 0
	}

	hdr := &f.hdr
	copy(out[:16], hdr.ident[:])
	f.bo.PutUint16(out[16:], hdr.typ)
	f.bo.PutUint16(out[18:], hdr.machine)
	f.bo.PutUint32(out[20:], hdr.version)
	f.bo.PutUint64(out[24:], hdr.entry)
	f.bo.PutUint64(out[32:], hdr.phoff)
	f.bo.PutUint64(out[40:], hdr.shoff)
	f.bo.PutUint32(out[48:], hdr.flags)
	f.bo.PutUint16(out[52:], hdr.ehsize)
	f.bo.PutUint16(out[54:], hdr.phentsize)
	f.bo.PutUint16(out[56:], hdr.phnum)
	f.bo.PutUint16(out[58:], hdr.shentsize)
	f.bo.PutUint16(out[60:], hdr.shnum)
	f.bo.PutUint16(out[62:], hdr.shstrndx)
	return out, nil
}

func pad(buf []byte, align uint64) []byte {
	if align < 2 {
		return buf
	}
	for uint64(len(buf))%align != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func cstring(b []byte, off uint32) string {
	if uint64(off) >= uint64(len(b)) {
		return ""
	}
	b = b[off:]
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
