// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package elfrw

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"binpack.dev/binpack/binfmt"
	"binpack.dev/binpack/injector"
)

// buildTestELF assembles a minimal 64-bit little-endian executable with
// a PT_LOAD segment, a PT_NOTE segment covering a .note.test section,
// a .text section, and a name table.
func buildTestELF(tb testing.TB) []byte {
	tb.Helper()
	le := binary.LittleEndian
	const (
		base    = uint64(0x400000)
		phoff   = uint64(64)
		phnum   = 2
		noteOff = phoff + phnum*56
	)
	note := make([]byte, 0, 24)
	note = le.AppendUint32(note, 4) // name size
	note = le.AppendUint32(note, 4) // descriptor size
	note = le.AppendUint32(note, 1) // type
	note = append(note, "GNU\x00"...)
	note = le.AppendUint32(note, 0xcafe)

	textOff := noteOff + uint64(len(note))
	for textOff%16 != 0 {
		textOff++
	}
	text := []byte{0xb8, 0x3c, 0x00, 0x00, 0x00, 0x0f, 0x05} // exit(0)

	names := []byte("\x00.note.test\x00.text\x00.shstrtab\x00")
	namesOff := textOff + uint64(len(text))
	shoff := namesOff + uint64(len(names))
	for shoff%8 != 0 {
		shoff++
	}

	img := make([]byte, shoff+4*64)
	copy(img, "\x7fELF")
	img[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	img[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	img[elf.EI_VERSION] = 1
	le.PutUint16(img[16:], uint16(elf.ET_EXEC))
	le.PutUint16(img[18:], uint16(elf.EM_X86_64))
	le.PutUint32(img[20:], 1)
	le.PutUint64(img[24:], base+textOff) // entry point
	le.PutUint64(img[32:], phoff)
	le.PutUint64(img[40:], shoff)
	le.PutUint16(img[52:], 64)
	le.PutUint16(img[54:], 56)
	le.PutUint16(img[56:], phnum)
	le.PutUint16(img[58:], 64)
	le.PutUint16(img[60:], 4)
	le.PutUint16(img[62:], 3) // .shstrtab index

	putProg := func(off uint64, typ, flags uint32, fileOff, vaddr, size, align uint64) {
		b := img[off:]
		le.PutUint32(b, typ)
		le.PutUint32(b[4:], flags)
		le.PutUint64(b[8:], fileOff)
		le.PutUint64(b[16:], vaddr)
		le.PutUint64(b[24:], vaddr)
		le.PutUint64(b[32:], size)
		le.PutUint64(b[40:], size)
		le.PutUint64(b[48:], align)
	}
	putProg(phoff, uint32(elf.PT_LOAD), uint32(elf.PF_R|elf.PF_X), 0, base, namesOff, 0x1000)
	putProg(phoff+56, uint32(elf.PT_NOTE), uint32(elf.PF_R), noteOff, base+noteOff, uint64(len(note)), 4)

	copy(img[noteOff:], note)
	copy(img[textOff:], text)
	copy(img[namesOff:], names)

	putSection := func(i int, nameOff, typ uint32, flags, addr, off, size, align uint64) {
		b := img[shoff+uint64(i)*64:]
		le.PutUint32(b, nameOff)
		le.PutUint32(b[4:], typ)
		le.PutUint64(b[8:], flags)
		le.PutUint64(b[16:], addr)
		le.PutUint64(b[24:], off)
		le.PutUint64(b[32:], size)
		le.PutUint64(b[48:], align)
	}
	putSection(1, 1, uint32(elf.SHT_NOTE), uint64(elf.SHF_ALLOC), base+noteOff, noteOff, uint64(len(note)), 4)
	putSection(2, 12, uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), base+textOff, textOff, uint64(len(text)), 16)
	putSection(3, 18, uint32(elf.SHT_STRTAB), 0, 0, namesOff, uint64(len(names)), 1)
	return img
}

func writeTestELF(tb testing.TB, img []byte) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "prog")
	if err := os.WriteFile(path, img, 0o755); err != nil {
		tb.Fatal(err)
	}
	return path
}

func TestInjectExtractRoundTrip(t *testing.T) {
	path := writeTestELF(t, buildTestELF(t))
	payload := bytes.Repeat([]byte("resource payload "), 100)

	if err := Inject(path, ".binpack.fs", payload, nil); err != nil {
		t.Fatal(err)
	}
	got, err := Extract(path, ".binpack.fs")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("extracted payload differs from injected (%d bytes vs %d)", len(got), len(payload))
	}

	// The rewritten file must still be a readable ELF executable.
	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	ef, err := elf.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output is not a valid ELF: %v", err)
	}
	defer ef.Close()
	sec := ef.Section(".binpack.fs")
	if sec == nil {
		t.Fatal("output has no .binpack.fs section")
	}
	data, err := sec.Data()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("section content read via debug/elf differs from payload")
	}
	if ef.Section(".text") == nil || ef.Section(".shstrtab") == nil {
		t.Error("preexisting sections were lost")
	}
}

func TestInjectPreservesNoteSegment(t *testing.T) {
	img := buildTestELF(t)
	wantNote, err := readNoteSegment(img)
	if err != nil {
		t.Fatal(err)
	}

	path := writeTestELF(t, img)
	if err := Inject(path, ".binpack.fs", []byte("payload"), nil); err != nil {
		t.Fatal(err)
	}
	// A second rewrite must not degrade the program header table either.
	if err := Inject(path, ".binpack.cfg", []byte("config"), nil); err != nil {
		t.Fatal(err)
	}

	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	gotNote, err := readNoteSegment(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotNote, wantNote) {
		t.Errorf("PT_NOTE content changed across injection:\n got %x\nwant %x", gotNote, wantNote)
	}

	// No section without a virtual address may be marked allocatable.
	ef, err := elf.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	defer ef.Close()
	for _, sec := range ef.Sections {
		if sec.Addr == 0 && sec.Flags&elf.SHF_ALLOC != 0 {
			t.Errorf("section %s has a zero address but carries SHF_ALLOC", sec.Name)
		}
	}
}

// readNoteSegment returns the content of the PT_NOTE segment of img.
func readNoteSegment(img []byte) ([]byte, error) {
	ef, err := elf.NewFile(bytes.NewReader(img))
	if err != nil {
		return nil, err
	}
	defer ef.Close()
	for _, p := range ef.Progs {
		if p.Type == elf.PT_NOTE {
			buf := make([]byte, p.Filesz)
			if _, err := p.ReadAt(buf, 0); err != nil {
				return nil, err
			}
			return buf, nil
		}
	}
	return nil, errors.New("no PT_NOTE segment")
}

func TestInjectCollision(t *testing.T) {
	path := writeTestELF(t, buildTestELF(t))
	if err := Inject(path, ".binpack.fs", []byte("first"), nil); err != nil {
		t.Fatal(err)
	}
	err := Inject(path, ".binpack.fs", []byte("second"), nil)
	if !errors.Is(err, injector.ErrResourceExists) {
		t.Fatalf("second inject returned %v; want ErrResourceExists", err)
	}
	got, err := Extract(path, ".binpack.fs")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "first" {
		t.Errorf("payload after rejected inject = %q; want %q", got, "first")
	}

	if err := Inject(path, ".binpack.fs", []byte("second"), &injector.Options{Replace: true}); err != nil {
		t.Fatal(err)
	}
	got, err = Extract(path, ".binpack.fs")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Errorf("payload after replace = %q; want %q", got, "second")
	}
}

func TestList(t *testing.T) {
	path := writeTestELF(t, buildTestELF(t))
	if err := Inject(path, ".binpack.fs", []byte("payload"), nil); err != nil {
		t.Fatal(err)
	}
	resources, err := List(path)
	if err != nil {
		t.Fatal(err)
	}
	names := make(map[string]uint64)
	for _, r := range resources {
		names[r.Name] = r.Size
	}
	if size, ok := names[".binpack.fs"]; !ok || size != uint64(len("payload")) {
		t.Errorf("List = %v; want .binpack.fs with size %d", names, len("payload"))
	}
	if _, ok := names[".text"]; !ok {
		t.Error("List omitted preexisting .text section")
	}
}

func TestExtractNotFound(t *testing.T) {
	path := writeTestELF(t, buildTestELF(t))
	_, err := Extract(path, ".absent")
	if !errors.Is(err, injector.ErrResourceNotFound) {
		t.Errorf("Extract returned %v; want ErrResourceNotFound", err)
	}
}

func TestInjectNameTooLong(t *testing.T) {
	path := writeTestELF(t, buildTestELF(t))
	err := Inject(path, strings.Repeat("n", 129), []byte("payload"), nil)
	if !errors.Is(err, injector.ErrNameTooLong) {
		t.Errorf("Inject returned %v; want ErrNameTooLong", err)
	}
}

func TestInjectNotAnELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readme")
	if err := os.WriteFile(path, []byte("plain text, not an executable"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := Inject(path, ".binpack.fs", []byte("payload"), nil)
	var formatErr *binfmt.FormatError
	if !errors.As(err, &formatErr) {
		t.Errorf("Inject returned %v; want *binfmt.FormatError", err)
	}
}

func TestInjectStrippedSectionTable(t *testing.T) {
	img := buildTestELF(t)
	le := binary.LittleEndian
	// Remove the section header table entirely, as a maximally
	// stripped build would.
	shoff := le.Uint64(img[40:])
	img = img[:shoff]
	le.PutUint64(img[40:], 0)
	le.PutUint16(img[60:], 0)
	le.PutUint16(img[62:], 0)

	path := writeTestELF(t, img)
	if err := Inject(path, ".binpack.fs", []byte("payload"), nil); err != nil {
		t.Fatal(err)
	}
	got, err := Extract(path, ".binpack.fs")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Errorf("extracted payload = %q; want %q", got, "payload")
	}
	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := elf.NewFile(bytes.NewReader(out)); err != nil {
		t.Errorf("output is not a valid ELF: %v", err)
	}
}

func TestInjectPreservesFileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on Windows")
	}
	path := writeTestELF(t, buildTestELF(t))
	if err := os.Chmod(path, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := Inject(path, ".binpack.fs", []byte("payload"), nil); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := info.Mode().Perm(); got != 0o750 {
		t.Errorf("file mode after inject = %v; want %v", got, os.FileMode(0o750))
	}
}
