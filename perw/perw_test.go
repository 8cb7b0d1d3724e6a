// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package perw

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"binpack.dev/binpack/binfmt"
	"binpack.dev/binpack/injector"
)

// buildTestPE assembles a minimal PE32+ image with one .text section
// and header slack for additional section table entries.
func buildTestPE(tb testing.TB) []byte {
	tb.Helper()
	le := binary.LittleEndian
	const (
		peOff   = 64
		optOff  = peOff + 24
		optSize = 240
		tblOff  = optOff + optSize
	)
	img := make([]byte, 0x400)
	copy(img, "MZ")
	le.PutUint32(img[0x3c:], peOff)
	copy(img[peOff:], "PE\x00\x00")

	coff := img[peOff+4:]
	le.PutUint16(coff, 0x8664) // AMD64
	le.PutUint16(coff[2:], 1)  // NumberOfSections
	le.PutUint16(coff[16:], optSize)
	le.PutUint16(coff[18:], 0x0022) // executable, large-address-aware

	opt := img[optOff:]
	le.PutUint16(opt, 0x20b) // PE32+
	le.PutUint32(opt[16:], 0x1000)
	binary.LittleEndian.PutUint64(opt[24:], 0x140000000) // ImageBase
	le.PutUint32(opt[32:], 0x1000)                       // SectionAlignment
	le.PutUint32(opt[36:], 0x200)                        // FileAlignment
	le.PutUint32(opt[56:], 0x2000)                       // SizeOfImage
	le.PutUint32(opt[60:], 0x200)                        // SizeOfHeaders
	le.PutUint16(opt[68:], 3)                            // console subsystem
	le.PutUint32(opt[108:], 16)                          // NumberOfRvaAndSizes

	entry := img[tblOff:]
	copy(entry[:8], ".text")
	le.PutUint32(entry[8:], 16)      // VirtualSize
	le.PutUint32(entry[12:], 0x1000) // VirtualAddress
	le.PutUint32(entry[16:], 0x200)  // SizeOfRawData
	le.PutUint32(entry[20:], 0x200)  // PointerToRawData
	le.PutUint32(entry[36:], 0x60000020)

	copy(img[0x200:], []byte{0xb8, 0x2a, 0x00, 0x00, 0x00, 0xc3})
	return img
}

func writeTestPE(tb testing.TB, img []byte) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "prog.exe")
	if err := os.WriteFile(path, img, 0o755); err != nil {
		tb.Fatal(err)
	}
	return path
}

func TestInjectExtractRoundTrip(t *testing.T) {
	path := writeTestPE(t, buildTestPE(t))
	payload := bytes.Repeat([]byte("resource payload "), 100)

	if err := Inject(path, ".binpack", payload, nil); err != nil {
		t.Fatal(err)
	}
	got, err := Extract(path, ".binpack")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("extracted payload differs from injected (%d bytes vs %d)", len(got), len(payload))
	}

	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	pf, err := pe.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output is not a valid PE: %v", err)
	}
	defer pf.Close()
	if len(pf.Sections) != 2 {
		t.Errorf("output has %d sections; want 2", len(pf.Sections))
	}
	sec := pf.Section(".binpack")
	if sec == nil {
		t.Fatal("output has no .binpack section")
	}
	if sec.VirtualSize != uint32(len(payload)) {
		t.Errorf("section virtual size = %d; want %d", sec.VirtualSize, len(payload))
	}
	if sec.Offset%0x200 != 0 || sec.Size%0x200 != 0 {
		t.Errorf("raw placement %d+%d is not file-aligned", sec.Offset, sec.Size)
	}
	opt, ok := pf.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		t.Fatal("output lost its PE32+ optional header")
	}
	if want := alignUp(sec.VirtualAddress+sec.VirtualSize, 0x1000); opt.SizeOfImage != want {
		t.Errorf("SizeOfImage = %#x; want %#x", opt.SizeOfImage, want)
	}
}

func TestInjectCollision(t *testing.T) {
	path := writeTestPE(t, buildTestPE(t))
	if err := Inject(path, ".binpack", []byte("first payload"), nil); err != nil {
		t.Fatal(err)
	}
	err := Inject(path, ".binpack", []byte("second"), nil)
	if !errors.Is(err, injector.ErrResourceExists) {
		t.Fatalf("second inject returned %v; want ErrResourceExists", err)
	}

	// Replacement rewrites the raw data in place when it fits.
	if err := Inject(path, ".binpack", []byte("second"), &injector.Options{Replace: true}); err != nil {
		t.Fatal(err)
	}
	got, err := Extract(path, ".binpack")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Errorf("payload after replace = %q; want %q", got, "second")
	}

	// A replacement larger than the allocated raw size is rejected.
	huge := bytes.Repeat([]byte("x"), 0x200+1)
	err = Inject(path, ".binpack", huge, &injector.Options{Replace: true})
	if !errors.Is(err, injector.ErrResourceTooLarge) {
		t.Errorf("oversized replace returned %v; want ErrResourceTooLarge", err)
	}
}

func TestList(t *testing.T) {
	path := writeTestPE(t, buildTestPE(t))
	if err := Inject(path, ".binpack", []byte("payload"), nil); err != nil {
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
	if size, ok := names[".binpack"]; !ok || size != uint64(len("payload")) {
		t.Errorf("List = %v; want .binpack with size %d", names, len("payload"))
	}
	if _, ok := names[".text"]; !ok {
		t.Error("List omitted preexisting .text section")
	}
}

func TestExtractNotFound(t *testing.T) {
	path := writeTestPE(t, buildTestPE(t))
	_, err := Extract(path, ".absent")
	if !errors.Is(err, injector.ErrResourceNotFound) {
		t.Errorf("Extract returned %v; want ErrResourceNotFound", err)
	}
}

func TestInjectNameTooLong(t *testing.T) {
	path := writeTestPE(t, buildTestPE(t))
	err := Inject(path, ".ninechars", []byte("payload"), nil)
	if !errors.Is(err, injector.ErrNameTooLong) {
		t.Errorf("Inject returned %v; want ErrNameTooLong", err)
	}
}

func TestInjectNotAPE(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readme")
	if err := os.WriteFile(path, []byte("plain text, not an executable"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := Inject(path, ".binpack", []byte("payload"), nil)
	var formatErr *binfmt.FormatError
	if !errors.As(err, &formatErr) {
		t.Errorf("Inject returned %v; want *binfmt.FormatError", err)
	}
}

func TestInjectClearsHeaderSlack(t *testing.T) {
	img := buildTestPE(t)
	// Dirty the slack where the new table entry will land; nothing
	// guarantees a linker left it zeroed.
	const entryOff = 64 + 24 + 240 + 40
	for i := entryOff; i < entryOff+40; i++ {
		img[i] = 0xaa
	}
	path := writeTestPE(t, img)

	if err := Inject(path, ".bp", []byte("payload"), nil); err != nil {
		t.Fatal(err)
	}
	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	entry := out[entryOff : entryOff+40]
	if got := sectionName(entry[:8]); got != ".bp" {
		t.Fatalf("new entry name = %q; want %q", got, ".bp")
	}
	for i := len(".bp"); i < 8; i++ {
		if entry[i] != 0 {
			t.Errorf("name padding byte %d = %#x; want 0", i, entry[i])
		}
	}
	// Relocation and line-number fields of a data section must be zero.
	for i := 24; i < 36; i++ {
		if entry[i] != 0 {
			t.Errorf("entry byte %d = %#x; want 0", i, entry[i])
		}
	}
	if _, err := Extract(path, ".bp"); err != nil {
		t.Errorf("Extract after injecting over dirty slack: %v", err)
	}
}

func TestInjectNoHeaderRoom(t *testing.T) {
	img := buildTestPE(t)
	// Shrink SizeOfHeaders to end exactly at the current section table,
	// leaving no slack for another entry.
	le := binary.LittleEndian
	const optOff = 64 + 24
	le.PutUint32(img[optOff+60:], uint32(optOff+240))

	path := writeTestPE(t, img)
	if err := Inject(path, ".binpack", []byte("payload"), nil); err == nil {
		t.Error("Inject succeeded with a full header region; want error")
	}
}
