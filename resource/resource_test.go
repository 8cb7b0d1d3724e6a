// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package resource

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestHasGetAbsent(t *testing.T) {
	// The test binary itself carries no injected resources.
	if Has("no_such_resource") {
		t.Error("Has(no_such_resource) = true on the test binary")
	}
	if data, ok := Get("no_such_resource"); ok || data != nil {
		t.Errorf("Get(no_such_resource) = %v, %t; want nil, false", data, ok)
	}
}

func TestScanMachO(t *testing.T) {
	payload := bytes.Repeat([]byte("blob"), 16)
	path := filepath.Join(t.TempDir(), "a.out")
	if err := os.WriteFile(path, buildTestMachO(t, payload), 0o755); err != nil {
		t.Fatal(err)
	}

	idx := scan(path)
	r, ok := idx.regions["__BP_DATA"]
	if !ok {
		t.Fatal("scan did not find the __BP_DATA segment")
	}
	if r.off != 0x2000 || r.size != int64(len(payload)) {
		t.Errorf("region = {off: %#x, size: %d}; want {off: 0x2000, size: %d}", r.off, r.size, len(payload))
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	buf := make([]byte, r.size)
	if _, err := f.ReadAt(buf, r.off); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, payload) {
		t.Error("region bytes differ from the embedded payload")
	}
}

func TestScanNotAnExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("just text\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if idx := scan(path); len(idx.regions) != 0 {
		t.Errorf("scan of a text file found %d regions; want none", len(idx.regions))
	}
}

// buildTestMachO assembles a minimal 64-bit little-endian executable
// with a __TEXT segment mapping the header and a payload segment at
// file offset 0x2000.
func buildTestMachO(tb testing.TB, payload []byte) []byte {
	tb.Helper()
	le := binary.LittleEndian
	img := make([]byte, 0x2000+len(payload))

	le.PutUint32(img, 0xfeedfacf)
	le.PutUint32(img[4:], 0x0100000c) // arm64
	le.PutUint32(img[12:], 2)         // MH_EXECUTE
	le.PutUint32(img[16:], 2)
	le.PutUint32(img[20:], 72+72)

	text := img[32:]
	le.PutUint32(text, 0x19) // LC_SEGMENT_64
	le.PutUint32(text[4:], 72)
	copy(text[8:], "__TEXT")
	le.PutUint64(text[24:], 0x100000000)
	le.PutUint64(text[32:], 0x2000)
	le.PutUint64(text[48:], 0x2000)
	le.PutUint32(text[56:], 5)
	le.PutUint32(text[60:], 5)

	blob := img[32+72:]
	le.PutUint32(blob, 0x19)
	le.PutUint32(blob[4:], 72)
	copy(blob[8:], "__BP_DATA")
	le.PutUint64(blob[24:], 0x100002000)
	le.PutUint64(blob[32:], 0x4000)
	le.PutUint64(blob[40:], 0x2000)
	le.PutUint64(blob[48:], uint64(len(payload)))
	le.PutUint32(blob[56:], 1)
	le.PutUint32(blob[60:], 1)

	copy(img[0x2000:], payload)
	return img
}
