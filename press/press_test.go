// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package press

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "Empty",
			data: []byte{},
		},
		{
			name: "Small",
			data: []byte("hello, world\n"),
		},
		{
			name: "MultiMegabyte",
			data: repetitiveData(8 << 20),
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			artifact, err := Compress(test.data)
			if err != nil {
				t.Fatal(err)
			}
			got, err := Decompress(artifact)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, test.data) {
				t.Errorf("decompress(compress(x)) differs from x (got %d bytes, want %d)", len(got), len(test.data))
			}
		})
	}
}

func TestCompressReduction(t *testing.T) {
	// A large stripped binary is highly repetitive; the artifact,
	// including its header, must come in well under the input size.
	data := repetitiveData(25 << 20)
	artifact, err := Compress(data)
	if err != nil {
		t.Fatal(err)
	}
	if limit := len(data) * 32 / 100; len(artifact) > limit {
		t.Errorf("artifact is %d bytes; want <= %d (68%% reduction of %d)", len(artifact), limit, len(data))
	}

	hdr, payload, err := Split(artifact)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.UncompressedSize != uint64(len(data)) {
		t.Errorf("header uncompressed size = %d; want %d", hdr.UncompressedSize, len(data))
	}
	if hdr.CompressedSize != uint64(len(payload)) {
		t.Errorf("header compressed size = %d; want %d", hdr.CompressedSize, len(payload))
	}
	if got, want := hdr.CacheKey, CacheKey(payload); got != want {
		t.Errorf("header cache key = %q; want %q", got, want)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	want := &Header{
		CompressedSize:   123456,
		UncompressedSize: 7891011,
		CacheKey:         "0123456789abcdef",
	}
	data, err := want.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != HeaderLen {
		t.Errorf("marshaled header is %d bytes; want %d", len(data), HeaderLen)
	}
	got := new(Header)
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("header round trip (-want +got):\n%s", diff)
	}
}

func TestHeaderValidation(t *testing.T) {
	valid := func() []byte {
		hdr := &Header{
			CompressedSize:   64,
			UncompressedSize: 128,
			CacheKey:         "0123456789abcdef",
		}
		data, err := hdr.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	tests := []struct {
		name   string
		mutate func(data []byte) []byte
	}{
		{
			name:   "Truncated",
			mutate: func(data []byte) []byte { return data[:HeaderLen/2] },
		},
		{
			name: "BadMagic",
			mutate: func(data []byte) []byte {
				data[0] ^= 0xff
				return data
			},
		},
		{
			name: "ZeroCompressedSize",
			mutate: func(data []byte) []byte {
				binary.LittleEndian.PutUint64(data[MagicLen:], 0)
				return data
			},
		},
		{
			name: "OversizedUncompressed",
			mutate: func(data []byte) []byte {
				binary.LittleEndian.PutUint64(data[MagicLen+8:], MaxUncompressedSize+1)
				return data
			},
		},
		{
			name: "NonHexCacheKey",
			mutate: func(data []byte) []byte {
				data[MagicLen+16] = 'G'
				return data
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			data := test.mutate(valid())
			if err := new(Header).UnmarshalBinary(data); err == nil {
				t.Error("UnmarshalBinary succeeded; want error")
			}
		})
	}
}

func TestDecompressTruncatedPayload(t *testing.T) {
	artifact, err := Compress(repetitiveData(1 << 16))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decompress(artifact[:len(artifact)-16]); err == nil {
		t.Error("Decompress(truncated artifact) succeeded; want error")
	}
}

func TestCacheKeyDeterministic(t *testing.T) {
	data := repetitiveData(1 << 16)
	a1, err := Compress(data)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := Compress(data)
	if err != nil {
		t.Fatal(err)
	}
	h1, _, err := Split(a1)
	if err != nil {
		t.Fatal(err)
	}
	h2, _, err := Split(a2)
	if err != nil {
		t.Fatal(err)
	}
	if h1.CacheKey != h2.CacheKey {
		t.Errorf("cache keys differ for identical input: %q vs %q", h1.CacheKey, h2.CacheKey)
	}
	if len(h1.CacheKey) != CacheKeyLen {
		t.Errorf("cache key %q is %d characters; want %d", h1.CacheKey, len(h1.CacheKey), CacheKeyLen)
	}
	if h1.CacheKey != strings.ToLower(h1.CacheKey) {
		t.Errorf("cache key %q is not lowercase", h1.CacheKey)
	}
}

func TestFindHeader(t *testing.T) {
	artifact, err := Compress([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	stub := bytes.Repeat([]byte{0x90}, 100<<10)
	file := append(append([]byte(nil), stub...), artifact...)

	off, err := FindHeader(bytes.NewReader(file), int64(len(file)))
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(len(stub)); off != want {
		t.Errorf("FindHeader = %d; want %d", off, want)
	}

	if _, err := FindHeader(bytes.NewReader(stub), int64(len(stub))); err == nil {
		t.Error("FindHeader on marker-free file succeeded; want error")
	}
}

func TestMagicLength(t *testing.T) {
	if len(Magic()) != MagicLen {
		t.Errorf("len(Magic()) = %d; want %d", len(Magic()), MagicLen)
	}
}

// repetitiveData produces pseudo-random but compressible data:
// runs of repeated random bytes, roughly modeling a stripped binary
// with long spans of similar instruction patterns and padding.
func repetitiveData(n int) []byte {
	rng := rand.New(rand.NewSource(1))
	data := make([]byte, 0, n)
	for len(data) < n {
		b := byte(rng.Intn(256))
		run := 16 + rng.Intn(240)
		if len(data)+run > n {
			run = n - len(data)
		}
		for i := 0; i < run; i++ {
			data = append(data, b)
		}
	}
	return data
}
