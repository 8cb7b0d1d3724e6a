// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package press

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// The magic marker is assembled from two parts
// so that the finished string never appears verbatim
// in a launcher binary that scans for it.
const (
	magicPart1 = "BINPACK_COMPRESSED_DATA_"
	magicPart2 = "START_MAGIC_MARK"

	// MagicLen is the length in bytes of the artifact magic string.
	MagicLen = 40

	// CacheKeyLen is the length in bytes of the hexadecimal cache key.
	CacheKeyLen = 16

	// HeaderLen is the total length in bytes of a serialized [Header]:
	// the magic string, two little-endian uint64 sizes, and the cache key.
	HeaderLen = MagicLen + 8 + 8 + CacheKeyLen
)

// MaxUncompressedSize is the largest uncompressed payload
// that [Decompress] will allocate a buffer for.
// Declared sizes above this limit are rejected before any allocation.
const MaxUncompressedSize = 512 << 20

// ResourceName is the conventional resource name under which a compressed
// artifact is injected into a self-extracting launcher. It fits the
// tightest per-format name ceiling (8 bytes for PE section names).
const ResourceName = "bpack"

// magic is assembled at process start rather than declared as one constant:
// a constant expression would be folded into a single string literal,
// planting the marker in every binary that links this package.
var magic = func() string {
	var b strings.Builder
	b.WriteString(magicPart1)
	b.WriteString(magicPart2)
	return b.String()
}()

// Magic returns the artifact magic string.
func Magic() string {
	return magic
}

// A Header is the fixed-layout prefix of a compressed artifact.
// All numeric fields are little-endian regardless of host platform.
type Header struct {
	CompressedSize   uint64
	UncompressedSize uint64
	// CacheKey is the first 16 hexadecimal characters
	// of the SHA-512 hash of the compressed payload.
	CacheKey string
}

// AppendBinary marshals the header and appends the result to dst.
func (hdr *Header) AppendBinary(dst []byte) ([]byte, error) {
	if len(hdr.CacheKey) != CacheKeyLen {
		return dst, fmt.Errorf("marshal artifact header: cache key %q is not %d characters", hdr.CacheKey, CacheKeyLen)
	}
	dst = append(dst, Magic()...)
	dst = binary.LittleEndian.AppendUint64(dst, hdr.CompressedSize)
	dst = binary.LittleEndian.AppendUint64(dst, hdr.UncompressedSize)
	dst = append(dst, hdr.CacheKey...)
	return dst, nil
}

// MarshalBinary marshals the header into its fixed 80-byte layout.
func (hdr *Header) MarshalBinary() ([]byte, error) {
	return hdr.AppendBinary(make([]byte, 0, HeaderLen))
}

// UnmarshalBinary unmarshals the fixed artifact header,
// validating the magic string and the sanity of the declared sizes
// before the caller allocates any payload buffer.
func (hdr *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderLen {
		return fmt.Errorf("parse artifact header: %v", io.ErrUnexpectedEOF)
	}
	if len(data) > HeaderLen {
		return fmt.Errorf("parse artifact header: trailing data")
	}
	if string(data[:MagicLen]) != Magic() {
		return fmt.Errorf("parse artifact header: invalid magic")
	}
	hdr.CompressedSize = binary.LittleEndian.Uint64(data[MagicLen:])
	hdr.UncompressedSize = binary.LittleEndian.Uint64(data[MagicLen+8:])
	// An empty input still compresses to a nonempty stream,
	// so a zero compressed size can only mean corruption.
	// A zero uncompressed size is legal.
	if hdr.CompressedSize == 0 {
		return fmt.Errorf("parse artifact header: zero compressed size")
	}
	if hdr.UncompressedSize > MaxUncompressedSize {
		return fmt.Errorf("parse artifact header: declared uncompressed size %d exceeds limit %d", hdr.UncompressedSize, int64(MaxUncompressedSize))
	}
	if hdr.CompressedSize > MaxUncompressedSize {
		return fmt.Errorf("parse artifact header: declared compressed size %d exceeds limit %d", hdr.CompressedSize, int64(MaxUncompressedSize))
	}
	key := data[MagicLen+16 : MagicLen+16+CacheKeyLen]
	for _, c := range key {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return fmt.Errorf("parse artifact header: cache key %q is not lowercase hex", key)
		}
	}
	hdr.CacheKey = string(key)
	return nil
}

// FindHeader scans r for the artifact magic string
// and returns the offset at which the header begins.
// It is used by self-extracting launchers
// whose compressed payload was appended rather than resource-injected.
// The scan reads sequentially in fixed-size chunks,
// overlapping reads by the magic length
// so a marker spanning a chunk boundary is still found.
func FindHeader(r io.ReaderAt, size int64) (int64, error) {
	magic := []byte(Magic())
	const chunkSize = 64 << 10
	buf := make([]byte, chunkSize+MagicLen)
	for off := int64(0); off < size; off += chunkSize {
		n, err := r.ReadAt(buf, off)
		if n <= 0 {
			if err != nil && err != io.EOF {
				return 0, fmt.Errorf("scan for artifact header: %w", err)
			}
			break
		}
		if i := bytes.Index(buf[:n], magic); i >= 0 {
			return off + int64(i), nil
		}
		if err == io.EOF {
			break
		}
	}
	return 0, fmt.Errorf("scan for artifact header: magic not found")
}
