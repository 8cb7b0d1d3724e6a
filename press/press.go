// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

// Package press compresses and restores whole executable artifacts.
//
// A compressed artifact is the fixed 80-byte [Header] followed by the raw
// compressed payload. Exactly one compression algorithm is selected per
// target platform at build time; there is no runtime negotiation, and a
// launcher built for a platform always decodes artifacts produced for that
// platform. The cache key in the header is derived from a cryptographic
// hash of the compressed bytes, tying it to content rather than to any
// build timestamp.
package press

import (
	"fmt"
	"io"

	"zombiezen.com/go/nix"
)

// CacheKey returns the content-derived cache key for a compressed payload:
// the first [CacheKeyLen] hexadecimal characters of its SHA-512 hash.
func CacheKey(compressed []byte) string {
	h := nix.NewHasher(nix.SHA512)
	h.Write(compressed)
	return h.SumHash().RawBase16()[:CacheKeyLen]
}

// Integrity returns the Subresource Integrity string ("sha512-<base64>")
// of the given content, as recorded in cache metadata.
func Integrity(data []byte) string {
	h := nix.NewHasher(nix.SHA512)
	h.Write(data)
	return h.SumHash().SRI()
}

// Compress compresses data with the platform's algorithm
// and returns a complete artifact: header followed by compressed payload.
func Compress(data []byte) ([]byte, error) {
	if uint64(len(data)) > MaxUncompressedSize {
		return nil, fmt.Errorf("compress artifact: input size %d exceeds limit %d", len(data), int64(MaxUncompressedSize))
	}
	compressed, err := compress(data)
	if err != nil {
		return nil, fmt.Errorf("compress artifact: %v", err)
	}
	hdr := &Header{
		CompressedSize:   uint64(len(compressed)),
		UncompressedSize: uint64(len(data)),
		CacheKey:         CacheKey(compressed),
	}
	out := make([]byte, 0, HeaderLen+len(compressed))
	out, err = hdr.AppendBinary(out)
	if err != nil {
		return nil, err
	}
	return append(out, compressed...), nil
}

// Decompress restores the original bytes from a complete artifact.
// The header's magic and declared sizes are validated
// before the output buffer is allocated,
// so truncated or corrupted input is rejected cheaply.
func Decompress(artifact []byte) ([]byte, error) {
	hdr, payload, err := Split(artifact)
	if err != nil {
		return nil, err
	}
	return DecompressPayload(hdr, payload)
}

// Split parses an artifact's header and returns it
// together with the compressed payload it describes.
func Split(artifact []byte) (*Header, []byte, error) {
	if len(artifact) < HeaderLen {
		return nil, nil, fmt.Errorf("parse artifact: %v", io.ErrUnexpectedEOF)
	}
	hdr := new(Header)
	if err := hdr.UnmarshalBinary(artifact[:HeaderLen]); err != nil {
		return nil, nil, err
	}
	rest := artifact[HeaderLen:]
	if uint64(len(rest)) < hdr.CompressedSize {
		return nil, nil, fmt.Errorf("parse artifact: payload truncated (%d bytes of %d declared)", len(rest), hdr.CompressedSize)
	}
	return hdr, rest[:hdr.CompressedSize], nil
}

// DecompressPayload restores the original bytes
// from an already-parsed header and its compressed payload.
func DecompressPayload(hdr *Header, payload []byte) ([]byte, error) {
	if uint64(len(payload)) != hdr.CompressedSize {
		return nil, fmt.Errorf("decompress artifact: payload is %d bytes; header declares %d", len(payload), hdr.CompressedSize)
	}
	data, err := decompress(payload, hdr.UncompressedSize)
	if err != nil {
		return nil, fmt.Errorf("decompress artifact: %v", err)
	}
	if uint64(len(data)) != hdr.UncompressedSize {
		return nil, fmt.Errorf("decompress artifact: got %d bytes; header declares %d", len(data), hdr.UncompressedSize)
	}
	return data, nil
}
