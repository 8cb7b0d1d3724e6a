// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

//go:build !darwin

package press

import "github.com/klauspost/compress/zstd"

// AlgorithmName identifies the compression algorithm
// selected for this platform at build time.
const AlgorithmName = "zstd"

func compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func decompress(payload []byte, uncompressedSize uint64) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxUncompressedSize))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(payload, make([]byte, 0, uncompressedSize))
}
