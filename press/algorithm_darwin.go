// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package press

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
)

// AlgorithmName identifies the compression algorithm
// selected for this platform at build time.
// Darwin uses zlib, the interchange mode shared with
// the platform's native compression framework.
const AlgorithmName = "zlib"

func compress(data []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w, err := zlib.NewWriterLevel(buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(payload []byte, uncompressedSize uint64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := bytes.NewBuffer(make([]byte, 0, uncompressedSize))
	// Read one byte past the declared size so oversized streams fail
	// the size check instead of being silently truncated.
	if _, err := io.Copy(out, io.LimitReader(r, int64(uncompressedSize)+1)); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
