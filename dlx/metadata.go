// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package dlx

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"binpack.dev/binpack/internal/osutil"
	"binpack.dev/binpack/press"
)

// MetadataVersion is the version written into new metadata records.
const MetadataVersion = 1

const metadataName = ".dlx-metadata.json"

// Metadata is the JSON record stored alongside a cached executable.
type Metadata struct {
	Version  int    `json:"version"`
	CacheKey string `json:"cache_key"`
	// Timestamp is the store time in milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
	// Integrity is a Subresource Integrity string ("sha512-<base64>")
	// over the decompressed executable.
	Integrity string `json:"integrity"`
	Size      int64  `json:"size"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
	Source    Source `json:"source"`
}

// Source records where the artifact that populated an entry came from.
type Source struct {
	// Type is "injected" when the artifact was an embedded resource
	// or "appended" when it was found by scanning the launcher file.
	Type string `json:"type"`
	// Path is the launcher executable that populated the entry.
	Path string `json:"path"`
}

// fill populates zero-valued fields from the stored content.
func (meta *Metadata) fill(key string, data []byte) {
	if meta.Version == 0 {
		meta.Version = MetadataVersion
	}
	if meta.CacheKey == "" {
		meta.CacheKey = key
	}
	if meta.Timestamp == 0 {
		meta.Timestamp = time.Now().UnixMilli()
	}
	if meta.Integrity == "" {
		meta.Integrity = press.Integrity(data)
	}
	if meta.Size == 0 {
		meta.Size = int64(len(data))
	}
	if meta.Platform == "" {
		meta.Platform = runtime.GOOS
	}
	if meta.Arch == "" {
		meta.Arch = runtime.GOARCH
	}
}

func readMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	meta := new(Metadata)
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return meta, nil
}

func writeMetadata(path string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return osutil.WriteFileAtomic(path, append(data, '\n'), 0o644)
}
