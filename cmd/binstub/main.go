// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

// binstub is the self-extracting launcher prepended to or injected
// into compressed artifacts. On launch it locates the embedded
// artifact, resolves the content-addressed cache entry for its key,
// decompresses on a miss, and hands execution to the real binary.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"zombiezen.com/go/log"

	"binpack.dev/binpack/dlx"
	"binpack.dev/binpack/press"
	"binpack.dev/binpack/resource"
)

func main() {
	if err := run(context.Background()); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate own executable: %w", err)
	}
	artifact, sourceType, err := findArtifact(self)
	if err != nil {
		return err
	}
	hdr, payload, err := press.Split(artifact)
	if err != nil {
		return err
	}

	cache := dlx.Open("")
	if path, ok := cache.Lookup(hdr.CacheKey, hdr.UncompressedSize); ok {
		return execute(path, os.Args[1:])
	}

	// Miss or failed validation: decompress and store a fresh entry.
	// A concurrent launcher racing on the same key writes identical
	// bytes, so whichever rename lands last is equally valid.
	data, err := press.DecompressPayload(hdr, payload)
	if err != nil {
		return err
	}
	path, err := cache.Store(hdr.CacheKey, data, &dlx.Metadata{
		Source: dlx.Source{Type: sourceType, Path: self},
	})
	if err != nil {
		return err
	}
	return execute(path, os.Args[1:])
}

// findArtifact locates the compressed artifact carried by the
// launcher: first as an injected resource, then by scanning the
// launcher's own file for the magic marker (the appended layout).
func findArtifact(self string) (artifact []byte, sourceType string, err error) {
	if data, ok := resource.Get(press.ResourceName); ok {
		return data, "injected", nil
	}
	f, err := os.Open(self)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, "", err
	}
	off, err := press.FindHeader(f, info.Size())
	if err != nil {
		return nil, "", fmt.Errorf("no embedded artifact in %s: %w", self, err)
	}
	data := make([]byte, info.Size()-off)
	if _, err := f.ReadAt(data, off); err != nil {
		return nil, "", err
	}
	return data, "appended", nil
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "binstub: ", log.StdFlags, nil),
		})
	})
}
