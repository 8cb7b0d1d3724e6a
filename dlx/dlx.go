// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

// Package dlx implements the content-addressed cache of decompressed
// binaries used by self-extracting launchers.
//
// Each entry lives in its own directory named by the artifact's cache key
// and holds the executable plus a JSON metadata record. Entries are never
// mutated in place: writers stage into a temporary file and rename, so a
// reader never observes a partially written entry. Because the key is a
// pure function of the compressed content, concurrent writers for the same
// key always produce identical bytes and the race is benign.
package dlx

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"binpack.dev/binpack/internal/osutil"
	"binpack.dev/binpack/press"
)

// Environment variables consulted by [Dir], in priority order.
const (
	// DirEnv overrides the cache root with a full path.
	DirEnv = "BINPACK_DLX_DIR"
	// HomeEnv overrides the base directory;
	// the cache root is this directory plus a fixed suffix.
	HomeEnv = "BINPACK_HOME"
)

const cacheDirName = "_dlx"

// Dir resolves the cache root directory. The override chain is
// [DirEnv] (used verbatim), then [HomeEnv] plus "/_dlx",
// then a directory under the user's home, then a temporary fallback.
// Dir never fails: the temporary fallback always produces a path.
func Dir() string {
	if dir := os.Getenv(DirEnv); dir != "" {
		return dir
	}
	if home := os.Getenv(HomeEnv); home != "" {
		return filepath.Join(home, cacheDirName)
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".binpack", cacheDirName)
	}
	return filepath.Join(os.TempDir(), ".binpack", cacheDirName)
}

// BinaryName is the file name of the cached executable within an entry.
func BinaryName() string {
	if runtime.GOOS == "windows" {
		return "binary.exe"
	}
	return "binary"
}

// A Cache is a handle to a cache root directory.
// The zero value is not usable; call [Open].
type Cache struct {
	root string
}

// Open returns a handle to the cache rooted at dir,
// or at [Dir] if dir is empty. The directory is created lazily on
// first store, so Open performs no I/O.
func Open(dir string) *Cache {
	if dir == "" {
		dir = Dir()
	}
	return &Cache{root: dir}
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// BinaryPath returns the path of the cached executable for key,
// whether or not the entry exists.
func (c *Cache) BinaryPath(key string) string {
	return filepath.Join(c.root, key, BinaryName())
}

func (c *Cache) metadataPath(key string) string {
	return filepath.Join(c.root, key, metadataName)
}

// Lookup returns the path of a valid cached executable for key.
// The entry is valid if the binary is a regular file (opened without
// following symlinks), its size matches wantSize, and on Unix the
// executable bit is set. If metadata is present, its recorded size must
// agree too. Any failure reports ok == false: a corrupted entry and a
// missing one look the same to the caller, which falls back to
// decompressing and storing a fresh entry.
func (c *Cache) Lookup(key string, wantSize uint64) (path string, ok bool) {
	if !validKey(key) {
		return "", false
	}
	path = c.BinaryPath(key)
	f, err := osutil.OpenNoFollow(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", false
	}
	if !info.Mode().IsRegular() || uint64(info.Size()) != wantSize {
		return "", false
	}
	if !osutil.IsExecutable(info) {
		return "", false
	}
	if meta, err := readMetadata(c.metadataPath(key)); err == nil {
		if meta.Size != 0 && meta.Size != info.Size() {
			return "", false
		}
	}
	return path, true
}

// Store writes data as the cached executable for key and records its
// metadata, returning the path of the stored binary. Both files are
// staged in temporary files and renamed into place, so concurrent
// stores for the same key are safe: the last rename wins and every
// writer's content is identical by construction of the key.
//
// Zero-valued metadata fields are filled in: version, cache key, size,
// integrity, platform, architecture, and timestamp.
func (c *Cache) Store(key string, data []byte, meta *Metadata) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("store cache entry: invalid cache key %q", key)
	}
	dir := filepath.Join(c.root, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("store cache entry %s: %w", key, err)
	}
	path := c.BinaryPath(key)
	if err := osutil.WriteFileAtomic(path, data, 0o755); err != nil {
		return "", fmt.Errorf("store cache entry %s: %w", key, err)
	}
	if meta == nil {
		meta = new(Metadata)
	}
	meta.fill(key, data)
	if err := writeMetadata(c.metadataPath(key), meta); err != nil {
		return "", fmt.Errorf("store cache entry %s: %w", key, err)
	}
	return path, nil
}

// Verify re-reads the cached executable for key and checks it against
// the integrity hash recorded in its metadata. A mismatch is reported
// as an [*IntegrityError]. Unlike [Cache.Lookup], Verify hashes the
// whole file, so it is not part of the launch fast path.
func (c *Cache) Verify(key string) error {
	if !validKey(key) {
		return fmt.Errorf("verify cache entry: invalid cache key %q", key)
	}
	meta, err := readMetadata(c.metadataPath(key))
	if err != nil {
		return fmt.Errorf("verify cache entry %s: %w", key, err)
	}
	path := c.BinaryPath(key)
	f, err := osutil.OpenNoFollow(path)
	if err != nil {
		return fmt.Errorf("verify cache entry %s: %w", key, err)
	}
	data, err := readAllAndClose(f)
	if err != nil {
		return fmt.Errorf("verify cache entry %s: %w", key, err)
	}
	if got := press.Integrity(data); got != meta.Integrity {
		return &IntegrityError{Path: path, Want: meta.Integrity, Got: got}
	}
	return nil
}

// An IntegrityError reports that a cached file's content hash
// does not match the hash recorded in its metadata.
type IntegrityError struct {
	Path string
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("cache entry %s: integrity mismatch: recorded %s, computed %s", e.Path, e.Want, e.Got)
}

func readAllAndClose(f *os.File) ([]byte, error) {
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	data := make([]byte, info.Size())
	if _, err := f.ReadAt(data, 0); err != nil {
		return nil, err
	}
	return data, nil
}

func validKey(key string) bool {
	if len(key) != press.CacheKeyLen {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
