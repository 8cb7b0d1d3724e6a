// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package osutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Run("New", func(t *testing.T) {
		dir := t.TempDir()
		name := filepath.Join(dir, "out.bin")
		if err := WriteFileAtomic(name, []byte("hello"), 0o755); err != nil {
			t.Fatal(err)
		}
		got, err := os.ReadFile(name)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "hello" {
			t.Errorf("content = %q; want %q", got, "hello")
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Errorf("directory has %d entries; want 1 (no leftover temp files)", len(entries))
		}
	})

	t.Run("Replace", func(t *testing.T) {
		dir := t.TempDir()
		name := filepath.Join(dir, "out.bin")
		if err := os.WriteFile(name, []byte("old"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := WriteFileAtomic(name, []byte("new"), 0o755); err != nil {
			t.Fatal(err)
		}
		got, err := os.ReadFile(name)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "new" {
			t.Errorf("content = %q; want %q", got, "new")
		}
	})
}

func TestOpenNoFollow(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.WriteFile(target, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := OpenNoFollow(target)
	if err != nil {
		t.Errorf("OpenNoFollow(regular file): %v", err)
	} else {
		f.Close()
	}

	if runtime.GOOS == "windows" {
		t.Skip("creating symlinks requires elevated privileges on Windows")
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
	if f, err := OpenNoFollow(link); err == nil {
		f.Close()
		t.Error("OpenNoFollow(symlink) succeeded; want error")
	}
}
