// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"binpack.dev/binpack/press"
)

func TestReadArtifact(t *testing.T) {
	artifact, err := press.Compress([]byte("the payload to restore"))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()

	t.Run("Bare", func(t *testing.T) {
		path := filepath.Join(dir, "bare.bp")
		if err := os.WriteFile(path, artifact, 0o644); err != nil {
			t.Fatal(err)
		}
		got, err := readArtifact(path)
		if err != nil {
			t.Fatal("readArtifact:", err)
		}
		if !bytes.Equal(got, artifact) {
			t.Error("readArtifact returned different bytes for a bare artifact")
		}
	})

	t.Run("Appended", func(t *testing.T) {
		path := filepath.Join(dir, "launcher")
		launcher := append(bytes.Repeat([]byte{0x90}, 100<<10), artifact...)
		if err := os.WriteFile(path, launcher, 0o755); err != nil {
			t.Fatal(err)
		}
		got, err := readArtifact(path)
		if err != nil {
			t.Fatal("readArtifact:", err)
		}
		if !bytes.Equal(got, artifact) {
			t.Error("readArtifact did not find the appended artifact")
		}
	})

	t.Run("Missing", func(t *testing.T) {
		path := filepath.Join(dir, "plain")
		if err := os.WriteFile(path, []byte("no artifact here"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := readArtifact(path); err == nil {
			t.Error("readArtifact of a plain file did not return an error")
		}
	})
}

func TestDefaultOutputName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"app.bp", "app"},
		{"dir/app.bp", "dir/app"},
		{"app", "app.out"},
	}
	for _, test := range tests {
		if got := defaultOutputName(test.input); got != test.want {
			t.Errorf("defaultOutputName(%q) = %q; want %q", test.input, got, test.want)
		}
	}
}
