// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// execute replaces the launcher process with the cached binary.
func execute(path string, args []string) error {
	argv := append([]string{path}, args...)
	if err := unix.Exec(path, argv, unix.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}
