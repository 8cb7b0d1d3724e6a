// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

//go:build unix

package osutil

import (
	"os"

	"golang.org/x/sys/unix"
)

// OpenNoFollow opens the named file for reading,
// failing if the final path component is a symbolic link.
func OpenNoFollow(name string) (*os.File, error) {
	fd, err := unix.Open(name, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	return os.NewFile(uintptr(fd), name), nil
}

// IsExecutable reports whether the file's mode
// has any execute permission bit set.
func IsExecutable(info os.FileInfo) bool {
	return info.Mode().Perm()&0o111 != 0
}
