// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package osutil

import "os"

// OpenNoFollow opens the named file for reading,
// failing if the final path component is a symbolic link.
// Creating symbolic links requires elevated privileges on Windows,
// so the check is performed with Lstat before opening.
func OpenNoFollow(name string) (*os.File, error) {
	info, err := os.Lstat(name)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return os.Open(name)
}

// IsExecutable reports whether the file can be executed.
// Windows has no execute permission bit,
// so any regular file is considered executable.
func IsExecutable(info os.FileInfo) bool {
	return info.Mode().IsRegular()
}
