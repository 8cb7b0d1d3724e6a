// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

// Package osutil provides convenience functions for working with the local filesystem.
package osutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to a temporary file
// in the same directory as the named file,
// then renames it into place.
// A reader never observes a partially written file:
// either the old content is present or the new content is.
// On failure, the temporary file is removed and the destination is untouched.
func WriteFileAtomic(name string, data []byte, perm os.FileMode) error {
	dir, base := filepath.Split(name)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, base+".tmp*")
	if err != nil {
		return fmt.Errorf("write %s: %v", name, err)
	}
	tmpName := f.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %v", name, err)
	}
	err = f.Chmod(perm)
	err2 := f.Close()
	if err == nil {
		err = err2
	}
	if err != nil {
		return fmt.Errorf("write %s: %v", name, err)
	}
	if err := os.Rename(tmpName, name); err != nil {
		return fmt.Errorf("write %s: %v", name, err)
	}
	tmpName = ""
	return nil
}
