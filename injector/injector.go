// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

// Package injector defines the common interface for embedding named
// resources into compiled executables, along with the error taxonomy
// shared by the per-format implementations.
//
// Implementations live in their own packages (one per object format)
// and register themselves in an init function, in the manner of the
// standard library's image codecs. Callers that want format dispatch
// import the implementation packages for their side effects:
//
//	import (
//		_ "binpack.dev/binpack/elfrw"
//		_ "binpack.dev/binpack/machorw"
//		_ "binpack.dev/binpack/perw"
//	)
package injector

import (
	"fmt"
	"os"

	"binpack.dev/binpack/binfmt"
)

// MaxResourceSize is the largest payload any injector accepts.
// Larger payloads fail with [ErrResourceTooLarge] before any
// file is modified.
const MaxResourceSize = 1 << 30

// Options adjusts injection behavior.
type Options struct {
	// Replace permits overwriting an existing resource with the same
	// name. Without it, a name collision fails with [ErrResourceExists].
	Replace bool
}

// A Resource describes one embedded payload in an executable.
type Resource struct {
	Name string
	Size uint64
}

// An Injector embeds, enumerates, and reads back named resources
// in executables of one object format. Implementations rewrite the
// file at path in place; on error the original file is left intact.
type Injector interface {
	// Inject embeds payload under name in the executable at path.
	Inject(path, name string, payload []byte, opts *Options) error

	// List enumerates the resources embedded in the executable at path.
	List(path string) ([]Resource, error)

	// Extract reads back the payload embedded under name.
	// It reports [ErrResourceNotFound] if no such resource exists.
	Extract(path, name string) ([]byte, error)
}

var registry = make(map[binfmt.Format]Injector)

// Register makes an injector available to [For].
// It is intended to be called from an implementing package's
// init function and panics on duplicate registration.
func Register(f binfmt.Format, inj Injector) {
	if _, exists := registry[f]; exists {
		panic("injector: Register called twice for " + f.String())
	}
	registry[f] = inj
}

// For detects the format of the executable at path from its magic
// bytes and returns the registered injector for that format.
func For(path string) (Injector, binfmt.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, binfmt.Unknown, err
	}
	defer f.Close()
	format, err := binfmt.Detect(f)
	if err != nil {
		return nil, binfmt.Unknown, err
	}
	if format == binfmt.Unknown {
		return nil, binfmt.Unknown, &binfmt.FormatError{Path: path, Detail: "unrecognized executable magic"}
	}
	inj, ok := registry[format]
	if !ok {
		return nil, format, fmt.Errorf("inject into %s: no injector for %v executables", path, format)
	}
	return inj, format, nil
}

// CheckPayload validates a resource name and payload size against
// the given format's ceilings. Implementations call it before
// touching the target file.
func CheckPayload(format binfmt.Format, name string, payload []byte) error {
	if name == "" {
		return fmt.Errorf("resource name is empty")
	}
	if max := MaxNameLen(format); len(name) > max {
		return fmt.Errorf("resource name %q is %d bytes (limit %d for %v): %w", name, len(name), max, format, ErrNameTooLong)
	}
	if len(payload) > MaxResourceSize {
		return fmt.Errorf("resource %q is %d bytes (limit %d): %w", name, len(payload), int64(MaxResourceSize), ErrResourceTooLarge)
	}
	return nil
}

// MaxNameLen returns the resource-name ceiling for a format.
// Mach-O segment names and PE section names are fixed-width fields;
// ELF section names live in a variable-length string table and get a
// generous practical cap.
func MaxNameLen(format binfmt.Format) int {
	switch format {
	case binfmt.MachO:
		return 16
	case binfmt.PE:
		return 8
	case binfmt.ELF:
		return 128
	default:
		return 0
	}
}
