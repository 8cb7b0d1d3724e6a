// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

// Package elfrw embeds named resources into ELF executables.
//
// A resource is stored as a section appended to the image. Injection
// performs a double write: the first serialization places the new
// section and reconstructs the PT_NOTE program headers, a fix-up pass
// then clears the allocate flag on every section without a virtual
// address, and a second serialization (again with note reconstruction)
// produces the final image. Sections with a zero virtual address must
// never be marked allocatable or the loader faults on launch.
package elfrw

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"

	"binpack.dev/binpack/binfmt"
	"binpack.dev/binpack/injector"
	"binpack.dev/binpack/internal/osutil"
)

func init() {
	injector.Register(binfmt.ELF, elfInjector{})
}

type elfInjector struct{}

func (elfInjector) Inject(path, name string, payload []byte, opts *injector.Options) error {
	return Inject(path, name, payload, opts)
}

func (elfInjector) List(path string) ([]injector.Resource, error) {
	return List(path)
}

func (elfInjector) Extract(path, name string) ([]byte, error) {
	return Extract(path, name)
}

// Inject embeds payload as a section called name in the executable at
// path, rewriting the file in place through a temporary file. An
// existing section with the same name is an error unless opts.Replace
// is set, in which case its content is replaced.
func Inject(path, name string, payload []byte, opts *injector.Options) error {
	if err := injector.CheckPayload(binfmt.ELF, name, payload); err != nil {
		return fmt.Errorf("inject into %s: %w", path, err)
	}
	f, mode, err := open(path)
	if err != nil {
		return err
	}

	if sec := f.sectionByName(name); sec != nil {
		if opts == nil || !opts.Replace {
			return fmt.Errorf("inject %q into %s: %w", name, path, injector.ErrResourceExists)
		}
		sec.content = payload
	} else {
		if len(f.secs) == 0 {
			// Fully stripped image: start a fresh section table with
			// the mandatory null entry and a name table.
			f.secs = []section{
				{},
				{name: ".shstrtab", typ: uint32(elf.SHT_STRTAB), addralign: 1},
			}
			f.hdr.shstrndx = 1
		}
		f.secs = append(f.secs, section{
			name:      name,
			typ:       uint32(elf.SHT_PROGBITS),
			flags:     uint64(elf.SHF_ALLOC),
			addralign: 8,
			content:   payload,
		})
	}

	first, err := f.serialize(true)
	if err != nil {
		return fmt.Errorf("inject %q into %s: %w", name, path, err)
	}
	fixed, err := parse(first)
	if err != nil {
		return fmt.Errorf("inject %q into %s: reparse: %w", name, path, err)
	}
	// Sections without a virtual address are pure file data; the
	// allocate flag on them makes the loader map a zero-page range.
	for i := range fixed.secs {
		if sec := &fixed.secs[i]; sec.addr == 0 {
			sec.flags &^= uint64(elf.SHF_ALLOC)
		}
	}
	out, err := fixed.serialize(true)
	if err != nil {
		return fmt.Errorf("inject %q into %s: %w", name, path, err)
	}
	if err := osutil.WriteFileAtomic(path, out, mode); err != nil {
		return fmt.Errorf("inject %q into %s: %w", name, path, err)
	}
	return nil
}

// List enumerates the named sections of the executable at path.
func List(path string) ([]injector.Resource, error) {
	f, _, err := open(path)
	if err != nil {
		return nil, err
	}
	var resources []injector.Resource
	for i := 1; i < len(f.secs); i++ {
		if f.secs[i].name == "" {
			continue
		}
		resources = append(resources, injector.Resource{
			Name: f.secs[i].name,
			Size: f.secs[i].size,
		})
	}
	return resources, nil
}

// Extract reads back the content of the section called name.
func Extract(path, name string) ([]byte, error) {
	f, _, err := open(path)
	if err != nil {
		return nil, err
	}
	sec := f.sectionByName(name)
	if sec == nil {
		return nil, fmt.Errorf("extract %q from %s: %w", name, path, injector.ErrResourceNotFound)
	}
	content := f.sectionBytes(sec)
	if content == nil && sec.size > 0 {
		return nil, fmt.Errorf("extract %q from %s: section has no file content", name, path)
	}
	return append([]byte(nil), content...), nil
}

func open(path string) (*file, os.FileMode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	f, err := parse(data)
	if err != nil {
		var formatErr *binfmt.FormatError
		if errors.As(err, &formatErr) && formatErr.Path == "" {
			formatErr.Path = path
		}
		return nil, 0, err
	}
	return f, info.Mode().Perm(), nil
}
