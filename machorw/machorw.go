// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

// Package machorw embeds named resources into Mach-O executables.
//
// A resource is stored as a read-only segment inserted structurally
// immediately before __LINKEDIT, which must stay the final segment.
// Because any byte change invalidates an existing code signature, an
// injection strips the signature first and applies a fresh ad-hoc
// signature afterwards. Every injection is followed by mandatory
// strict verification of the output: structural parsing with the
// pinned go-macho library plus a full page-hash check of the new
// signature (and, on darwin, the system codesign tool). A corrupted
// output otherwise looks identical to a valid one until it is
// executed.
package machorw

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gomacho "github.com/blacktop/go-macho"

	"binpack.dev/binpack/binfmt"
	"binpack.dev/binpack/injector"
	"binpack.dev/binpack/internal/macho"
	"binpack.dev/binpack/internal/osutil"
)

func init() {
	injector.Register(binfmt.MachO, machoInjector{})
}

type machoInjector struct{}

func (machoInjector) Inject(path, name string, payload []byte, opts *injector.Options) error {
	return Inject(path, name, payload, opts)
}

func (machoInjector) List(path string) ([]injector.Resource, error) {
	return List(path)
}

func (machoInjector) Extract(path, name string) ([]byte, error) {
	return Extract(path, name)
}

// reservedSegments are segment names owned by the toolchain and the
// dynamic linker. They are never resources: injecting over them would
// destroy the executable, and List skips them.
var reservedSegments = map[string]struct{}{
	"__PAGEZERO":          {},
	macho.TextSegment:     {},
	"__TEXT_EXEC":         {},
	"__DATA":              {},
	"__DATA_CONST":        {},
	"__DATA_DIRTY":        {},
	"__AUTH":              {},
	"__AUTH_CONST":        {},
	"__OBJC":              {},
	macho.LinkeditSegment: {},
}

// Inject embeds payload as a segment called name in the executable at
// path, rewriting the file in place through a temporary file. The
// segment is inserted immediately before __LINKEDIT; an existing code
// signature is stripped first and the output is ad-hoc re-signed and
// strictly verified. An existing segment with the same name is an
// error unless opts.Replace is set, in which case its content is
// overwritten in place when it fits in the segment's reservation.
func Inject(path, name string, payload []byte, opts *injector.Options) error {
	if err := injector.CheckPayload(binfmt.MachO, name, payload); err != nil {
		return fmt.Errorf("inject into %s: %w", path, err)
	}
	if _, reserved := reservedSegments[name]; reserved {
		return fmt.Errorf("inject %q into %s: segment name is reserved", name, path)
	}
	img, mode, err := open(path)
	if err != nil {
		return err
	}

	// Any byte change invalidates the old signature, so remove it
	// before touching the segment list.
	stripped, _, err := img.StripSignature()
	if err != nil {
		return fmt.Errorf("inject %q into %s: %w", name, path, err)
	}
	if img, err = macho.ParseImage(stripped); err != nil {
		return fmt.Errorf("inject %q into %s: %w", name, path, err)
	}

	var out []byte
	if seg := img.Segment(name); seg != nil {
		if opts == nil || !opts.Replace {
			return fmt.Errorf("inject %q into %s: %w", name, path, injector.ErrResourceExists)
		}
		out, err = replaceInPlace(img, seg, name, payload)
	} else {
		out, err = img.InsertSegmentBeforeLinkedit(name, payload)
	}
	if err != nil {
		return fmt.Errorf("inject %q into %s: %w", name, path, err)
	}

	signedImage, err := macho.ParseImage(out)
	if err != nil {
		return fmt.Errorf("inject %q into %s: %w", name, path, err)
	}
	signed, err := signedImage.Sign(filepath.Base(path))
	if err != nil {
		return &injector.SignatureError{Path: path, Err: err}
	}
	if err := verifyBytes(path, signed, name, uint64(len(payload))); err != nil {
		return err
	}
	if err := osutil.WriteFileAtomic(path, signed, mode); err != nil {
		return fmt.Errorf("inject %q into %s: %w", name, path, err)
	}
	return verifySigningTool(path)
}

// replaceInPlace overwrites an existing resource segment's content.
// The segment keeps its placement, so the payload must fit in the
// file-space reservation made when the segment was inserted.
func replaceInPlace(img *macho.Image, seg *macho.Segment, name string, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > seg.VMSize {
		return nil, fmt.Errorf("payload is %d bytes but segment %q reserves %d: %w",
			len(payload), name, seg.VMSize, injector.ErrResourceTooLarge)
	}
	out := append([]byte(nil), img.Bytes()...)
	copy(out[seg.FileOff:], payload)
	clear(out[seg.FileOff+uint64(len(payload)) : seg.FileOff+seg.VMSize])
	img.Header.ByteOrder.PutUint64(out[seg.CmdOff+48:], uint64(len(payload)))
	return out, nil
}

// List enumerates the resource segments of the executable at path.
// Toolchain-owned segments are not resources and are skipped.
func List(path string) ([]injector.Resource, error) {
	f, err := openPinned(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var resources []injector.Resource
	for _, seg := range f.Segments() {
		if _, reserved := reservedSegments[seg.Name]; reserved || seg.Name == "" {
			continue
		}
		resources = append(resources, injector.Resource{
			Name: seg.Name,
			Size: seg.Filesz,
		})
	}
	return resources, nil
}

// Extract reads back the content of the segment called name.
func Extract(path, name string) ([]byte, error) {
	f, err := openPinned(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	seg := f.Segment(name)
	if seg == nil {
		return nil, fmt.Errorf("extract %q from %s: %w", name, path, injector.ErrResourceNotFound)
	}
	data, err := seg.Data()
	if err != nil {
		return nil, fmt.Errorf("extract %q from %s: %w", name, path, err)
	}
	return data, nil
}

// Verify strictly checks the executable at path: it must parse with
// the pinned go-macho library, keep __LINKEDIT as the trailing
// segment, and carry a code signature whose page hashes match the
// file content. On darwin the system codesign tool is also consulted.
func Verify(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := verifyBytes(path, data, "", 0); err != nil {
		return err
	}
	return verifySigningTool(path)
}

// verifyBytes validates an injected image before it reaches disk.
// name, when nonempty, is a segment that must be present with the
// given file size.
func verifyBytes(path string, data []byte, name string, wantSize uint64) error {
	f, err := gomacho.NewFile(bytes.NewReader(data))
	if err != nil {
		return &injector.SignatureError{Path: path, Err: fmt.Errorf("verify output: %w", err)}
	}
	defer f.Close()
	segments := f.Segments()
	if n := len(segments); n == 0 || segments[n-1].Name != macho.LinkeditSegment {
		return &injector.SignatureError{Path: path, Err: fmt.Errorf("verify output: %s is not the final segment", macho.LinkeditSegment)}
	}
	if name != "" {
		seg := f.Segment(name)
		if seg == nil {
			return &injector.SignatureError{Path: path, Err: fmt.Errorf("verify output: segment %q missing", name)}
		}
		if seg.Filesz != wantSize {
			return &injector.SignatureError{Path: path, Err: fmt.Errorf("verify output: segment %q holds %d bytes; want %d", name, seg.Filesz, wantSize)}
		}
	}
	if err := verifySignatureBytes(data); err != nil {
		return &injector.SignatureError{Path: path, Err: fmt.Errorf("verify output: %w", err)}
	}
	return nil
}

// verifySignatureBytes checks the embedded ad-hoc signature: the code
// directory must cover exactly the bytes before the signature and
// every page hash must match.
func verifySignatureBytes(data []byte) error {
	img, err := macho.ParseImage(data)
	if err != nil {
		return err
	}
	sigOff, sigSize, ok := img.CodeSignature()
	if !ok {
		return errors.New("no code signature")
	}
	if uint64(sigOff)+uint64(sigSize) > uint64(len(data)) {
		return errors.New("code signature extends past end of file")
	}
	var sb macho.SuperBlob
	if err := sb.UnmarshalBinary(data[sigOff : uint64(sigOff)+uint64(sigSize)]); err != nil {
		return err
	}
	cd := new(macho.CodeDirectory)
	for _, entry := range sb.Blobs {
		if entry.Type != macho.SuperBlobCodeDirectorySlot {
			continue
		}
		if err := cd.UnmarshalBinary(entry.Blob); err != nil {
			return err
		}
		return verifyCodeDirectory(cd, data[:sigOff])
	}
	return errors.New("code signature has no code directory")
}

func verifyCodeDirectory(cd *macho.CodeDirectory, code []byte) error {
	if cd.Flags&macho.CodeSignatureAdHoc == 0 {
		return errors.New("code directory is not ad-hoc signed")
	}
	if cd.CodeLimit != uint64(len(code)) {
		return fmt.Errorf("code directory covers %d bytes; signature starts at %d", cd.CodeLimit, len(code))
	}
	pageSize, ok := cd.PageSize.Bytes()
	if !ok || pageSize == 0 {
		return fmt.Errorf("code directory has invalid page size %v", cd.PageSize)
	}
	hashSize, ok := cd.HashType.Size()
	if !ok {
		return fmt.Errorf("code directory has unsupported hash type %v", cd.HashType)
	}
	special := int(cd.SpecialSlotCount)
	for i, slot := range cd.HashSlots() {
		if i < special {
			continue
		}
		page := uint64(i-special) * pageSize
		if page >= uint64(len(code)) {
			return errors.New("code directory has more slots than pages")
		}
		end := min(page+pageSize, uint64(len(code)))
		if !bytes.Equal(slot, pageDigest(cd.HashType, code[page:end])[:hashSize]) {
			return fmt.Errorf("page hash mismatch at offset %#x", page)
		}
	}
	return nil
}

func pageDigest(ht macho.HashType, page []byte) []byte {
	switch ht {
	case macho.HashTypeSHA1:
		d := sha1.Sum(page)
		return d[:]
	case macho.HashTypeSHA256, macho.HashTypeSHA256Truncated:
		d := sha256.Sum256(page)
		return d[:]
	case macho.HashTypeSHA384:
		d := sha512.Sum384(page)
		return d[:]
	default:
		return nil
	}
}

func open(path string) (*macho.Image, os.FileMode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	if macho.IsUniversal(data) {
		detail := "universal (fat) binaries are not supported; extract a single architecture first"
		if entries, err := macho.ParseUniversalHeader(data); err == nil {
			names := make([]string, len(entries))
			for i, entry := range entries {
				names[i] = entry.CPU.String()
			}
			detail = fmt.Sprintf("universal (fat) binary holding %s; extract a single architecture first", strings.Join(names, ", "))
		}
		return nil, 0, &binfmt.FormatError{Path: path, Detail: detail}
	}
	img, err := macho.ParseImage(data)
	if err != nil {
		return nil, 0, &binfmt.FormatError{Path: path, Detail: err.Error()}
	}
	return img, info.Mode().Perm(), nil
}

func openPinned(path string) (*gomacho.File, error) {
	f, err := gomacho.Open(path)
	if err != nil {
		return nil, &binfmt.FormatError{Path: path, Detail: err.Error()}
	}
	return f, nil
}
