// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package macho

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"math"
)

// CodeSignatureMagic is the magic number identifying a code signature blob.
type CodeSignatureMagic uint32

// The blob magics an ad-hoc signature carries.
const (
	CodeSignatureMagicCodeDirectory     CodeSignatureMagic = 0xfade0c02
	CodeSignatureMagicEmbeddedSignature CodeSignatureMagic = 0xfade0cc0
)

// Every blob starts with a big-endian magic number and total length.
const blobHeaderSize = 8

// SuperBlobSlot identifies the intended use of a blob within a [SuperBlob].
type SuperBlobSlot uint32

// SuperBlobCodeDirectorySlot is the slot of the code directory,
// the only blob an ad-hoc signature needs.
const SuperBlobCodeDirectorySlot SuperBlobSlot = 0 // CSSLOT_CODEDIRECTORY

// A SuperBlob is the outer container of an embedded code signature.
type SuperBlob struct {
	Magic CodeSignatureMagic
	Blobs []SuperBlobEntry
}

// A SuperBlobEntry is one blob in a [SuperBlob]. Blob holds the blob's
// complete serialized bytes, including its own header.
type SuperBlobEntry struct {
	Type SuperBlobSlot
	Blob []byte
}

const (
	superBlobFixedSize = 12
	blobIndexSize      = 8
)

// AppendBinary marshals sb and appends the result to dst.
func (sb *SuperBlob) AppendBinary(dst []byte) ([]byte, error) {
	total := int64(superBlobFixedSize) + blobIndexSize*int64(len(sb.Blobs))
	for i, entry := range sb.Blobs {
		if err := checkBlobHeader(entry.Blob); err != nil {
			return dst, fmt.Errorf("marshal mach-o super blob: blob[%d]: %v", i, err)
		}
		total += int64(len(entry.Blob))
	}
	if total > math.MaxUint32 {
		return dst, fmt.Errorf("marshal mach-o super blob: %d bytes too large", total)
	}

	be := binary.BigEndian
	dst = be.AppendUint32(dst, uint32(sb.Magic))
	dst = be.AppendUint32(dst, uint32(total))
	dst = be.AppendUint32(dst, uint32(len(sb.Blobs)))
	off := superBlobFixedSize + blobIndexSize*len(sb.Blobs)
	for _, entry := range sb.Blobs {
		dst = be.AppendUint32(dst, uint32(entry.Type))
		dst = be.AppendUint32(dst, uint32(off))
		off += len(entry.Blob)
	}
	for _, entry := range sb.Blobs {
		dst = append(dst, entry.Blob...)
	}
	return dst, nil
}

// MarshalBinary marshals sb as a Mach-O code signature.
func (sb *SuperBlob) MarshalBinary() ([]byte, error) {
	return sb.AppendBinary(nil)
}

// UnmarshalBinary parses an embedded code signature into sb.
func (sb *SuperBlob) UnmarshalBinary(data []byte) error {
	if len(data) < superBlobFixedSize {
		return errors.New("unmarshal mach-o super blob: short buffer")
	}
	if err := checkBlobHeader(data); err != nil {
		return fmt.Errorf("unmarshal mach-o super blob: %v", err)
	}
	sb.Magic = CodeSignatureMagic(binary.BigEndian.Uint32(data))

	count := binary.BigEndian.Uint32(data[8:])
	indexEnd := int64(superBlobFixedSize) + blobIndexSize*int64(count)
	if indexEnd > int64(len(data)) {
		return fmt.Errorf("unmarshal mach-o super blob: short buffer for %d blobs", count)
	}
	sb.Blobs = make([]SuperBlobEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		index := data[superBlobFixedSize+blobIndexSize*int64(i):]
		off := int64(binary.BigEndian.Uint32(index[4:]))
		if off < indexEnd || off+blobHeaderSize > int64(len(data)) {
			return fmt.Errorf("unmarshal mach-o super blob: blob[%d] offset %d out of bounds", i, off)
		}
		size := int64(binary.BigEndian.Uint32(data[off+4:]))
		if size < blobHeaderSize || off+size > int64(len(data)) {
			return fmt.Errorf("unmarshal mach-o super blob: blob[%d] has invalid size %d", i, size)
		}
		sb.Blobs = append(sb.Blobs, SuperBlobEntry{
			Type: SuperBlobSlot(binary.BigEndian.Uint32(index)),
			Blob: bytes.Clone(data[off : off+size]),
		})
	}
	return nil
}

// checkBlobHeader validates that blob starts with a well-formed header
// whose declared length matches the buffer.
func checkBlobHeader(blob []byte) error {
	if len(blob) < blobHeaderSize {
		return errors.New("short buffer")
	}
	if size := binary.BigEndian.Uint32(blob[4:]); int64(size) != int64(len(blob)) {
		return fmt.Errorf("size (%d) does not match buffer (%d)", size, len(blob))
	}
	return nil
}

// CodeSignatureFlags is a bitset of flags used in [CodeDirectory].
type CodeSignatureFlags uint32

// The flags an ad-hoc linker-style signature carries.
const (
	// CodeSignatureAdHoc indicates the signature has no signer identity.
	CodeSignatureAdHoc CodeSignatureFlags = 0x00000002 // CS_ADHOC
	// CodeSignatureLinkerSigned marks the minimal signature shape the
	// linker emits; the kernel exempts it from several bundle checks.
	CodeSignatureLinkerSigned CodeSignatureFlags = 0x00020000 // CS_LINKER_SIGNED
)

// HashType is an enumeration of cryptographic hash algorithms used in [CodeDirectory].
type HashType uint8

// Known [HashType] values.
const (
	HashTypeSHA1            HashType = 1 // CS_HASHTYPE_SHA1
	HashTypeSHA256          HashType = 2 // CS_HASHTYPE_SHA256
	HashTypeSHA256Truncated HashType = 3 // CS_HASHTYPE_SHA256_TRUNCATED
	HashTypeSHA384          HashType = 4 // CS_HASHTYPE_SHA384
)

// Size returns the number of bytes the hash type stores per slot.
func (ht HashType) Size() (_ int, ok bool) {
	switch ht {
	case HashTypeSHA1, HashTypeSHA256Truncated:
		return 20, true
	case HashTypeSHA256:
		return 32, true
	case HashTypeSHA384:
		return 48, true
	default:
		return 0, false
	}
}

// codeDirectoryFixedSize is the fixed portion of a version 0x20400
// code directory, through the executable-segment fields.
const codeDirectoryFixedSize = 88

// A CodeDirectory describes the signed content of a Mach-O file:
// an identifier, the byte range the signature covers, and one hash
// slot per page of that range (preceded by SpecialSlotCount slots
// hashing non-code resources).
type CodeDirectory struct {
	Flags            CodeSignatureFlags
	HashData         []byte
	Identifier       string
	SpecialSlotCount uint32
	CodeLimit        uint64
	HashType         HashType
	Platform         uint8
	PageSize         Alignment
	TeamIdentifier   string

	ExecutableSegmentBase  uint64
	ExecutableSegmentLimit uint64
	ExecutableSegmentFlags uint64
}

// HashSlots returns an iterator over the hash slots, special slots first.
func (cd *CodeDirectory) HashSlots() iter.Seq2[int, []byte] {
	return func(yield func(int, []byte) bool) {
		size, ok := cd.HashType.Size()
		if !ok {
			return
		}
		data := cd.HashData
		for i := 0; len(data) >= size; i, data = i+1, data[size:] {
			if !yield(i, data[:size]) {
				return
			}
		}
	}
}

// HashSlotCount returns the number of hash slots present in cd.HashData
// based on cd.HashType.
func (cd *CodeDirectory) HashSlotCount() int {
	size, ok := cd.HashType.Size()
	if !ok {
		return 0
	}
	return len(cd.HashData) / size
}

// AppendBinary marshals cd as a version 0x20400 code directory blob
// and appends the result to dst. Team identifiers and scatter vectors
// are never emitted.
func (cd *CodeDirectory) AppendBinary(dst []byte) ([]byte, error) {
	hashSize, ok := cd.HashType.Size()
	if !ok {
		return dst, fmt.Errorf("marshal mach-o code directory: unrecognized hash type %d", cd.HashType)
	}
	if len(cd.HashData)%hashSize != 0 {
		return dst, fmt.Errorf("marshal mach-o code directory: hash data is not a whole number of %d-byte slots", hashSize)
	}
	codeSlots := len(cd.HashData)/hashSize - int(cd.SpecialSlotCount)
	if codeSlots < 0 {
		return dst, fmt.Errorf("marshal mach-o code directory: %d special slots exceed %d total", cd.SpecialSlotCount, cd.HashSlotCount())
	}
	if cd.PageSize >= 64 {
		return dst, fmt.Errorf("marshal mach-o code directory: page size (%d) too large", cd.PageSize)
	}
	if cd.TeamIdentifier != "" {
		return dst, errors.New("marshal mach-o code directory: team identifiers are not supported")
	}

	identOff := int64(codeDirectoryFixedSize)
	// The hash offset points at code slot zero; the special slots sit
	// immediately before it.
	hashOff := identOff + int64(len(cd.Identifier)) + 1 + int64(cd.SpecialSlotCount)*int64(hashSize)
	total := identOff + int64(len(cd.Identifier)) + 1 + int64(len(cd.HashData))
	if total > math.MaxUint32 {
		return dst, fmt.Errorf("marshal mach-o code directory: %d bytes too large", total)
	}
	codeLimit32 := uint32(0)
	codeLimit64 := cd.CodeLimit
	if cd.CodeLimit <= math.MaxUint32 {
		codeLimit32 = uint32(cd.CodeLimit)
		codeLimit64 = 0
	}

	be := binary.BigEndian
	dst = be.AppendUint32(dst, uint32(CodeSignatureMagicCodeDirectory))
	dst = be.AppendUint32(dst, uint32(total))
	dst = be.AppendUint32(dst, 0x20400) // version
	dst = be.AppendUint32(dst, uint32(cd.Flags))
	dst = be.AppendUint32(dst, uint32(hashOff))
	dst = be.AppendUint32(dst, uint32(identOff))
	dst = be.AppendUint32(dst, cd.SpecialSlotCount)
	dst = be.AppendUint32(dst, uint32(codeSlots))
	dst = be.AppendUint32(dst, codeLimit32)
	dst = append(dst, uint8(hashSize), uint8(cd.HashType), cd.Platform, uint8(cd.PageSize))
	dst = be.AppendUint32(dst, 0) // spare2
	dst = be.AppendUint32(dst, 0) // scatter offset
	dst = be.AppendUint32(dst, 0) // team offset
	dst = be.AppendUint32(dst, 0) // spare3
	dst = be.AppendUint64(dst, codeLimit64)
	dst = be.AppendUint64(dst, cd.ExecutableSegmentBase)
	dst = be.AppendUint64(dst, cd.ExecutableSegmentLimit)
	dst = be.AppendUint64(dst, cd.ExecutableSegmentFlags)
	dst = append(dst, cd.Identifier...)
	dst = append(dst, 0)
	dst = append(dst, cd.HashData...)
	return dst, nil
}

// MarshalBinary marshals cd as a code directory blob.
func (cd *CodeDirectory) MarshalBinary() ([]byte, error) {
	return cd.AppendBinary(nil)
}

// UnmarshalBinary parses a code directory blob into cd.
// Versions 0x20100 through 0x20400 are understood.
func (cd *CodeDirectory) UnmarshalBinary(data []byte) error {
	const minSize = 44
	if len(data) < minSize {
		return errors.New("unmarshal mach-o code directory: short buffer")
	}
	if err := checkBlobHeader(data); err != nil {
		return fmt.Errorf("unmarshal mach-o code directory: %v", err)
	}
	if got := CodeSignatureMagic(binary.BigEndian.Uint32(data)); got != CodeSignatureMagicCodeDirectory {
		return fmt.Errorf("unmarshal mach-o code directory: magic number %#x is not a code directory", uint32(got))
	}

	be := binary.BigEndian
	version := be.Uint32(data[8:])
	cd.Flags = CodeSignatureFlags(be.Uint32(data[12:]))
	hashOffset := int64(be.Uint32(data[16:]))
	identOffset := int64(be.Uint32(data[20:]))
	cd.SpecialSlotCount = be.Uint32(data[24:])
	codeSlots := int64(be.Uint32(data[28:]))
	cd.CodeLimit = uint64(be.Uint32(data[32:]))
	hashSize := int64(data[36])
	cd.HashType = HashType(data[37])
	cd.Platform = data[38]
	cd.PageSize = Alignment(data[39])

	if wantSize, ok := cd.HashType.Size(); !ok {
		return fmt.Errorf("unmarshal mach-o code directory: unrecognized hash type %d", cd.HashType)
	} else if hashSize != int64(wantSize) {
		return fmt.Errorf("unmarshal mach-o code directory: hash size %d does not match hash type %d", hashSize, cd.HashType)
	}
	if _, ok := cd.PageSize.Bytes(); !ok {
		return fmt.Errorf("unmarshal mach-o code directory: page size (%d) too large", cd.PageSize)
	}

	// The fixed header grew with each version.
	fixedEnd := int64(minSize)
	switch {
	case version >= 0x20400:
		fixedEnd = codeDirectoryFixedSize
	case version >= 0x20300:
		fixedEnd = 64
	case version >= 0x20200:
		fixedEnd = 52
	case version >= 0x20100:
		fixedEnd = 48
	}
	if int64(len(data)) < fixedEnd {
		return errors.New("unmarshal mach-o code directory: short buffer")
	}
	var teamOffset int64
	if version >= 0x20100 {
		if be.Uint32(data[44:]) != 0 {
			return errors.New("unmarshal mach-o code directory: scatter vectors are not supported")
		}
	}
	if version >= 0x20200 {
		teamOffset = int64(be.Uint32(data[48:]))
	}
	if version >= 0x20300 {
		if codeLimit64 := be.Uint64(data[56:]); codeLimit64 != 0 {
			cd.CodeLimit = codeLimit64
		}
	}
	if version >= 0x20400 {
		cd.ExecutableSegmentBase = be.Uint64(data[64:])
		cd.ExecutableSegmentLimit = be.Uint64(data[72:])
		cd.ExecutableSegmentFlags = be.Uint64(data[80:])
	}

	var err error
	if identOffset < fixedEnd || identOffset >= int64(len(data)) {
		return fmt.Errorf("unmarshal mach-o code directory: identifier offset (%d) out of range", identOffset)
	}
	cd.Identifier, err = parseCString(data[identOffset:])
	if err != nil {
		return fmt.Errorf("unmarshal mach-o code directory: identifier: %v", err)
	}
	cd.TeamIdentifier = ""
	if teamOffset != 0 {
		if teamOffset < fixedEnd || teamOffset >= int64(len(data)) {
			return fmt.Errorf("unmarshal mach-o code directory: team offset (%d) out of range", teamOffset)
		}
		cd.TeamIdentifier, err = parseCString(data[teamOffset:])
		if err != nil {
			return fmt.Errorf("unmarshal mach-o code directory: team identifier: %v", err)
		}
	}

	// Special slots precede the hash offset; code slots follow it.
	hashStart := hashOffset - int64(cd.SpecialSlotCount)*hashSize
	hashEnd := hashOffset + codeSlots*hashSize
	if hashStart < fixedEnd || hashEnd > int64(len(data)) {
		return fmt.Errorf("unmarshal mach-o code directory: hash slots [%d, %d) out of range", hashStart, hashEnd)
	}
	cd.HashData = bytes.Clone(data[hashStart:hashEnd])
	return nil
}

func parseCString(b []byte) (string, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", errors.New("missing nul byte")
	}
	return string(b[:i]), nil
}
