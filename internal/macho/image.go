// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package macho

import (
	"bytes"
	"fmt"
	"math"
)

// Well-known segment names.
const (
	// LinkeditSegment carries link-edit metadata and, when present, the
	// code signature. It must remain the final segment of the file.
	LinkeditSegment = "__LINKEDIT"
	// TextSegment is the executable segment starting at the file header.
	TextSegment = "__TEXT"
)

// SegmentNameSize is the fixed width of a segment name field.
const SegmentNameSize = 16

const (
	segmentCommandSize      = 72
	sectionSize             = 80
	linkeditDataCommandSize = 16
	// segmentPageSize is the VM page granularity used when placing a
	// new segment (the 16 KiB page size shared by current kernels).
	segmentPageSize = 0x4000
)

// An Image is a single-architecture 64-bit Mach-O file held in memory.
// The raw bytes stay authoritative; the parsed command index records
// where each load command lives so rewrites can patch in place.
type Image struct {
	Header   *FileHeader
	Commands []ImageCommand

	data []byte
}

// An ImageCommand locates one load command within an image.
type ImageCommand struct {
	Cmd  LoadCmd
	Off  int64
	Size uint32
}

// A Segment is a decoded LC_SEGMENT_64 load command.
type Segment struct {
	Name     string
	CmdOff   int64
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  uint32
	InitProt uint32
	Sections uint32
}

// ParseImage parses the header and load command index of a 64-bit
// single-architecture Mach-O file.
func ParseImage(data []byte) (*Image, error) {
	if IsUniversal(data) {
		return nil, fmt.Errorf("parse mach-o image: universal binaries are not supported")
	}
	hdr, err := ParseFileHeader(data)
	if err != nil {
		return nil, err
	}
	if hdr.AddressWidth != 64 {
		return nil, fmt.Errorf("parse mach-o image: only 64-bit files are supported")
	}
	commands, err := indexCommands(data, hdr)
	if err != nil {
		return nil, err
	}
	return &Image{Header: hdr, Commands: commands, data: data}, nil
}

// Bytes returns the raw image.
func (img *Image) Bytes() []byte {
	return img.data
}

// Segments decodes every LC_SEGMENT_64 command in file order.
func (img *Image) Segments() []Segment {
	var segments []Segment
	for _, c := range img.Commands {
		if c.Cmd != LoadCmdSegment64 || c.Size < segmentCommandSize {
			continue
		}
		segments = append(segments, img.decodeSegment(c))
	}
	return segments
}

// Segment returns the named segment, or nil if the image has none.
func (img *Image) Segment(name string) *Segment {
	for _, c := range img.Commands {
		if c.Cmd != LoadCmdSegment64 || c.Size < segmentCommandSize {
			continue
		}
		if seg := img.decodeSegment(c); seg.Name == name {
			return &seg
		}
	}
	return nil
}

func (img *Image) decodeSegment(c ImageCommand) Segment {
	bo := img.Header.ByteOrder
	b := img.data[c.Off:]
	return Segment{
		Name:     segmentName(b[8 : 8+SegmentNameSize]),
		CmdOff:   c.Off,
		VMAddr:   bo.Uint64(b[24:]),
		VMSize:   bo.Uint64(b[32:]),
		FileOff:  bo.Uint64(b[40:]),
		FileSize: bo.Uint64(b[48:]),
		MaxProt:  bo.Uint32(b[56:]),
		InitProt: bo.Uint32(b[60:]),
		Sections: bo.Uint32(b[64:]),
	}
}

// firstContentOffset returns the smallest nonzero file offset of any
// segment or section content, which bounds how far the load command
// region can grow.
func (img *Image) firstContentOffset() uint64 {
	first := uint64(len(img.data))
	bo := img.Header.ByteOrder
	for _, c := range img.Commands {
		if c.Cmd != LoadCmdSegment64 || c.Size < segmentCommandSize {
			continue
		}
		seg := img.decodeSegment(c)
		if seg.FileOff > 0 && seg.FileSize > 0 && seg.FileOff < first {
			first = seg.FileOff
		}
		// The __TEXT segment maps the header itself; its sections bound
		// the usable header slack.
		for i := uint32(0); i < seg.Sections; i++ {
			sectOff := c.Off + segmentCommandSize + int64(i)*sectionSize
			if sectOff+sectionSize > int64(c.Off)+int64(c.Size) {
				break
			}
			if off := uint64(bo.Uint32(img.data[sectOff+48:])); off > 0 && off < first {
				first = off
			}
		}
	}
	return first
}

// CodeSignature returns the file region described by the
// LC_CODE_SIGNATURE command, if any.
func (img *Image) CodeSignature() (off, size uint32, ok bool) {
	bo := img.Header.ByteOrder
	for _, c := range img.Commands {
		if c.Cmd == LoadCmdCodeSignature && c.Size >= linkeditDataCommandSize {
			return bo.Uint32(img.data[c.Off+8:]), bo.Uint32(img.data[c.Off+12:]), true
		}
	}
	return 0, 0, false
}

// InsertSegmentBeforeLinkedit returns a new image with payload stored
// in a segment called name. The segment's load command is placed
// immediately before the __LINKEDIT command and its content at
// __LINKEDIT's old file offset; __LINKEDIT shifts toward the end of
// the file and every load command that references link-edit data is
// rebased. The input image must be unsigned: strip any code signature
// first, and re-sign afterwards.
func (img *Image) InsertSegmentBeforeLinkedit(name string, payload []byte) ([]byte, error) {
	if len(name) == 0 || len(name) > SegmentNameSize {
		return nil, fmt.Errorf("insert mach-o segment: name %q longer than %d bytes", name, SegmentNameSize)
	}
	if _, _, signed := img.CodeSignature(); signed {
		return nil, fmt.Errorf("insert mach-o segment: image is signed; strip the signature first")
	}
	linkedit := img.Segment(LinkeditSegment)
	if linkedit == nil {
		return nil, fmt.Errorf("insert mach-o segment: no %s segment", LinkeditSegment)
	}
	if linkedit.FileOff+linkedit.FileSize != uint64(len(img.data)) {
		return nil, fmt.Errorf("insert mach-o segment: %s is not the tail of the file", LinkeditSegment)
	}
	lcEnd := img.Header.DataOffset()
	if uint64(lcEnd)+segmentCommandSize > img.firstContentOffset() {
		return nil, fmt.Errorf("insert mach-o segment: no room to grow the load command table")
	}

	fileDelta := alignUp64(uint64(len(payload)), segmentPageSize)
	bo := img.Header.ByteOrder

	out := make([]byte, 0, len(img.data)+segmentCommandSize+int(fileDelta))
	out = append(out, img.data[:linkedit.FileOff]...)
	out = append(out, payload...)
	out = append(out, make([]byte, fileDelta-uint64(len(payload)))...)
	out = append(out, img.data[linkedit.FileOff:]...)

	// Open a slot for the new command by shifting the __LINKEDIT
	// command and everything after it.
	insert := linkedit.CmdOff
	copy(out[insert+segmentCommandSize:lcEnd+segmentCommandSize], img.data[insert:lcEnd])

	// The new segment adopts __LINKEDIT's old placement in both the
	// file and the address space.
	seg := out[insert:]
	for i := range seg[:segmentCommandSize] {
		seg[i] = 0
	}
	bo.PutUint32(seg, uint32(LoadCmdSegment64))
	bo.PutUint32(seg[4:], segmentCommandSize)
	copy(seg[8:8+SegmentNameSize], name)
	bo.PutUint64(seg[24:], linkedit.VMAddr)
	bo.PutUint64(seg[32:], fileDelta)
	bo.PutUint64(seg[40:], linkedit.FileOff)
	bo.PutUint64(seg[48:], uint64(len(payload)))
	bo.PutUint32(seg[56:], 1) // VM_PROT_READ
	bo.PutUint32(seg[60:], 1)

	bo.PutUint32(out[16:], img.Header.LoadCommandCount+1)
	bo.PutUint32(out[20:], img.Header.LoadCommandRegionSize+segmentCommandSize)

	// Rebase __LINKEDIT and every link-edit file offset.
	rebased, err := ParseImage(out)
	if err != nil {
		return nil, fmt.Errorf("insert mach-o segment: %v", err)
	}
	le := out[rebased.Segment(LinkeditSegment).CmdOff:]
	bo.PutUint64(le[24:], linkedit.VMAddr+fileDelta)
	bo.PutUint64(le[40:], linkedit.FileOff+fileDelta)
	rebased.shiftLinkeditOffsets(linkedit.FileOff, fileDelta)
	return out, nil
}

// shiftLinkeditOffsets adds delta to every load command field that
// holds a file offset at or past base. Offsets of zero mean "absent"
// and are left alone.
func (img *Image) shiftLinkeditOffsets(base, delta uint64) {
	bo := img.Header.ByteOrder
	bump := func(b []byte) {
		if v := bo.Uint32(b); v != 0 && uint64(v) >= base {
			bo.PutUint32(b, v+uint32(delta))
		}
	}
	for _, c := range img.Commands {
		b := img.data[c.Off:]
		switch c.Cmd {
		case LoadCmdSymtab:
			bump(b[8:])  // symbol table
			bump(b[16:]) // string table
		case LoadCmdDysymtab:
			for _, off := range [...]int{32, 40, 48, 56, 64, 72} {
				bump(b[off:])
			}
		case LoadCmdDyldInfo, LoadCmdDyldInfoOnly:
			for _, off := range [...]int{8, 16, 24, 32, 40} {
				bump(b[off:])
			}
		case LoadCmdCodeSignature, LoadCmdSplitInfo, LoadCmdFunctionStarts,
			LoadCmdDataInCode, LoadCmdCodeSignDRs, LoadCmdOptimizeHints,
			LoadCmdExportsTrie, LoadCmdChainedFixups:
			bump(b[8:])
		}
	}
}

// StripSignature returns the image with its code signature removed:
// the LC_CODE_SIGNATURE command is deleted, the signature bytes are
// truncated from the file, and __LINKEDIT shrinks accordingly.
// found is false if the image carried no signature, in which case the
// original bytes are returned.
func (img *Image) StripSignature() (out []byte, found bool, err error) {
	bo := img.Header.ByteOrder
	var sigCmd *ImageCommand
	for i := range img.Commands {
		if img.Commands[i].Cmd == LoadCmdCodeSignature {
			sigCmd = &img.Commands[i]
			break
		}
	}
	if sigCmd == nil {
		return img.data, false, nil
	}
	dataOff := bo.Uint32(img.data[sigCmd.Off+8:])
	dataSize := bo.Uint32(img.data[sigCmd.Off+12:])
	if uint64(dataOff)+uint64(dataSize) != uint64(len(img.data)) {
		return nil, false, fmt.Errorf("strip mach-o signature: signature is not the tail of the file")
	}
	linkedit := img.Segment(LinkeditSegment)
	if linkedit == nil {
		return nil, false, fmt.Errorf("strip mach-o signature: no %s segment", LinkeditSegment)
	}

	out = append([]byte(nil), img.data[:dataOff]...)
	lcEnd := img.Header.DataOffset()
	cmdSize := int64(sigCmd.Size)
	copy(out[sigCmd.Off:lcEnd-cmdSize], img.data[sigCmd.Off+cmdSize:lcEnd])
	for i := lcEnd - cmdSize; i < lcEnd; i++ {
		out[i] = 0
	}
	bo.PutUint32(out[16:], img.Header.LoadCommandCount-1)
	bo.PutUint32(out[20:], img.Header.LoadCommandRegionSize-uint32(cmdSize))

	leOff := linkedit.CmdOff
	if leOff > sigCmd.Off {
		leOff -= cmdSize
	}
	le := out[leOff:]
	bo.PutUint64(le[32:], subtractClamped(linkedit.VMSize, uint64(dataSize)))
	bo.PutUint64(le[48:], linkedit.FileSize-uint64(dataSize))
	return out, true, nil
}

// Sign returns the image extended with a fresh ad-hoc code signature:
// a LC_CODE_SIGNATURE command is appended to the load command table,
// __LINKEDIT grows to cover the signature bytes, and the signature is
// emitted over the final header state. The image must be unsigned.
func (img *Image) Sign(identifier string) ([]byte, error) {
	if _, _, signed := img.CodeSignature(); signed {
		return nil, fmt.Errorf("sign mach-o image: already signed")
	}
	linkedit := img.Segment(LinkeditSegment)
	if linkedit == nil {
		return nil, fmt.Errorf("sign mach-o image: no %s segment", LinkeditSegment)
	}
	if linkedit.FileOff+linkedit.FileSize != uint64(len(img.data)) {
		return nil, fmt.Errorf("sign mach-o image: %s is not the tail of the file", LinkeditSegment)
	}
	lcEnd := img.Header.DataOffset()
	if uint64(lcEnd)+linkeditDataCommandSize > img.firstContentOffset() {
		return nil, fmt.Errorf("sign mach-o image: no room to grow the load command table")
	}

	// The signature must start on a 16-byte boundary.
	codeSize := alignUp64(uint64(len(img.data)), 16)
	if codeSize > math.MaxUint32 {
		return nil, fmt.Errorf("sign mach-o image: file too large to sign (%d bytes)", len(img.data))
	}
	sigSize := adHocSignatureSize(int64(codeSize), identifier)

	out := make([]byte, 0, codeSize+uint64(sigSize))
	out = append(out, img.data...)
	out = append(out, make([]byte, codeSize-uint64(len(img.data)))...)

	bo := img.Header.ByteOrder
	cmd := out[lcEnd:]
	bo.PutUint32(cmd, uint32(LoadCmdCodeSignature))
	bo.PutUint32(cmd[4:], linkeditDataCommandSize)
	bo.PutUint32(cmd[8:], uint32(codeSize))
	bo.PutUint32(cmd[12:], uint32(sigSize))
	bo.PutUint32(out[16:], img.Header.LoadCommandCount+1)
	bo.PutUint32(out[20:], img.Header.LoadCommandRegionSize+linkeditDataCommandSize)

	growth := (codeSize - uint64(len(img.data))) + uint64(sigSize)
	le := out[linkedit.CmdOff:]
	bo.PutUint64(le[32:], linkedit.VMSize+growth)
	bo.PutUint64(le[48:], linkedit.FileSize+growth)

	var textOff, textSize uint64
	if text := img.Segment(TextSegment); text != nil {
		textOff = text.FileOff
		textSize = text.FileSize
	}
	sig, err := adHocSignature(out[:codeSize], textOff, textSize, img.Header.Type == TypeExec, identifier)
	if err != nil {
		return nil, fmt.Errorf("sign mach-o image: %v", err)
	}
	if int64(len(sig)) != sigSize {
		return nil, fmt.Errorf("sign mach-o image: emitted %d signature bytes; load command declares %d", len(sig), sigSize)
	}
	return append(out, sig...), nil
}

func segmentName(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func alignUp64(x, align uint64) uint64 {
	return (x + align - 1) / align * align
}

func subtractClamped(x, y uint64) uint64 {
	if y > x {
		return 0
	}
	return x - y
}
