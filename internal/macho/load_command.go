// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package macho

import "fmt"

const loadCommandFixedSize = 8

// LoadCmd is an enumeration of load command types.
type LoadCmd uint32

// The load commands the rewriter inspects or patches: segments, the
// code signature, and every command that stores a link-edit file
// offset (those offsets move when a segment is inserted).
const (
	LoadCmdSymtab         LoadCmd = 0x2        // LC_SYMTAB
	LoadCmdDysymtab       LoadCmd = 0xb        // LC_DYSYMTAB
	LoadCmdSegment64      LoadCmd = 0x19       // LC_SEGMENT_64
	LoadCmdCodeSignature  LoadCmd = 0x1d       // LC_CODE_SIGNATURE
	LoadCmdSplitInfo      LoadCmd = 0x1e       // LC_SEGMENT_SPLIT_INFO
	LoadCmdDyldInfo       LoadCmd = 0x22       // LC_DYLD_INFO
	LoadCmdDyldInfoOnly   LoadCmd = 0x80000022 // LC_DYLD_INFO_ONLY
	LoadCmdFunctionStarts LoadCmd = 0x26       // LC_FUNCTION_STARTS
	LoadCmdDataInCode     LoadCmd = 0x29       // LC_DATA_IN_CODE
	LoadCmdCodeSignDRs    LoadCmd = 0x2b       // LC_DYLIB_CODE_SIGN_DRS
	LoadCmdOptimizeHints  LoadCmd = 0x2e       // LC_LINKER_OPTIMIZATION_HINT
	LoadCmdExportsTrie    LoadCmd = 0x80000033 // LC_DYLD_EXPORTS_TRIE
	LoadCmdChainedFixups  LoadCmd = 0x80000034 // LC_DYLD_CHAINED_FIXUPS
)

// indexCommands locates every load command in data's command region.
// The commands must exactly fill the region the header declares.
func indexCommands(data []byte, hdr *FileHeader) ([]ImageCommand, error) {
	off := hdr.LoadCommandsOffset()
	end := hdr.DataOffset()
	if end > int64(len(data)) {
		return nil, fmt.Errorf("index mach-o load commands: region extends past end of file")
	}
	commands := make([]ImageCommand, 0, hdr.LoadCommandCount)
	bo := hdr.ByteOrder
	for i := uint32(0); i < hdr.LoadCommandCount; i++ {
		if off+loadCommandFixedSize > end {
			return nil, fmt.Errorf("index mach-o load commands: command %d is truncated", i)
		}
		size := bo.Uint32(data[off+4:])
		if size < loadCommandFixedSize {
			return nil, fmt.Errorf("index mach-o load commands: command %d has invalid size %d", i, size)
		}
		if off+int64(size) > end {
			return nil, fmt.Errorf("index mach-o load commands: command %d overruns the declared region", i)
		}
		commands = append(commands, ImageCommand{
			Cmd:  LoadCmd(bo.Uint32(data[off:])),
			Off:  off,
			Size: size,
		})
		off += int64(size)
	}
	if off != end {
		return nil, fmt.Errorf("index mach-o load commands: %d trailing bytes in command region", end-off)
	}
	return commands, nil
}
