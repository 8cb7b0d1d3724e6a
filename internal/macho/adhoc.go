// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package macho

import (
	"crypto/sha256"
	"fmt"
)

// Ad-hoc signing emits the same signature shape as the Darwin linker:
// a super blob holding a single code directory whose code slots are
// SHA-256 hashes of the file's pages up to the signature offset.

const (
	adHocPageSizeBits = 12
	adHocPageSize     = 1 << adHocPageSizeBits
	adHocHashSize     = sha256.Size

	executableSegmentMain = 0x1 // CS_EXECSEG_MAIN_BINARY
)

// adHocSignatureSize returns the byte size of the ad-hoc signature for
// a file whose signed region is codeSize bytes.
func adHocSignatureSize(codeSize int64, identifier string) int64 {
	nslots := (codeSize + adHocPageSize - 1) / adHocPageSize
	sz := int64(superBlobFixedSize + blobIndexSize)
	sz += codeDirectoryFixedSize + int64(len(identifier)) + 1 + nslots*adHocHashSize
	return sz
}

// adHocSignature builds an ad-hoc signature over data, the complete
// file content up to the signature offset, already reflecting the
// final load commands.
func adHocSignature(data []byte, textOff, textSize uint64, isMain bool, identifier string) ([]byte, error) {
	cd := &CodeDirectory{
		Flags:      CodeSignatureAdHoc | CodeSignatureLinkerSigned,
		Identifier: identifier,
		CodeLimit:  uint64(len(data)),
		HashType:   HashTypeSHA256,
		PageSize:   adHocPageSizeBits,

		ExecutableSegmentBase:  textOff,
		ExecutableSegmentLimit: textSize,
	}
	if isMain {
		cd.ExecutableSegmentFlags = executableSegmentMain
	}
	cd.HashData = make([]byte, 0, ((len(data)+adHocPageSize-1)/adHocPageSize)*adHocHashSize)
	for p := 0; p < len(data); p += adHocPageSize {
		end := min(p+adHocPageSize, len(data))
		digest := sha256.Sum256(data[p:end])
		cd.HashData = append(cd.HashData, digest[:]...)
	}

	cdBlob, err := cd.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("ad-hoc signature: %v", err)
	}
	sb := &SuperBlob{
		Magic: CodeSignatureMagicEmbeddedSignature,
		Blobs: []SuperBlobEntry{{Type: SuperBlobCodeDirectorySlot, Blob: cdBlob}},
	}
	sig, err := sb.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("ad-hoc signature: %v", err)
	}
	return sig, nil
}
