// Package loader parses the MLK executable format consumed by SPAWN
// (spec.md §6) and holds the build-time binary registry SPAWN looks
// binary ids up in. No teacher file covers an executable loader (the
// retrieved xv6-in-go slice never reaches exec()); this is grounded
// directly on spec.md §6's header table and boundary behaviors, written
// in the teacher's plain-struct, explicit-validation style.
package loader

import (
	"encoding/binary"

	"mlk-kernel/internal/kerrors"
)

// MaxCodeSize is the largest permitted code image (spec.md §6: "1 <=
// size <= 1 MiB").
const MaxCodeSize = 1 << 20

// HeaderSize is the fixed 16-byte MLK header.
const HeaderSize = 16

var magic = [4]byte{'M', 'L', 'K', 0x01}

// Image is a parsed, ready-to-load MLK executable: the entry offset (from
// the start of Code) and the raw code bytes.
type Image struct {
	EntryOffset uint32
	Code        []byte
}

// ParseHeader validates and parses a raw MLK image per spec.md §6:
//
//	offset 0:  4-byte magic 'M','L','K',0x01
//	offset 4:  4-byte little-endian entry offset, must be < code_size
//	offset 8:  4-byte little-endian code size, 1 <= size <= 1 MiB
//	offset 12: 4-byte reserved, must be 0
//	offset 16: code_size bytes of raw code
//
// Rejects wrong magic, code_size 0, code_size > 1 MiB, entry_offset >=
// code_size, and a nonzero reserved field.
func ParseHeader(data []byte) (Image, kerrors.Code) {
	if len(data) < HeaderSize {
		return Image{}, kerrors.InvalidArgument
	}
	if data[0] != magic[0] || data[1] != magic[1] || data[2] != magic[2] || data[3] != magic[3] {
		return Image{}, kerrors.InvalidArgument
	}
	entryOffset := binary.LittleEndian.Uint32(data[4:8])
	codeSize := binary.LittleEndian.Uint32(data[8:12])
	reserved := binary.LittleEndian.Uint32(data[12:16])

	if reserved != 0 {
		return Image{}, kerrors.InvalidArgument
	}
	if codeSize == 0 || codeSize > MaxCodeSize {
		return Image{}, kerrors.InvalidArgument
	}
	if entryOffset >= codeSize {
		return Image{}, kerrors.InvalidArgument
	}
	if uint64(len(data)) < uint64(HeaderSize)+uint64(codeSize) {
		return Image{}, kerrors.InvalidArgument
	}

	code := make([]byte, codeSize)
	copy(code, data[HeaderSize:uint64(HeaderSize)+uint64(codeSize)])
	return Image{EntryOffset: entryOffset, Code: code}, kerrors.Success
}

// PageCount returns how many 4KB frames are needed to hold the image.
func (img Image) PageCount(pageSize uint32) uint32 {
	n := uint32(len(img.Code)) / pageSize
	if uint32(len(img.Code))%pageSize != 0 {
		n++
	}
	return n
}
