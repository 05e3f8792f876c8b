package mmcsd

import "github.com/ardnew/softmsc/sdio"

// ExtractBits returns bits [start,end] of a 128-bit register held as four
// 32-bit words, word 0 carrying bits 127..96. The range may straddle a
// word boundary and must not be wider than 32 bits.
func ExtractBits(r [4]uint32, start, end uint) uint32 {
	if end < start || end > 127 || end-start > 31 {
		return 0
	}
	width := end - start + 1
	word := 3 - start/32
	shift := start % 32

	v := r[word] >> shift
	if shift+width > 32 {
		v |= r[word-1] << (32 - shift)
	}
	if width < 32 {
		v &= 1<<width - 1
	}
	return v
}

// CSD fields.
const (
	csdStructureStart = 126
	csdStructureEnd   = 127
	csdReadBlLenStart = 80
	csdReadBlLenEnd   = 83
	csdCSizeStart     = 62
	csdCSizeEnd       = 73
	csdCSizeMultStart = 47
	csdCSizeMultEnd   = 49
	csdCSizeHCStart   = 48
	csdCSizeHCEnd     = 69
)

// DecodeSectors returns the number of 512-byte sectors described by csd.
// High-capacity SD cards use the 22-bit C_SIZE of CSD version 2.0.
// For high-capacity MMC the result is a lower bound; the Extended CSD
// holds the real count.
func DecodeSectors(csd [4]uint32, typ Type, capacity Capacity) uint32 {
	if capacity == CapacityHigh && typ != TypeMMC {
		size := ExtractBits(csd, csdCSizeHCStart, csdCSizeHCEnd)
		return (size + 1) << 10
	}

	blLen := ExtractBits(csd, csdReadBlLenStart, csdReadBlLenEnd)
	size := ExtractBits(csd, csdCSizeStart, csdCSizeEnd)
	mult := ExtractBits(csd, csdCSizeMultStart, csdCSizeMultEnd)

	shift := int(mult) + 2 + int(blLen) - sdio.BlockShift
	if shift < 0 {
		return (size + 1) >> uint(-shift)
	}
	return (size + 1) << uint(shift)
}

// Argument returns the data command argument addressing byte offset pos:
// the offset itself on standard-capacity cards, the block index on
// high-capacity cards.
func Argument(capacity Capacity, pos uint64) uint32 {
	if capacity == CapacityHigh {
		return uint32(pos >> sdio.BlockShift)
	}
	return uint32(pos)
}
