package util

import (
	"hash/crc32"
)

// Checksum utilities for data integrity validation.
// Uses CRC32 (IEEE polynomial): cheap enough to run on every SSTable entry
// and every streamed file.

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}
