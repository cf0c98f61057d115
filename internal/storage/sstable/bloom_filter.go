package sstable

import (
	"encoding/binary"
	"hash/fnv"
	"io"
	"math"
	"os"
)

// BloomFilter is a probabilistic set-membership filter persisted as the
// Filter component of an SSTable
type BloomFilter struct {
	bits      []bool
	size      uint64
	hashCount uint64
}

// NewBloomFilter sizes a filter for the expected element count and false
// positive rate
func NewBloomFilter(expectedElements int, falsePositiveRate float64) *BloomFilter {
	// m = -(n * ln(p)) / (ln(2)^2), k = (m/n) * ln(2)
	size := uint64(-float64(expectedElements) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if size == 0 {
		size = 1
	}
	hashCount := uint64(float64(size) / float64(expectedElements) * math.Ln2)
	if hashCount == 0 {
		hashCount = 1
	}

	return &BloomFilter{
		bits:      make([]bool, size),
		size:      size,
		hashCount: hashCount,
	}
}

// Add inserts a key
func (bf *BloomFilter) Add(key string) {
	for _, hash := range bf.getHashes(key) {
		bf.bits[hash%bf.size] = true
	}
}

// MayContain checks if a key might be in the set
func (bf *BloomFilter) MayContain(key string) bool {
	for _, hash := range bf.getHashes(key) {
		if !bf.bits[hash%bf.size] {
			return false
		}
	}
	return true
}

// getHashes generates k hash values via double hashing: h(i) = h1 + i*h2
func (bf *BloomFilter) getHashes(key string) []uint64 {
	hashes := make([]uint64, bf.hashCount)

	h := fnv.New64()
	h.Write([]byte(key))
	hash1 := h.Sum64()

	h.Reset()
	h.Write([]byte(key + "salt"))
	hash2 := h.Sum64()

	for i := uint64(0); i < bf.hashCount; i++ {
		hashes[i] = hash1 + i*hash2
	}
	return hashes
}

// WriteTo serializes the filter to its component file
func (bf *BloomFilter) WriteTo(file *os.File) error {
	if err := binary.Write(file, binary.LittleEndian, bf.size); err != nil {
		return err
	}
	if err := binary.Write(file, binary.LittleEndian, bf.hashCount); err != nil {
		return err
	}

	byteCount := (bf.size + 7) / 8
	packed := make([]byte, byteCount)
	for i := uint64(0); i < bf.size; i++ {
		if bf.bits[i] {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	_, err := file.Write(packed)
	return err
}

// LoadBloomFilter reads a filter from its component file
func LoadBloomFilter(filePath string) (*BloomFilter, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	bf := &BloomFilter{}
	if err := binary.Read(file, binary.LittleEndian, &bf.size); err != nil {
		return nil, err
	}
	if err := binary.Read(file, binary.LittleEndian, &bf.hashCount); err != nil {
		return nil, err
	}

	byteCount := (bf.size + 7) / 8
	packed := make([]byte, byteCount)
	if _, err := io.ReadFull(file, packed); err != nil {
		return nil, err
	}

	bf.bits = make([]bool, bf.size)
	for i := uint64(0); i < bf.size; i++ {
		bf.bits[i] = (packed[i/8] & (1 << (i % 8))) != 0
	}
	return bf, nil
}
