package sstable

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/devrev/ringkv/internal/util"
)

// Entry is one row persisted in an SSTable Data file
type Entry struct {
	Key       string `json:"key"`
	Value     []byte `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// IndexEntry locates one row in the Data file
type IndexEntry struct {
	Key      string
	Offset   int64
	Size     int32
	Checksum uint32 // CRC32 checksum of the data block
}

// Config holds SSTable writer configuration
type Config struct {
	BloomFilterFP    float64
	ExpectedElements int
}

// Writer writes the three components of an SSTable: Data, Index, and
// Filter, all sharing the <cf>-<generation> stem.
type Writer struct {
	dataPath    string
	dataFile    *os.File
	indexFile   *os.File
	bloomFile   *os.File
	offset      int64
	index       []IndexEntry
	bloomFilter *BloomFilter
}

// NewWriter creates a writer for a new table generation under dir
func NewWriter(dir, cf, generation string, cfg *Config) (*Writer, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.BloomFilterFP <= 0 {
		cfg.BloomFilterFP = 0.01
	}
	if cfg.ExpectedElements <= 0 {
		cfg.ExpectedElements = 10000
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sstable directory: %w", err)
	}

	dataPath := filepath.Join(dir, FileName(cf, generation, KindData))
	dataFile, err := os.Create(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create data file: %w", err)
	}

	indexFile, err := os.Create(filepath.Join(dir, FileName(cf, generation, KindIndex)))
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("failed to create index file: %w", err)
	}

	bloomFile, err := os.Create(filepath.Join(dir, FileName(cf, generation, KindFilter)))
	if err != nil {
		dataFile.Close()
		indexFile.Close()
		return nil, fmt.Errorf("failed to create filter file: %w", err)
	}

	return &Writer{
		dataPath:    dataPath,
		dataFile:    dataFile,
		indexFile:   indexFile,
		bloomFile:   bloomFile,
		index:       make([]IndexEntry, 0),
		bloomFilter: NewBloomFilter(cfg.ExpectedElements, cfg.BloomFilterFP),
	}, nil
}

// Write appends one entry with a per-entry checksum
func (w *Writer) Write(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	checksum := util.ComputeChecksum(data)

	entrySize := int32(len(data))
	if err := binary.Write(w.dataFile, binary.LittleEndian, entrySize); err != nil {
		return fmt.Errorf("failed to write entry size: %w", err)
	}
	if err := binary.Write(w.dataFile, binary.LittleEndian, checksum); err != nil {
		return fmt.Errorf("failed to write checksum: %w", err)
	}
	n, err := w.dataFile.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write entry data: %w", err)
	}

	w.index = append(w.index, IndexEntry{
		Key:      entry.Key,
		Offset:   w.offset,
		Size:     entrySize,
		Checksum: checksum,
	})
	w.bloomFilter.Add(entry.Key)

	// size field + checksum + data
	w.offset += int64(4 + 4 + n)
	return nil
}

// Finalize writes the index and filter components and syncs all files
func (w *Writer) Finalize() error {
	for _, entry := range w.index {
		if err := w.writeIndexEntry(entry); err != nil {
			return fmt.Errorf("failed to write index entry: %w", err)
		}
	}
	if err := w.bloomFilter.WriteTo(w.bloomFile); err != nil {
		return fmt.Errorf("failed to write bloom filter: %w", err)
	}

	if err := w.dataFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync data file: %w", err)
	}
	if err := w.indexFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync index file: %w", err)
	}
	if err := w.bloomFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync filter file: %w", err)
	}
	return nil
}

// writeIndexEntry writes a single index entry with checksum
func (w *Writer) writeIndexEntry(entry IndexEntry) error {
	keyLen := int32(len(entry.Key))
	if err := binary.Write(w.indexFile, binary.LittleEndian, keyLen); err != nil {
		return err
	}
	if _, err := w.indexFile.Write([]byte(entry.Key)); err != nil {
		return err
	}
	if err := binary.Write(w.indexFile, binary.LittleEndian, entry.Offset); err != nil {
		return err
	}
	if err := binary.Write(w.indexFile, binary.LittleEndian, entry.Size); err != nil {
		return err
	}
	return binary.Write(w.indexFile, binary.LittleEndian, entry.Checksum)
}

// DataPath returns the path of the Data component
func (w *Writer) DataPath() string {
	return w.dataPath
}

// Size returns the current size of the Data component
func (w *Writer) Size() int64 {
	return w.offset
}

// Close closes all component files
func (w *Writer) Close() error {
	var err error
	if e := w.dataFile.Close(); e != nil {
		err = e
	}
	if e := w.indexFile.Close(); e != nil {
		err = e
	}
	if e := w.bloomFile.Close(); e != nil {
		err = e
	}
	return err
}
