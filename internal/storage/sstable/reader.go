package sstable

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/devrev/ringkv/internal/util"
)

// Reader reads one SSTable. The index is held in memory; the bloom filter
// short-circuits misses when the Filter component is present.
type Reader struct {
	mu        sync.Mutex
	dataPath  string
	indexPath string
	dataFile  *os.File
	index     map[string]IndexEntry
	filter    *BloomFilter
}

// Open opens the SSTable whose Data component is at dataPath. Sibling
// components are located by suffix substitution. A missing Filter component
// is tolerated; a missing Index is not.
func Open(dataPath string) (*Reader, error) {
	indexPath, err := SiblingPath(dataPath, KindIndex)
	if err != nil {
		return nil, err
	}
	filterPath, err := SiblingPath(dataPath, KindFilter)
	if err != nil {
		return nil, err
	}

	dataFile, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}

	indexFile, err := os.Open(indexPath)
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	defer indexFile.Close()

	r := &Reader{
		dataPath:  dataPath,
		indexPath: indexPath,
		dataFile:  dataFile,
		index:     make(map[string]IndexEntry),
	}

	if err := r.loadIndex(indexFile); err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("failed to load index: %w", err)
	}

	if filter, err := LoadBloomFilter(filterPath); err == nil {
		r.filter = filter
	}

	return r, nil
}

// loadIndex loads the index component into memory
func (r *Reader) loadIndex(indexFile *os.File) error {
	for {
		var keyLen int32
		if err := binary.Read(indexFile, binary.LittleEndian, &keyLen); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}

		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(indexFile, keyBytes); err != nil {
			return err
		}
		key := string(keyBytes)

		var offset int64
		if err := binary.Read(indexFile, binary.LittleEndian, &offset); err != nil {
			return err
		}
		var size int32
		if err := binary.Read(indexFile, binary.LittleEndian, &size); err != nil {
			return err
		}
		var checksum uint32
		if err := binary.Read(indexFile, binary.LittleEndian, &checksum); err != nil {
			return err
		}

		r.index[key] = IndexEntry{Key: key, Offset: offset, Size: size, Checksum: checksum}
	}
	return nil
}

// Get retrieves an entry by key with checksum validation
func (r *Reader) Get(key string) (*Entry, error) {
	if r.filter != nil && !r.filter.MayContain(key) {
		return nil, nil
	}

	indexEntry, found := r.index[key]
	if !found {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.dataFile.Seek(indexEntry.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to offset: %w", err)
	}

	var entrySize int32
	if err := binary.Read(r.dataFile, binary.LittleEndian, &entrySize); err != nil {
		return nil, fmt.Errorf("failed to read entry size: %w", err)
	}
	var checksum uint32
	if err := binary.Read(r.dataFile, binary.LittleEndian, &checksum); err != nil {
		return nil, fmt.Errorf("failed to read checksum: %w", err)
	}

	data := make([]byte, entrySize)
	if _, err := io.ReadFull(r.dataFile, data); err != nil {
		return nil, fmt.Errorf("failed to read entry data: %w", err)
	}

	if !util.ValidateChecksum(data, checksum) {
		return nil, fmt.Errorf("checksum validation failed for key %s: expected %d, got %d",
			key, checksum, util.ComputeChecksum(data))
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &entry, nil
}

// HasKey checks if a key exists in the SSTable
func (r *Reader) HasKey(key string) bool {
	_, found := r.index[key]
	return found
}

// Keys returns all keys in the SSTable, sorted
func (r *Reader) Keys() []string {
	keys := make([]string, 0, len(r.index))
	for key := range r.index {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// DataPath returns the path of the Data component
func (r *Reader) DataPath() string {
	return r.dataPath
}

// ComponentPaths returns the on-disk paths of all present components
func (r *Reader) ComponentPaths() []string {
	paths := []string{r.dataPath, r.indexPath}
	if filterPath, err := SiblingPath(r.dataPath, KindFilter); err == nil {
		if _, err := os.Stat(filterPath); err == nil {
			paths = append(paths, filterPath)
		}
	}
	return paths
}

// TotalBytes returns the combined on-disk size of all components
func (r *Reader) TotalBytes() int64 {
	var total int64
	for _, p := range r.ComponentPaths() {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}

// Rename moves every component to a new stem, keeping the reader valid: the
// open file descriptor survives the rename. The Filter component is
// optional; a missing Index fails the rename before anything moves.
func (r *Reader) Rename(cf, generation string) error {
	dir := filepath.Dir(r.dataPath)

	for _, kind := range Kinds {
		oldPath, err := SiblingPath(r.dataPath, kind)
		if err != nil {
			return err
		}
		if _, err := os.Stat(oldPath); err != nil {
			if kind == KindFilter {
				continue
			}
			return fmt.Errorf("missing %s component: %w", kind, err)
		}
	}

	for _, kind := range Kinds {
		oldPath, _ := SiblingPath(r.dataPath, kind)
		if _, err := os.Stat(oldPath); err != nil {
			continue
		}
		newPath := filepath.Join(dir, FileName(cf, generation, kind))
		if err := os.Rename(oldPath, newPath); err != nil {
			return fmt.Errorf("failed to rename %s: %w", oldPath, err)
		}
	}

	r.dataPath = filepath.Join(dir, FileName(cf, generation, KindData))
	r.indexPath, _ = SiblingPath(r.dataPath, KindIndex)
	return nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.dataFile.Close()
}
