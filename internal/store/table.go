package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/ring"
	"github.com/devrev/ringkv/internal/storage/sstable"
)

// Table is one keyspace: a named collection of column family stores living
// under <dataDir>/<table>/.
type Table struct {
	name   string
	dir    string
	logger *zap.Logger

	mu  sync.Mutex
	cfs map[string]*ColumnFamilyStore
}

// OpenTable opens (or creates) a table directory and discovers its existing
// sstables.
func OpenTable(dataDir, name string, logger *zap.Logger) (*Table, error) {
	dir := filepath.Join(dataDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.SSTableFailed(fmt.Sprintf("failed to create table directory %s", dir), err)
	}

	t := &Table{
		name:   name,
		dir:    dir,
		logger: logger,
		cfs:    make(map[string]*ColumnFamilyStore),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.SSTableFailed(fmt.Sprintf("failed to read table directory %s", dir), err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sstable.KindData) {
			continue
		}
		cf, generation, _, err := sstable.ParseFileName(entry.Name())
		if err != nil || strings.HasPrefix(generation, "tmp") {
			continue
		}
		reader, err := sstable.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.Warn("Skipping unreadable sstable",
				zap.String("file", entry.Name()),
				zap.Error(err))
			continue
		}
		cfs := t.ColumnFamilyStore(cf)
		cfs.AddSSTable(reader)
		if gen, err := strconv.ParseInt(generation, 10, 64); err == nil {
			cfs.bumpGeneration(gen)
		}
	}

	return t, nil
}

// Name returns the table name
func (t *Table) Name() string {
	return t.name
}

// Dir returns the table's data directory
func (t *Table) Dir() string {
	return t.dir
}

// ColumnFamilyStore returns the store for a column family, creating it on
// first use
func (t *Table) ColumnFamilyStore(cf string) *ColumnFamilyStore {
	t.mu.Lock()
	defer t.mu.Unlock()

	cfs, ok := t.cfs[cf]
	if !ok {
		cfs = &ColumnFamilyStore{
			table:    t.name,
			name:     cf,
			dir:      t.dir,
			logger:   t.logger,
			sstables: make(map[string]*sstable.Reader),
		}
		t.cfs[cf] = cfs
	}
	return cfs
}

// ColumnFamilies returns the known column family stores
func (t *Table) ColumnFamilies() []*ColumnFamilyStore {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*ColumnFamilyStore, 0, len(t.cfs))
	for _, cfs := range t.cfs {
		out = append(out, cfs)
	}
	return out
}

// ColumnFamilyStore holds the installed sstables of one column family
type ColumnFamilyStore struct {
	table  string
	name   string
	dir    string
	logger *zap.Logger

	mu         sync.Mutex
	sstables   map[string]*sstable.Reader // data path -> reader
	generation int64
}

// Name returns the column family name
func (c *ColumnFamilyStore) Name() string {
	return c.name
}

// Dir returns the directory holding this column family's sstables
func (c *ColumnFamilyStore) Dir() string {
	return c.dir
}

// GetTempSSTableFileName allocates a fresh temporary Data filename for a
// table being received. The stem is unique per call; sibling components
// substitute the kind suffix.
func (c *ColumnFamilyStore) GetTempSSTableFileName() string {
	stem := "tmp" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return sstable.FileName(c.name, stem, sstable.KindData)
}

// AddSSTable installs a reader into the live set
func (c *ColumnFamilyStore) AddSSTable(reader *sstable.Reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sstables[reader.DataPath()] = reader
	c.logger.Info("Added sstable",
		zap.String("table", c.table),
		zap.String("cf", c.name),
		zap.String("file", filepath.Base(reader.DataPath())))
}

// RenameAndOpen validates a temp-named streamed table, promotes it to the
// next generation, and returns the opened reader. On validation failure the
// temp components are left in place for a re-stream to overwrite.
func (c *ColumnFamilyStore) RenameAndOpen(tmpDataPath string) (*sstable.Reader, error) {
	reader, err := sstable.Open(tmpDataPath)
	if err != nil {
		return nil, errors.SSTableFailed(fmt.Sprintf("failed to open streamed sstable %s", tmpDataPath), err)
	}

	gen := c.nextGeneration()
	if err := reader.Rename(c.name, strconv.FormatInt(gen, 10)); err != nil {
		reader.Close()
		return nil, errors.SSTableFailed(fmt.Sprintf("failed to promote streamed sstable %s", tmpDataPath), err)
	}
	return reader, nil
}

// SSTables returns the installed readers
func (c *ColumnFamilyStore) SSTables() []*sstable.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*sstable.Reader, 0, len(c.sstables))
	for _, r := range c.sstables {
		out = append(out, r)
	}
	return out
}

// SSTablesInRanges returns the installed readers holding at least one key
// whose token falls in any of the given ranges.
func (c *ColumnFamilyStore) SSTablesInRanges(p ring.Partitioner, ranges []ring.Range) []*sstable.Reader {
	var out []*sstable.Reader
	for _, reader := range c.SSTables() {
		if readerIntersects(reader, p, ranges) {
			out = append(out, reader)
		}
	}
	return out
}

func readerIntersects(reader *sstable.Reader, p ring.Partitioner, ranges []ring.Range) bool {
	for _, key := range reader.Keys() {
		t := p.Token([]byte(key))
		for _, r := range ranges {
			if r.Contains(t) {
				return true
			}
		}
	}
	return false
}

// TotalBytes returns the on-disk size of all installed sstables
func (c *ColumnFamilyStore) TotalBytes() int64 {
	var total int64
	for _, r := range c.SSTables() {
		total += r.TotalBytes()
	}
	return total
}

func (c *ColumnFamilyStore) nextGeneration() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	return c.generation
}

func (c *ColumnFamilyStore) bumpGeneration(gen int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen > c.generation {
		c.generation = gen
	}
}
