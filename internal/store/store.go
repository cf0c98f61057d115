package store

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/ring"
	"github.com/devrev/ringkv/internal/storage/sstable"
)

// Store is the node's collection of tables under one data directory
type Store struct {
	dataDir     string
	partitioner ring.Partitioner
	logger      *zap.Logger

	mu     sync.Mutex
	tables map[string]*Table
}

// Open creates a store rooted at dataDir
func Open(dataDir string, partitioner ring.Partitioner, logger *zap.Logger) *Store {
	return &Store{
		dataDir:     dataDir,
		partitioner: partitioner,
		logger:      logger,
		tables:      make(map[string]*Table),
	}
}

// DataDir returns the directory the store roots its tables under
func (s *Store) DataDir() string {
	return s.dataDir
}

// Table opens (or returns) the named table
func (s *Store) Table(name string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		var err error
		t, err = OpenTable(s.dataDir, name, s.logger)
		if err != nil {
			return nil, err
		}
		s.tables[name] = t
	}
	return t, nil
}

// Tables returns the open tables
func (s *Store) Tables() []*Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Table, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, t)
	}
	return out
}

// Partitioner returns the store's partitioner
func (s *Store) Partitioner() ring.Partitioner {
	return s.partitioner
}

// TotalBytes returns the on-disk size of all installed sstables across all
// tables. This is the scalar load the node reports through gossip.
func (s *Store) TotalBytes() int64 {
	var total int64
	for _, t := range s.Tables() {
		for _, cfs := range t.ColumnFamilies() {
			total += cfs.TotalBytes()
		}
	}
	return total
}

// TableReader tags an installed reader with the table it belongs to
type TableReader struct {
	Table  string
	Reader *sstable.Reader
}

// ReadersInRanges collects, across all tables, the sstables holding data in
// any of the given ranges. This is what a source node offers to stream.
func (s *Store) ReadersInRanges(ranges []ring.Range) []TableReader {
	var out []TableReader
	for _, t := range s.Tables() {
		for _, cfs := range t.ColumnFamilies() {
			for _, reader := range cfs.SSTablesInRanges(s.partitioner, ranges) {
				out = append(out, TableReader{Table: t.Name(), Reader: reader})
			}
		}
	}
	return out
}

// GetSplits returns n+1 tokens partitioning the data in the given primary
// range into n roughly-equal shards: the range bounds plus n-1 interior
// split points. Split points are drawn from the tokens of resident keys;
// with no resident keys the arc is divided arithmetically.
func (s *Store) GetSplits(n int, primary ring.Range) []ring.Token {
	if n < 1 {
		n = 1
	}

	var resident []ring.Token
	for _, t := range s.Tables() {
		for _, cfs := range t.ColumnFamilies() {
			for _, reader := range cfs.SSTables() {
				for _, key := range reader.Keys() {
					tok := s.partitioner.Token([]byte(key))
					if primary.Contains(tok) {
						resident = append(resident, tok)
					}
				}
			}
		}
	}

	splits := make([]ring.Token, 0, n+1)
	splits = append(splits, primary.Left)

	if len(resident) >= n {
		// order by clockwise distance from the range start so wrap ranges
		// sort correctly
		sort.Slice(resident, func(i, j int) bool {
			return ring.Distance(primary.Left, resident[i]) < ring.Distance(primary.Left, resident[j])
		})
		for i := 1; i < n; i++ {
			splits = append(splits, resident[i*len(resident)/n])
		}
	} else {
		step := ring.Distance(primary.Left, primary.Right) / uint64(n)
		for i := 1; i < n; i++ {
			splits = append(splits, primary.Left+ring.Token(uint64(i)*step))
		}
	}

	splits = append(splits, primary.Right)
	return splits
}
