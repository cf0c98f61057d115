package sstable

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/devrev/ringkv/internal/errors"
)

// SSTable component kinds. Every table is three files sharing one
// <cf>-<generation> stem.
const (
	KindData   = "Data.db"
	KindIndex  = "Index.db"
	KindFilter = "Filter.db"
)

// Kinds lists the component kinds in the order they are streamed: the Data
// file last, so it is sent after its siblings. Arrival order on the far side
// is not guaranteed; a Data file that lands first fails to open and is
// re-streamed.
var Kinds = []string{KindIndex, KindFilter, KindData}

// FileName builds a component filename: <cf>-<generation>-<kind>
func FileName(cf, generation, kind string) string {
	return fmt.Sprintf("%s-%s-%s", cf, generation, kind)
}

// ParseFileName splits a component filename into its column family,
// generation, and kind. Generations never contain dashes, so the name has
// exactly three dash-separated pieces.
func ParseFileName(name string) (cf, generation, kind string, err error) {
	base := filepath.Base(name)
	pieces := strings.SplitN(base, "-", 3)
	if len(pieces) != 3 {
		return "", "", "", errors.InvalidArgument(fmt.Sprintf("not an sstable filename: %s", base), nil)
	}
	return pieces[0], pieces[1], pieces[2], nil
}

// SiblingPath returns the path of another component of the same table: the
// directory and stem are preserved, only the kind suffix changes.
func SiblingPath(componentPath, kind string) (string, error) {
	cf, generation, _, err := ParseFileName(componentPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(componentPath), FileName(cf, generation, kind)), nil
}
