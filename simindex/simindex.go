// Package simindex implements the three pluggable similarity-index
// kinds spec.md §4.7 asks for (HNSW, FTS, LSH), each exposing the same
// populate/delta/query contract as package storage's plain index, so
// the evaluator's AtomTokenizedView path can treat any of them as a
// scan-bound rule atom producing virtual (tuple, score) rows.
package simindex

import (
	"github.com/stratadb/stratadb/storage"
	"github.com/stratadb/stratadb/value"
)

// Index is the capability contract every similarity index kind
// implements, matching storage.SimIndex exactly so any of these can be
// attached to a storage.IndexBinding. Grounded on the four-operation
// shape of the teacher's sql/test_util index driver (LoadAll/Save/
// Delete/Create), collapsed here to the three verbs spec.md §4.7 names.
type Index interface {
	PopulateFromScratch(scan func() ([]storage.IndexedRow, error)) error
	ApplyDelta(added, removed []storage.IndexedRow) error
	Query(params map[string]value.Value) ([]storage.IndexHit, error)
}

var (
	_ Index = (*HNSW)(nil)
	_ Index = (*FTS)(nil)
	_ Index = (*LSH)(nil)
)

// Distance is the metric an HNSW index is built against.
type Distance uint8

const (
	DistanceL2 Distance = iota
	DistanceCosine
	DistanceInnerProduct
)
