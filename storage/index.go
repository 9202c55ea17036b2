package storage

import (
	"sync"

	"github.com/stratadb/stratadb/value"
)

// PlainIndex is the exact-match secondary index of spec.md §4.6: a
// lookup from a projected column-value tuple to the set of base-table
// keys sharing that value, maintained synchronously on every write.
// HNSW/FTS/LSH indexes are the similarity-search counterparts, built in
// package simindex against the same SimIndex contract.
type PlainIndex struct {
	mu      sync.RWMutex
	byValue map[uint64][]IndexedRow
}

// NewPlainIndex constructs an empty exact-match index.
func NewPlainIndex() *PlainIndex {
	return &PlainIndex{byValue: map[uint64][]IndexedRow{}}
}

func (p *PlainIndex) PopulateFromScratch(scan func() ([]IndexedRow, error)) error {
	rows, err := scan()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byValue = map[uint64][]IndexedRow{}
	for _, r := range rows {
		p.insertLocked(r)
	}
	return nil
}

func (p *PlainIndex) ApplyDelta(added, removed []IndexedRow) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range removed {
		p.removeLocked(r)
	}
	for _, r := range added {
		p.insertLocked(r)
	}
	return nil
}

// Query looks up rows whose indexed columns equal params["value"], a
// single-row tuple probe (spec.md §4.7's plain-index query shape).
func (p *PlainIndex) Query(params map[string]value.Value) ([]IndexHit, error) {
	probe, ok := params["value"]
	if !ok {
		return nil, nil
	}
	key := columnsFingerprint([]value.Value{probe})
	p.mu.RLock()
	defer p.mu.RUnlock()
	rows := p.byValue[key]
	out := make([]IndexHit, 0, len(rows))
	for _, r := range rows {
		if len(r.Columns) == 1 && value.Equal(r.Columns[0], probe) {
			out = append(out, IndexHit{Key: r.Key, Score: 0})
		}
	}
	return out, nil
}

func (p *PlainIndex) insertLocked(r IndexedRow) {
	key := columnsFingerprint(r.Columns)
	p.byValue[key] = append(p.byValue[key], r)
}

func (p *PlainIndex) removeLocked(r IndexedRow) {
	key := columnsFingerprint(r.Columns)
	rows := p.byValue[key]
	for i, existing := range rows {
		if value.EqualTuples(value.Tuple(existing.Key), value.Tuple(r.Key)) {
			p.byValue[key] = append(rows[:i], rows[i+1:]...)
			return
		}
	}
}

func columnsFingerprint(cols []value.Value) uint64 {
	return value.FingerprintTuple(value.Tuple(cols))
}
