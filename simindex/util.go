package simindex

import (
	"sort"

	"github.com/stratadb/stratadb/storage"
)

// sortHitsDescending orders hits by score, highest first — the
// convention for rank-style scores (BM25, Jaccard estimate); HNSW's own
// Query sorts ascending by distance instead, since lower is better
// there.
func sortHitsDescending(hits []storage.IndexHit) {
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}
