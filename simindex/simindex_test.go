package simindex

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stratadb/stratadb/storage"
	"github.com/stratadb/stratadb/value"
)

func vecRow(id string, vec []float64) storage.IndexedRow {
	key := value.Tuple{value.String(id)}
	return storage.IndexedRow{Key: key, Row: key, Columns: []value.Value{value.Vector(value.VectorF64, vec)}}
}

func TestHNSWPopulateAndQueryFindsNearest(t *testing.T) {
	idx := NewHNSW(2, 8, 32, DistanceL2)
	rows := []storage.IndexedRow{
		vecRow("near", []float64{1, 1}),
		vecRow("far", []float64{100, 100}),
		vecRow("mid", []float64{5, 5}),
	}
	require.NoError(t, idx.PopulateFromScratch(func() ([]storage.IndexedRow, error) { return rows, nil }))

	hits, err := idx.Query(map[string]value.Value{
		"vector": value.Vector(value.VectorF64, []float64{1, 2}),
		"k":      value.Int(1),
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "near", hits[0].Key[0].String())
}

func TestHNSWApplyDeltaRemoval(t *testing.T) {
	idx := NewHNSW(2, 8, 32, DistanceL2)
	require.NoError(t, idx.PopulateFromScratch(func() ([]storage.IndexedRow, error) {
		return []storage.IndexedRow{vecRow("a", []float64{0, 0}), vecRow("b", []float64{10, 10})}, nil
	}))
	require.NoError(t, idx.ApplyDelta(nil, []storage.IndexedRow{vecRow("a", []float64{0, 0})}))

	hits, err := idx.Query(map[string]value.Value{"vector": value.Vector(value.VectorF64, []float64{0, 0}), "k": value.Int(5)})
	require.NoError(t, err)
	for _, h := range hits {
		require.NotEqual(t, "a", h.Key[0].String())
	}
}

func TestHNSWConfigHashMatchesIdenticalConstruction(t *testing.T) {
	a := NewHNSW(2, 8, 32, DistanceL2)
	b := NewHNSW(2, 8, 32, DistanceL2)
	ha, err := a.ConfigHash()
	require.NoError(t, err)
	hb, err := b.ConfigHash()
	require.NoError(t, err)
	require.Equal(t, ha, hb)

	c := NewHNSW(2, 8, 32, DistanceCosine)
	hc, err := c.ConfigHash()
	require.NoError(t, err)
	require.NotEqual(t, ha, hc, "distance metric is part of an HNSW index's identity")
}

func textRow(id, text string) storage.IndexedRow {
	key := value.Tuple{value.String(id)}
	return storage.IndexedRow{Key: key, Row: key, Columns: []value.Value{value.String(text)}}
}

func TestFTSQueryRanksMatchingDocumentFirst(t *testing.T) {
	idx := NewFTS()
	rows := []storage.IndexedRow{
		textRow("a", "the quick brown fox jumps over the lazy dog"),
		textRow("b", "totally unrelated text about gardening"),
	}
	require.NoError(t, idx.PopulateFromScratch(func() ([]storage.IndexedRow, error) { return rows, nil }))

	hits, err := idx.Query(map[string]value.Value{"text": value.String("quick fox")})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, "a", hits[0].Key[0].String())
}

func TestFTSApplyDeltaRemovesDocument(t *testing.T) {
	idx := NewFTS()
	require.NoError(t, idx.PopulateFromScratch(func() ([]storage.IndexedRow, error) {
		return []storage.IndexedRow{textRow("a", "hello world")}, nil
	}))
	require.NoError(t, idx.ApplyDelta(nil, []storage.IndexedRow{textRow("a", "hello world")}))

	hits, err := idx.Query(map[string]value.Value{"text": value.String("hello")})
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestLSHQueryFindsNearDuplicate(t *testing.T) {
	idx := NewLSH(32, 4, 2)
	rows := []storage.IndexedRow{
		textRow("a", "the quick brown fox jumps over the lazy dog today"),
		textRow("b", "completely different sentence about something else entirely"),
	}
	require.NoError(t, idx.PopulateFromScratch(func() ([]storage.IndexedRow, error) { return rows, nil }))

	hits, err := idx.Query(map[string]value.Value{"text": value.String("the quick brown fox jumps over the lazy dog today")})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, "a", hits[0].Key[0].String())
	require.InDelta(t, 1.0, hits[0].Score, 1e-9)
}
