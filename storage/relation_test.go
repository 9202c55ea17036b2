package storage

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/stratadb/stratadb/value"
)

// tupleDiff renders a structural diff between two rows using
// value.Equal as the leaf comparator, since value.Value keeps its
// fields unexported and cmp cannot traverse them directly.
func tupleDiff(want, got value.Tuple) string {
	return cmp.Diff(want, got, cmp.Comparer(value.Equal))
}

func friendsSchema() value.Schema {
	return value.Schema{Columns: []value.Column{
		{Name: "a", Type: value.ColumnType(value.KindString), Key: true},
		{Name: "b", Type: value.ColumnType(value.KindString)},
	}}
}

func newFriendsStore(t *testing.T) *Store {
	t.Helper()
	store := NewStore(NewMemKV())
	require.NoError(t, store.CreateRelation(&Relation{Name: "friends", Schema: friendsSchema()}))
	return store
}

func TestPutScanRoundTrip(t *testing.T) {
	store := newFriendsStore(t)
	rows := []value.Tuple{
		{value.String("alice"), value.String("bob")},
		{value.String("bob"), value.String("carl")},
	}
	require.NoError(t, store.Put("friends", rows))

	got, err := store.Scan("friends")
	require.NoError(t, err)
	require.Len(t, got, 2)
	sort.Slice(got, func(i, j int) bool { return value.CompareTuples(got[i], got[j]) < 0 })
	if diff := tupleDiff(rows[0], got[0]); diff != "" {
		t.Errorf("row 0 mismatch (-want +got):\n%s", diff)
	}
	if diff := tupleDiff(rows[1], got[1]); diff != "" {
		t.Errorf("row 1 mismatch (-want +got):\n%s", diff)
	}
}

func TestPutOverwritesExistingKey(t *testing.T) {
	store := newFriendsStore(t)
	require.NoError(t, store.Put("friends", []value.Tuple{{value.String("alice"), value.String("bob")}}))
	require.NoError(t, store.Put("friends", []value.Tuple{{value.String("alice"), value.String("carl")}}))

	got, err := store.Scan("friends")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "carl", got[0][1].String())
}

func TestRmDeletesByKey(t *testing.T) {
	store := newFriendsStore(t)
	require.NoError(t, store.Put("friends", []value.Tuple{
		{value.String("alice"), value.String("bob")},
		{value.String("bob"), value.String("carl")},
	}))
	require.NoError(t, store.Rm("friends", []value.Tuple{{value.String("alice"), value.String("bob")}}))

	got, err := store.Scan("friends")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "bob", got[0][0].String())
}

func TestReplaceOverwritesWholeRelation(t *testing.T) {
	store := newFriendsStore(t)
	require.NoError(t, store.Put("friends", []value.Tuple{{value.String("alice"), value.String("bob")}}))
	require.NoError(t, store.Replace("friends", []value.Tuple{{value.String("x"), value.String("y")}}))

	got, err := store.Scan("friends")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "x", got[0][0].String())
}

func TestCreateRelationTwiceFails(t *testing.T) {
	store := newFriendsStore(t)
	err := store.CreateRelation(&Relation{Name: "friends", Schema: friendsSchema()})
	require.Error(t, err)
}

func TestIndexSyncOnPutAndRm(t *testing.T) {
	store := newFriendsStore(t)
	require.NoError(t, store.CreateIndex("friends", &IndexBinding{Name: "friends:byB", Columns: []int{1}, Index: NewPlainIndex()}))

	require.NoError(t, store.Put("friends", []value.Tuple{{value.String("alice"), value.String("bob")}}))

	hits, err := store.SimilarityQuery("friends:byB", map[string]value.Value{"value": value.String("bob")})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "alice", hits[0].Tuple[0].String())

	require.NoError(t, store.Rm("friends", []value.Tuple{{value.String("alice"), value.String("bob")}}))
	hits, err = store.SimilarityQuery("friends:byB", map[string]value.Value{"value": value.String("bob")})
	require.NoError(t, err)
	require.Len(t, hits, 0)
}

func TestTriggerAbortsTransaction(t *testing.T) {
	store := newFriendsStore(t)
	store.SetTriggers("friends", []Trigger{{
		Name: "reject-carl",
		Run: func(tx Tx, newRows, oldRows []value.Tuple) error {
			for _, r := range newRows {
				if r[1].String() == "carl" {
					return errRejected
				}
			}
			return nil
		},
	}})

	err := store.Put("friends", []value.Tuple{{value.String("alice"), value.String("carl")}})
	require.Error(t, err)

	got, err := store.Scan("friends")
	require.NoError(t, err)
	require.Len(t, got, 0, "trigger failure must abort the whole mutation")
}

// TestTriggerAbortLeavesIndexUnsynced guards spec.md §341's
// I == definition_of_I(R) invariant against a trigger rejection: since
// SimIndex.ApplyDelta mutates index state outside the backend's own
// rollback, runTriggers must run (and be able to reject) before
// syncIndexes ever touches the index.
func TestTriggerAbortLeavesIndexUnsynced(t *testing.T) {
	store := newFriendsStore(t)
	require.NoError(t, store.CreateIndex("friends", &IndexBinding{Name: "friends:byB", Columns: []int{1}, Index: NewPlainIndex()}))
	store.SetTriggers("friends", []Trigger{{
		Name: "reject-carl",
		Run: func(tx Tx, newRows, oldRows []value.Tuple) error {
			for _, r := range newRows {
				if r[1].String() == "carl" {
					return errRejected
				}
			}
			return nil
		},
	}})

	err := store.Put("friends", []value.Tuple{{value.String("alice"), value.String("carl")}})
	require.Error(t, err)

	hits, err := store.SimilarityQuery("friends:byB", map[string]value.Value{"value": value.String("carl")})
	require.NoError(t, err)
	require.Empty(t, hits, "index must not reflect a row the trigger rejected")
}

func TestSubscribeDeliversCDCEventInCommitOrder(t *testing.T) {
	store := newFriendsStore(t)
	ch := store.Subscribe("friends")

	require.NoError(t, store.Put("friends", []value.Tuple{{value.String("a"), value.String("b")}}))
	require.NoError(t, store.Put("friends", []value.Tuple{{value.String("c"), value.String("d")}}))
	require.NoError(t, store.Rm("friends", []value.Tuple{{value.String("a"), value.String("b")}}))

	first := <-ch
	second := <-ch
	third := <-ch

	require.Equal(t, OpPut, first.Op)
	require.Equal(t, "b", first.NewRows[0][1].String())
	require.Equal(t, OpPut, second.Op)
	require.Equal(t, "d", second.NewRows[0][1].String())
	require.Equal(t, OpRm, third.Op)
	require.Equal(t, "b", third.OldRows[0][1].String())
}

type rejectedError struct{}

func (rejectedError) Error() string { return "rejected" }

var errRejected = rejectedError{}

func intPairValueSchema() value.Schema {
	return value.Schema{Columns: []value.Column{
		{Name: "fr", Type: value.ColumnType(value.KindInt), Key: true},
		{Name: "to", Type: value.ColumnType(value.KindInt), Key: true},
		{Name: "data", Type: value.ColumnType(value.KindInt)},
	}}
}

// TestFriendsIndexConsistencyScenario is spec.md §8 scenario 5: create
// base friends{fr,to=>data}, put two rows, attach a secondary index,
// put two more rows (one overwriting an existing key), rm one row, and
// check the base relation and the index both reflect the final state.
// The spec's index is keyed on {to,data}; PlainIndex.Query only probes
// a single projected column (see DESIGN.md), so this indexes on `to`
// alone — the same consistency invariant, at the granularity the
// current index contract actually supports.
func TestFriendsIndexConsistencyScenario(t *testing.T) {
	store := NewStore(NewMemKV())
	require.NoError(t, store.CreateRelation(&Relation{Name: "friends", Schema: intPairValueSchema()}))
	require.NoError(t, store.Put("friends", []value.Tuple{
		{value.Int(1), value.Int(2), value.Int(3)},
		{value.Int(4), value.Int(5), value.Int(6)},
	}))
	require.NoError(t, store.CreateIndex("friends", &IndexBinding{Name: "friends:rev", Columns: []int{1}, Index: NewPlainIndex()}))

	require.NoError(t, store.Put("friends", []value.Tuple{
		{value.Int(1), value.Int(2), value.Int(5)},
		{value.Int(6), value.Int(5), value.Int(7)},
	}))
	require.NoError(t, store.Rm("friends", []value.Tuple{{value.Int(4), value.Int(5)}}))

	got, err := store.Scan("friends")
	require.NoError(t, err)
	sort.Slice(got, func(i, j int) bool { return value.CompareTuples(got[i], got[j]) < 0 })
	require.Len(t, got, 2)
	require.True(t, value.EqualTuples(got[0], value.Tuple{value.Int(1), value.Int(2), value.Int(5)}))
	require.True(t, value.EqualTuples(got[1], value.Tuple{value.Int(6), value.Int(5), value.Int(7)}))

	hits, err := store.SimilarityQuery("friends:rev", map[string]value.Value{"value": value.Int(5)})
	require.NoError(t, err)
	require.Len(t, hits, 1, "only (6,5,7) has to=5 once (4,5,6) is removed")
	require.True(t, value.EqualTuples(hits[0].Tuple, value.Tuple{value.Int(6), value.Int(5)}))

	hits, err = store.SimilarityQuery("friends:rev", map[string]value.Value{"value": value.Int(2)})
	require.NoError(t, err)
	require.Len(t, hits, 1, "(1,2,5) keeps to=2 after its data column is overwritten")
	require.True(t, value.EqualTuples(hits[0].Tuple, value.Tuple{value.Int(1), value.Int(2)}))
}

// TestFriendsCallbackOrderingScenario is spec.md §8 scenario 6: a
// callback on friends sees exactly three messages, in commit order,
// with the before/after row counts described by the scenario.
func TestFriendsCallbackOrderingScenario(t *testing.T) {
	store := NewStore(NewMemKV())
	require.NoError(t, store.CreateRelation(&Relation{Name: "friends", Schema: intPairValueSchema()}))
	ch := store.Subscribe("friends")

	require.NoError(t, store.Put("friends", []value.Tuple{
		{value.Int(1), value.Int(2), value.Int(3)},
		{value.Int(4), value.Int(5), value.Int(6)},
	}))
	require.NoError(t, store.Put("friends", []value.Tuple{
		{value.Int(1), value.Int(2), value.Int(9)}, // overwrites the first row above
		{value.Int(7), value.Int(8), value.Int(9)},
	}))
	require.NoError(t, store.Rm("friends", []value.Tuple{
		{value.Int(1), value.Int(2)},
		{value.Int(99), value.Int(99)}, // not actually present
	}))

	first := <-ch
	require.Equal(t, OpPut, first.Op)
	require.Len(t, first.NewRows, 2)
	require.Len(t, first.OldRows, 0)

	second := <-ch
	require.Equal(t, OpPut, second.Op)
	require.Len(t, second.NewRows, 2)
	require.Len(t, second.OldRows, 1)
	require.True(t, value.EqualTuples(second.OldRows[0], value.Tuple{value.Int(1), value.Int(2), value.Int(3)}))

	third := <-ch
	require.Equal(t, OpRm, third.Op)
	require.Len(t, third.NewRows, 2, "two keys were targeted for removal")
	require.Len(t, third.OldRows, 1, "only one of them actually existed")
}

// configuredIndex is a minimal SimIndex that also implements
// ConfigIdentifier, standing in for simindex.HNSW (which storage
// cannot import without a cycle) to exercise CreateIndex's
// config-identity check.
type configuredIndex struct {
	*PlainIndex
	cfg int
}

func (c *configuredIndex) ConfigHash() (uint64, error) { return uint64(c.cfg), nil }

// TestCreateIndexIsIdempotentForMatchingConfig guards the
// ConfigIdentifier path in CreateIndex: recreating an index under the
// same name with an identical config succeeds as a no-op, but a
// mismatched config is still rejected as a duplicate name.
func TestCreateIndexIsIdempotentForMatchingConfig(t *testing.T) {
	store := newFriendsStore(t)
	first := &configuredIndex{PlainIndex: NewPlainIndex(), cfg: 7}
	require.NoError(t, store.CreateIndex("friends", &IndexBinding{Name: "friends:cfg", Columns: []int{1}, Index: first}))

	same := &configuredIndex{PlainIndex: NewPlainIndex(), cfg: 7}
	require.NoError(t, store.CreateIndex("friends", &IndexBinding{Name: "friends:cfg", Columns: []int{1}, Index: same}))

	different := &configuredIndex{PlainIndex: NewPlainIndex(), cfg: 8}
	err := store.CreateIndex("friends", &IndexBinding{Name: "friends:cfg", Columns: []int{1}, Index: different})
	require.Error(t, err)
}
