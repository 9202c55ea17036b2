package storage

import (
	"bytes"
	"sort"
	"sync"
)

// MemKV is an in-memory Backend, used for tests and for databases that
// never need durability. It serializes Updates behind a single mutex,
// matching spec.md §5's "one writer at a time" scheduling model; Views
// take a read lock and operate over the live maps directly since there
// is no separate MVCC snapshot layer: a View waits for any in-flight
// Update to finish, and an Update waits for every in-flight View.
type MemKV struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemKV constructs an empty in-memory backend.
func NewMemKV() *MemKV {
	return &MemKV{buckets: map[string]map[string][]byte{}}
}

func (m *MemKV) bucket(name []byte) map[string][]byte {
	b, ok := m.buckets[string(name)]
	if !ok {
		b = map[string][]byte{}
		m.buckets[string(name)] = b
	}
	return b
}

// viewTx is a read-only transaction over the live buckets.
type viewTx struct{ kv *MemKV }

func (m *MemKV) View(fn func(Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&viewTx{kv: m})
}

// updateTx stages every Put/Delete in an overlay instead of touching
// the live buckets directly, so a non-nil return from fn (a trigger
// failure, a schema check failure) discards the whole batch instead of
// leaving partial writes behind — spec.md §4.6's "a trigger failure
// aborts the outer transaction" requires this even for the in-memory
// backend.
type updateTx struct {
	kv      *MemKV
	written map[string]map[string][]byte // bucket -> key -> value, overlay
	deleted map[string]map[string]bool   // bucket -> key -> deleted
}

func newUpdateTx(kv *MemKV) *updateTx {
	return &updateTx{
		kv:      kv,
		written: map[string]map[string][]byte{},
		deleted: map[string]map[string]bool{},
	}
}

func (m *MemKV) Update(fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := newUpdateTx(m)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemKV) Close() error { return nil }

func (t *viewTx) Get(bucket, key []byte) ([]byte, bool) {
	v, ok := t.kv.bucket(bucket)[string(key)]
	return v, ok
}

func (t *viewTx) Put(bucket, key, val []byte) error {
	panic("storage: Put called on a read-only View transaction")
}

func (t *viewTx) Delete(bucket, key []byte) error {
	panic("storage: Delete called on a read-only View transaction")
}

func (t *viewTx) ScanPrefix(bucket, prefix []byte) ([]KVPair, error) {
	b := t.kv.bucket(bucket)
	out := make([]KVPair, 0, len(b))
	for k, v := range b {
		if bytes.HasPrefix([]byte(k), prefix) {
			out = append(out, KVPair{Key: []byte(k), Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

func (t *updateTx) Get(bucket, key []byte) ([]byte, bool) {
	bk, k := string(bucket), string(key)
	if t.deleted[bk] != nil && t.deleted[bk][k] {
		return nil, false
	}
	if v, ok := t.written[bk][k]; ok {
		return v, true
	}
	v, ok := t.kv.bucket(bucket)[k]
	return v, ok
}

func (t *updateTx) Put(bucket, key, val []byte) error {
	bk, k := string(bucket), string(key)
	if t.written[bk] == nil {
		t.written[bk] = map[string][]byte{}
	}
	t.written[bk][k] = append([]byte(nil), val...)
	if t.deleted[bk] != nil {
		delete(t.deleted[bk], k)
	}
	return nil
}

func (t *updateTx) Delete(bucket, key []byte) error {
	bk, k := string(bucket), string(key)
	if t.deleted[bk] == nil {
		t.deleted[bk] = map[string]bool{}
	}
	t.deleted[bk][k] = true
	if t.written[bk] != nil {
		delete(t.written[bk], k)
	}
	return nil
}

func (t *updateTx) ScanPrefix(bucket, prefix []byte) ([]KVPair, error) {
	bk := string(bucket)
	merged := map[string][]byte{}
	for k, v := range t.kv.bucket(bucket) {
		if bytes.HasPrefix([]byte(k), prefix) {
			merged[k] = v
		}
	}
	for k := range t.deleted[bk] {
		delete(merged, k)
	}
	for k, v := range t.written[bk] {
		if bytes.HasPrefix([]byte(k), prefix) {
			merged[k] = v
		}
	}
	out := make([]KVPair, 0, len(merged))
	for k, v := range merged {
		out = append(out, KVPair{Key: []byte(k), Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

// commit applies the staged overlay to the live buckets. Called only
// after fn has returned nil, under the caller's held write lock.
func (t *updateTx) commit() {
	for bk, keys := range t.deleted {
		b := t.kv.bucket([]byte(bk))
		for k := range keys {
			delete(b, k)
		}
	}
	for bk, kv := range t.written {
		b := t.kv.bucket([]byte(bk))
		for k, v := range kv {
			b[k] = v
		}
	}
}
