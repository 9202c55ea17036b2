// Package storage implements the key-value abstraction and base
// relation/index/trigger/callback machinery of spec.md §4.6: a
// byte-ordered sorted map with prefix-scan, put, delete, and
// transactional snapshots, plus the relation layer built on top of it.
package storage

// KV is the pluggable byte-ordered sorted-map abstraction spec.md §4.6
// asks for. A Backend opens transactional Views (read-only) and
// Updates (read-write, single-writer) over one or more named buckets,
// mirroring the teacher's own direct dependency on
// github.com/boltdb/bolt for its on-disk engine (which exposes exactly
// this View/Update/Bucket shape) generalized here to also admit an
// in-memory backend for tests.
type KV interface {
	// View opens a read-only transaction. Concurrent Views never block
	// on each other. Whether a View blocks on a concurrent Update
	// depends on the backend: BoltKV's do not; MemKV's wait until the
	// Update returns.
	View(fn func(Tx) error) error
	// Update opens the single read-write transaction; Update calls are
	// serialized against each other, and a View never observes an
	// Update's writes before that Update commits.
	Update(fn func(Tx) error) error
	Close() error
}

// Tx is the per-transaction view over one or more buckets. Bucket names
// partition the keyspace by concern (schema metadata, relation data,
// index data, system catalog) per spec.md §6 "Persisted state layout".
type Tx interface {
	Get(bucket, key []byte) ([]byte, bool)
	Put(bucket, key, val []byte) error
	Delete(bucket, key []byte) error
	// ScanPrefix returns every (key, value) pair in bucket whose key has
	// the given prefix, in ascending key order.
	ScanPrefix(bucket, prefix []byte) ([]KVPair, error)
}

// KVPair is one scanned entry.
type KVPair struct {
	Key, Value []byte
}

// Bucket name constants, forming the type-tag prefixing scheme spec.md
// §6 requires ("Keys are prefixed by a type tag distinguishing schema
// metadata, base relation data, index data, and system catalogs").
var (
	BucketSchema = []byte("schema")
	BucketData   = []byte("data")
	BucketIndex  = []byte("index")
	BucketSystem = []byte("system")
)
