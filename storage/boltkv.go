package storage

import (
	"bytes"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
)

// BoltKV is the on-disk Backend, grounded on the teacher's own direct
// dependency on github.com/boltdb/bolt (its original storage engine
// before the pluggable driver.Provider layer was introduced). Bolt's
// own View/Update/Bucket API is exactly the shape KV and Tx generalize,
// so this file is mostly adaptation, not invention.
type BoltKV struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bolt-backed store at path and
// ensures every well-known bucket exists.
func OpenBolt(path string) (*BoltKV, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "storage: opening bolt database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{BucketSchema, BucketData, BucketIndex, BucketSystem} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "storage: initializing bolt buckets")
	}
	return &BoltKV{db: db}, nil
}

func (b *BoltKV) Close() error { return errors.Wrap(b.db.Close(), "storage: closing bolt database") }

type boltTx struct{ tx *bolt.Tx }

func (b *BoltKV) View(fn func(Tx) error) error {
	return b.db.View(func(tx *bolt.Tx) error { return fn(&boltTx{tx: tx}) })
}

func (b *BoltKV) Update(fn func(Tx) error) error {
	return b.db.Update(func(tx *bolt.Tx) error { return fn(&boltTx{tx: tx}) })
}

func (t *boltTx) bucket(name []byte) *bolt.Bucket {
	bk := t.tx.Bucket(name)
	if bk == nil && t.tx.Writable() {
		bk, _ = t.tx.CreateBucketIfNotExists(name)
	}
	return bk
}

func (t *boltTx) Get(bucket, key []byte) ([]byte, bool) {
	bk := t.bucket(bucket)
	if bk == nil {
		return nil, false
	}
	v := bk.Get(key)
	if v == nil {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (t *boltTx) Put(bucket, key, val []byte) error {
	bk := t.bucket(bucket)
	if bk == nil {
		return errors.Errorf("storage: bucket %q unavailable on read-only transaction", bucket)
	}
	return errors.Wrap(bk.Put(key, val), "storage: bolt put")
}

func (t *boltTx) Delete(bucket, key []byte) error {
	bk := t.bucket(bucket)
	if bk == nil {
		return errors.Errorf("storage: bucket %q unavailable on read-only transaction", bucket)
	}
	return errors.Wrap(bk.Delete(key), "storage: bolt delete")
}

func (t *boltTx) ScanPrefix(bucket, prefix []byte) ([]KVPair, error) {
	bk := t.bucket(bucket)
	if bk == nil {
		return nil, nil
	}
	var out []KVPair
	c := bk.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		out = append(out, KVPair{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
	}
	return out, nil
}
