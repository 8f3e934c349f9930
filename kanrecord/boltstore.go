package kanrecord

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// BoltStore is the optional on-disk backing store for Table, grounded in
// rclone's own lib/kv (a refcounted, bolt-backed key/value database) and
// in go.etcd.io/bbolt being a direct rclone go.mod dependency. Tables
// remain fully functional purely in memory; BoltStore is an opt-in mirror
// used to survive process restarts without re-scanning the VFS.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) a bolt database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kanrecord: open bolt store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Put writes value under key in bucket, creating the bucket if needed.
func (s *BoltStore) Put(bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

// Delete removes key from bucket. Missing bucket/key is a no-op.
func (s *BoltStore) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// ForEach visits every key/value pair in bucket. Missing bucket visits
// nothing.
func (s *BoltStore) ForEach(bucket string, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), append([]byte(nil), v...))
		})
	})
}

// MirrorTable wires t's insert/update/delete events into a persisted
// mirror under bucket, encoding rows with encode. Existing bucket
// contents are not auto-loaded back into t; callers that want to resume
// from disk should ForEach + InsertWithID before calling MirrorTable.
func MirrorTable[T any](t *Table[T], store *BoltStore, bucket string, encode func(T) []byte, keyOf func(ID) string) {
	t.OnInsert(func(id ID, row T) {
		_ = store.Put(bucket, keyOf(id), encode(row))
	})
	t.OnChange(func(id ID, _ T, row T) {
		_ = store.Put(bucket, keyOf(id), encode(row))
	})
	t.OnDelete(func(id ID, _ T) {
		_ = store.Delete(bucket, keyOf(id))
	})
}
