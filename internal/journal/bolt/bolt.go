// Package bolt persists journal records with bbolt (embedded B+ tree).
package bolt

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Store implements journal.Store on a bbolt database.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening journal db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Set(bucket, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		return b.Put(key, value)
	})
}

func (s *Store) ForEach(bucket []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(fn)
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}
