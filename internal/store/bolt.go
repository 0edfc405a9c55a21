package store

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"collabtext/internal/codec"
)

var stateBucket = []byte("document_states")

// BoltStore keeps merged state in an embedded bbolt file. It suits single
// process deployments; bbolt holds an exclusive file lock so two processes
// cannot share one file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Load(ctx context.Context, doc codec.DocumentID) ([]byte, error) {
	var state []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(stateBucket).Get([]byte(doc))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid for the life of the transaction
		state = append([]byte(nil), v...)
		return nil
	})
	if err == ErrNotFound {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrPersistenceUnavailable, doc, err)
	}
	return state, nil
}

func (b *BoltStore) Save(ctx context.Context, doc codec.DocumentID, state []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put([]byte(doc), state)
	})
	if err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrPersistenceUnavailable, doc, err)
	}
	return nil
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
