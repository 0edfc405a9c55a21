package agent

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"collabtext/internal/codec"
	"collabtext/internal/merge"
)

var (
	replicaBucket = []byte("replicas")
	metaBucket    = []byte("meta")
	authorKey     = []byte("author")
)

// Replica is the agent's durable copy of one document. Every change is
// written to bbolt before it is acknowledged, so edits made while offline
// survive a restart and are pushed on the next connection.
type Replica struct {
	db     *bolt.DB
	doc    codec.DocumentID
	author string

	mu  sync.Mutex
	log *merge.Log
}

// OpenReplica opens or creates the replica of doc in the bbolt file at path.
// The author id that tags local operations is generated once and kept in the
// file.
func OpenReplica(path string, doc codec.DocumentID) (*Replica, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("agent: open %s: %w", path, err)
	}
	r := &Replica{db: db, doc: doc, log: merge.NewLog()}
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if a := meta.Get(authorKey); a != nil {
			r.author = string(a)
		} else {
			r.author = uuid.NewString()
			if err := meta.Put(authorKey, []byte(r.author)); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucketIfNotExists(replicaBucket)
		if err != nil {
			return err
		}
		if state := b.Get([]byte(doc)); state != nil {
			if _, err := r.log.Apply(state); err != nil {
				return fmt.Errorf("stored replica of %s: %w", doc, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("agent: load replica: %w", err)
	}
	return r, nil
}

// Author returns the id stamped on local operations.
func (r *Replica) Author() string { return r.author }

// Apply merges update and returns the operations that were new.
func (r *Replica) Apply(update []byte) ([]merge.Op, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	added, err := r.log.ApplyOps(update)
	if err != nil || len(added) == 0 {
		return nil, err
	}
	return added, r.persist()
}

// Edit records data as the next local operation and returns the update to
// send.
func (r *Replica) Edit(data []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op := merge.Op{Client: r.author, Seq: r.log.Next(r.author), Data: data}
	update, err := merge.NewUpdate(op)
	if err != nil {
		return nil, err
	}
	if _, err := r.log.Apply(update); err != nil {
		return nil, err
	}
	return update, r.persist()
}

// Vector returns the version vector of the replica.
func (r *Replica) Vector() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Vector()
}

// Missing returns the operations the holder of vector lacks, or nil when
// there are none.
func (r *Replica) Missing(vector []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	diff, err := r.log.Diff(vector)
	if err != nil {
		return nil, err
	}
	ops, err := merge.DecodeUpdate(diff)
	if err != nil || len(ops) == 0 {
		return nil, err
	}
	return diff, nil
}

// Ops returns every operation in order.
func (r *Replica) Ops() ([]merge.Op, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	full, err := r.log.Diff(nil)
	if err != nil {
		return nil, err
	}
	return merge.DecodeUpdate(full)
}

// Digest identifies the replica state.
func (r *Replica) Digest() [32]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Digest()
}

// Close flushes and closes the bbolt file.
func (r *Replica) Close() error {
	return r.db.Close()
}

func (r *Replica) persist() error {
	state, err := r.log.Diff(nil)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(replicaBucket)
		if b == nil {
			return errors.New("agent: replica bucket missing")
		}
		return b.Put([]byte(r.doc), state)
	})
}
