package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markdave123-py/contextai/internal/core"
)

// BoltStore keeps the record in a local bbolt file. The file is locked by
// one process, so change notifications only reach watchers of this store.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
	hub    *Hub[core.Change]
}

func NewBoltStore(path, namespace string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	bucket := []byte(namespace)
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket %q: %w", namespace, err)
	}
	return &BoltStore{db: db, bucket: bucket, hub: NewHub[core.Change]()}, nil
}

func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(s.bucket); b != nil {
			out = bytes.Clone(b.Get([]byte(key)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt get %q: %w", key, err)
	}
	return out, nil
}

func (s *BoltStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var old []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		old = bytes.Clone(b.Get([]byte(key)))
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("bolt set %q: %w", key, err)
	}
	s.hub.Publish(key, core.Change{Key: key, Old: old, New: bytes.Clone(value)})
	return nil
}

func (s *BoltStore) Watch(ctx context.Context, key string) (<-chan core.Change, error) {
	ch, ok := s.hub.Subscribe(ctx, key)
	if !ok {
		return nil, core.ErrStoreClosed
	}
	return ch, nil
}

func (s *BoltStore) Close() error {
	s.hub.Close()
	return s.db.Close()
}

var _ core.KVStore = (*BoltStore)(nil)
