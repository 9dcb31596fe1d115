// Package boltstore is a mirror.Store embedded in a bbolt file, one bucket per collection.
package boltstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/trezcool/portal/core/mirror"
	"github.com/trezcool/portal/storage/internal/changefeed"
)

type Store struct {
	db   *bbolt.DB
	feed *changefeed.Feed
}

var (
	_ mirror.Store   = (*Store)(nil) // interface compliance check
	_ mirror.Watcher = (*Store)(nil)
)

// Open opens (or creates) the database file at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening bolt database")
	}
	return &Store{db: db, feed: changefeed.New()}, nil
}

// query returns the documents of the bucket of collection, in key order.
func (s *Store) query(ctx context.Context, collection string, match func(data []byte) bool) ([]mirror.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := mirror.ValidateKey(collection); err != nil {
		return nil, err
	}
	docs := make([]mirror.Document, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if match != nil && !match(v) {
				return nil
			}
			// bbolt values are only valid during the transaction
			data := make([]byte, len(v))
			copy(data, v)
			docs = append(docs, mirror.Document{ID: string(k), Data: data})
			return nil
		})
	})
	return docs, err
}

func (s *Store) Read(ctx context.Context, collection string) ([]mirror.Document, error) {
	return s.query(ctx, collection, nil)
}

func (s *Store) Query(ctx context.Context, collection, field, value string) ([]mirror.Document, error) {
	return s.query(ctx, collection, func(data []byte) bool {
		return mirror.MatchField(data, field, value)
	})
}

func (s *Store) Set(ctx context.Context, collection string, doc mirror.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := mirror.ValidateKey(collection); err != nil {
		return err
	}
	if err := mirror.ValidateKey(doc.ID); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		return b.Put([]byte(doc.ID), doc.Data)
	})
	if err != nil {
		return errors.Wrapf(err, "putting %s/%s", collection, doc.ID)
	}
	s.feed.Publish(collection)
	return nil
}

func (s *Store) Remove(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := mirror.ValidateKey(collection); err != nil {
		return err
	}
	var removed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil || b.Get([]byte(id)) == nil {
			return nil
		}
		removed = true
		return b.Delete([]byte(id))
	})
	if err != nil {
		return errors.Wrapf(err, "deleting %s/%s", collection, id)
	}
	if removed {
		s.feed.Publish(collection)
	}
	return nil
}

func (s *Store) Changes(ctx context.Context, collection string) (<-chan struct{}, error) {
	if err := mirror.ValidateKey(collection); err != nil {
		return nil, err
	}
	return s.feed.Subscribe(ctx, collection), nil
}

func (s *Store) Close() error {
	s.feed.Close()
	return s.db.Close()
}
