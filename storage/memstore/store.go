// Package memstore is an in-memory mirror.Store, used in tests and local development.
package memstore

import (
	"context"
	"sync"

	"github.com/trezcool/portal/core/mirror"
	"github.com/trezcool/portal/storage/internal/changefeed"
)

type (
	Store struct {
		mu     sync.RWMutex
		tables map[string]*table
		feed   *changefeed.Feed
	}

	table struct {
		docs map[string][]byte
	}
)

var (
	_ mirror.Store   = (*Store)(nil) // interface compliance check
	_ mirror.Watcher = (*Store)(nil)
)

func New() *Store {
	return &Store{
		tables: make(map[string]*table),
		feed:   changefeed.New(),
	}
}

func (s *Store) query(collection string, match func(data []byte) bool) []mirror.Document {
	t, ok := s.tables[collection]
	if !ok {
		return []mirror.Document{}
	}
	docs := make([]mirror.Document, 0, len(t.docs))
	for id, data := range t.docs {
		if match != nil && !match(data) {
			continue
		}
		docs = append(docs, mirror.Document{ID: id, Data: copyBytes(data)})
	}
	mirror.SortDocuments(docs)
	return docs
}

func (s *Store) Read(ctx context.Context, collection string) ([]mirror.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := mirror.ValidateKey(collection); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query(collection, nil), nil
}

func (s *Store) Query(ctx context.Context, collection, field, value string) ([]mirror.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := mirror.ValidateKey(collection); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query(collection, func(data []byte) bool {
		return mirror.MatchField(data, field, value)
	}), nil
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

	s.mu.Lock()
	t, ok := s.tables[collection]
	if !ok {
		t = &table{docs: make(map[string][]byte)}
		s.tables[collection] = t
	}
	t.docs[doc.ID] = copyBytes(doc.Data)
	s.mu.Unlock()

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

	s.mu.Lock()
	var removed bool
	if t, ok := s.tables[collection]; ok {
		if _, removed = t.docs[id]; removed {
			delete(t.docs, id)
		}
	}
	s.mu.Unlock()

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

// Reset drops every collection.
func (s *Store) Reset() {
	s.mu.Lock()
	s.tables = make(map[string]*table)
	s.mu.Unlock()
}

func (s *Store) Close() error {
	s.feed.Close()
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
