// Package sqlstore is a mirror.Store keeping the documents in a PostgreSQL jsonb table.
package sqlstore

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/mirror"
	"github.com/trezcool/portal/storage/internal/changefeed"
)

// notifyChannel is the postgres channel the documents trigger notifies on.
const notifyChannel = "documents"

type Store struct {
	db       *sqlx.DB
	feed     *changefeed.Feed
	listener *pq.Listener
	logger   core.Logger
}

var (
	_ mirror.Store   = (*Store)(nil) // interface compliance check
	_ mirror.Watcher = (*Store)(nil)
)

// New returns a store over db. The documents table must be migrated.
// Without Listen, Changes only reports the writes made through this store.
func New(db *sqlx.DB, logger core.Logger) *Store {
	return &Store{db: db, feed: changefeed.New(), logger: logger}
}

type row struct {
	ID   string `db:"id"`
	Data []byte `db:"data"`
}

func toDocuments(rows []row) []mirror.Document {
	docs := make([]mirror.Document, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, mirror.Document{ID: r.ID, Data: r.Data})
	}
	return docs
}

func (s *Store) Read(ctx context.Context, collection string) ([]mirror.Document, error) {
	if err := mirror.ValidateKey(collection); err != nil {
		return nil, err
	}
	var rows []row
	q := `SELECT id, data FROM documents WHERE collection = $1 ORDER BY id COLLATE "C"`
	if err := s.db.SelectContext(ctx, &rows, q, collection); err != nil {
		return nil, errors.Wrap(err, "selecting documents")
	}
	return toDocuments(rows), nil
}

// Query matches the text value of the top level field, which is how MatchField compares values.
func (s *Store) Query(ctx context.Context, collection, field, value string) ([]mirror.Document, error) {
	if err := mirror.ValidateKey(collection); err != nil {
		return nil, err
	}
	var rows []row
	q := `SELECT id, data FROM documents WHERE collection = $1 AND data ->> $2 = $3 ORDER BY id COLLATE "C"`
	if err := s.db.SelectContext(ctx, &rows, q, collection, field, value); err != nil {
		return nil, errors.Wrap(err, "querying documents")
	}
	return toDocuments(rows), nil
}

func (s *Store) Set(ctx context.Context, collection string, doc mirror.Document) error {
	if err := mirror.ValidateKey(collection); err != nil {
		return err
	}
	if err := mirror.ValidateKey(doc.ID); err != nil {
		return err
	}
	q := `INSERT INTO documents (collection, id, data, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	if _, err := s.db.ExecContext(ctx, q, collection, doc.ID, []byte(doc.Data)); err != nil {
		return errors.Wrap(err, "upserting document")
	}
	if s.listener == nil {
		s.feed.Publish(collection)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, collection, id string) error {
	if err := mirror.ValidateKey(collection); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return errors.Wrap(err, "deleting document")
	}
	if n, _ := res.RowsAffected(); n > 0 && s.listener == nil {
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

// Listen subscribes to the notifications of the documents trigger on dsn,
// so that Changes also reports the writes of other processes.
func (s *Store) Listen(dsn string) error {
	l := pq.NewListener(dsn, 100*time.Millisecond, 10*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil && s.logger != nil {
			s.logger.Warn("postgres listener event", err)
		}
	})
	if err := l.Listen(notifyChannel); err != nil {
		_ = l.Close()
		return errors.Wrap(err, "listening to document changes")
	}
	s.listener = l

	go func() {
		for n := range l.Notify {
			if n == nil {
				// reconnected, changes may have been missed
				s.feed.PublishAll()
				continue
			}
			s.feed.Publish(n.Extra)
		}
	}()
	return nil
}

func (s *Store) Close() error {
	s.feed.Close()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return s.db.Close()
}
