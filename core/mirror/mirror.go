package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/portal/core"
)

// Entity is a record persisted in a collection under its Key.
type Entity interface {
	Key() string
}

// Options configures a Mirror. Every field is optional.
type Options struct {
	Logger   core.Logger
	Validate *validator.Validate // entities are validated before any write
	Retry    Backoff
}

// Mirror is the client-side proxy of a single remote collection holding entities of type T.
// Every operation is asynchronous and reports a tagged Result through a Future.
type Mirror[T Entity] struct {
	store      Store
	collection string
	opts       Options

	mu    sync.RWMutex
	hooks []func(T)
}

func New[T Entity](store Store, collection string, opts Options) *Mirror[T] {
	return &Mirror[T]{
		store:      store,
		collection: collection,
		opts:       opts,
	}
}

func (m *Mirror[T]) Collection() string { return m.collection }

// OnWrite registers fn to be called after every confirmed write.
func (m *Mirror[T]) OnWrite(fn func(T)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// FetchAll reads the whole collection.
func (m *Mirror[T]) FetchAll(ctx context.Context) *Future[[]T] {
	return Go(ctx, func(ctx context.Context) ([]T, error) {
		return m.fetch(ctx, nil)
	})
}

// FetchFiltered reads the entities whose field equals value. The filtering happens in the store.
func (m *Mirror[T]) FetchFiltered(ctx context.Context, field, value string) *Future[[]T] {
	return Go(ctx, func(ctx context.Context) ([]T, error) {
		return m.fetch(ctx, &Filter{Field: field, Value: value})
	})
}

// Write persists e at collection/e.Key(), overwriting any existing document.
func (m *Mirror[T]) Write(ctx context.Context, e T) *Future[T] {
	if err := m.check(e); err != nil {
		return Resolved(e, err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return Resolved(e, errors.Wrap(err, "encoding entity"))
	}

	doc := Document{ID: e.Key(), Data: data}
	return Go(ctx, func(ctx context.Context) (T, error) {
		err := m.opts.Retry.Do(ctx, func(ctx context.Context) error {
			return m.store.Set(ctx, m.collection, doc)
		})
		if err != nil {
			return e, errors.Wrapf(err, "writing %s/%s", m.collection, doc.ID)
		}
		m.afterWrite(e)
		return e, nil
	})
}

// Delete removes the entity stored under id. Deleting a missing entity succeeds.
func (m *Mirror[T]) Delete(ctx context.Context, id string) *Future[string] {
	if err := ValidateKey(id); err != nil {
		return Resolved(id, err)
	}
	return Go(ctx, func(ctx context.Context) (string, error) {
		err := m.opts.Retry.Do(ctx, func(ctx context.Context) error {
			return m.store.Remove(ctx, m.collection, id)
		})
		if err != nil {
			return id, errors.Wrapf(err, "deleting %s/%s", m.collection, id)
		}
		return id, nil
	})
}

func (m *Mirror[T]) fetch(ctx context.Context, filter *Filter) ([]T, error) {
	var docs []Document
	err := m.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		if filter != nil {
			docs, err = m.store.Query(ctx, m.collection, filter.Field, filter.Value)
		} else {
			docs, err = m.store.Read(ctx, m.collection)
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", m.collection)
	}
	return m.decode(docs), nil
}

// decode skips the documents that cannot be decoded into T.
func (m *Mirror[T]) decode(docs []Document) []T {
	items := make([]T, 0, len(docs))
	for _, doc := range docs {
		var item T
		if err := json.Unmarshal(doc.Data, &item); err != nil {
			m.warn(fmt.Sprintf("skipping undecodable document %s/%s", m.collection, doc.ID), err)
			continue
		}
		if item.Key() == "" {
			// documents written without their id field
			patched, err := withID(doc.Data, doc.ID)
			if err == nil {
				err = json.Unmarshal(patched, &item)
			}
			if err != nil {
				m.warn(fmt.Sprintf("skipping undecodable document %s/%s", m.collection, doc.ID), err)
				continue
			}
		}
		items = append(items, item)
	}
	return items
}

func (m *Mirror[T]) check(e T) error {
	id := e.Key()
	if id == "" {
		return core.NewValidationError(ErrMissingID, core.FieldError{Field: "id", Error: "this field is required"})
	}
	if err := ValidateKey(id); err != nil {
		return core.NewValidationError(err, core.FieldError{Field: "id", Error: err.Error()})
	}
	if m.opts.Validate != nil {
		if err := m.opts.Validate.Struct(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror[T]) afterWrite(e T) {
	m.mu.RLock()
	hooks := m.hooks
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(e)
	}
}

func (m *Mirror[T]) warn(msg string, args ...interface{}) {
	if m.opts.Logger != nil {
		m.opts.Logger.Warn(msg, args...)
	}
}

func withID(data []byte, id string) ([]byte, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("document is not an object")
	}
	obj["id"] = id
	return json.Marshal(obj)
}
