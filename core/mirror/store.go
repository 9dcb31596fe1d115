package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidKey = errors.New("invalid key")
	ErrMissingID  = errors.New("missing id")
)

type (
	// Document is a JSON document of a collection, keyed by ID.
	Document struct {
		ID   string          `json:"id"`
		Data json.RawMessage `json:"data"`
	}

	// Store is a remote key-value document store.
	// Collections are keyed by name, documents by ID. Reads return documents ordered by ID.
	Store interface {
		// Read returns every document of collection.
		Read(ctx context.Context, collection string) ([]Document, error)
		// Query returns the documents of collection whose field equals value (see MatchField).
		Query(ctx context.Context, collection, field, value string) ([]Document, error)
		// Set overwrites the document at collection/doc.ID.
		Set(ctx context.Context, collection string, doc Document) error
		// Remove deletes the document at collection/id. Removing a missing document is a no-op.
		Remove(ctx context.Context, collection, id string) error
	}

	// Watcher is implemented by stores able to push change notifications.
	// The returned channel is closed once ctx is done.
	Watcher interface {
		Changes(ctx context.Context, collection string) (<-chan struct{}, error)
	}
)

// ValidateKey checks that key can be used as a collection name or a document ID.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" || strings.ContainsAny(key, "/.#$[]") {
		return errors.Wrapf(ErrInvalidKey, "%q", key)
	}
	return nil
}

// SortDocuments orders docs by ID.
func SortDocuments(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}

// MatchField tells whether the top level field of the JSON object data equals value.
// String fields are compared unquoted, any other JSON value by its literal text (e.g. true, 42).
// A null field never matches.
func MatchField(data []byte, field, value string) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return false
	}
	raw, ok := obj[field]
	raw = bytes.TrimSpace(raw)
	if !ok || bytes.Equal(raw, []byte("null")) {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == value
	}
	return string(raw) == value
}
