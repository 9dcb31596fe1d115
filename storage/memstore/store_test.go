package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/portal/core/mirror"
	"github.com/trezcool/portal/storage/storetest"
)

func TestStore(t *testing.T) {
	s := New()
	defer s.Close()
	storetest.Run(t, s, "")
}

func TestStore_invalidKeys(t *testing.T) {
	s := New()
	ctx := context.Background()

	tests := []struct {
		name       string
		collection string
		id         string
	}{
		{name: "empty collection", collection: "", id: "x"},
		{name: "slash in collection", collection: "a/b", id: "x"},
		{name: "empty id", collection: "users", id: ""},
		{name: "dot in id", collection: "users", id: "a.b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Set(ctx, tt.collection, mirror.Document{ID: tt.id, Data: []byte(`{}`)})
			assert.ErrorIs(t, err, mirror.ErrInvalidKey)
		})
	}
}

func TestStore_copiesData(t *testing.T) {
	s := New()
	ctx := context.Background()

	data := []byte(`{"name":"Math"}`)
	require.NoError(t, s.Set(ctx, "subjects", mirror.Document{ID: "s1", Data: data}))
	data[2] = 'X'

	docs, err := s.Read(ctx, "subjects")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.JSONEq(t, `{"name":"Math"}`, string(docs[0].Data))
}

func TestStore_canceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Read(ctx, "subjects")
	assert.ErrorIs(t, err, context.Canceled)
}
