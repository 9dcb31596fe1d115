// Package storetest holds the behaviour every mirror.Store implementation must have.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/portal/core/mirror"
)

// Run runs the conformance suite against store. Collections are prefixed by prefix
// so that stores backed by shared services do not clash between runs.
func Run(t *testing.T, store mirror.Store, prefix string) {
	ctx := context.Background()
	coll := func(name string) string { return prefix + name }
	doc := func(id string, v interface{}) mirror.Document {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		return mirror.Document{ID: id, Data: data}
	}
	ids := func(docs []mirror.Document) []string {
		out := make([]string, 0, len(docs))
		for _, d := range docs {
			out = append(out, d.ID)
		}
		return out
	}

	t.Run("empty collection", func(t *testing.T) {
		docs, err := store.Read(ctx, coll("empty"))
		require.NoError(t, err)
		assert.Empty(t, docs)

		docs, err = store.Query(ctx, coll("empty"), "subjectId", "x")
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("set then read round trip", func(t *testing.T) {
		c := coll("announcements")
		require.NoError(t, store.Set(ctx, c, doc("a1", map[string]interface{}{"id": "a1", "title": "Exam", "description": "Midterm on Friday"})))

		docs, err := store.Read(ctx, c)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "a1", docs[0].ID)
		assert.JSONEq(t, `{"id":"a1","title":"Exam","description":"Midterm on Friday"}`, string(docs[0].Data))
	})

	t.Run("set overwrites", func(t *testing.T) {
		c := coll("overwrite")
		require.NoError(t, store.Set(ctx, c, doc("x", map[string]interface{}{"title": "v1", "extra": true})))
		require.NoError(t, store.Set(ctx, c, doc("x", map[string]interface{}{"title": "v2"})))

		docs, err := store.Read(ctx, c)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.JSONEq(t, `{"title":"v2"}`, string(docs[0].Data))
	})

	t.Run("read is ordered by id", func(t *testing.T) {
		c := coll("ordered")
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, store.Set(ctx, c, doc(id, map[string]string{"id": id})))
		}
		docs, err := store.Read(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(docs))
	})

	t.Run("query by field equality", func(t *testing.T) {
		c := coll("assignments")
		require.NoError(t, store.Set(ctx, c, doc("as1", map[string]interface{}{"subjectId": "math", "completed": true})))
		require.NoError(t, store.Set(ctx, c, doc("as2", map[string]interface{}{"subjectId": "science", "completed": false})))
		require.NoError(t, store.Set(ctx, c, doc("as3", map[string]interface{}{"subjectId": "math", "completed": false})))
		require.NoError(t, store.Set(ctx, c, doc("as4", map[string]interface{}{"title": "no subject"})))
		require.NoError(t, store.Set(ctx, c, doc("as5", map[string]interface{}{"subjectId": nil})))

		tests := []struct {
			name    string
			field   string
			value   string
			wantIDs []string
		}{
			{name: "string field", field: "subjectId", value: "math", wantIDs: []string{"as1", "as3"}},
			{name: "other value", field: "subjectId", value: "science", wantIDs: []string{"as2"}},
			{name: "no match", field: "subjectId", value: "art", wantIDs: []string{}},
			{name: "bool field", field: "completed", value: "true", wantIDs: []string{"as1"}},
			{name: "missing field", field: "dueDate", value: "", wantIDs: []string{}},
			{name: "null field", field: "subjectId", value: "", wantIDs: []string{}},
			{name: "null literal", field: "subjectId", value: "null", wantIDs: []string{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				docs, err := store.Query(ctx, c, tt.field, tt.value)
				require.NoError(t, err)
				assert.Equal(t, tt.wantIDs, ids(docs))
			})
		}
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		c := coll("remove")
		require.NoError(t, store.Set(ctx, c, doc("keep", map[string]string{"id": "keep"})))
		require.NoError(t, store.Set(ctx, c, doc("gone", map[string]string{"id": "gone"})))

		require.NoError(t, store.Remove(ctx, c, "gone"))
		docs, err := store.Read(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, []string{"keep"}, ids(docs))

		require.NoError(t, store.Remove(ctx, c, "gone"))
		require.NoError(t, store.Remove(ctx, coll("never-created"), "gone"))
		docs, err = store.Read(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, []string{"keep"}, ids(docs))
	})

	t.Run("collections are isolated", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, coll("left"), doc("same", map[string]string{"side": "left"})))
		require.NoError(t, store.Set(ctx, coll("right"), doc("same", map[string]string{"side": "right"})))

		docs, err := store.Read(ctx, coll("left"))
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.JSONEq(t, `{"side":"left"}`, string(docs[0].Data))
	})

	if w, ok := store.(mirror.Watcher); ok {
		t.Run("changes", func(t *testing.T) {
			c := coll("watched")
			wctx, cancel := context.WithCancel(ctx)
			changes, err := w.Changes(wctx, c)
			require.NoError(t, err)

			require.NoError(t, store.Set(ctx, c, doc("w1", map[string]string{"id": "w1"})))
			select {
			case <-changes:
			case <-time.After(5 * time.Second):
				t.Fatal("no change notification after Set")
			}

			cancel()
			deadline := time.After(5 * time.Second)
			for {
				select {
				case _, ok := <-changes:
					if !ok {
						return
					}
				case <-deadline:
					t.Fatal("changes channel not closed after cancel")
				}
			}
		})
	}
}
