package state_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/portal/core/entity"
	"github.com/trezcool/portal/core/mirror"
	"github.com/trezcool/portal/core/state"
	"github.com/trezcool/portal/storage/memstore"
)

var errRejected = errors.New("write rejected")

// gatedStore holds every write until the gate is released, then fails them with err (if any).
type gatedStore struct {
	mirror.Store
	gate chan struct{}
	err  error
}

func newGatedStore(store mirror.Store, err error) *gatedStore {
	return &gatedStore{Store: store, gate: make(chan struct{}), err: err}
}

func (s *gatedStore) Set(ctx context.Context, c string, doc mirror.Document) error {
	select {
	case <-s.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.err != nil {
		return s.err
	}
	return s.Store.Set(ctx, c, doc)
}

func (s *gatedStore) Remove(ctx context.Context, c, id string) error {
	select {
	case <-s.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.err != nil {
		return s.err
	}
	return s.Store.Remove(ctx, c, id)
}

func (s *gatedStore) open() { close(s.gate) }

// scriptedSource returns the queued fetch futures in order.
type scriptedSource struct {
	*mirror.Mirror[entity.Announcement]
	mu      sync.Mutex
	fetches []*mirror.Future[[]entity.Announcement]
}

func (s *scriptedSource) FetchAll(context.Context) *mirror.Future[[]entity.Announcement] {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.fetches[0]
	s.fetches = s.fetches[1:]
	return f
}

var (
	a1 = entity.Announcement{ID: "a1", Title: "Exam", Description: "Midterm on Friday"}
	a2 = entity.Announcement{ID: "a2", Title: "Trip", Description: "Museum on Monday"}
)

func await[V any](t *testing.T, f *mirror.Future[V]) mirror.Result[V] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Await(ctx)
}

func seeded(t *testing.T, items ...entity.Announcement) *memstore.Store {
	t.Helper()
	mem := memstore.New()
	m := mirror.New[entity.Announcement](mem, entity.AnnouncementsCollection, mirror.Options{})
	for _, item := range items {
		require.NoError(t, await(t, m.Write(context.Background(), item)).Err)
	}
	return mem
}

func newHolder(t *testing.T, store mirror.Store) (*state.Holder[entity.Announcement], *mirror.Mirror[entity.Announcement]) {
	t.Helper()
	m := mirror.New[entity.Announcement](store, entity.AnnouncementsCollection, mirror.Options{})
	h := state.New[entity.Announcement](context.Background(), m, state.Options{})
	t.Cleanup(h.Close)
	return h, m
}

func TestHolder_Activate(t *testing.T) {
	h, _ := newHolder(t, seeded(t, a1, a2))

	res := await(t, h.Activate())
	require.NoError(t, res.Err)

	snap := h.Snapshot()
	assert.Equal(t, []entity.Announcement{a1, a2}, snap.Items)
	assert.False(t, snap.Loading)
	assert.NoError(t, snap.Err)

	// refetching replaces, never appends
	require.NoError(t, await(t, h.Refresh()).Err)
	assert.Equal(t, []entity.Announcement{a1, a2}, h.Items())
}

func TestHolder_Activate_failure(t *testing.T) {
	mem := seeded(t, a1)
	flaky := &failingReads{Store: mem}
	h, _ := newHolder(t, flaky)
	require.NoError(t, await(t, h.Activate()).Err)

	flaky.setFailing(true)
	res := await(t, h.Refresh())
	assert.ErrorIs(t, res.Err, errRejected)

	snap := h.Snapshot()
	assert.Equal(t, []entity.Announcement{a1}, snap.Items, "stale items are kept")
	assert.ErrorIs(t, snap.Err, errRejected)

	flaky.setFailing(false)
	require.NoError(t, await(t, h.Refresh()).Err)
	assert.NoError(t, h.Snapshot().Err)
}

type failingReads struct {
	mirror.Store
	mu      sync.Mutex
	failing bool
}

func (s *failingReads) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *failingReads) Read(ctx context.Context, c string) ([]mirror.Document, error) {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return nil, errRejected
	}
	return s.Store.Read(ctx, c)
}

func TestHolder_optimisticMutations(t *testing.T) {
	edited := a1
	edited.Title = "Final exam"

	tests := []struct {
		name       string
		mutate     func(h *state.Holder[entity.Announcement]) <-chan error
		optimistic []entity.Announcement
		confirmed  []entity.Announcement
	}{
		{
			name: "add",
			mutate: func(h *state.Holder[entity.Announcement]) <-chan error {
				return errc(h.Add(a2))
			},
			optimistic: []entity.Announcement{a1, a2},
			confirmed:  []entity.Announcement{a1, a2},
		},
		{
			name: "edit",
			mutate: func(h *state.Holder[entity.Announcement]) <-chan error {
				return errc(h.Edit(edited))
			},
			optimistic: []entity.Announcement{edited},
			confirmed:  []entity.Announcement{edited},
		},
		{
			name: "remove",
			mutate: func(h *state.Holder[entity.Announcement]) <-chan error {
				return errc(h.Remove("a1"))
			},
			optimistic: []entity.Announcement{},
			confirmed:  []entity.Announcement{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name+" confirmed", func(t *testing.T) {
			store := newGatedStore(seeded(t, a1), nil)
			h, _ := newHolder(t, store)
			require.NoError(t, await(t, h.Activate()).Err)

			done := tt.mutate(h)
			assert.Equal(t, tt.optimistic, h.Items())

			store.open()
			require.NoError(t, <-done)
			assert.Equal(t, tt.confirmed, h.Items())

			require.NoError(t, await(t, h.Refresh()).Err)
			assert.Equal(t, tt.confirmed, h.Items())
			assert.NoError(t, h.Snapshot().Err)
		})

		t.Run(tt.name+" rolled back", func(t *testing.T) {
			store := newGatedStore(seeded(t, a1), errRejected)
			h, _ := newHolder(t, store)
			require.NoError(t, await(t, h.Activate()).Err)

			done := tt.mutate(h)
			assert.Equal(t, tt.optimistic, h.Items())

			store.open()
			assert.ErrorIs(t, <-done, errRejected)

			snap := h.Snapshot()
			assert.Equal(t, []entity.Announcement{a1}, snap.Items)
			assert.ErrorIs(t, snap.Err, errRejected)
		})
	}
}

func errc[V any](f *mirror.Future[V]) <-chan error {
	ch := make(chan error, 1)
	f.Then(func(res mirror.Result[V]) { ch <- res.Err })
	return ch
}

func TestHolder_rollbackOfInvalidAdd(t *testing.T) {
	m := mirror.New[entity.Announcement](seeded(t, a1), entity.AnnouncementsCollection, mirror.Options{})
	h := state.New[entity.Announcement](context.Background(), m, state.Options{})
	defer h.Close()
	require.NoError(t, await(t, h.Activate()).Err)

	res := await(t, h.Add(entity.Announcement{Title: "no id"}))
	assert.ErrorIs(t, res.Err, mirror.ErrMissingID)
	assert.Equal(t, []entity.Announcement{a1}, h.Items())
}

func TestHolder_fetchDoesNotRevertPendingEdit(t *testing.T) {
	store := newGatedStore(seeded(t, a1), nil)
	h, _ := newHolder(t, store)
	require.NoError(t, await(t, h.Activate()).Err)

	edited := a1
	edited.Title = "Final exam"
	done := errc(h.Edit(edited))

	// the remote still holds the old version
	require.NoError(t, await(t, h.Refresh()).Err)
	assert.Equal(t, []entity.Announcement{edited}, h.Items())

	store.open()
	require.NoError(t, <-done)
	require.NoError(t, await(t, h.Refresh()).Err)
	assert.Equal(t, []entity.Announcement{edited}, h.Items())
}

func TestHolder_staleFetchIsDiscarded(t *testing.T) {
	releaseOld := make(chan struct{})
	old := mirror.Go(context.Background(), func(context.Context) ([]entity.Announcement, error) {
		<-releaseOld
		return []entity.Announcement{a1}, nil
	})
	fresh := mirror.Resolved([]entity.Announcement{a1, a2}, nil)
	src := &scriptedSource{fetches: []*mirror.Future[[]entity.Announcement]{old, fresh}}

	h := state.New[entity.Announcement](context.Background(), src, state.Options{})
	defer h.Close()

	first := h.Activate()
	assert.True(t, h.Snapshot().Loading)
	require.NoError(t, await(t, h.Refresh()).Err)
	assert.Equal(t, []entity.Announcement{a1, a2}, h.Items())

	close(releaseOld)
	require.NoError(t, await(t, first).Err)
	assert.Equal(t, []entity.Announcement{a1, a2}, h.Items())
	assert.False(t, h.Snapshot().Loading)
}

// heldReads blocks the first read after it has read the store, until release is closed.
type heldReads struct {
	mirror.Store
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (s *heldReads) Read(ctx context.Context, c string) ([]mirror.Document, error) {
	docs, err := s.Store.Read(ctx, c)
	s.once.Do(func() {
		close(s.read)
		<-s.release
	})
	return docs, err
}

func TestHolder_fetchOlderThanConfirmedAdd(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	store := &heldReads{Store: mem, read: make(chan struct{}), release: make(chan struct{})}
	h, _ := newHolder(t, store)

	older := h.Refresh()
	<-store.read // the remote is still empty

	require.NoError(t, await(t, h.Add(a1)).Err)
	assert.Equal(t, []entity.Announcement{a1}, h.Items())

	close(store.release)
	require.NoError(t, await(t, older).Err)
	assert.Equal(t, []entity.Announcement{a1}, h.Items(), "confirmed add is kept")

	require.NoError(t, await(t, h.Refresh()).Err)
	assert.Equal(t, []entity.Announcement{a1}, h.Items())

	// once a newer fetch is applied, the remote is the reference again
	require.NoError(t, mem.Remove(ctx, entity.AnnouncementsCollection, "a1"))
	require.NoError(t, await(t, h.Refresh()).Err)
	assert.Empty(t, h.Items())
}

func TestHolder_dedup(t *testing.T) {
	dup := a1
	dup.Description = "moved to Thursday"
	src := &scriptedSource{fetches: []*mirror.Future[[]entity.Announcement]{
		mirror.Resolved([]entity.Announcement{a1, a2, dup}, nil),
	}}
	h := state.New[entity.Announcement](context.Background(), src, state.Options{})
	defer h.Close()

	require.NoError(t, await(t, h.Activate()).Err)
	assert.Equal(t, []entity.Announcement{dup, a2}, h.Items())
}

func TestHolder_filter(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	assignments := mirror.New[entity.Assignment](mem, entity.AssignmentsCollection, mirror.Options{})
	math := entity.NewAssignment("math", "Algebra", "")
	science := entity.NewAssignment("science", "Cells", "")
	require.NoError(t, await(t, assignments.Write(ctx, math)).Err)
	require.NoError(t, await(t, assignments.Write(ctx, science)).Err)

	h := state.New[entity.Assignment](ctx, assignments, state.Options{
		Filter: &mirror.Filter{Field: "subjectId", Value: "math"},
	})
	defer h.Close()

	require.NoError(t, await(t, h.Activate()).Err)
	assert.Equal(t, []entity.Assignment{math}, h.Items())
}

func TestHolder_Poll(t *testing.T) {
	ctx := context.Background()
	h, m := newHolder(t, seeded(t, a1))

	require.NoError(t, h.Poll(10*time.Millisecond))
	require.NoError(t, h.Poll(10*time.Millisecond), "second Poll is a no-op")
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]entity.Announcement{a1}, h.Items())
	}, 5*time.Second, 5*time.Millisecond)

	// a write from another client shows up without refresh
	require.NoError(t, await(t, m.Write(ctx, a2)).Err)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]entity.Announcement{a1, a2}, h.Items())
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, h.Snapshot().Loading)

	h.Close()
	assert.ErrorIs(t, h.Poll(time.Millisecond), state.ErrClosed)
}

func TestHolder_Subscribe(t *testing.T) {
	h, _ := newHolder(t, seeded(t, a1))

	var (
		mu    sync.Mutex
		snaps []state.Snapshot[entity.Announcement]
	)
	unsubscribe := h.Subscribe(func(s state.Snapshot[entity.Announcement]) {
		mu.Lock()
		defer mu.Unlock()
		snaps = append(snaps, s)
	})
	require.NoError(t, await(t, h.Activate()).Err)

	mu.Lock()
	require.Len(t, snaps, 2)
	assert.True(t, snaps[0].Loading)
	assert.False(t, snaps[1].Loading)
	assert.Equal(t, []entity.Announcement{a1}, snaps[1].Items)
	mu.Unlock()

	unsubscribe()
	require.NoError(t, await(t, h.Refresh()).Err)
	mu.Lock()
	assert.Len(t, snaps, 2)
	mu.Unlock()
}

func TestHolder_Close(t *testing.T) {
	store := newGatedStore(seeded(t, a1), errRejected)
	h, _ := newHolder(t, store)
	require.NoError(t, await(t, h.Activate()).Err)

	var calls int
	var mu sync.Mutex
	h.Subscribe(func(state.Snapshot[entity.Announcement]) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})

	inflight := h.Add(a2)
	before := h.Snapshot()
	h.Close()
	store.open()

	res := await(t, inflight)
	assert.Error(t, res.Err)
	assert.Equal(t, before, h.Snapshot(), "late results are discarded")

	assert.ErrorIs(t, await(t, h.Add(a2)).Err, state.ErrClosed)
	assert.ErrorIs(t, await(t, h.Remove("a1")).Err, state.ErrClosed)
	assert.ErrorIs(t, await(t, h.Refresh()).Err, state.ErrClosed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "only the optimistic add is observed")
}

func TestHolder_parentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := mirror.New[entity.Announcement](seeded(t, a1), entity.AnnouncementsCollection, mirror.Options{})
	h := state.New[entity.Announcement](ctx, m, state.Options{})

	cancel()
	require.Eventually(t, func() bool {
		return errors.Is(h.Poll(time.Second), state.ErrClosed)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestHolder_observerCallsBack(t *testing.T) {
	h, _ := newHolder(t, seeded(t))

	var once sync.Once
	refreshed := make(chan *mirror.Future[[]entity.Announcement], 1)
	h.Subscribe(func(s state.Snapshot[entity.Announcement]) {
		for _, item := range s.Items {
			if item.ID == a1.ID {
				once.Do(func() { refreshed <- h.Refresh() })
			}
		}
	})

	added := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		added <- h.Add(a1).Await(ctx).Err
	}()

	select {
	case err := <-added:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Add blocked by an observer calling Refresh")
	}
	require.NoError(t, await(t, <-refreshed).Err)
	assert.Equal(t, []entity.Announcement{a1}, h.Items())
}
