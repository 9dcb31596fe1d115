// Package state holds the local view of a mirrored collection shown by a screen.
//
// A Holder applies local mutations optimistically: the change is visible at once and
// recorded in a pending queue until the remote store confirms it. A confirmed change is
// folded into the last fetched items, a rejected one is rolled back. Fetched snapshots
// fully replace the items (deduplicated by id) and the pending changes are re-applied on top
// of them, so a fetch racing an in-flight edit does not revert it. Confirmed changes are
// also re-applied on top of the fetches started before their confirmation.
//
// Observers may call back into the Holder. Snapshots are queued and delivered in order
// by one goroutine at a time, outside of the Holder locks.
package state

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/mirror"
)

// ErrClosed is returned by the mutations of a closed Holder.
var ErrClosed = errors.New("state holder closed")

// Source is the mirror a Holder reads from and writes to.
type Source[T mirror.Entity] interface {
	FetchAll(ctx context.Context) *mirror.Future[[]T]
	FetchFiltered(ctx context.Context, field, value string) *mirror.Future[[]T]
	Write(ctx context.Context, e T) *mirror.Future[T]
	Delete(ctx context.Context, id string) *mirror.Future[string]
	Watch(ctx context.Context, interval time.Duration, filter ...mirror.Filter) <-chan mirror.Result[[]T]
}

var _ Source[mirror.Entity] = (*mirror.Mirror[mirror.Entity])(nil) // interface compliance check

type Options struct {
	Filter *mirror.Filter // scopes fetches to a foreign key, e.g. subjectId
	Logger core.Logger
}

// Snapshot is a copy of the state of a Holder.
type Snapshot[T mirror.Entity] struct {
	Items   []T
	Loading bool
	Err     error // last failure, cleared by the next successful fetch
}

type opKind int

const (
	opPut opKind = iota
	opRemove
)

type op[T mirror.Entity] struct {
	kind        opKind
	item        T
	id          string
	confirmedAt uint64 // last fetch started before the confirmation
}

type Holder[T mirror.Entity] struct {
	src    Source[T]
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	base       []T // last fetched items with the confirmed changes applied
	pending    []*op[T]
	confirmed  []*op[T] // confirmed while an older fetch may still be applied
	queue      []Snapshot[T]
	delivering bool
	fetching  int
	fetchSeq  uint64
	applied   uint64
	err       error
	closed    bool
	polling   bool
	observers map[int]func(Snapshot[T])
	nextObs   int
}

// New returns a Holder bound to parent: cancelling parent has the same effect as Close.
func New[T mirror.Entity](parent context.Context, src Source[T], opts Options) *Holder[T] {
	ctx, cancel := context.WithCancel(parent)
	h := &Holder[T]{
		src:       src,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		observers: make(map[int]func(Snapshot[T])),
	}
	go func() {
		<-ctx.Done()
		h.Close()
	}()
	return h
}

// Snapshot returns a copy of the current state.
func (h *Holder[T]) Snapshot() Snapshot[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot()
}

// Items returns a copy of the items currently shown.
func (h *Holder[T]) Items() []T {
	return h.Snapshot().Items
}

// Subscribe registers fn to receive a snapshot after every change. It returns the unsubscribe func.
func (h *Holder[T]) Subscribe(fn func(Snapshot[T])) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextObs
	h.nextObs++
	h.observers[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.observers, id)
	}
}

// Activate runs the first fetch of the screen.
func (h *Holder[T]) Activate() *mirror.Future[[]T] {
	return h.Refresh()
}

// Refresh re-fetches the collection. Results of fetches older than the last applied one are discarded.
func (h *Holder[T]) Refresh() *mirror.Future[[]T] {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return mirror.Resolved[[]T](nil, ErrClosed)
	}
	h.fetchSeq++
	seq := h.fetchSeq
	h.fetching++
	h.mu.Unlock()
	h.notify()

	var fetch *mirror.Future[[]T]
	if f := h.opts.Filter; f != nil {
		fetch = h.src.FetchFiltered(h.ctx, f.Field, f.Value)
	} else {
		fetch = h.src.FetchAll(h.ctx)
	}
	return mirror.Go(h.ctx, func(ctx context.Context) ([]T, error) {
		res := fetch.Await(ctx)
		h.mu.Lock()
		h.fetching--
		h.mu.Unlock()
		h.applyFetch(seq, res)
		return res.Value, res.Err
	})
}

// Poll keeps the items up to date until the Holder is closed, from a snapshot stream of the source.
// The stream is pushed by the store when it can, otherwise it is polled every interval.
func (h *Holder[T]) Poll(interval time.Duration) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.polling {
		h.mu.Unlock()
		return nil
	}
	h.polling = true
	h.fetching++
	h.mu.Unlock()
	h.notify()

	var filters []mirror.Filter
	if f := h.opts.Filter; f != nil {
		filters = append(filters, *f)
	}
	snapshots := h.src.Watch(h.ctx, interval, filters...)
	go func() {
		first := true
		for res := range snapshots {
			h.mu.Lock()
			if first {
				h.fetching--
				first = false
			}
			h.fetchSeq++
			seq := h.fetchSeq
			h.mu.Unlock()
			h.applyFetch(seq, res)
		}
	}()
	return nil
}

// Add shows e at once and writes it.
func (h *Holder[T]) Add(e T) *mirror.Future[T] {
	return h.put(e)
}

// Edit replaces the item with the id of e at once and writes it.
func (h *Holder[T]) Edit(e T) *mirror.Future[T] {
	return h.put(e)
}

// Remove hides the item with id at once and deletes it.
func (h *Holder[T]) Remove(id string) *mirror.Future[string] {
	o := &op[T]{kind: opRemove, id: id}
	if !h.enqueue(o) {
		return mirror.Resolved(id, ErrClosed)
	}
	del := h.src.Delete(h.ctx, id)
	return mirror.Go(h.ctx, func(ctx context.Context) (string, error) {
		res := del.Await(ctx)
		h.settle(o, res.Err)
		return res.Value, res.Err
	})
}

func (h *Holder[T]) put(e T) *mirror.Future[T] {
	o := &op[T]{kind: opPut, item: e, id: e.Key()}
	if !h.enqueue(o) {
		return mirror.Resolved(e, ErrClosed)
	}
	write := h.src.Write(h.ctx, e)
	return mirror.Go(h.ctx, func(ctx context.Context) (T, error) {
		res := write.Await(ctx)
		h.settle(o, res.Err)
		return res.Value, res.Err
	})
}

// Close cancels the polling and the in-flight work. Results arriving later are discarded.
func (h *Holder[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.observers = make(map[int]func(Snapshot[T]))
	h.queue = nil
	h.mu.Unlock()
	h.cancel()
}

func (h *Holder[T]) enqueue(o *op[T]) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.pending = append(h.pending, o)
	h.mu.Unlock()
	h.notify()
	return true
}

// settle confirms o into the base items or rolls it back.
func (h *Holder[T]) settle(o *op[T], err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	for i, p := range h.pending {
		if p == o {
			h.pending = append(h.pending[:i], h.pending[i+1:]...)
			break
		}
	}
	if err == nil {
		o.confirmedAt = h.fetchSeq
		h.base = apply(h.base, o)
		h.confirmed = append(h.confirmed, o)
	} else {
		h.err = err
		if h.opts.Logger != nil {
			h.opts.Logger.Warn("rolling back rejected change of "+o.id, err)
		}
	}
	h.mu.Unlock()
	h.notify()
}

func (h *Holder[T]) applyFetch(seq uint64, res mirror.Result[[]T]) {
	h.mu.Lock()
	if h.closed || seq < h.applied {
		h.mu.Unlock()
		return
	}
	h.applied = seq
	if res.Err != nil {
		h.err = res.Err
	} else {
		h.base = dedup(res.Value)
		h.err = nil
		kept := h.confirmed[:0]
		for _, o := range h.confirmed {
			if seq <= o.confirmedAt {
				h.base = apply(h.base, o)
				kept = append(kept, o)
			}
		}
		h.confirmed = kept
	}
	h.mu.Unlock()
	h.notify()
}

func (h *Holder[T]) snapshot() Snapshot[T] {
	items := make([]T, len(h.base))
	copy(items, h.base)
	for _, o := range h.pending {
		items = apply(items, o)
	}
	return Snapshot[T]{
		Items:   items,
		Loading: h.fetching > 0,
		Err:     h.err,
	}
}

// notify queues the current snapshot. The caller delivers the queue unless a delivery is
// already running, in which case that one picks the snapshot up.
func (h *Holder[T]) notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.observers) == 0 {
		return
	}
	h.queue = append(h.queue, h.snapshot())
	if h.delivering {
		return
	}

	h.delivering = true
	for len(h.queue) > 0 {
		snap := h.queue[0]
		h.queue = h.queue[1:]
		observers := make([]func(Snapshot[T]), 0, len(h.observers))
		for _, fn := range h.observers {
			observers = append(observers, fn)
		}

		h.mu.Unlock()
		for _, fn := range observers {
			fn(snap)
		}
		h.mu.Lock()
	}
	h.delivering = false
}

// apply returns items with o applied. A put replaces the item with the same id or appends it.
func apply[T mirror.Entity](items []T, o *op[T]) []T {
	for i, item := range items {
		if item.Key() != o.id {
			continue
		}
		if o.kind == opRemove {
			return append(items[:i:i], items[i+1:]...)
		}
		out := make([]T, len(items))
		copy(out, items)
		out[i] = o.item
		return out
	}
	if o.kind == opPut {
		return append(items[:len(items):len(items)], o.item)
	}
	return items
}

// dedup keeps the first position and the last value of every id.
func dedup[T mirror.Entity](items []T) []T {
	out := make([]T, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		if i, ok := index[item.Key()]; ok {
			out[i] = item
			continue
		}
		index[item.Key()] = len(out)
		out = append(out, item)
	}
	return out
}
