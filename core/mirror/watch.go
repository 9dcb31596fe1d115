package mirror

import (
	"context"
	"reflect"
	"time"
)

// DefaultPollInterval is used by Watch when the store cannot push changes and no interval is given.
const DefaultPollInterval = 2 * time.Second

// Filter scopes reads to the entities whose Field equals Value.
type Filter struct {
	Field string
	Value string
}

// Watch returns a stream of snapshots of the collection (optionally filtered).
// The first snapshot is read immediately. Next ones are read whenever the store reports
// a change (see Watcher) or, for stores that cannot, every interval.
// Consecutive identical snapshots are sent once. Failed reads are sent as failed Results.
// The channel is closed once ctx is done.
func (m *Mirror[T]) Watch(ctx context.Context, interval time.Duration, filter ...Filter) <-chan Result[[]T] {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	var f *Filter
	if len(filter) > 0 {
		f = &filter[0]
	}

	out := make(chan Result[[]T])
	go func() {
		defer close(out)

		var changes <-chan struct{}
		if w, ok := m.store.(Watcher); ok {
			ch, err := w.Changes(ctx, m.collection)
			if err != nil {
				m.warn("watching "+m.collection+" changes, falling back to polling", err)
			} else {
				changes = ch
			}
		}

		var tick <-chan time.Time
		if changes == nil {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		var (
			last    []T
			hasLast bool
		)
		emit := func() bool {
			items, err := m.fetch(ctx, f)
			if ctx.Err() != nil {
				return false
			}
			if err == nil {
				if hasLast && reflect.DeepEqual(items, last) {
					return true
				}
				last, hasLast = items, true
			} else {
				hasLast = false
			}
			select {
			case out <- Result[[]T]{Value: items, Err: err}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				if !emit() {
					return
				}
			case <-tick:
				if !emit() {
					return
				}
			}
		}
	}()
	return out
}
