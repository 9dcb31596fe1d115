// Package changefeed fans out collection change notifications to in-process subscribers.
package changefeed

import (
	"context"
	"sync"
)

type Feed struct {
	mu     sync.Mutex
	subs   map[string]map[chan struct{}]struct{} // {collection: {subscriber}}
	closed bool
}

func New() *Feed {
	return &Feed{subs: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe returns a channel receiving a value after each change of collection.
// Notifications are coalesced when the subscriber lags behind.
func (f *Feed) Subscribe(ctx context.Context, collection string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch
	}
	if f.subs[collection] == nil {
		f.subs[collection] = make(map[chan struct{}]struct{})
	}
	f.subs[collection][ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[collection][ch]; ok {
			delete(f.subs[collection], ch)
			close(ch)
		}
	}()
	return ch
}

// Publish notifies the subscribers of collection. It never blocks.
func (f *Feed) Publish(collection string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs[collection] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// PublishAll notifies the subscribers of every collection.
func (f *Feed) PublishAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, subs := range f.subs {
		for ch := range subs {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// Close closes every subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, subs := range f.subs {
		for ch := range subs {
			close(ch)
		}
	}
	f.subs = make(map[string]map[chan struct{}]struct{})
	f.closed = true
}
