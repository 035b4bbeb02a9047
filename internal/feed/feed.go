// Package feed fans a stream of values out to any number of watchers.
//
// Every watcher owns a one-slot buffer. Publishing never blocks: when a
// watcher has not consumed the previous value yet, that value is replaced
// by the newer one, so slow readers only ever skip superseded values.
package feed

import "sync"

// Feed broadcasts values of type T to its watchers
type Feed[T any] struct {
	mu       sync.Mutex
	watchers map[*Watcher[T]]struct{}
	closed   bool
}

// Watcher receives values published to a Feed
type Watcher[T any] struct {
	feed *Feed[T]
	ch   chan T
	once sync.Once
}

// New creates an empty feed
func New[T any]() *Feed[T] {
	return &Feed[T]{watchers: make(map[*Watcher[T]]struct{})}
}

// Watch registers a new watcher. Watching a closed feed returns a watcher
// whose channel is already closed.
func (f *Feed[T]) Watch() *Watcher[T] {
	w := &Watcher[T]{feed: f, ch: make(chan T, 1)}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		w.once.Do(func() { close(w.ch) })
		return w
	}
	f.watchers[w] = struct{}{}
	return w
}

// WatchWith registers a watcher and primes it with v while holding the feed
// lock, so no value published afterwards can arrive before v.
func (f *Feed[T]) WatchWith(v T) *Watcher[T] {
	w := &Watcher[T]{feed: f, ch: make(chan T, 1)}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		w.once.Do(func() { close(w.ch) })
		return w
	}
	w.ch <- v
	f.watchers[w] = struct{}{}
	return w
}

// Publish delivers v to every watcher, replacing any value still pending
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for w := range f.watchers {
		w.offer(v)
	}
}

// Count returns the number of registered watchers
func (f *Feed[T]) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

// Close closes every watcher channel. Later publishes are ignored.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for w := range f.watchers {
		w.once.Do(func() { close(w.ch) })
		delete(f.watchers, w)
	}
}

// offer must be called with the feed lock held
func (w *Watcher[T]) offer(v T) {
	select {
	case w.ch <- v:
		return
	default:
	}
	// Buffer full: drop the stale value and retry. Only Publish sends, and it
	// holds the lock, so the second send cannot block.
	select {
	case <-w.ch:
	default:
	}
	w.ch <- v
}

// C returns the receive channel. It is closed when the watcher or the feed closes.
func (w *Watcher[T]) C() <-chan T {
	return w.ch
}

// Close unregisters the watcher and closes its channel
func (w *Watcher[T]) Close() {
	w.feed.mu.Lock()
	defer w.feed.mu.Unlock()
	delete(w.feed.watchers, w)
	w.once.Do(func() { close(w.ch) })
}
