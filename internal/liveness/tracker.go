// Package liveness ties workspace lifetimes to the sessions that own them.
package liveness

import (
	"log/slog"
	"sync"

	"github.com/mattjoyce/sandpit/internal/log"
)

// Owner is a session handle that closes Done when the session ends.
// A context.Context satisfies it.
type Owner interface {
	Done() <-chan struct{}
}

// Sink is invoked with the user id once the user's current owner ends.
type Sink func(userID string)

type watch struct {
	gen  uint64
	stop chan struct{}
}

// Tracker watches at most one owner per user. Registering a new owner
// supersedes the previous one; a superseded owner ending is ignored.
type Tracker struct {
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	gen     uint64
	watches map[string]watch
	closed  bool
	wg      sync.WaitGroup
}

// NewTracker returns a tracker that reports terminations to sink.
func NewTracker(sink Sink) *Tracker {
	return &Tracker{
		sink:    sink,
		logger:  log.WithComponent("liveness"),
		watches: make(map[string]watch),
	}
}

// Watch registers owner as userID's current session.
func (t *Tracker) Watch(userID string, owner Owner) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if prev, ok := t.watches[userID]; ok {
		close(prev.stop)
	}
	t.gen++
	w := watch{gen: t.gen, stop: make(chan struct{})}
	t.watches[userID] = w
	t.wg.Add(1)
	t.mu.Unlock()

	go t.await(userID, owner, w)
}

func (t *Tracker) await(userID string, owner Owner, w watch) {
	defer t.wg.Done()
	select {
	case <-w.stop:
		return
	case <-owner.Done():
	}

	t.mu.Lock()
	cur, ok := t.watches[userID]
	current := ok && cur.gen == w.gen && !t.closed
	if current {
		delete(t.watches, userID)
	}
	t.mu.Unlock()

	if !current {
		return
	}
	t.logger.Debug("session ended, releasing workspace", "user_id", userID)
	t.sink(userID)
}

// Forget stops watching userID without firing the sink.
func (t *Tracker) Forget(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.watches[userID]; ok {
		close(w.stop)
		delete(t.watches, userID)
	}
}

// Watching reports whether userID has a live registered owner.
func (t *Tracker) Watching(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.watches[userID]
	return ok
}

// Len returns the number of watched users.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.watches)
}

// Close stops every watcher without firing the sink and waits for them.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for id, w := range t.watches {
		close(w.stop)
		delete(t.watches, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
}
