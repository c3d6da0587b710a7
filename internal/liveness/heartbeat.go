package liveness

import (
	"sync"
	"time"
)

// Heartbeat is an Owner for clients without a persistent connection: it
// ends when Beat is not called within timeout, or on Stop.
type Heartbeat struct {
	timeout time.Duration
	beat    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewHeartbeat starts a heartbeat that expires after timeout of silence.
func NewHeartbeat(timeout time.Duration) *Heartbeat {
	h := &Heartbeat{
		timeout: timeout,
		beat:    make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Heartbeat) run() {
	defer close(h.done)
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	for {
		select {
		case <-h.beat:
			timer.Reset(h.timeout)
		case <-h.stop:
			return
		case <-timer.C:
			return
		}
	}
}

// Beat extends the lease. It returns false if the heartbeat already ended.
func (h *Heartbeat) Beat() bool {
	select {
	case h.beat <- struct{}{}:
		return true
	case <-h.done:
		return false
	}
}

// Stop ends the heartbeat immediately.
func (h *Heartbeat) Stop() {
	h.once.Do(func() { close(h.stop) })
}

// Done implements Owner.
func (h *Heartbeat) Done() <-chan struct{} {
	return h.done
}

// Alive reports whether the heartbeat has not yet ended.
func (h *Heartbeat) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
