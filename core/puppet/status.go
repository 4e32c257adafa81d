package puppet

import (
	"context"
	"sync"
)

// State is the lifecycle phase of a puppet.
type State uint8

const (
	StateCreated State = iota
	StateActive
	StateRestarting
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateRestarting:
		return "restarting"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is the value carried by the lifecycle broadcast. Reason is only set
// for StateFailed.
type Status struct {
	State  State
	Reason string
}

func statusOf(s State) Status { return Status{State: s} }

func failed(reason string) Status { return Status{State: StateFailed, Reason: reason} }

func (s Status) Is(state State) bool { return s.State == state }

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool { return s.State == StateStopped }

func (s Status) String() string {
	if s.State == StateFailed && s.Reason != "" {
		return "failed(" + s.Reason + ")"
	}
	return s.State.String()
}

// broadcast is a single-slot, latest-value channel. Writers overwrite the
// slot and wake every waiter; there is no queue, so a slow reader only ever
// sees the newest value.
type broadcast struct {
	mu      sync.RWMutex
	current Status
	version uint64
	changed chan struct{}
	closed  bool
}

func newBroadcast(initial Status) *broadcast {
	return &broadcast{
		current: initial,
		changed: make(chan struct{}),
	}
}

func (b *broadcast) load() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

func (b *broadcast) store(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.current = s
	b.version++
	close(b.changed)
	b.changed = make(chan struct{})
}

// close wakes all waiters for the last time. Values stored before close stay
// readable.
func (b *broadcast) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.changed)
}

func (b *broadcast) subscribe() *StatusWatcher {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return &StatusWatcher{b: b, seen: b.version}
}

// StatusWatcher is an independent cursor over a puppet's status broadcast.
// The value current at subscription time counts as seen.
type StatusWatcher struct {
	b    *broadcast
	seen uint64
}

// Current returns the latest value without marking it seen.
func (w *StatusWatcher) Current() Status { return w.b.load() }

// Changed waits until a value newer than the last one returned by Changed is
// available and returns it. Intermediate values written in between are lost.
// Once the broadcast is closed and the newest value was seen, Changed returns
// ErrBroadcastClosed.
func (w *StatusWatcher) Changed(ctx context.Context) (Status, error) {
	for {
		w.b.mu.RLock()
		if w.b.version > w.seen {
			w.seen = w.b.version
			s := w.b.current
			w.b.mu.RUnlock()
			return s, nil
		}
		if w.b.closed {
			w.b.mu.RUnlock()
			return Status{}, ErrBroadcastClosed
		}
		ch := w.b.changed
		w.b.mu.RUnlock()

		select {
		case <-ctx.Done():
			return Status{}, ctx.Err()
		case <-ch:
		}
	}
}

// WaitFor blocks until the broadcast holds a status in one of the given
// states and returns it.
func (w *StatusWatcher) WaitFor(ctx context.Context, states ...State) (Status, error) {
	match := func(s Status) bool {
		for _, st := range states {
			if s.State == st {
				return true
			}
		}
		return false
	}
	if s := w.Current(); match(s) {
		return s, nil
	}
	for {
		s, err := w.Changed(ctx)
		if err != nil {
			return s, err
		}
		if match(s) {
			return s, nil
		}
	}
}
