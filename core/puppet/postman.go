package puppet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// queue is a bounded channel that can be closed while producers are blocked
// on it. The channel itself is never closed: Close flips a flag under the
// write lock so that once it returns no producer can enqueue anymore, and
// whatever made it in can be drained.
type queue[T any] struct {
	ch   chan T
	quit chan struct{}
	once sync.Once

	mu     sync.RWMutex
	closed bool
}

func newQueue[T any](size int) *queue[T] {
	return &queue[T]{
		ch:   make(chan T, size),
		quit: make(chan struct{}),
	}
}

func (q *queue[T]) put(ctx context.Context, v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrMailboxClosed
	}
	select {
	case q.ch <- v:
		return nil
	case <-q.quit:
		return ErrMailboxClosed
	case <-ctx.Done():
		return fmt.Errorf("send failed: %w", ctx.Err())
	}
}

func (q *queue[T]) close() {
	q.once.Do(func() {
		close(q.quit)
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
	})
}

func (q *queue[T]) len() int { return len(q.ch) }

func (q *queue[T]) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Postman is the sending end of a puppet's data plane. Copies share the
// underlying channel.
type Postman[P any] struct {
	q *queue[Envelope[P]]
}

// Send enqueues env, waiting for capacity. It fails with ErrMailboxClosed
// once the puppet stopped accepting messages.
func (pm Postman[P]) Send(ctx context.Context, env Envelope[P]) error {
	return pm.q.put(ctx, env)
}

// Mailbox is the receiving end of a puppet's data plane, owned by its loop.
type Mailbox[P any] struct {
	q *queue[Envelope[P]]
}

// NewMailbox creates a data plane with the given capacity.
func NewMailbox[P any](size int) (Postman[P], *Mailbox[P]) {
	q := newQueue[Envelope[P]](size)
	return Postman[P]{q: q}, &Mailbox[P]{q: q}
}

// Recv pops the next envelope. It returns false when ctx ends or when the
// mailbox is closed and empty.
func (mb *Mailbox[P]) Recv(ctx context.Context) (Envelope[P], bool) {
	select {
	case env := <-mb.q.ch:
		return env, true
	default:
	}
	select {
	case env := <-mb.q.ch:
		return env, true
	case <-mb.q.quit:
		select {
		case env := <-mb.q.ch:
			return env, true
		default:
			return nil, false
		}
	case <-ctx.Done():
		return nil, false
	}
}

// Close rejects all further sends. Envelopes already queued stay available
// to Recv and Cleanup.
func (mb *Mailbox[P]) Close() { mb.q.close() }

// Cleanup answers every remaining envelope with ErrPuppetStopped and
// returns how many there were. On a closed mailbox it drains what is left;
// on an open one it keeps waiting up to timeout for each next envelope so
// that a stalled producer cannot hold shutdown hostage.
func (mb *Mailbox[P]) Cleanup(timeout time.Duration) int {
	n := 0
	if mb.q.isClosed() {
		for {
			select {
			case env := <-mb.q.ch:
				env.ReplyError(ErrPuppetStopped)
				n++
			default:
				return n
			}
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case env := <-mb.q.ch:
			env.ReplyError(ErrPuppetStopped)
			n++
			t.Reset(timeout)
		case <-t.C:
			return n
		}
	}
}

func (mb *Mailbox[P]) Len() int { return mb.q.len() }

func (mb *Mailbox[P]) ch() <-chan Envelope[P] { return mb.q.ch }

// servicePacket is a ServiceCommand together with its one-shot ack.
type servicePacket struct {
	cmd ServiceCommand
	ack chan error
}

// ServicePostman is the sending end of a puppet's control plane.
type ServicePostman struct {
	q    *queue[servicePacket]
	done <-chan struct{}
}

// SendAndAwait delivers cmd and waits for the loop to accept or reject it.
func (sp ServicePostman) SendAndAwait(ctx context.Context, cmd ServiceCommand) error {
	ack := make(chan error, 1)
	if err := sp.q.put(ctx, servicePacket{cmd: cmd, ack: ack}); err != nil {
		if errors.Is(err, ErrMailboxClosed) {
			return stoppedRejection(cmd)
		}
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-sp.done:
		select {
		case err := <-ack:
			return err
		default:
			return stoppedRejection(cmd)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServiceMailbox is the receiving end of the control plane.
type ServiceMailbox struct {
	q *queue[servicePacket]
}

func newServicePlane(size int, done <-chan struct{}) (ServicePostman, *ServiceMailbox) {
	q := newQueue[servicePacket](size)
	return ServicePostman{q: q, done: done}, &ServiceMailbox{q: q}
}

func (sm *ServiceMailbox) ch() <-chan servicePacket { return sm.q.ch }

func (sm *ServiceMailbox) Close() { sm.q.close() }

func stoppedRejection(cmd ServiceCommand) error {
	return &CommandRejectedError{Command: cmd, From: statusOf(StateStopped)}
}

// RejectAll acks every queued command as rejected by a stopped puppet.
func (sm *ServiceMailbox) RejectAll() {
	for {
		select {
		case sp := <-sm.q.ch:
			sp.ack <- stoppedRejection(sp.cmd)
		default:
			return
		}
	}
}
