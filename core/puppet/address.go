package puppet

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Address is the handle to a running puppet. It is cheap to copy and safe
// for concurrent use; copies talk to the same puppet. Holding an Address
// does not keep the puppet alive.
type Address[P any] struct {
	pid      Pid
	status   *broadcast
	postman  Postman[P]
	service  ServicePostman
	done     <-chan struct{}
	registry Registry
}

func (a *Address[P]) Pid() Pid       { return a.pid }
func (a *Address[P]) String() string { return a.pid.String() }

// Clone returns an independent handle to the same puppet.
func (a *Address[P]) Clone() *Address[P] {
	c := *a
	return &c
}

// Status returns the latest lifecycle status without waiting.
func (a *Address[P]) Status() Status { return a.status.load() }

// Subscribe returns a new cursor over the status broadcast.
func (a *Address[P]) Subscribe() *StatusWatcher { return a.status.subscribe() }

// OnStatusChange calls fn from a background goroutine for every status
// change it observes, until the puppet stopped. Changes that happen faster
// than fn returns are coalesced into the latest one.
func (a *Address[P]) OnStatusChange(fn func(Status)) {
	w := a.Subscribe()
	go func() {
		for {
			s, err := w.Changed(context.Background())
			if err != nil {
				return
			}
			fn(s)
		}
	}()
}

// Done is closed once the puppet's loop exited.
func (a *Address[P]) Done() <-chan struct{} { return a.done }

// Registry returns the registry the puppet is registered with.
func (a *Address[P]) Registry() Registry { return a.registry }

// Command delivers cmd on the control plane and waits for its ack.
func (a *Address[P]) Command(ctx context.Context, cmd ServiceCommand) error {
	return a.service.SendAndAwait(ctx, cmd)
}

// Stop gracefully stops the puppet and waits for its loop to exit. Stopping
// a stopped puppet is not an error.
func (a *Address[P]) Stop(ctx context.Context) error {
	err := a.Command(ctx, InitiateStop)
	var rej *CommandRejectedError
	if errors.As(err, &rej) && rej.From.Is(StateStopped) {
		err = nil
	}
	if err != nil {
		return err
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Cell = (*Address[struct{}])(nil)

// Send delivers msg without waiting for it to be handled.
func Send[P, R any](ctx context.Context, a *Address[P], msg Message[P, R]) error {
	return a.postman.Send(ctx, WithoutReply(msg))
}

// Ask delivers msg and waits for the handler's response. Handler errors are
// returned as is. If the puppet exits without answering, the error matches
// ErrResponseReceive.
func Ask[P, R any](ctx context.Context, a *Address[P], msg Message[P, R]) (R, error) {
	var zero R
	slot := NewReplySlot[R]()
	if err := a.postman.Send(ctx, WithReply(msg, slot)); err != nil {
		return zero, sendError(err)
	}
	return awaitReply(ctx, a.done, slot)
}

// AskWithTimeout is Ask bounded by d. On expiry it returns an error matching
// ErrTimeout; the handler is not interrupted and its late response is
// discarded.
func AskWithTimeout[P, R any](ctx context.Context, a *Address[P], msg Message[P, R], d time.Duration) (R, error) {
	var zero R
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	slot := NewReplySlot[R]()
	if err := a.postman.Send(tctx, WithReply(msg, slot)); err != nil {
		if timedOut(ctx, tctx) {
			return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
		}
		return zero, sendError(err)
	}
	res, err := awaitReply(tctx, a.done, slot)
	if err != nil && timedOut(ctx, tctx) && errors.Is(err, context.DeadlineExceeded) {
		return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
	}
	return res, err
}

// SpawnChild spawns a puppet supervised by parent in parent's registry.
func SpawnChild[C, P any](ctx context.Context, parent *Address[P], b *Builder[C]) (*Address[C], error) {
	pid := parent.Pid()
	return Spawn(ctx, parent.registry, &pid, b)
}

func sendError(err error) error {
	if errors.Is(err, ErrMailboxClosed) {
		return fmt.Errorf("%w: %w", ErrResponseReceive, err)
	}
	return err
}

func timedOut(parent, tctx context.Context) bool {
	return parent.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded)
}

func awaitReply[R any](ctx context.Context, done <-chan struct{}, slot <-chan Reply[R]) (R, error) {
	var zero R
	select {
	case r := <-slot:
		return r.Result, r.Error
	case <-done:
		select {
		case r := <-slot:
			return r.Result, r.Error
		default:
			return zero, ErrResponseReceive
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
