package puppet

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/codewandler/puppets-go/core/reflector"
)

type (
	// OnPanic is called with the recovered value, the stack and the message
	// whenever a handler panics.
	OnPanic func(recovered any, stack []byte, msg any)

	// Envelope is what a puppet's mailbox carries: one message of any type
	// the puppet handles, with its response type erased. Packet is the only
	// implementation.
	Envelope[P any] interface {
		// HandleMessage runs the wrapped message against p using the
		// puppet's execution variant and delivers the outcome to the reply
		// slot, if any. A second call returns ErrPacketConsumed.
		HandleMessage(hc HandlerCtx, p P, ex *executor[P]) error
		// ReplyError answers the envelope without running it.
		ReplyError(err error)
		MessageType() string
	}
)

// Packet pairs a message with an optional reply slot.
type Packet[P any, R any] struct {
	msg   Message[P, R]
	reply chan<- Reply[R]
	mt    string
	taken atomic.Bool
}

// WithReply wraps msg so that its outcome is delivered into slot. The slot
// should have capacity 1 (see NewReplySlot).
func WithReply[P, R any](msg Message[P, R], slot chan<- Reply[R]) *Packet[P, R] {
	return &Packet[P, R]{msg: msg, reply: slot, mt: reflector.NameOf(msg)}
}

// WithoutReply wraps msg for fire-and-forget delivery.
func WithoutReply[P, R any](msg Message[P, R]) *Packet[P, R] {
	return &Packet[P, R]{msg: msg, mt: reflector.NameOf(msg)}
}

func (pk *Packet[P, R]) MessageType() string { return pk.mt }

// HasReply reports whether somebody may be waiting for the outcome.
func (pk *Packet[P, R]) HasReply() bool { return pk.reply != nil }

func (pk *Packet[P, R]) take() (Message[P, R], bool) {
	if !pk.taken.CompareAndSwap(false, true) {
		return nil, false
	}
	return pk.msg, true
}

func (pk *Packet[P, R]) HandleMessage(hc HandlerCtx, p P, ex *executor[P]) error {
	msg, ok := pk.take()
	if !ok {
		return ErrPacketConsumed
	}

	switch ex.variant {
	case VariantConcurrent:
		snap := ex.clone(p)
		ex.sched.Schedule(
			func() {
				res, err := invoke(ex, hc, pk.mt, snap, msg)
				pk.deliver(hc, res, err)
			},
			func() { pk.ReplyError(ErrPuppetStopped) },
		)
	case VariantParallel:
		snap := ex.clone(p)
		ex.tasks.Add(1)
		err := ex.workers.Submit(hc, func() {
			defer ex.tasks.Done()
			res, err := invoke(ex, hc, pk.mt, snap, msg)
			pk.deliver(hc, res, err)
		})
		if err != nil {
			ex.tasks.Done()
			err = fmt.Errorf("dispatch %s: %w", pk.mt, err)
			pk.ReplyError(err)
			return err
		}
	default:
		res, err := invoke(ex, hc, pk.mt, p, msg)
		pk.deliver(hc, res, err)
	}
	return nil
}

func (pk *Packet[P, R]) ReplyError(err error) {
	if pk.reply == nil {
		return
	}
	select {
	case pk.reply <- Reply[R]{Error: err}:
	default:
	}
}

func (pk *Packet[P, R]) deliver(hc HandlerCtx, res R, err error) {
	if pk.reply == nil {
		if err != nil {
			hc.Log().Warn("message handler failed",
				slog.String("msg_type", pk.mt),
				slog.Any("error", err),
			)
		}
		return
	}
	select {
	case pk.reply <- Reply[R]{Result: res, Error: err}:
	default:
	}
}

// invoke runs one handler with panic containment and metrics.
func invoke[P, R any](ex *executor[P], hc HandlerCtx, mt string, p P, msg Message[P, R]) (res R, err error) {
	defer ex.metrics.MessageDuration(mt).ObserveDuration()
	defer func() {
		if r := recover(); r != nil {
			ex.metrics.MessagePanic(mt)
			if ex.onPanic != nil {
				ex.onPanic(r, debug.Stack(), msg)
			}
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			if ex.variant == VariantSequential {
				ex.torn = fmt.Sprintf("handler %s panicked: %v", mt, r)
			}
		}
		ex.metrics.MessageProcessed(mt, err == nil)
	}()
	return msg.Handle(hc, p)
}

var _ Envelope[struct{}] = (*Packet[struct{}, struct{}])(nil)
