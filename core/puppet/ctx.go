package puppet

import (
	"context"
	"log/slog"
)

type (
	// HandlerCtx is passed to every handler and lifecycle hook. Its context is
	// the puppet's lifecycle context, not the caller's: it is cancelled on
	// forced termination and when the owning registry shuts down.
	HandlerCtx interface {
		context.Context
		Self() Pid
		Log() *slog.Logger
		Registry() Registry
	}
)

type handlerCtx struct {
	context.Context
	self Pid
	log  *slog.Logger
	reg  Registry
}

func (hc *handlerCtx) Self() Pid          { return hc.self }
func (hc *handlerCtx) Log() *slog.Logger  { return hc.log }
func (hc *handlerCtx) Registry() Registry { return hc.reg }

var _ HandlerCtx = (*handlerCtx)(nil)

// SpawnFrom spawns a child of the puppet owning hc.
func SpawnFrom[C any](hc HandlerCtx, b *Builder[C]) (*Address[C], error) {
	self := hc.Self()
	return Spawn(hc, hc.Registry(), &self, b)
}
