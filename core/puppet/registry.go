package puppet

import (
	"context"
	"log/slog"
)

type (
	// Cell is the type-erased view of a running puppet that registries keep.
	// Every *Address[P] is a Cell.
	Cell interface {
		Pid() Pid
		Status() Status
		Command(ctx context.Context, cmd ServiceCommand) error
		Done() <-chan struct{}
	}

	// Registry tracks live puppets and hands out the shared runtime
	// environment. Master is the default implementation.
	Registry interface {
		// Register makes c known under its Pid and name. parent, if set,
		// must be registered already.
		Register(parent *Pid, c Cell) error
		// Deregister is called by a puppet's loop right before it exits.
		Deregister(pid Pid)
		Env() Env
		// Workers returns the pool running Parallel handlers.
		Workers() *WorkerPool
	}

	// Env is shared by all puppets of a registry.
	Env struct {
		// Context bounds the life of every puppet; cancelling it stops them.
		Context context.Context
		Logger  *slog.Logger
		Metrics Metrics
		OnPanic OnPanic
	}
)

func (e Env) withDefaults() Env {
	if e.Context == nil {
		e.Context = context.Background()
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Metrics == nil {
		e.Metrics = NopMetrics()
	}
	if e.OnPanic == nil {
		log := e.Logger
		e.OnPanic = func(recovered any, stack []byte, msg any) {
			log.Error("puppet panicked", slog.Any("recovered", recovered), slog.String("stack", string(stack)), slog.Any("msg", msg))
		}
	}
	return e
}

// Spawn constructs a puppet from b, registers it under parent (nil for a
// root puppet), starts its loop and returns once the puppet is Active.
// Every failure is reported as *SpawnError.
func Spawn[P any](ctx context.Context, reg Registry, parent *Pid, b *Builder[P]) (*Address[P], error) {
	var name string
	if b != nil {
		name = b.name
	}
	fail := func(err error) (*Address[P], error) {
		return nil, &SpawnError{Name: name, Err: err}
	}

	instance, variant, err := b.build()
	if err != nil {
		return fail(err)
	}

	var workers *WorkerPool
	if variant == VariantParallel {
		workers = reg.Workers()
	}

	pc := newProcess(reg, reg.Env().withDefaults(), b, instance, variant, workers)
	addr := pc.address()

	if err := reg.Register(parent, addr); err != nil {
		pc.cancel()
		return fail(err)
	}

	go pc.run()

	if err := addr.Command(ctx, InitiateStart); err != nil {
		if ferr := addr.Command(context.WithoutCancel(ctx), ForceTermination); ferr != nil {
			pc.log.Debug("cleanup after failed start", slog.Any("error", ferr))
		}
		return fail(err)
	}
	return addr, nil
}
