package puppet

import (
	"log/slog"
	"sync"
)

// ExecutionVariant decides where a puppet's handlers run.
type ExecutionVariant uint8

const (
	// VariantSequential runs handlers one at a time on the puppet's own loop
	// against the canonical state.
	VariantSequential ExecutionVariant = iota
	// VariantConcurrent runs each handler against a clone on the puppet's
	// bounded scheduler.
	VariantConcurrent
	// VariantParallel runs each handler against a clone on the registry's
	// OS-thread-locked worker pool.
	VariantParallel
)

func (v ExecutionVariant) String() string {
	switch v {
	case VariantSequential:
		return "sequential"
	case VariantConcurrent:
		return "concurrent"
	case VariantParallel:
		return "parallel"
	default:
		return "unknown"
	}
}

type variantMarker interface {
	executionVariant() ExecutionVariant
}

// Embed one of these in a puppet type to select its execution variant.
// A type embedding none of them is Sequential.
type (
	Sequential struct{}
	Concurrent struct{}
	Parallel   struct{}
)

func (Sequential) executionVariant() ExecutionVariant { return VariantSequential }
func (Concurrent) executionVariant() ExecutionVariant { return VariantConcurrent }
func (Parallel) executionVariant() ExecutionVariant   { return VariantParallel }

// VariantOf reports the execution variant selected by p's type.
func VariantOf(p any) ExecutionVariant {
	if m, ok := p.(variantMarker); ok {
		return m.executionVariant()
	}
	return VariantSequential
}

// Cloner is required from Concurrent and Parallel puppets. Clone must return
// a snapshot that shares no mutable state with the receiver.
type Cloner[P any] interface {
	Clone() P
}

// executor dispatches handler invocations according to the puppet's variant.
// It is owned by the run loop; only the async fields are touched from other
// goroutines.
type executor[P any] struct {
	pid     Pid
	variant ExecutionVariant
	log     *slog.Logger
	metrics Metrics
	onPanic OnPanic

	sched   *scheduler
	workers *WorkerPool
	tasks   sync.WaitGroup

	// torn holds the reason of a panic in a Sequential handler. Written and
	// read on the loop goroutine only.
	torn string
}

func (ex *executor[P]) clone(p P) P {
	return any(p).(Cloner[P]).Clone()
}

// takeTorn returns and clears the pending failure reason.
func (ex *executor[P]) takeTorn() (string, bool) {
	if ex.torn == "" {
		return "", false
	}
	r := ex.torn
	ex.torn = ""
	return r, true
}

// wait blocks until every dispatched Concurrent or Parallel handler returned.
func (ex *executor[P]) wait() {
	ex.sched.Wait()
	ex.tasks.Wait()
}
