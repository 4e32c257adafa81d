package puppet

import (
	"fmt"
	"log/slog"
	"reflect"
	"time"
)

const (
	DefaultMailboxSize        = 1024
	DefaultControlSize        = 16
	DefaultCleanupTimeout     = 100 * time.Millisecond
	DefaultMaxConcurrentTasks = 32
)

// Builder holds the instructions to construct one puppet of type P. The
// factory is called once on spawn and again on every restart of a puppet
// that does not implement Resetter.
type Builder[P any] struct {
	factory        func() (P, error)
	name           string
	mailboxSize    int
	controlSize    int
	cleanupTimeout time.Duration
	maxTasks       int
	logger         *slog.Logger
}

// NewBuilder returns a builder around an infallible factory.
func NewBuilder[P any](factory func() P) *Builder[P] {
	var f func() (P, error)
	if factory != nil {
		f = func() (P, error) { return factory(), nil }
	}
	return NewBuilderE(f)
}

// NewBuilderE returns a builder around a factory that may fail.
func NewBuilderE[P any](factory func() (P, error)) *Builder[P] {
	return &Builder[P]{
		factory:        factory,
		mailboxSize:    DefaultMailboxSize,
		controlSize:    DefaultControlSize,
		cleanupTimeout: DefaultCleanupTimeout,
		maxTasks:       DefaultMaxConcurrentTasks,
	}
}

func (b *Builder[P]) WithName(name string) *Builder[P] {
	b.name = name
	return b
}

func (b *Builder[P]) WithMailboxSize(n int) *Builder[P] {
	if n > 0 {
		b.mailboxSize = n
	}
	return b
}

func (b *Builder[P]) WithControlSize(n int) *Builder[P] {
	if n > 0 {
		b.controlSize = n
	}
	return b
}

func (b *Builder[P]) WithCleanupTimeout(d time.Duration) *Builder[P] {
	if d > 0 {
		b.cleanupTimeout = d
	}
	return b
}

// WithMaxConcurrentTasks caps in-flight handlers of a Concurrent puppet.
// n <= 0 means unlimited.
func (b *Builder[P]) WithMaxConcurrentTasks(n int) *Builder[P] {
	b.maxTasks = n
	return b
}

func (b *Builder[P]) WithLogger(log *slog.Logger) *Builder[P] {
	b.logger = log
	return b
}

// Named returns a copy of b carrying name. The receiver is left untouched,
// so one builder can serve as template for several named puppets.
func (b *Builder[P]) Named(name string) *Builder[P] {
	c := *b
	c.name = name
	return &c
}

func (b *Builder[P]) Name() string { return b.name }

// build validates the builder and produces the first instance.
func (b *Builder[P]) build() (P, ExecutionVariant, error) {
	var zero P
	if b == nil || b.factory == nil {
		return zero, 0, fmt.Errorf("%w: no factory", ErrInvalidBuilder)
	}
	p, err := b.instance()
	if err != nil {
		return zero, 0, err
	}
	v := VariantOf(p)
	if v != VariantSequential {
		if _, ok := any(p).(Cloner[P]); !ok {
			return zero, 0, fmt.Errorf("%w: %s puppet %T does not implement Clone() %T", ErrInvalidBuilder, v, p, p)
		}
	}
	return p, v, nil
}

func (b *Builder[P]) instance() (P, error) {
	var zero P
	p, err := b.factory()
	if err != nil {
		return zero, fmt.Errorf("factory: %w", err)
	}
	if isNil(p) {
		return zero, fmt.Errorf("%w: factory returned nil", ErrInvalidBuilder)
	}
	return p, nil
}

func isNil(x any) bool {
	if x == nil {
		return true
	}
	v := reflect.ValueOf(x)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}
