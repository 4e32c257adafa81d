package puppet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/codewandler/puppets-go/core/ds"
	"github.com/codewandler/puppets-go/core/sf"
)

type MasterOptions struct {
	// Context bounds all puppets. Defaults to context.Background().
	Context context.Context
	Logger  *slog.Logger
	Metrics Metrics
	OnPanic OnPanic
	// Workers sizes the pool for Parallel puppets; <= 0 means GOMAXPROCS.
	// The pool is created on first use.
	Workers int
	// WorkerQueue is the pool's submit buffer. Defaults to 4 * Workers.
	WorkerQueue int
}

// Master is the default Registry. It indexes puppets by Pid and name and
// keeps the supervision tree formed by Spawn's parent argument.
type Master struct {
	ctx    context.Context
	cancel context.CancelFunc
	env    Env
	log    *slog.Logger
	opts   MasterOptions

	mu       sync.RWMutex
	cells    map[Pid]Cell
	names    map[string]Pid
	parents  map[Pid]Pid
	children map[Pid]*ds.Set[Pid]
	roots    *ds.Set[Pid]
	closed   bool

	wmu     sync.Mutex
	workers *WorkerPool

	spawns *sf.Singleflight[Cell]
}

func NewMaster(opts MasterOptions) *Master {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}

	ctx, cancel := context.WithCancel(opts.Context)
	m := &Master{
		ctx:      ctx,
		cancel:   cancel,
		log:      opts.Logger.With(slog.String("component", "master")),
		opts:     opts,
		cells:    map[Pid]Cell{},
		names:    map[string]Pid{},
		parents:  map[Pid]Pid{},
		children: map[Pid]*ds.Set[Pid]{},
		roots:    ds.NewSet[Pid](),
		spawns:   sf.New[Cell](),
	}
	m.env = Env{
		Context: ctx,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		OnPanic: opts.OnPanic,
	}.withDefaults()
	return m
}

func (m *Master) Env() Env { return m.env }

func (m *Master) Workers() *WorkerPool {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if m.workers == nil {
		size := m.opts.Workers
		if size <= 0 {
			size = runtime.GOMAXPROCS(0)
		}
		queue := m.opts.WorkerQueue
		if queue <= 0 {
			queue = 4 * size
		}
		m.workers = NewWorkerPool(size, queue, m.log)
	}
	return m.workers
}

func (m *Master) Register(parent *Pid, c Cell) error {
	pid := c.Pid()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrRegistryClosed
	}
	if _, ok := m.cells[pid]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, pid)
	}
	if pid.Name != "" {
		if _, ok := m.names[pid.Name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateName, pid.Name)
		}
	}
	if parent != nil {
		if _, ok := m.cells[*parent]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParent, parent)
		}
	}

	m.cells[pid] = c
	if pid.Name != "" {
		m.names[pid.Name] = pid
	}
	if parent != nil {
		m.parents[pid] = *parent
		set, ok := m.children[*parent]
		if !ok {
			set = ds.NewSet[Pid]()
			m.children[*parent] = set
		}
		set.Add(pid)
	} else {
		m.roots.Add(pid)
	}
	m.env.Metrics.PuppetsRegistered(len(m.cells))
	return nil
}

// Deregister removes pid. Children that are still registered become roots
// and are stopped in the background.
func (m *Master) Deregister(pid Pid) {
	m.mu.Lock()
	if _, ok := m.cells[pid]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.cells, pid)
	if pid.Name != "" && m.names[pid.Name] == pid {
		delete(m.names, pid.Name)
	}
	if parent, ok := m.parents[pid]; ok {
		delete(m.parents, pid)
		if set, ok := m.children[parent]; ok {
			set.Remove(pid)
		}
	} else {
		m.roots.Remove(pid)
	}

	var orphans []Pid
	if set, ok := m.children[pid]; ok {
		orphans = set.Reversed()
		delete(m.children, pid)
		for _, o := range orphans {
			delete(m.parents, o)
			m.roots.Add(o)
		}
	}
	m.env.Metrics.PuppetsRegistered(len(m.cells))
	m.mu.Unlock()

	if len(orphans) == 0 {
		return
	}
	m.log.Debug("stopping orphaned puppets", slog.String("parent", pid.String()), slog.Int("count", len(orphans)))
	go func() {
		for _, o := range orphans {
			if err := m.Command(context.WithoutCancel(m.ctx), o, InitiateStop); err != nil && !ignorable(err) {
				m.log.Warn("failed to stop orphan", slog.String("pid", o.String()), slog.Any("error", err))
			}
		}
	}()
}

// Get returns the puppet registered under pid.
func (m *Master) Get(pid Pid) (Cell, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cells[pid]
	return c, ok
}

// GetByName returns the puppet registered under name.
func (m *Master) GetByName(name string) (Cell, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pid, ok := m.names[name]
	if !ok {
		return nil, false
	}
	c, ok := m.cells[pid]
	return c, ok
}

// Children returns the registered children of pid in spawn order.
func (m *Master) Children(pid Pid) []Pid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if set, ok := m.children[pid]; ok {
		return set.Values()
	}
	return nil
}

// Parent returns the parent of pid, if it has one.
func (m *Master) Parent(pid Pid) (Pid, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parents[pid]
	return p, ok
}

// Len returns the number of registered puppets.
func (m *Master) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cells)
}

// Command delivers cmd to pid. InitiateStop and ForceTermination are applied
// to the puppet's descendants first, most recently spawned first, so that
// children always stop before their parent.
func (m *Master) Command(ctx context.Context, pid Pid, cmd ServiceCommand) error {
	c, ok := m.Get(pid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, pid)
	}

	var errs []error
	if cmd.Kind == CmdInitiateStop || cmd.Kind == CmdForceTermination {
		kids := m.Children(pid)
		for i := len(kids) - 1; i >= 0; i-- {
			if err := m.Command(ctx, kids[i], cmd); err != nil && !ignorable(err) {
				errs = append(errs, err)
			}
		}
	}
	if err := c.Command(ctx, cmd); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Shutdown stops every puppet, children before parents, waits for them to
// exit and releases the worker pool. Registration fails afterwards.
func (m *Master) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	roots := m.roots.Reversed()
	m.mu.Unlock()

	m.log.Debug("shutting down", slog.Int("roots", len(roots)))

	var errs []error
	for _, pid := range roots {
		if err := m.Command(ctx, pid, InitiateStop); err != nil && !ignorable(err) {
			errs = append(errs, err)
		}
	}

	// whatever is left (orphans mid-flight, puppets that ignored the stop)
	// goes down with the context
	m.cancel()
	m.mu.RLock()
	pending := make([]Cell, 0, len(m.cells))
	for _, c := range m.cells {
		pending = append(pending, c)
	}
	m.mu.RUnlock()
	for _, c := range pending {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		}
	}

	m.wmu.Lock()
	if m.workers != nil {
		m.workers.Close()
	}
	m.wmu.Unlock()
	return errors.Join(errs...)
}

// ignorable filters errors that only mean the target is already gone.
func ignorable(err error) bool {
	var rej *CommandRejectedError
	if errors.As(err, &rej) && rej.From.Is(StateStopped) {
		return true
	}
	return errors.Is(err, ErrNotFound)
}

// Lookup returns the puppet registered under name if it has type P.
func Lookup[P any](m *Master, name string) (*Address[P], bool) {
	c, ok := m.GetByName(name)
	if !ok {
		return nil, false
	}
	a, ok := c.(*Address[P])
	return a, ok
}

// GetOrSpawn returns the puppet registered under b's name, spawning it as a
// root puppet if there is none. Concurrent calls for the same name spawn at
// most once.
func GetOrSpawn[P any](ctx context.Context, m *Master, b *Builder[P]) (*Address[P], error) {
	if b == nil || b.name == "" {
		return nil, &SpawnError{Err: fmt.Errorf("%w: GetOrSpawn needs a named builder", ErrInvalidBuilder)}
	}
	c, _, err := m.spawns.Do(b.name, func() (Cell, error) {
		if c, ok := m.GetByName(b.name); ok {
			return c, nil
		}
		a, err := Spawn(ctx, m, nil, b)
		if err != nil {
			return nil, err
		}
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	a, ok := c.(*Address[P])
	if !ok {
		return nil, &SpawnError{Name: b.name, Err: fmt.Errorf("%w: registered puppet is %T", ErrDuplicateName, c)}
	}
	return a, nil
}

var _ Registry = (*Master)(nil)
