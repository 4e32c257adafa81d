package puppet

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ---- sequential test puppet ----

type counter struct {
	n    int
	seen []int
	hits *atomic.Int32
}

func newCounter() *counter { return &counter{} }

type inc struct{ by int }

func (m inc) Handle(_ HandlerCtx, c *counter) (int, error) {
	c.n += m.by
	c.seen = append(c.seen, m.by)
	if c.hits != nil {
		c.hits.Add(1)
	}
	return c.n, nil
}

type get struct{}

func (get) Handle(_ HandlerCtx, c *counter) (int, error) { return c.n, nil }

type history struct{}

func (history) Handle(_ HandlerCtx, c *counter) ([]int, error) {
	return append([]int(nil), c.seen...), nil
}

type failWith struct{ err error }

func (m failWith) Handle(HandlerCtx, *counter) (struct{}, error) { return struct{}{}, m.err }

type boom struct{}

func (boom) Handle(HandlerCtx, *counter) (int, error) { panic("boom") }

type slow struct {
	d    time.Duration
	done chan struct{}
}

func (m slow) Handle(_ HandlerCtx, c *counter) (int, error) {
	time.Sleep(m.d)
	c.n++
	close(m.done)
	return c.n, nil
}

type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() gate {
	return gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g gate) Handle(HandlerCtx, *counter) (string, error) {
	close(g.started)
	<-g.release
	return "released", nil
}

// ---- concurrent / parallel test puppets ----

type snapshot struct {
	Concurrent
	n int
}

func (s *snapshot) Clone() *snapshot {
	c := *s
	return &c
}

type bump struct{}

func (bump) Handle(_ HandlerCtx, s *snapshot) (int, error) {
	s.n++
	return s.n, nil
}

type peek struct{}

func (peek) Handle(_ HandlerCtx, s *snapshot) (int, error) { return s.n, nil }

type hold struct {
	started chan struct{}
	release chan struct{}
}

func (h hold) Handle(HandlerCtx, *snapshot) (string, error) {
	close(h.started)
	<-h.release
	return "held", nil
}

type snapBoom struct{}

func (snapBoom) Handle(HandlerCtx, *snapshot) (int, error) { panic("snap boom") }

type cruncher struct {
	Parallel
	n int
}

func (c *cruncher) Clone() *cruncher {
	cp := *c
	return &cp
}

type crunch struct{ by int }

func (m crunch) Handle(_ HandlerCtx, c *cruncher) (int, error) {
	c.n += m.by
	return c.n, nil
}

// Concurrent without Clone; must be rejected by the builder.
type noClone struct {
	Concurrent
}

// ---- lifecycle test puppets ----

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type hooked struct {
	gen int
	rec *recorder
}

func (h *hooked) OnStart(HandlerCtx) error {
	h.rec.add("start:" + strconv.Itoa(h.gen))
	return nil
}

func (h *hooked) OnStop(HandlerCtx) error {
	h.rec.add("stop:" + strconv.Itoa(h.gen))
	return nil
}

func (h *hooked) Reset(HandlerCtx) (*hooked, error) {
	return &hooked{gen: h.gen + 1, rec: h.rec}, nil
}

type generation struct{}

func (generation) Handle(_ HandlerCtx, h *hooked) (int, error) { return h.gen, nil }

var errNoDB = errors.New("no database")

type broken struct{}

func (broken) OnStart(HandlerCtx) error { return errNoDB }

// node records its name when stopped; used for cascade ordering.
type node struct {
	name string
	rec  *recorder
}

func (n *node) OnStop(HandlerCtx) error {
	n.rec.add(n.name)
	return nil
}

// ---- helpers ----

func newTestMaster(t *testing.T, opts ...func(*MasterOptions)) *Master {
	t.Helper()
	o := MasterOptions{Context: context.Background()}
	for _, f := range opts {
		f(&o)
	}
	m := NewMaster(o)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func spawnCounter(t *testing.T, m *Master, opts ...func(*Builder[*counter])) *Address[*counter] {
	t.Helper()
	b := NewBuilder(newCounter)
	for _, f := range opts {
		f(b)
	}
	a, err := Spawn(t.Context(), m, nil, b)
	if err != nil {
		t.Fatalf("spawn counter: %v", err)
	}
	return a
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for channel to close")
	}
}
