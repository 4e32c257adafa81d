package puppet

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPuppet_ask(t *testing.T) {
	m := newTestMaster(t)
	a := spawnCounter(t, m)
	require.Equal(t, StateActive, a.Status().State)

	n, err := Ask(t.Context(), a, inc{by: 1})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = Ask(t.Context(), a, inc{by: 2})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = Ask(t.Context(), a, get{})
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestPuppet_send_fifo(t *testing.T) {
	m := newTestMaster(t)
	a := spawnCounter(t, m)

	want := make([]int, 0, 100)
	for i := 1; i <= 100; i++ {
		require.NoError(t, Send(t.Context(), a, inc{by: i}))
		want = append(want, i)
	}

	got, err := Ask(t.Context(), a, history{})
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestPuppet_handler_error_verbatim(t *testing.T) {
	m := newTestMaster(t)
	a := spawnCounter(t, m)

	myErr := errors.New("nope")
	_, err := Ask(t.Context(), a, failWith{err: myErr})
	require.ErrorIs(t, err, myErr)

	// fire-and-forget errors are logged, the puppet keeps going
	require.NoError(t, Send(t.Context(), a, failWith{err: myErr}))
	n, err := Ask(t.Context(), a, inc{by: 1})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPuppet_send_after_stop(t *testing.T) {
	m := newTestMaster(t)
	a := spawnCounter(t, m)
	require.NoError(t, a.Stop(t.Context()))
	require.Equal(t, StateStopped, a.Status().State)

	require.ErrorIs(t, Send(t.Context(), a, inc{by: 1}), ErrMailboxClosed)

	_, err := Ask(t.Context(), a, get{})
	require.ErrorIs(t, err, ErrResponseReceive)
	require.ErrorIs(t, err, ErrMailboxClosed)

	// a stale copy of the address sees the same
	_, err = Ask(t.Context(), a.Clone(), get{})
	require.ErrorIs(t, err, ErrMailboxClosed)
}

func TestPuppet_ask_with_timeout(t *testing.T) {
	m := newTestMaster(t)
	a := spawnCounter(t, m)

	done := make(chan struct{})
	start := time.Now()
	_, err := AskWithTimeout(t.Context(), a, slow{d: 150 * time.Millisecond, done: done}, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 150*time.Millisecond)

	// the handler was not cancelled
	waitClosed(t, done)
	n, err := Ask(t.Context(), a, get{})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = AskWithTimeout(t.Context(), a, inc{by: 1}, time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestPuppet_ask_caller_cancel(t *testing.T) {
	m := newTestMaster(t)
	a := spawnCounter(t, m)

	g := newGate()
	go func() { _, _ = Ask(context.Background(), a, g) }()
	waitClosed(t, g.started)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := Ask(ctx, a, get{})
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrTimeout)

	close(g.release)
}

func TestPuppet_control_bypasses_backlog(t *testing.T) {
	m := newTestMaster(t)
	hits := &atomic.Int32{}
	a, err := Spawn(t.Context(), m, nil, NewBuilder(func() *counter {
		return &counter{hits: hits}
	}))
	require.NoError(t, err)

	g := newGate()
	go func() { _, _ = Ask(context.Background(), a, g) }()
	waitClosed(t, g.started)

	// backlog behind the blocked handler
	var asks sync.WaitGroup
	askErrs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		require.NoError(t, Send(t.Context(), a, inc{by: 1}))
	}
	for i := 0; i < 10; i++ {
		asks.Add(1)
		go func() {
			defer asks.Done()
			_, err := Ask(context.Background(), a, inc{by: 1})
			askErrs <- err
		}()
	}
	require.Eventually(t, func() bool { return a.postman.q.len() == 20 }, time.Second, time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- a.Command(context.Background(), InitiateStop) }()
	require.Eventually(t, func() bool { return a.service.q.len() == 1 }, time.Second, time.Millisecond)

	close(g.release)
	require.NoError(t, <-stopped)
	require.Equal(t, StateStopped, a.Status().State)

	// nothing from the backlog ran; queued asks were answered
	require.Equal(t, int32(0), hits.Load())
	asks.Wait()
	close(askErrs)
	for err := range askErrs {
		require.ErrorIs(t, err, ErrPuppetStopped)
	}
}

func TestPuppet_sequential_panic_fails_puppet(t *testing.T) {
	var panics atomic.Int32
	m := newTestMaster(t, func(o *MasterOptions) {
		o.OnPanic = func(recovered any, stack []byte, msg any) {
			panics.Add(1)
			assert.Equal(t, "boom", recovered)
			assert.NotEmpty(t, stack)
			assert.IsType(t, boom{}, msg)
		}
	})
	a := spawnCounter(t, m)

	_, err := Ask(t.Context(), a, boom{})
	require.ErrorIs(t, err, ErrHandlerPanic)
	require.Equal(t, int32(1), panics.Load())

	st := a.Status()
	require.Equal(t, StateFailed, st.State)
	require.Contains(t, st.Reason, "boom")

	_, err = Ask(t.Context(), a, get{})
	require.ErrorIs(t, err, ErrPuppetUnavailable)

	require.NoError(t, a.Command(t.Context(), RequestRestart))
	n, err := Ask(t.Context(), a, inc{by: 5})
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestPuppet_concurrent_snapshots(t *testing.T) {
	m := newTestMaster(t)
	a, err := Spawn(t.Context(), m, nil, NewBuilder(func() *snapshot { return &snapshot{n: 10} }))
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Ask(t.Context(), a, bump{})
			assert.NoError(t, err)
			results <- v
		}()
	}
	wg.Wait()
	close(results)

	count := 0
	for v := range results {
		// every handler worked on its own copy of the canonical state
		require.Equal(t, 11, v)
		count++
	}
	require.Equal(t, n, count)

	v, err := Ask(t.Context(), a, peek{})
	require.NoError(t, err)
	require.Equal(t, 10, v)
}

func TestPuppet_concurrent_out_of_order(t *testing.T) {
	m := newTestMaster(t)
	a, err := Spawn(t.Context(), m, nil, NewBuilder(func() *snapshot { return &snapshot{} }))
	require.NoError(t, err)

	h := hold{started: make(chan struct{}), release: make(chan struct{})}
	held := make(chan string, 1)
	go func() {
		v, err := Ask(t.Context(), a, h)
		assert.NoError(t, err)
		held <- v
	}()
	waitClosed(t, h.started)

	// a later message completes while the earlier one is still running
	v, err := Ask(t.Context(), a, peek{})
	require.NoError(t, err)
	require.Equal(t, 0, v)

	close(h.release)
	require.Equal(t, "held", <-held)
}

func TestPuppet_concurrent_panic_keeps_running(t *testing.T) {
	m := newTestMaster(t, func(o *MasterOptions) {
		o.OnPanic = func(any, []byte, any) {}
	})
	a, err := Spawn(t.Context(), m, nil, NewBuilder(func() *snapshot { return &snapshot{} }))
	require.NoError(t, err)

	_, err = Ask(t.Context(), a, snapBoom{})
	require.ErrorIs(t, err, ErrHandlerPanic)
	require.Equal(t, StateActive, a.Status().State)

	v, err := Ask(t.Context(), a, bump{})
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestPuppet_graceful_stop_waits_for_inflight(t *testing.T) {
	m := newTestMaster(t)
	a, err := Spawn(t.Context(), m, nil, NewBuilder(func() *snapshot { return &snapshot{} }))
	require.NoError(t, err)

	h := hold{started: make(chan struct{}), release: make(chan struct{})}
	held := make(chan string, 1)
	go func() {
		v, _ := Ask(context.Background(), a, h)
		held <- v
	}()
	waitClosed(t, h.started)

	stopped := make(chan error, 1)
	go func() { stopped <- a.Stop(context.Background()) }()

	w := a.Subscribe()
	_, err = w.WaitFor(t.Context(), StateStopping)
	require.NoError(t, err)
	select {
	case <-stopped:
		t.Fatal("stop returned while a handler was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.release)
	require.NoError(t, <-stopped)
	require.Equal(t, "held", <-held)
}

func TestPuppet_force_termination(t *testing.T) {
	m := newTestMaster(t)
	a, err := Spawn(t.Context(), m, nil, NewBuilder(func() *snapshot { return &snapshot{} }))
	require.NoError(t, err)

	h := hold{started: make(chan struct{}), release: make(chan struct{})}
	defer close(h.release)
	askErr := make(chan error, 1)
	go func() {
		_, err := Ask(context.Background(), a, h)
		askErr <- err
	}()
	waitClosed(t, h.started)

	require.NoError(t, a.Command(t.Context(), ForceTermination))
	require.Equal(t, StateStopped, a.Status().State)
	waitClosed(t, a.Done())

	// the in-flight handler is abandoned
	require.ErrorIs(t, <-askErr, ErrResponseReceive)
	require.Zero(t, m.Len())
}

func TestPuppet_parallel(t *testing.T) {
	m := newTestMaster(t, func(o *MasterOptions) { o.Workers = 2 })
	a, err := Spawn(t.Context(), m, nil, NewBuilder(func() *cruncher { return &cruncher{n: 100} }))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Ask(t.Context(), a, crunch{by: i})
			assert.NoError(t, err)
			assert.Equal(t, 100+i, v)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 2, m.Workers().Size())
	require.NoError(t, a.Stop(t.Context()))
}

func TestPuppet_done(t *testing.T) {
	m := newTestMaster(t)
	a := spawnCounter(t, m)

	select {
	case <-a.Done():
		t.Fatal("done before stop")
	default:
	}
	require.NoError(t, a.Command(t.Context(), InitiateStop))
	waitClosed(t, a.Done())
	require.NoError(t, a.Stop(t.Context()), "stopping twice is fine")
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPuppet_log_attrs(t *testing.T) {
	out := &lockedBuffer{}
	log := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	m := newTestMaster(t)
	a, err := Spawn(t.Context(), m, nil, NewBuilder(newCounter).WithName("logged").WithLogger(log))
	require.NoError(t, err)
	require.NoError(t, a.Stop(t.Context()))

	logs := out.String()
	assert.Contains(t, logs, `"pid":"`+a.Pid().String()+`"`)
	assert.Contains(t, logs, `"puppet":"puppet.counter"`)
	assert.Contains(t, logs, "puppet loop started")
}
