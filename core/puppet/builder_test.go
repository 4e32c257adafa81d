package puppet

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuilder_defaults(t *testing.T) {
	b := NewBuilder(newCounter)
	require.Equal(t, DefaultMailboxSize, b.mailboxSize)
	require.Equal(t, DefaultControlSize, b.controlSize)
	require.Equal(t, DefaultCleanupTimeout, b.cleanupTimeout)
	require.Equal(t, DefaultMaxConcurrentTasks, b.maxTasks)

	b.WithMailboxSize(0).WithControlSize(-1).WithCleanupTimeout(0)
	require.Equal(t, DefaultMailboxSize, b.mailboxSize, "non-positive sizes are ignored")
	require.Equal(t, DefaultControlSize, b.controlSize)
	require.Equal(t, DefaultCleanupTimeout, b.cleanupTimeout)

	b.WithMailboxSize(8).WithControlSize(2).WithCleanupTimeout(time.Second).WithMaxConcurrentTasks(0).WithLogger(slog.Default())
	require.Equal(t, 8, b.mailboxSize)
	require.Equal(t, 2, b.controlSize)
	require.Equal(t, time.Second, b.cleanupTimeout)
	require.Equal(t, 0, b.maxTasks)
}

func TestBuilder_named_copies(t *testing.T) {
	tmpl := NewBuilder(newCounter).WithMailboxSize(3)
	a := tmpl.Named("a")
	b := tmpl.Named("b")

	require.Equal(t, "", tmpl.Name())
	require.Equal(t, "a", a.Name())
	require.Equal(t, "b", b.Name())
	require.Equal(t, 3, b.mailboxSize)
}

func TestBuilder_factory_error(t *testing.T) {
	boom := errors.New("boom")
	b := NewBuilderE(func() (*counter, error) { return nil, boom })
	_, _, err := b.build()
	require.ErrorIs(t, err, boom)
}

func TestBuilder_restart_calls_factory_again(t *testing.T) {
	m := newTestMaster(t)
	var calls atomic.Int32
	a, err := Spawn(t.Context(), m, nil, NewBuilder(func() *counter {
		calls.Add(1)
		return newCounter()
	}))
	require.NoError(t, err)
	require.NoError(t, a.Command(t.Context(), RequestRestart))
	require.Equal(t, int32(2), calls.Load())
}

func TestBuilder_restart_factory_failure(t *testing.T) {
	m := newTestMaster(t)
	var calls atomic.Int32
	a, err := Spawn(t.Context(), m, nil, NewBuilderE(func() (*counter, error) {
		if calls.Add(1) > 1 {
			return nil, errors.New("exhausted")
		}
		return newCounter(), nil
	}))
	require.NoError(t, err)

	require.ErrorContains(t, a.Command(t.Context(), RequestRestart), "exhausted")
	require.Equal(t, StateFailed, a.Status().State)
	require.Contains(t, a.Status().Reason, "exhausted")
}

func TestWorkerPool(t *testing.T) {
	p := NewWorkerPool(3, 10, slog.Default())
	require.Equal(t, 3, p.Size())

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(t.Context(), func() {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	require.Equal(t, int32(30), ran.Load())

	// a panicking job does not kill its worker
	require.NoError(t, p.Submit(t.Context(), func() { panic("job") }))

	accepted := make(chan struct{})
	require.NoError(t, p.Submit(t.Context(), func() { close(accepted) }))

	p.Close()
	waitClosed(t, accepted)
	require.ErrorIs(t, p.Submit(t.Context(), func() {}), ErrWorkersClosed)
	p.Close()
}
