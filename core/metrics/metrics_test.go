package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingHistogram struct{ values []float64 }

func (r *recordingHistogram) Observe(v float64) { r.values = append(r.values, v) }

func TestNewTimer(t *testing.T) {
	h := &recordingHistogram{}
	tm := NewTimer(h)
	time.Sleep(5 * time.Millisecond)
	tm.ObserveDuration()

	require.Len(t, h.values, 1)
	require.GreaterOrEqual(t, h.values[0], 0.005)
}

func TestNop(t *testing.T) {
	NopTimer().ObserveDuration()
	NopHistogram().Observe(1)
	NewTimer(NopHistogram()).ObserveDuration()
}
