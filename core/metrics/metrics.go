// Package metrics holds the backend-neutral instrument types used by the
// puppet runtime, so that core packages never import a metrics backend.
package metrics

import "time"

// Histogram samples observations (e.g., handler latencies in seconds).
// prometheus.Observer satisfies it.
type Histogram interface {
	Observe(value float64)
}

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes:
//
//	defer m.MessageDuration("counter.Inc").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

type histogramTimer struct {
	h     Histogram
	start time.Time
}

// NewTimer starts a Timer that reports elapsed seconds to h.
func NewTimer(h Histogram) Timer {
	return &histogramTimer{h: h, start: time.Now()}
}

func (t *histogramTimer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}
