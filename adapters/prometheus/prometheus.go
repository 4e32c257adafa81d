// Package prometheus implements puppet.Metrics on top of the Prometheus
// client library.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/puppets-go/core/metrics"
	"github.com/codewandler/puppets-go/core/puppet"
)

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5,
}

// puppetMetrics implements puppet.Metrics using Prometheus.
type puppetMetrics struct {
	messageDuration       *prometheus.HistogramVec
	messagesTotal         *prometheus.CounterVec
	panicTotal            *prometheus.CounterVec
	mailboxDepth          *prometheus.GaugeVec
	schedulerInflight     *prometheus.GaugeVec
	schedulerTaskDuration prometheus.Histogram
	schedulerTasksTotal   *prometheus.CounterVec
	transitionsTotal      *prometheus.CounterVec
	rejectedTotal         *prometheus.CounterVec
	registered            prometheus.Gauge
}

// NewPuppetMetrics creates the puppet metric families and registers them
// with reg.
func NewPuppetMetrics(reg prometheus.Registerer) puppet.Metrics {
	m := &puppetMetrics{
		messageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "puppets_message_duration_seconds",
			Help:    "Message handling time in seconds",
			Buckets: defaultBuckets,
		}, []string{"message_type"}),

		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puppets_messages_total",
			Help: "Total number of messages handled",
		}, []string{"message_type", "success"}),

		panicTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puppets_panics_total",
			Help: "Total number of handler panics",
		}, []string{"message_type"}),

		mailboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "puppets_mailbox_depth",
			Help: "Data plane queue depth observed at dispatch",
		}, []string{"pid"}),

		schedulerInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "puppets_scheduler_inflight",
			Help: "Number of running handlers of concurrent puppets",
		}, []string{"pid"}),

		schedulerTaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "puppets_scheduler_task_duration_seconds",
			Help:    "Scheduled task duration in seconds",
			Buckets: defaultBuckets,
		}),

		schedulerTasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puppets_scheduler_tasks_total",
			Help: "Total number of scheduled tasks completed",
		}, []string{"success"}),

		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puppets_lifecycle_transitions_total",
			Help: "Total number of lifecycle status changes",
		}, []string{"from", "to"}),

		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puppets_commands_rejected_total",
			Help: "Total number of service commands rejected by the state machine",
		}, []string{"command"}),

		registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "puppets_registered",
			Help: "Number of puppets currently registered",
		}),
	}

	reg.MustRegister(
		m.messageDuration,
		m.messagesTotal,
		m.panicTotal,
		m.mailboxDepth,
		m.schedulerInflight,
		m.schedulerTaskDuration,
		m.schedulerTasksTotal,
		m.transitionsTotal,
		m.rejectedTotal,
		m.registered,
	)

	return m
}

func (m *puppetMetrics) MessageDuration(msgType string) metrics.Timer {
	return metrics.NewTimer(m.messageDuration.WithLabelValues(msgType))
}

func (m *puppetMetrics) MessageProcessed(msgType string, success bool) {
	m.messagesTotal.WithLabelValues(msgType, boolToStr(success)).Inc()
}

func (m *puppetMetrics) MessagePanic(msgType string) {
	m.panicTotal.WithLabelValues(msgType).Inc()
}

func (m *puppetMetrics) MailboxDepth(pid string, depth int) {
	m.mailboxDepth.WithLabelValues(pid).Set(float64(depth))
}

func (m *puppetMetrics) SchedulerInflight(pid string, count int) {
	m.schedulerInflight.WithLabelValues(pid).Set(float64(count))
}

func (m *puppetMetrics) SchedulerTaskDuration() metrics.Timer {
	return metrics.NewTimer(m.schedulerTaskDuration)
}

func (m *puppetMetrics) SchedulerTaskCompleted(success bool) {
	m.schedulerTasksTotal.WithLabelValues(boolToStr(success)).Inc()
}

func (m *puppetMetrics) LifecycleTransition(from, to puppet.State) {
	m.transitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *puppetMetrics) CommandRejected(cmd puppet.CommandKind) {
	m.rejectedTotal.WithLabelValues(cmd.String()).Inc()
}

func (m *puppetMetrics) PuppetsRegistered(count int) {
	m.registered.Set(float64(count))
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

var _ puppet.Metrics = (*puppetMetrics)(nil)
