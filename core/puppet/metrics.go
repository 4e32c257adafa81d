package puppet

import "github.com/codewandler/puppets-go/core/metrics"

// Metrics defines the instrumentation surface of the puppet runtime.
// All methods are thread-safe.
type Metrics interface {
	// Message handling
	MessageDuration(msgType string) metrics.Timer
	MessageProcessed(msgType string, success bool)
	MessagePanic(msgType string)

	// Mailbox
	MailboxDepth(pid string, depth int)

	// Scheduler
	SchedulerInflight(pid string, count int)
	SchedulerTaskDuration() metrics.Timer
	SchedulerTaskCompleted(success bool)

	// Lifecycle
	LifecycleTransition(from, to State)
	CommandRejected(cmd CommandKind)
	PuppetsRegistered(count int)
}

type nopMetrics struct{}

func (nopMetrics) MessageDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) MessageProcessed(string, bool)        {}
func (nopMetrics) MessagePanic(string)                  {}

func (nopMetrics) MailboxDepth(string, int) {}

func (nopMetrics) SchedulerInflight(string, int)        {}
func (nopMetrics) SchedulerTaskDuration() metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) SchedulerTaskCompleted(bool)          {}

func (nopMetrics) LifecycleTransition(State, State) {}
func (nopMetrics) CommandRejected(CommandKind)      {}
func (nopMetrics) PuppetsRegistered(int)            {}

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
