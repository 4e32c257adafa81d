package puppet

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/codewandler/puppets-go/core/reflector"
)

// process is the run loop of one puppet. It is the only reader of both
// mailboxes and the only writer of the status broadcast.
type process[P any] struct {
	pid      Pid
	ctx      context.Context
	cancel   context.CancelFunc
	log      *slog.Logger
	metrics  Metrics
	registry Registry
	builder  *Builder[P]

	instance P
	ex       *executor[P]
	hc       *handlerCtx

	postman Postman[P]
	mailbox *Mailbox[P]
	service ServicePostman
	control *ServiceMailbox
	status  *broadcast
	done    chan struct{}
}

func newProcess[P any](reg Registry, env Env, b *Builder[P], instance P, variant ExecutionVariant, workers *WorkerPool) *process[P] {
	pid := newPid(b.name)
	ctx, cancel := context.WithCancel(env.Context)

	log := b.logger
	if log == nil {
		log = env.Logger
	}
	log = log.With(
		slog.String("pid", pid.String()),
		slog.String("puppet", reflector.TypeInfoFor[P]().Short),
	)

	done := make(chan struct{})
	postman, mailbox := NewMailbox[P](b.mailboxSize)
	service, control := newServicePlane(b.controlSize, done)

	pc := &process[P]{
		pid:      pid,
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
		metrics:  env.Metrics,
		registry: reg,
		builder:  b,
		instance: instance,
		postman:  postman,
		mailbox:  mailbox,
		service:  service,
		control:  control,
		status:   newBroadcast(statusOf(StateCreated)),
		done:     done,
	}
	pc.hc = &handlerCtx{Context: ctx, self: pid, log: log, reg: reg}
	pc.ex = &executor[P]{
		pid:     pid,
		variant: variant,
		log:     log,
		metrics: env.Metrics,
		onPanic: env.OnPanic,
		workers: workers,
		sched:   newScheduler(ctx, b.maxTasks, pid.String(), env.Metrics, log),
	}
	return pc
}

func (pc *process[P]) address() *Address[P] {
	return &Address[P]{
		pid:      pc.pid,
		status:   pc.status,
		postman:  pc.postman,
		service:  pc.service,
		done:     pc.done,
		registry: pc.registry,
	}
}

func (pc *process[P]) run() {
	pc.log.Debug("puppet loop started", slog.String("variant", pc.ex.variant.String()))

	for {
		// control always goes first
		select {
		case sp := <-pc.control.ch():
			if pc.apply(sp) {
				return
			}
			continue
		default:
		}

		// the data plane is only consumed while there is something to do
		// with it: run handlers when active, bounce envelopes when failed
		state := pc.status.load().State
		var data <-chan Envelope[P]
		if state == StateActive || state == StateFailed {
			data = pc.mailbox.ch()
		}

		select {
		case sp := <-pc.control.ch():
			if pc.apply(sp) {
				return
			}
		case env := <-data:
			pc.handle(env, state)
		case <-pc.ctx.Done():
			pc.log.Debug("puppet context done, stopping")
			pc.exit(pc.stop())
			return
		}
	}
}

func (pc *process[P]) handle(env Envelope[P], state State) {
	if state == StateFailed {
		env.ReplyError(ErrPuppetUnavailable)
		return
	}
	pc.metrics.MailboxDepth(pc.pid.String(), pc.mailbox.Len())

	if err := env.HandleMessage(pc.hc, pc.instance, pc.ex); err != nil {
		pc.log.Warn("failed to dispatch message",
			slog.String("msg_type", env.MessageType()),
			slog.Any("error", err),
		)
	}
	if reason, ok := pc.ex.takeTorn(); ok {
		pc.transition(failed(reason))
	}
}

// apply executes one control command and acks it. It returns true when the
// loop has exited.
func (pc *process[P]) apply(sp servicePacket) bool {
	cur := pc.status.load()
	cmd := sp.cmd

	if !allowed(cmd.Kind, cur.State) {
		pc.metrics.CommandRejected(cmd.Kind)
		pc.log.Debug("command rejected", slog.String("cmd", cmd.String()), slog.String("status", cur.String()))
		sp.ack <- &CommandRejectedError{Command: cmd, From: cur}
		return false
	}

	switch cmd.Kind {
	case CmdInitiateStart:
		sp.ack <- pc.start()
	case CmdInitiateStop:
		forced := pc.stop()
		pc.exit(sp.ack, forced)
		return true
	case CmdRequestRestart:
		sp.ack <- pc.restart()
	case CmdForceTermination:
		pc.terminate()
		pc.exit(sp.ack)
		return true
	case CmdReportFailure:
		pc.transition(failed(cmd.Detail))
		sp.ack <- nil
	}
	return false
}

func (pc *process[P]) start() error {
	if err := pc.callStart(); err != nil {
		pc.transition(failed(err.Error()))
		return fmt.Errorf("start %s: %w", pc.pid, err)
	}
	pc.transition(statusOf(StateActive))
	return nil
}

// stop is the graceful path: no new messages, in-flight handlers finish,
// OnStop runs, queued envelopes are answered with ErrPuppetStopped.
// A ForceTermination received while handlers are still running ends the
// stop early; its ack is returned so exit can answer it.
func (pc *process[P]) stop() (forced chan<- error) {
	pc.transition(statusOf(StateStopping))
	pc.mailbox.Close()
	if ack, ok := pc.awaitInflight(); ok {
		pc.terminate()
		return ack
	}
	pc.callStop()
	if n := pc.mailbox.Cleanup(pc.builder.cleanupTimeout); n > 0 {
		pc.log.Debug("dropped queued messages", slog.Int("count", n))
	}
	pc.transition(statusOf(StateStopped))
	return nil
}

// awaitInflight waits for dispatched Concurrent and Parallel handlers while
// keeping the control plane served. It reports true with the command's ack
// when a ForceTermination arrives first. Once the puppet context is
// cancelled the wait is bounded by the cleanup timeout.
func (pc *process[P]) awaitInflight() (chan<- error, bool) {
	done := make(chan struct{})
	go func() {
		pc.ex.wait()
		close(done)
	}()

	var expired <-chan time.Time
	ctxDone := pc.ctx.Done()
	for {
		select {
		case <-done:
			return nil, false
		case sp := <-pc.control.ch():
			if sp.cmd.Kind == CmdForceTermination {
				pc.log.Debug("force termination while stopping")
				return sp.ack, true
			}
			pc.applyStopping(sp)
		case <-ctxDone:
			ctxDone = nil
			t := time.NewTimer(pc.builder.cleanupTimeout)
			defer t.Stop()
			expired = t.C
		case <-expired:
			pc.log.Warn("in-flight handlers did not finish, abandoning them",
				slog.Duration("timeout", pc.builder.cleanupTimeout),
			)
			return nil, false
		}
	}
}

// applyStopping answers commands that arrive during a graceful stop. Only
// failure reports are applied; the stop itself continues either way.
func (pc *process[P]) applyStopping(sp servicePacket) {
	cur := pc.status.load()
	if sp.cmd.Kind == CmdReportFailure {
		pc.transition(failed(sp.cmd.Detail))
		sp.ack <- nil
		return
	}
	pc.metrics.CommandRejected(sp.cmd.Kind)
	sp.ack <- &CommandRejectedError{Command: sp.cmd, From: cur}
}

// terminate skips hooks and does not wait for in-flight handlers.
func (pc *process[P]) terminate() {
	pc.cancel()
	pc.mailbox.Close()
	if n := pc.mailbox.Cleanup(pc.builder.cleanupTimeout); n > 0 {
		pc.log.Debug("dropped queued messages", slog.Int("count", n))
	}
	pc.transition(statusOf(StateStopped))
}

func (pc *process[P]) restart() error {
	pc.transition(statusOf(StateRestarting))
	pc.callStop()

	next, err := pc.fresh()
	if err != nil {
		pc.transition(failed(err.Error()))
		return fmt.Errorf("restart %s: %w", pc.pid, err)
	}
	pc.instance = next
	return pc.start()
}

func (pc *process[P]) fresh() (P, error) {
	if r, ok := any(pc.instance).(Resetter[P]); ok {
		var zero P
		next, err := r.Reset(pc.hc)
		if err != nil {
			return zero, fmt.Errorf("reset: %w", err)
		}
		if isNil(next) {
			return zero, fmt.Errorf("reset: %w: nil instance", ErrInvalidBuilder)
		}
		return next, nil
	}
	return pc.builder.instance()
}

func (pc *process[P]) callStart() (err error) {
	s, ok := any(pc.instance).(Starter)
	if !ok {
		return nil
	}
	defer pc.recoverHook("OnStart", &err)
	return s.OnStart(pc.hc)
}

func (pc *process[P]) callStop() {
	s, ok := any(pc.instance).(Stopper)
	if !ok {
		return
	}
	var err error
	func() {
		defer pc.recoverHook("OnStop", &err)
		err = s.OnStop(pc.hc)
	}()
	if err != nil {
		pc.log.Warn("stop hook failed", slog.Any("error", err))
	}
}

func (pc *process[P]) recoverHook(hook string, err *error) {
	if r := recover(); r != nil {
		pc.ex.onPanic(r, debug.Stack(), hook)
		*err = fmt.Errorf("%s: %w: %v", hook, ErrHandlerPanic, r)
	}
}

func (pc *process[P]) transition(s Status) {
	from := pc.status.load()
	pc.status.store(s)
	pc.metrics.LifecycleTransition(from.State, s.State)
	pc.log.Debug("status changed", slog.String("from", from.String()), slog.String("to", s.String()))
}

// exit releases everything the loop owns. acks are answered after the
// puppet left its registry and before Done is closed.
func (pc *process[P]) exit(acks ...chan<- error) {
	pc.cancel()
	pc.control.Close()
	pc.control.RejectAll()
	pc.registry.Deregister(pc.pid)
	for _, ack := range acks {
		if ack != nil {
			ack <- nil
		}
	}
	pc.status.close()
	close(pc.done)
	pc.log.Debug("puppet loop exited")
}
