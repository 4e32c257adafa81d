package puppet

import (
	"errors"
	"fmt"
)

var (
	// Data plane errors
	ErrMailboxClosed   = errors.New("mailbox closed")
	ErrResponseReceive = errors.New("response not received")
	ErrTimeout         = errors.New("ask timed out")
	ErrPacketConsumed  = errors.New("packet already consumed")

	// Puppet state errors
	ErrPuppetStopped     = errors.New("puppet stopped")
	ErrPuppetUnavailable = errors.New("puppet unavailable")
	ErrHandlerPanic      = errors.New("handler panicked")
	ErrBroadcastClosed   = errors.New("status broadcast closed")
	ErrCommandRejected   = errors.New("command rejected")

	// Registry errors
	ErrDuplicateName  = errors.New("name already registered")
	ErrUnknownParent  = errors.New("unknown parent")
	ErrRegistryClosed = errors.New("registry closed")
	ErrInvalidBuilder = errors.New("invalid builder")
	ErrNotFound       = errors.New("puppet not found")

	ErrWorkersClosed = errors.New("worker pool closed")
)

// CommandRejectedError is returned to the sender of a ServiceCommand that is
// not valid in the puppet's current state. The status broadcast is left
// unchanged.
type CommandRejectedError struct {
	Command ServiceCommand
	From    Status
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("command %s rejected in state %s", e.Command, e.From)
}

func (e *CommandRejectedError) Unwrap() error { return ErrCommandRejected }

// SpawnError wraps whatever prevented a builder from becoming a running
// puppet: builder validation, registry refusal or a failing start hook.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("spawn failed: %v", e.Err)
	}
	return fmt.Sprintf("spawn %q failed: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
