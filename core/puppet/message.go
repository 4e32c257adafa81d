package puppet

import "fmt"

// Message is the handler contract between a message type and the puppet type
// P that processes it. Handle receives the puppet's state and returns the
// response of type R. Because the pairing is expressed in the message's
// method set, Send and Ask only compile for messages that P can handle.
//
// Handlers of Concurrent and Parallel puppets receive a snapshot clone of
// the puppet; mutations they perform are discarded with the snapshot.
type Message[P any, R any] interface {
	Handle(hc HandlerCtx, p P) (R, error)
}

// Reply carries the result of a handler execution to an awaiting Ask.
type Reply[R any] struct {
	Result R
	Error  error
}

// NewReplySlot returns a single-use reply slot. It is buffered so a late
// delivery after the asker gave up never blocks the handler.
func NewReplySlot[R any]() chan Reply[R] { return make(chan Reply[R], 1) }

// CommandKind enumerates the control plane directives.
type CommandKind uint8

const (
	CmdInitiateStart CommandKind = iota + 1
	CmdInitiateStop
	CmdRequestRestart
	CmdForceTermination
	CmdReportFailure
)

func (k CommandKind) String() string {
	switch k {
	case CmdInitiateStart:
		return "InitiateStart"
	case CmdInitiateStop:
		return "InitiateStop"
	case CmdRequestRestart:
		return "RequestRestart"
	case CmdForceTermination:
		return "ForceTermination"
	case CmdReportFailure:
		return "ReportFailure"
	default:
		return fmt.Sprintf("CommandKind(%d)", uint8(k))
	}
}

// ServiceCommand is a lifecycle directive delivered on the control plane.
// Detail is only meaningful for ReportFailure.
type ServiceCommand struct {
	Kind   CommandKind
	Detail string
}

var (
	InitiateStart    = ServiceCommand{Kind: CmdInitiateStart}
	InitiateStop     = ServiceCommand{Kind: CmdInitiateStop}
	RequestRestart   = ServiceCommand{Kind: CmdRequestRestart}
	ForceTermination = ServiceCommand{Kind: CmdForceTermination}
)

func ReportFailure(detail string) ServiceCommand {
	return ServiceCommand{Kind: CmdReportFailure, Detail: detail}
}

func (c ServiceCommand) String() string {
	if c.Kind == CmdReportFailure && c.Detail != "" {
		return fmt.Sprintf("%s(%s)", c.Kind, c.Detail)
	}
	return c.Kind.String()
}
