package puppet

// Optional hooks a puppet type may implement. They run on the puppet's loop
// and never concurrently with a Sequential handler.
type (
	// Starter is called on InitiateStart and after every restart. An error
	// moves the puppet to Failed.
	Starter interface {
		OnStart(hc HandlerCtx) error
	}

	// Stopper is called on graceful stop and before a restart replaces the
	// instance. Errors are logged; they do not prevent the transition.
	Stopper interface {
		OnStop(hc HandlerCtx) error
	}

	// Resetter produces the replacement instance on RequestRestart. Without
	// it the builder's factory is called again.
	Resetter[P any] interface {
		Reset(hc HandlerCtx) (P, error)
	}
)

// allowed reports whether cmd is a valid transition out of state.
func allowed(cmd CommandKind, state State) bool {
	switch cmd {
	case CmdInitiateStart:
		return state == StateCreated
	case CmdInitiateStop:
		switch state {
		case StateCreated, StateActive, StateRestarting, StateFailed:
			return true
		}
	case CmdRequestRestart:
		return state == StateActive || state == StateFailed
	case CmdForceTermination:
		return state != StateStopped
	case CmdReportFailure:
		// a failed puppet may fail again; the newer reason wins
		return state != StateStopped
	}
	return false
}
