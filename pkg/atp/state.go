package atp

// State is a Connection's position in the connection FSM. Ordering follows
// the spec's reachability list and is significant only for readability;
// legality of a transition is decided by validateTransition, not by
// numeric comparison.
type State int32

const (
	StateUninitialized State = iota
	StateIdle
	StateListen
	StateSynSent
	StateSynRecv
	StateReset
	StateConnected
	StateConnectedFull
	StateFinWait1
	StateCloseWait
	StateFinWait2
	StateLastAck
	StateTimeWait
	StatePassiveListen
	StateDestroy
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateIdle:
		return "IDLE"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRecv:
		return "SYN_RECV"
	case StateReset:
		return "RESET"
	case StateConnected:
		return "CONNECTED"
	case StateConnectedFull:
		return "CONNECTED_FULL"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	case StatePassiveListen:
		return "PASSIVE_LISTEN"
	case StateDestroy:
		return "DESTROY"
	default:
		return "UNKNOWN"
	}
}

// isEstablished reports whether s is CONNECTED or CONNECTED_FULL. Write is
// legal in these states and additionally in CLOSE_WAIT.
func (s State) isEstablished() bool {
	return s == StateConnected || s == StateConnectedFull
}

// validateTransition reports whether moving from s to next is a legal FSM
// transition per §4.2.1. RESET and DESTROY are reachable from any state (RST
// and the various teardown completions), so they are allowed unconditionally
// here and the caller decides whether to actually take the transition.
func validateTransition(s, next State) bool {
	if next == StateReset || next == StateDestroy {
		return true
	}
	switch s {
	case StateUninitialized:
		return next == StateIdle
	case StateIdle:
		return next == StateSynSent || next == StateSynRecv || next == StateListen
	case StateListen:
		return next == StateSynRecv || next == StatePassiveListen || next == StateListen
	case StatePassiveListen:
		return next == StateSynRecv
	case StateSynSent:
		return next == StateConnected || next == StateSynRecv
	case StateSynRecv:
		return next == StateConnected
	case StateConnected, StateConnectedFull:
		return next == StateFinWait1 || next == StateCloseWait || next == StateConnected || next == StateConnectedFull
	case StateFinWait1:
		return next == StateFinWait2
	case StateFinWait2:
		return next == StateTimeWait
	case StateCloseWait:
		return next == StateLastAck
	case StateLastAck:
		return false
	case StateTimeWait:
		return false
	case StateReset, StateDestroy:
		return false
	default:
		return false
	}
}
