package btcp

// State is the connection automaton state. StateClosed doubles as the
// initial and the terminal state; no transition is valid out of a terminal
// close except a fresh connect/accept on an unused socket.
type State int

const (
	StateClosed State = iota
	StateAccepting
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinSent
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateAccepting:
		return "ACCEPTING"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinSent:
		return "FIN_SENT"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// validTransitions is the explicit legal-transition table. Transitions are
// monotonic along handshake -> data -> teardown; every state may abort to
// CLOSED on retry exhaustion or an application close.
var validTransitions = map[State][]State{
	StateClosed:      {StateAccepting, StateSynSent},
	StateAccepting:   {StateSynRcvd, StateClosed},
	StateSynSent:     {StateEstablished, StateClosed},
	StateSynRcvd:     {StateSynRcvd, StateEstablished, StateClosed},
	StateEstablished: {StateFinSent, StateClosing, StateClosed},
	StateFinSent:     {StateClosed},
	StateClosing:     {StateClosing, StateClosed},
}

// canTransition reports whether from -> to is a legal state change.
func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
