// Package poller waits for the engine's feed sync to complete.
//
// The decision logic is a pure transition function over PollState; Poller drives it with
// real fetches, an injectable clock and a deadline.
package poller

// State is a readiness poller state
type State int

const (
	// WaitingForAvailability is the pre-flight state while the engine is not yet reachable
	WaitingForAvailability State = iota
	// Polling means the feeds are not (or no longer) fully synced
	Polling
	// Confirming means the feeds have been fully synced on every cycle since the first observation
	Confirming
	// Ready means the full sync held for more than the confirmation threshold
	Ready
	// TimedOut means the deadline passed before the feeds were ready
	TimedOut
	// Failed means an unrecoverable error ended the wait
	Failed
	// Interrupted means the wait was cancelled by the operator
	Interrupted
)

// String returns the state name
func (s State) String() string {
	switch s {
	case WaitingForAvailability:
		return "WaitingForAvailability"
	case Polling:
		return "Polling"
	case Confirming:
		return "Confirming"
	case Ready:
		return "Ready"
	case TimedOut:
		return "TimedOut"
	case Failed:
		return "Failed"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition can leave s
func (s State) Terminal() bool {
	return s == Ready || s == TimedOut || s == Failed || s == Interrupted
}

// Event is the outcome of one poll cycle or an external condition
type Event int

const (
	// NotSynced is a successful fetch where not every feed is fully synced
	NotSynced Event = iota
	// FullySynced is a successful fetch where every feed is fully synced
	FullySynced
	// RetryableError is a bad response, transport failure or malformed payload
	RetryableError
	// FatalError is any other fetch failure, or an exhausted error budget
	FatalError
	// DeadlineExceeded is raised when the elapsed time passes the deadline
	DeadlineExceeded
	// Cancelled is raised when the context is cancelled
	Cancelled
)

// String returns the event name
func (e Event) String() string {
	switch e {
	case NotSynced:
		return "NotSynced"
	case FullySynced:
		return "FullySynced"
	case RetryableError:
		return "RetryableError"
	case FatalError:
		return "FatalError"
	case DeadlineExceeded:
		return "DeadlineExceeded"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// PollState is the state machine position plus the consecutive full-sync count
type PollState struct {
	State         State
	Confirmations int
}

// MinThreshold is the lowest effective confirmation threshold
const MinThreshold = 1

// Transition computes the next PollState.
//
// The first FullySynced observation moves Polling to Confirming with one confirmation; every
// further consecutive one adds a confirmation, and Ready is reached once the count exceeds
// threshold. Anything but FullySynced while Confirming drops back to Polling with the count reset.
// DeadlineExceeded, FatalError and Cancelled win over everything; terminal states absorb all events.
// A threshold below MinThreshold is raised to it, so Ready always takes two consecutive readings.
func Transition(current PollState, event Event, threshold int) PollState {
	if current.State.Terminal() {
		return current
	}
	threshold = max(threshold, MinThreshold)

	switch event {
	case DeadlineExceeded:
		return PollState{State: TimedOut, Confirmations: current.Confirmations}
	case Cancelled:
		return PollState{State: Interrupted, Confirmations: current.Confirmations}
	case FatalError:
		return PollState{State: Failed, Confirmations: current.Confirmations}
	case FullySynced:
		confirmations := current.Confirmations + 1
		if current.State != Confirming {
			confirmations = 1
		}
		if confirmations > threshold {
			return PollState{State: Ready, Confirmations: confirmations}
		}
		return PollState{State: Confirming, Confirmations: confirmations}
	case NotSynced, RetryableError:
		return PollState{State: Polling}
	default:
		return current
	}
}
