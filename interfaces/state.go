package interfaces

import "fmt"

// State is a lifecycle state of an Instance.
type State string

const (
	StateRequested          State = "Requested"
	StateProvisioning       State = "Provisioning"
	StateBooting            State = "Booting"
	StateAttestationPending State = "AttestationPending"
	StateVerified           State = "Verified"
	StateRunning            State = "Running"
	StateTerminating        State = "Terminating"
	StateTerminated         State = "Terminated"
	StateFailed             State = "Failed"
)

var transitions = map[State][]State{
	StateRequested:          {StateProvisioning, StateFailed, StateTerminating},
	StateProvisioning:       {StateBooting, StateFailed, StateTerminating},
	StateBooting:            {StateAttestationPending, StateFailed, StateTerminating},
	StateAttestationPending: {StateVerified, StateRunning, StateFailed, StateTerminating},
	StateVerified:           {StateRunning, StateFailed, StateTerminating},
	StateRunning:            {StateAttestationPending, StateFailed, StateTerminating},
	StateFailed:             {StateAttestationPending, StateRequested, StateTerminating},
	StateTerminating:        {StateTerminated, StateFailed},
	StateTerminated:         {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition is CanTransition returning an error.
func CheckTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether no transition leaves the state.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// IsStable reports whether the state machine has nothing to do automatically.
func (s State) IsStable() bool {
	switch s {
	case StateRunning, StateFailed, StateTerminated:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s State) String() string { return string(s) }
