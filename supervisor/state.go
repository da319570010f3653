package supervisor

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of the filtering session. The numeric values
// are part of the status API.
//
// Allowed transitions:
//
//	Stopped                  -> Starting
//	Starting                 -> Starting | Running | Reconnecting | ReconnectingNetworkError | WaitingForNetwork | Stopping
//	Running                  -> Starting | Reconnecting | ReconnectingNetworkError | WaitingForNetwork | Stopping
//	ReconnectingNetworkError -> Starting | Reconnecting | WaitingForNetwork | Stopping
//	WaitingForNetwork        -> Starting | Reconnecting | Stopping
//	Reconnecting             -> Starting | WaitingForNetwork | Stopping
//	Stopping                 -> Stopped
type State int

const (
	Starting State = iota
	Running
	Stopping
	WaitingForNetwork
	Reconnecting
	ReconnectingNetworkError
	Stopped
)

var (
	// ErrInvalidState is returned when encoding a value outside the State set.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidTransition is a logic error in the supervisor and stops it.
	ErrInvalidTransition = errors.New("invalid state transition")
)

var stateNames = map[State]string{
	Starting:                 "starting",
	Running:                  "running",
	Stopping:                 "stopping",
	WaitingForNetwork:        "waiting-for-network",
	Reconnecting:             "reconnecting",
	ReconnectingNetworkError: "reconnecting-network-error",
	Stopped:                  "stopped",
}

var allowedTransitions = map[State][]State{
	Stopped:                  {Starting},
	Starting:                 {Starting, Running, Reconnecting, ReconnectingNetworkError, WaitingForNetwork, Stopping},
	Running:                  {Starting, Reconnecting, ReconnectingNetworkError, WaitingForNetwork, Stopping},
	ReconnectingNetworkError: {Starting, Reconnecting, WaitingForNetwork, Stopping},
	WaitingForNetwork:        {Starting, Reconnecting, Stopping},
	Reconnecting:             {Starting, WaitingForNetwork, Stopping},
	Stopping:                 {Stopped},
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Active reports whether a session may be running or scheduled in s.
func (s State) Active() bool {
	return s != Stopped && s != Stopping
}

// MarshalText encodes the state name and rejects undefined values.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidState, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidState, text)
}

func canTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
