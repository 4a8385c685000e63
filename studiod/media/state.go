package media

import "fmt"

type State int
type StateChange int

// Maps to the GstState enumeration
const (
	StateVoidPending State = 0
	StateNull        State = 1
	StateReady       State = 2
	StatePaused      State = 3
	StatePlaying     State = 4
)

// Maps to the GstStateChange enumeration: (current << 3) | next
const (
	StateChangeNullToReady      StateChange = 10
	StateChangeReadyToPaused    StateChange = 19
	StateChangePausedToPlaying  StateChange = 28
	StateChangePlayingToPaused  StateChange = 35
	StateChangePausedToReady    StateChange = 26
	StateChangeReadyToNull      StateChange = 17
	StateChangeNullToNull       StateChange = 9
	StateChangeReadyToReady     StateChange = 18
	StateChangePausedToPaused   StateChange = 27
	StateChangePlayingToPlaying StateChange = 36
)

func (s State) String() string {
	switch s {
	case StateVoidPending:
		return "VOID_PENDING"
	case StateNull:
		return "NULL"
	case StateReady:
		return "READY"
	case StatePaused:
		return "PAUSED"
	case StatePlaying:
		return "PLAYING"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState maps the lower case state names used on the command line.
func ParseState(s string) (State, error) {
	switch s {
	case "null", "NULL":
		return StateNull, nil
	case "ready", "READY":
		return StateReady, nil
	case "paused", "PAUSED":
		return StatePaused, nil
	case "playing", "PLAYING":
		return StatePlaying, nil
	}
	return StateVoidPending, fmt.Errorf("%w: unknown state %q", ErrInvalidState, s)
}

func (s State) valid() bool {
	return s >= StateNull && s <= StatePlaying
}

// transition returns the state change from cur to next.
func transition(cur, next State) StateChange {
	return StateChange(int(cur)<<3 | int(next))
}

// Current returns the state the transition starts from.
func (t StateChange) Current() State {
	return State(int(t) >> 3)
}

// Next returns the state the transition ends in.
func (t StateChange) Next() State {
	return State(int(t) & 0x7)
}

func (t StateChange) String() string {
	return t.Current().String() + "->" + t.Next().String()
}

// step returns the state adjacent to cur in the direction of target.
// States never skip: NULL<->READY<->PAUSED<->PLAYING.
func step(cur, target State) State {
	switch {
	case cur < target:
		return cur + 1
	case cur > target:
		return cur - 1
	}
	return cur
}
