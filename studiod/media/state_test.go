package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateChangeEncoding(t *testing.T) {
	tests := []struct {
		cur, next State
		want      StateChange
	}{
		{StateNull, StateReady, StateChangeNullToReady},
		{StateReady, StatePaused, StateChangeReadyToPaused},
		{StatePaused, StatePlaying, StateChangePausedToPlaying},
		{StatePlaying, StatePaused, StateChangePlayingToPaused},
		{StatePaused, StateReady, StateChangePausedToReady},
		{StateReady, StateNull, StateChangeReadyToNull},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			got := transition(tt.cur, tt.next)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.cur, got.Current())
			assert.Equal(t, tt.next, got.Next())
		})
	}
}

func TestStepNeverSkips(t *testing.T) {
	assert.Equal(t, StateReady, step(StateNull, StatePlaying))
	assert.Equal(t, StatePaused, step(StatePlaying, StateNull))
	assert.Equal(t, StatePaused, step(StatePaused, StatePaused))
}

func TestParseState(t *testing.T) {
	s, err := ParseState("playing")
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, s)

	_, err = ParseState("running")
	assert.ErrorIs(t, err, ErrInvalidState)
}

type recordingElement struct {
	changes []StateChange
	failOn  StateChange
}

func (e *recordingElement) ChangeState(_ *Node, t StateChange) error {
	if t == e.failOn {
		return assert.AnError
	}
	e.changes = append(e.changes, t)
	return nil
}

func TestNodeSetStateStepsThroughEveryState(t *testing.T) {
	reg := NewRegistry()
	elem := &recordingElement{}
	reg.Register("recorder", func(n *Node, _ Properties) (Element, error) { return elem, nil })
	g := NewGraph("steps", reg, nil)
	n, err := g.AddNode("recorder", "rec", nil)
	require.NoError(t, err)

	require.NoError(t, n.SetState(StatePlaying))
	require.NoError(t, n.SetState(StateNull))

	assert.Equal(t, []StateChange{
		StateChangeNullToReady,
		StateChangeReadyToPaused,
		StateChangePausedToPlaying,
		StateChangePlayingToPaused,
		StateChangePausedToReady,
		StateChangeReadyToNull,
	}, elem.changes)
}

func TestNodeSetStateFailureKeepsState(t *testing.T) {
	reg := NewRegistry()
	elem := &recordingElement{failOn: StateChangeReadyToPaused}
	reg.Register("recorder", func(n *Node, _ Properties) (Element, error) { return elem, nil })
	g := NewGraph("steps", reg, nil)
	n, err := g.AddNode("recorder", "rec", nil)
	require.NoError(t, err)

	err = n.SetState(StatePlaying)
	require.Error(t, err)
	assert.Equal(t, StateReady, n.State())

	n.ForceNull()
	assert.Equal(t, StateNull, n.State())
}
