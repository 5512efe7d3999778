package blueberry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeActions records which orchestrator operations the dispatcher invoked
type fakeActions struct {
	calls []string
}

func (fa *fakeActions) PreviousTrack()   { fa.calls = append(fa.calls, "previous") }
func (fa *fakeActions) PlayPauseToggle() { fa.calls = append(fa.calls, "toggle") }
func (fa *fakeActions) NextTrack()       { fa.calls = append(fa.calls, "next") }

func (fa *fakeActions) Autopair() (bool, error) {
	fa.calls = append(fa.calls, "autopair")
	return true, nil
}

func (fa *fakeActions) ConnectDifferentDevice() (bool, error) {
	fa.calls = append(fa.calls, "switch")
	return true, nil
}

func TestDispatcherShortPresses(t *testing.T) {
	actions := &fakeActions{}
	dispatcher := NewDispatcher(zap.NewNop().Sugar(), actions, func() {})

	dispatcher.HandleEvent(ButtonEvent{Button: ButtonPrevious})
	dispatcher.HandleEvent(ButtonEvent{Button: ButtonPlayPause})
	dispatcher.HandleEvent(ButtonEvent{Button: ButtonNext})

	assert.Equal(t, []string{"previous", "toggle", "next"}, actions.calls)
}

func TestDispatcherHolds(t *testing.T) {
	actions := &fakeActions{}
	shutdownCalled := false
	dispatcher := NewDispatcher(zap.NewNop().Sugar(), actions, func() { shutdownCalled = true })

	dispatcher.HandleEvent(ButtonEvent{Button: ButtonPlayPause, Hold: true})
	dispatcher.HandleEvent(ButtonEvent{Button: ButtonNext, Hold: true})
	assert.Equal(t, []string{"autopair", "switch"}, actions.calls)
	assert.False(t, shutdownCalled)

	dispatcher.HandleEvent(ButtonEvent{Button: ButtonPrevious, Hold: true})
	assert.True(t, shutdownCalled)
}

func TestDispatcherIgnoresUnmappedButtons(t *testing.T) {
	actions := &fakeActions{}
	dispatcher := NewDispatcher(zap.NewNop().Sugar(), actions, func() {})

	dispatcher.HandleEvent(ButtonEvent{Button: 7})
	dispatcher.HandleEvent(ButtonEvent{Button: 7, Hold: true})

	assert.Empty(t, actions.calls)
}

func TestHoldTrackerShortPress(t *testing.T) {
	events := make(chan ButtonEvent, 4)
	tracker := newHoldTracker(time.Second, func(e ButtonEvent) { events <- e })

	tracker.Press(ButtonNext)
	tracker.Release(ButtonNext)

	select {
	case event := <-events:
		assert.Equal(t, ButtonEvent{Button: ButtonNext, Hold: false}, event)
	case <-time.After(time.Second):
		t.Fatal("expected a short-press event")
	}

	// no stray second event
	select {
	case event := <-events:
		t.Fatalf("unexpected extra event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHoldTrackerHold(t *testing.T) {
	events := make(chan ButtonEvent, 4)
	tracker := newHoldTracker(30*time.Millisecond, func(e ButtonEvent) { events <- e })

	tracker.Press(ButtonPrevious)

	select {
	case event := <-events:
		assert.Equal(t, ButtonEvent{Button: ButtonPrevious, Hold: true}, event)
	case <-time.After(time.Second):
		t.Fatal("expected a hold event")
	}

	// releasing after the hold fired must not emit a short press
	tracker.Release(ButtonPrevious)

	select {
	case event := <-events:
		t.Fatalf("unexpected extra event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHoldTrackerIgnoresRepeatedTransitions(t *testing.T) {
	events := make(chan ButtonEvent, 4)
	tracker := newHoldTracker(time.Second, func(e ButtonEvent) { events <- e })

	tracker.Press(ButtonPlayPause)
	tracker.Press(ButtonPlayPause) // duplicate down transition
	tracker.Release(ButtonPlayPause)
	tracker.Release(ButtonPlayPause) // duplicate up transition

	require.Len(t, drainEvents(events), 1)
}

func drainEvents(events chan ButtonEvent) []ButtonEvent {
	var drained []ButtonEvent
	for {
		select {
		case event := <-events:
			drained = append(drained, event)
		case <-time.After(50 * time.Millisecond):
			return drained
		}
	}
}
