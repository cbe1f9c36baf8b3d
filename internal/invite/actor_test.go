package invite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
	"mapeo.dev/go/mapeo/internal/protocol"
)

func okEffects(addDelay time.Duration) Effects {
	return Effects{
		SendInviteResponse: func(context.Context, protocol.Decision) error { return nil },
		AddProject: func(ctx context.Context, d protocol.ProjectJoinDetails) (string, error) {
			select {
			case <-time.After(addDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			return "pub-" + string(d.ProjectKey), nil
		},
	}
}

func waitState(t *testing.T, a *Actor, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return a.Snapshot().State == want }, 2*time.Second, time.Millisecond)
}

func waitDone(t *testing.T, a *Actor) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("actor not done, state %s", a.Snapshot().State)
	}
}

func TestActorJoins(t *testing.T) {
	a := NewActor(okEffects(0), DefaultTimeouts, slogt.New(t))

	var mu sync.Mutex
	var states []State
	a.Subscribe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})
	a.Start()

	a.Send(Event{Type: EventAcceptInvite})
	waitState(t, a, StateAwaitingDetails)
	a.Send(Event{Type: EventReceiveProjectDetails, Details: protocol.ProjectJoinDetails{ProjectKey: []byte("k")}})
	waitDone(t, a)

	require.Equal(t, Output{ProjectPublicID: "pub-k"}, a.Output())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{StateRespondingAccept, StateAwaitingDetails, StateAddingProject, StateJoined}, states)
}

func TestActorQueuesUntilStarted(t *testing.T) {
	a := NewActor(okEffects(0), DefaultTimeouts, slogt.New(t))
	a.Send(Event{Type: EventCancelInvite})
	require.Equal(t, StatePending, a.Snapshot().State)

	a.Start()
	waitDone(t, a)
	require.Equal(t, StateCanceled, a.Snapshot().State)
	require.Empty(t, a.Output().ProjectPublicID)
}

func TestActorDetailsTimeout(t *testing.T) {
	a := NewActor(okEffects(0), Timeouts{AwaitDetails: 20 * time.Millisecond, AddProject: time.Second}, slogt.New(t))
	a.Start()
	a.Send(Event{Type: EventAcceptInvite})
	waitDone(t, a)

	s := a.Snapshot()
	require.Equal(t, StateError, s.State)
	var terr *TimeoutError
	require.ErrorAs(t, s.Err, &terr)
}

func TestActorAddProjectTimeout(t *testing.T) {
	a := NewActor(okEffects(time.Second), Timeouts{AwaitDetails: time.Second, AddProject: 20 * time.Millisecond}, slogt.New(t))
	a.Start()
	a.Send(Event{Type: EventAcceptInvite})
	waitState(t, a, StateAwaitingDetails)
	a.Send(Event{Type: EventReceiveProjectDetails, Details: protocol.ProjectJoinDetails{ProjectKey: []byte("k")}})
	waitDone(t, a)

	var terr *TimeoutError
	require.ErrorAs(t, a.Snapshot().Err, &terr)
}

func TestActorTimerBelongsToState(t *testing.T) {
	// Adding the project outlasts the details deadline, which must not fire
	// once details have arrived.
	a := NewActor(okEffects(60*time.Millisecond), Timeouts{AwaitDetails: 20 * time.Millisecond, AddProject: time.Second}, slogt.New(t))
	a.Start()
	a.Send(Event{Type: EventAcceptInvite})
	waitState(t, a, StateAwaitingDetails)
	a.Send(Event{Type: EventReceiveProjectDetails, Details: protocol.ProjectJoinDetails{ProjectKey: []byte("k")}})
	waitDone(t, a)

	require.Equal(t, StateJoined, a.Snapshot().State)
}

func TestActorGuard(t *testing.T) {
	effects := okEffects(0)
	var decisions []protocol.Decision
	var mu sync.Mutex
	effects.SendInviteResponse = func(_ context.Context, d protocol.Decision) error {
		mu.Lock()
		decisions = append(decisions, d)
		mu.Unlock()
		return nil
	}
	effects.NotAlreadyJoiningOrInProject = func() bool { return false }

	a := NewActor(effects, DefaultTimeouts, slogt.New(t))
	a.Start()
	require.True(t, a.Can(EventAcceptInvite))
	a.Send(Event{Type: EventAcceptInvite})
	waitDone(t, a)

	require.Equal(t, StateRespondedAlready, a.Snapshot().State)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []protocol.Decision{protocol.DecisionAlready}, decisions)
}

func TestActorCan(t *testing.T) {
	a := NewActor(okEffects(0), DefaultTimeouts, slogt.New(t))
	a.Start()
	require.True(t, a.Can(EventAcceptInvite))
	require.True(t, a.Can(EventCancelInvite))
	require.False(t, a.Can(EventReceiveProjectDetails))

	a.Send(Event{Type: EventRejectInvite})
	waitDone(t, a)
	require.False(t, a.Can(EventAcceptInvite))
	require.False(t, a.Can(EventCancelInvite))
}
