package invite

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"mapeo.dev/go/mapeo/internal/protocol"
)

var allEvents = []EventType{
	EventAcceptInvite,
	EventRejectInvite,
	EventAlreadyInProject,
	EventCancelInvite,
	EventReceiveProjectDetails,
	eventResponseSent,
	eventResponseFailed,
	eventProjectAdded,
	eventAddProjectFailed,
	eventDetailsTimeout,
	eventAddTimeout,
}

var allow = Guards{NotAlreadyJoiningOrInProject: true}

func TestTransitions(t *testing.T) {
	details := protocol.ProjectJoinDetails{ProjectKey: []byte("key")}
	boom := errors.New("boom")

	tests := []struct {
		name    string
		from    State
		event   Event
		guards  Guards
		want    State
		effects []EffectKind
	}{
		{"accept", StatePending, Event{Type: EventAcceptInvite}, allow, StateRespondingAccept, []EffectKind{EffectSendResponse}},
		{"accept guarded", StatePending, Event{Type: EventAcceptInvite}, Guards{}, StateRespondingAlready, []EffectKind{EffectSendResponse}},
		{"reject", StatePending, Event{Type: EventRejectInvite}, allow, StateRespondingReject, []EffectKind{EffectSendResponse}},
		{"already", StatePending, Event{Type: EventAlreadyInProject}, allow, StateRespondingAlready, []EffectKind{EffectSendResponse}},
		{"cancel pending", StatePending, Event{Type: EventCancelInvite}, allow, StateCanceled, nil},
		{"details before response", StatePending, Event{Type: EventReceiveProjectDetails, Details: details}, allow, StatePending, nil},

		{"accept sent", StateRespondingAccept, Event{Type: eventResponseSent}, allow, StateAwaitingDetails, []EffectKind{EffectStartTimer}},
		{"accept failed", StateRespondingAccept, Event{Type: eventResponseFailed, Err: boom}, allow, StateError, nil},
		{"details race accept", StateRespondingAccept, Event{Type: EventReceiveProjectDetails, Details: details}, allow, StateAddingProject, []EffectKind{EffectAddProject, EffectStartTimer}},
		{"cancel while responding", StateRespondingAccept, Event{Type: EventCancelInvite}, allow, StateRespondingAccept, nil},

		{"reject sent", StateRespondingReject, Event{Type: eventResponseSent}, allow, StateRejected, nil},
		{"reject failed", StateRespondingReject, Event{Type: eventResponseFailed, Err: boom}, allow, StateError, nil},
		{"already sent", StateRespondingAlready, Event{Type: eventResponseSent}, allow, StateRespondedAlready, nil},
		{"already failed", StateRespondingAlready, Event{Type: eventResponseFailed, Err: boom}, allow, StateError, nil},

		{"details", StateAwaitingDetails, Event{Type: EventReceiveProjectDetails, Details: details}, allow, StateAddingProject, []EffectKind{EffectAddProject, EffectStartTimer}},
		{"cancel awaiting", StateAwaitingDetails, Event{Type: EventCancelInvite}, allow, StateCanceled, nil},
		{"details timeout", StateAwaitingDetails, Event{Type: eventDetailsTimeout}, allow, StateError, nil},

		{"added", StateAddingProject, Event{Type: eventProjectAdded, ProjectPublicID: "pub"}, allow, StateJoined, nil},
		{"add failed", StateAddingProject, Event{Type: eventAddProjectFailed, Err: boom}, allow, StateError, nil},
		{"add timeout", StateAddingProject, Event{Type: eventAddTimeout}, allow, StateError, nil},
		{"cancel adding", StateAddingProject, Event{Type: EventCancelInvite}, allow, StateAddingProject, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, effects := Transition(Snapshot{State: tt.from}, tt.event, tt.guards, DefaultTimeouts)
			require.Equal(t, tt.want, next.State)

			var kinds []EffectKind
			for _, e := range effects {
				kinds = append(kinds, e.Kind)
			}
			require.Equal(t, tt.effects, kinds)
		})
	}
}

func TestTransitionDecisions(t *testing.T) {
	decision := func(s State, ev EventType, g Guards) protocol.Decision {
		_, effects := Transition(Snapshot{State: s}, Event{Type: ev}, g, DefaultTimeouts)
		require.Len(t, effects, 1)
		return effects[0].Decision
	}

	require.Equal(t, protocol.DecisionAccept, decision(StatePending, EventAcceptInvite, allow))
	require.Equal(t, protocol.DecisionAlready, decision(StatePending, EventAcceptInvite, Guards{}))
	require.Equal(t, protocol.DecisionReject, decision(StatePending, EventRejectInvite, allow))
	require.Equal(t, protocol.DecisionAlready, decision(StatePending, EventAlreadyInProject, allow))
}

func TestTransitionCarriesDetailsAndOutput(t *testing.T) {
	details := protocol.ProjectJoinDetails{ProjectKey: []byte("key")}
	s, effects := Transition(Snapshot{State: StateAwaitingDetails}, Event{Type: EventReceiveProjectDetails, Details: details}, allow, DefaultTimeouts)
	require.Equal(t, details, effects[0].Details)
	require.Equal(t, DefaultTimeouts.AddProject, effects[1].Delay)

	s, _ = Transition(s, Event{Type: eventProjectAdded, ProjectPublicID: "pub"}, allow, DefaultTimeouts)
	require.Equal(t, StateJoined, s.State)
	require.Equal(t, "pub", s.ProjectPublicID)
}

func TestTransitionErrors(t *testing.T) {
	timeouts := Timeouts{AwaitDetails: time.Second, AddProject: 2 * time.Second}

	s, _ := Transition(Snapshot{State: StateAwaitingDetails}, Event{Type: eventDetailsTimeout}, allow, timeouts)
	var terr *TimeoutError
	require.ErrorAs(t, s.Err, &terr)
	require.Equal(t, time.Second, terr.After)

	boom := errors.New("boom")
	s, _ = Transition(Snapshot{State: StateAddingProject}, Event{Type: eventAddProjectFailed, Err: boom}, allow, timeouts)
	require.ErrorIs(t, s.Err, boom)

	s, _ = Transition(Snapshot{State: StateRespondingReject}, Event{Type: eventResponseFailed}, allow, timeouts)
	require.Error(t, s.Err)
}

func TestTerminalStatesAreStable(t *testing.T) {
	for _, state := range []State{StateCanceled, StateRejected, StateRespondedAlready, StateJoined, StateError} {
		require.True(t, state.Terminal())
		for _, ev := range allEvents {
			for _, g := range []Guards{allow, {}} {
				s := Snapshot{State: state, ProjectPublicID: "pub"}
				next, effects := Transition(s, Event{Type: ev}, g, DefaultTimeouts)
				require.Equal(t, s, next, "%s on %s", ev, state)
				require.Empty(t, effects)
			}
		}
	}
}

func TestStateMatches(t *testing.T) {
	require.True(t, StateAwaitingDetails.Matches("joining"))
	require.True(t, StateAddingProject.Matches("joining"))
	require.True(t, StateRespondingAccept.Matches("responding"))
	require.True(t, StatePending.Matches("pending"))
	require.False(t, StateJoined.Matches("joining"))
	require.False(t, StatePending.Terminal())
}
