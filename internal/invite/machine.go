package invite

import (
	"fmt"
	"strings"
	"time"

	"mapeo.dev/go/mapeo/internal/protocol"
)

// State is a node of the invite chart. Nested states are written
// parent.child.
type State string

const (
	StatePending           State = "pending"
	StateRespondingAccept  State = "responding.accept"
	StateRespondingReject  State = "responding.reject"
	StateRespondingAlready State = "responding.already"
	StateAwaitingDetails   State = "joining.awaitingDetails"
	StateAddingProject     State = "joining.addingProject"
	StateCanceled          State = "canceled"
	StateRejected          State = "rejected"
	StateRespondedAlready  State = "respondedAlready"
	StateJoined            State = "joined"
	StateError             State = "error"
)

// Terminal reports whether no event can move the invite out of s.
func (s State) Terminal() bool {
	switch s {
	case StateCanceled, StateRejected, StateRespondedAlready, StateJoined, StateError:
		return true
	}
	return false
}

// Matches reports whether s is state or one of its children.
func (s State) Matches(state string) bool {
	return string(s) == state || strings.HasPrefix(string(s), state+".")
}

// EventType names an input to the chart.
type EventType string

const (
	EventAcceptInvite          EventType = "ACCEPT_INVITE"
	EventRejectInvite          EventType = "REJECT_INVITE"
	EventAlreadyInProject      EventType = "ALREADY_IN_PROJECT"
	EventCancelInvite          EventType = "CANCEL_INVITE"
	EventReceiveProjectDetails EventType = "RECEIVE_PROJECT_DETAILS"

	// Results of effects, fed back by the actor.
	eventResponseSent     EventType = "response.sent"
	eventResponseFailed   EventType = "response.failed"
	eventProjectAdded     EventType = "addProject.done"
	eventAddProjectFailed EventType = "addProject.failed"
	eventDetailsTimeout   EventType = "awaitingDetails.timeout"
	eventAddTimeout       EventType = "addingProject.timeout"
)

// Event is an input to Transition.
type Event struct {
	Type EventType

	// Details is set for EventReceiveProjectDetails.
	Details protocol.ProjectJoinDetails

	// ProjectPublicID is set when a project was added.
	ProjectPublicID string

	// Err is set for failures.
	Err error
}

// Guards are the conditions the chart consults. They are evaluated by the
// caller so that Transition stays pure.
type Guards struct {
	NotAlreadyJoiningOrInProject bool
}

// EffectKind names a side effect requested by a transition.
type EffectKind int

const (
	// EffectSendResponse sends an InviteResponse with Decision.
	EffectSendResponse EffectKind = iota
	// EffectAddProject joins the project described by Details.
	EffectAddProject
	// EffectStartTimer raises Timeout after Delay unless the state is left
	// first.
	EffectStartTimer
)

// Effect is a side effect for the actor to run.
type Effect struct {
	Kind     EffectKind
	Decision protocol.Decision
	Details  protocol.ProjectJoinDetails
	Delay    time.Duration
	Timeout  EventType
}

// Timeouts bound the joining states.
type Timeouts struct {
	AwaitDetails time.Duration
	AddProject   time.Duration
}

// DefaultTimeouts are used when none are configured.
var DefaultTimeouts = Timeouts{
	AwaitDetails: 45 * time.Second,
	AddProject:   45 * time.Second,
}

// TimeoutError is the cause of an invite that ran out of time while
// joining.
type TimeoutError struct {
	Waiting string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s %s", e.After, e.Waiting)
}

// Snapshot is the full state of one invite machine.
type Snapshot struct {
	State State

	// ProjectPublicID is set once joined.
	ProjectPublicID string

	// Err is the cause of the error state.
	Err error
}

// Output is the result of a finished machine. ProjectPublicID is empty
// unless the invite was joined.
type Output struct {
	ProjectPublicID string
}

// Transition applies ev to s and returns the next snapshot and the effects
// to run. Events with no transition from the current state leave it
// unchanged and produce no effects.
func Transition(s Snapshot, ev Event, g Guards, t Timeouts) (Snapshot, []Effect) {
	next := s
	switch s.State {
	case StatePending:
		switch ev.Type {
		case EventAcceptInvite:
			if !g.NotAlreadyJoiningOrInProject {
				return Transition(s, Event{Type: EventAlreadyInProject}, g, t)
			}
			next.State = StateRespondingAccept
			return next, []Effect{sendResponse(protocol.DecisionAccept)}
		case EventRejectInvite:
			next.State = StateRespondingReject
			return next, []Effect{sendResponse(protocol.DecisionReject)}
		case EventAlreadyInProject:
			next.State = StateRespondingAlready
			return next, []Effect{sendResponse(protocol.DecisionAlready)}
		case EventCancelInvite:
			next.State = StateCanceled
			return next, nil
		}

	case StateRespondingAccept:
		switch ev.Type {
		case eventResponseSent:
			next.State = StateAwaitingDetails
			return next, []Effect{{Kind: EffectStartTimer, Delay: t.AwaitDetails, Timeout: eventDetailsTimeout}}
		case eventResponseFailed:
			return fail(s, ev.Err), nil
		case EventReceiveProjectDetails:
			// Details can overtake the result of sending the accept.
			return addProject(s, ev.Details, t)
		}

	case StateRespondingReject, StateRespondingAlready:
		switch ev.Type {
		case eventResponseSent:
			if s.State == StateRespondingReject {
				next.State = StateRejected
			} else {
				next.State = StateRespondedAlready
			}
			return next, nil
		case eventResponseFailed:
			return fail(s, ev.Err), nil
		}

	case StateAwaitingDetails:
		switch ev.Type {
		case EventReceiveProjectDetails:
			return addProject(s, ev.Details, t)
		case EventCancelInvite:
			next.State = StateCanceled
			return next, nil
		case eventDetailsTimeout:
			return fail(s, &TimeoutError{Waiting: "waiting for project details", After: t.AwaitDetails}), nil
		}

	case StateAddingProject:
		switch ev.Type {
		case eventProjectAdded:
			next.State = StateJoined
			next.ProjectPublicID = ev.ProjectPublicID
			return next, nil
		case eventAddProjectFailed:
			return fail(s, ev.Err), nil
		case eventAddTimeout:
			return fail(s, &TimeoutError{Waiting: "adding project", After: t.AddProject}), nil
		}
	}
	return s, nil
}

func sendResponse(d protocol.Decision) Effect {
	return Effect{Kind: EffectSendResponse, Decision: d}
}

func addProject(s Snapshot, details protocol.ProjectJoinDetails, t Timeouts) (Snapshot, []Effect) {
	s.State = StateAddingProject
	return s, []Effect{
		{Kind: EffectAddProject, Details: details},
		{Kind: EffectStartTimer, Delay: t.AddProject, Timeout: eventAddTimeout},
	}
}

func fail(s Snapshot, err error) Snapshot {
	if err == nil {
		err = fmt.Errorf("invite failed in state %s", s.State)
	}
	s.State = StateError
	s.Err = err
	return s
}
