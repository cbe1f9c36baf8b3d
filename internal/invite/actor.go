package invite

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mapeo.dev/go/mapeo/internal/event"
	"mapeo.dev/go/mapeo/internal/protocol"
)

// Effects are the I/O an actor performs on behalf of its machine.
type Effects struct {
	SendInviteResponse func(ctx context.Context, d protocol.Decision) error
	AddProject         func(ctx context.Context, details protocol.ProjectJoinDetails) (string, error)

	// NotAlreadyJoiningOrInProject guards accepting. Nil always allows.
	NotAlreadyJoiningOrInProject func() bool
}

// Actor runs one invite machine. Events are processed one at a time in
// the order they were sent, effects run in their own goroutines and report
// back as events.
type Actor struct {
	log      *slog.Logger
	effects  Effects
	timeouts Timeouts

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	snap       Snapshot
	queue      []Event
	processing bool
	started    bool
	timer      *time.Timer

	changes event.Emitter[Snapshot]
	done    chan struct{}
}

// NewActor creates an actor in the pending state. Events sent before
// Start are queued.
func NewActor(effects Effects, timeouts Timeouts, log *slog.Logger) *Actor {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Actor{
		log:      log,
		effects:  effects,
		timeouts: timeouts,
		ctx:      ctx,
		cancel:   cancel,
		snap:     Snapshot{State: StatePending},
		done:     make(chan struct{}),
	}
}

// Start begins processing events.
func (a *Actor) Start() {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()
	a.drain()
}

// Send queues ev. If no other goroutine is processing, the event and any
// it causes are handled before Send returns.
func (a *Actor) Send(ev Event) {
	a.mu.Lock()
	a.queue = append(a.queue, ev)
	a.mu.Unlock()
	a.drain()
}

func (a *Actor) drain() {
	a.mu.Lock()
	if a.processing || !a.started {
		a.mu.Unlock()
		return
	}
	a.processing = true

	for len(a.queue) > 0 {
		ev := a.queue[0]
		a.queue = a.queue[1:]

		// Guards may look at other actors, so never hold our lock there.
		a.mu.Unlock()
		g := a.guards(ev)
		a.mu.Lock()

		prev := a.snap
		next, effects := Transition(prev, ev, g, a.timeouts)
		if next.State == prev.State {
			continue
		}
		a.snap = next
		a.stopTimerLocked()
		for _, eff := range effects {
			a.runLocked(eff)
		}
		a.log.Debug("Invite state changed", "from", prev.State, "to", next.State, "event", ev.Type)

		a.mu.Unlock()
		a.changes.Emit(next)
		if next.State.Terminal() {
			a.cancel()
			close(a.done)
		}
		a.mu.Lock()
	}

	a.processing = false
	a.mu.Unlock()
}

func (a *Actor) guards(ev Event) Guards {
	g := Guards{NotAlreadyJoiningOrInProject: true}
	if ev.Type == EventAcceptInvite && a.effects.NotAlreadyJoiningOrInProject != nil {
		g.NotAlreadyJoiningOrInProject = a.effects.NotAlreadyJoiningOrInProject()
	}
	return g
}

// runLocked starts eff. Timers belong to the state that started them.
func (a *Actor) runLocked(eff Effect) {
	switch eff.Kind {
	case EffectSendResponse:
		go func() {
			if err := a.effects.SendInviteResponse(a.ctx, eff.Decision); err != nil {
				a.Send(Event{Type: eventResponseFailed, Err: err})
				return
			}
			a.Send(Event{Type: eventResponseSent})
		}()

	case EffectAddProject:
		go func() {
			id, err := a.effects.AddProject(a.ctx, eff.Details)
			if err != nil {
				a.Send(Event{Type: eventAddProjectFailed, Err: err})
				return
			}
			a.Send(Event{Type: eventProjectAdded, ProjectPublicID: id})
		}()

	case EffectStartTimer:
		timeout := eff.Timeout
		a.timer = time.AfterFunc(eff.Delay, func() {
			a.Send(Event{Type: timeout})
		})
	}
}

func (a *Actor) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Snapshot returns the current state.
func (a *Actor) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// Can reports whether sending ev's type now would change the state.
// Guards are assumed to pass.
func (a *Actor) Can(t EventType) bool {
	s := a.Snapshot()
	next, _ := Transition(s, Event{Type: t}, Guards{NotAlreadyJoiningOrInProject: true}, a.timeouts)
	return next.State != s.State
}

// Subscribe calls fn with every new state, in order.
func (a *Actor) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	return a.changes.Subscribe(fn)
}

// Done is closed once the machine reaches a terminal state.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Output returns the machine's result. It is only meaningful after Done.
func (a *Actor) Output() Output {
	return Output{ProjectPublicID: a.Snapshot().ProjectPublicID}
}

// Stop abandons the machine, cancelling running effects and timers.
func (a *Actor) Stop() {
	a.mu.Lock()
	a.stopTimerLocked()
	a.mu.Unlock()
	a.cancel()
}
