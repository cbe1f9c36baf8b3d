// Package invite implements project invitations between devices: a pure
// per-invite state machine, the actor that runs it, the API that manages
// received invites, and the Invitor that sends them.
package invite

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"mapeo.dev/go/mapeo/internal/event"
	"mapeo.dev/go/mapeo/internal/protocol"
	"mapeo.dev/go/mapeo/internal/rpc"
)

var (
	ErrInviteNotFound    = errors.New("invite not found")
	ErrInvalidTransition = errors.New("invalid invite transition")
)

// Peers is the part of the peer registry used for invites.
type Peers interface {
	SendInvite(ctx context.Context, deviceID string, inv protocol.Invite) error
	SendInviteCancel(ctx context.Context, deviceID string, c protocol.InviteCancel) error
	SendInviteResponse(ctx context.Context, deviceID string, r protocol.InviteResponse) error
	SendProjectJoinDetails(ctx context.Context, deviceID string, d protocol.ProjectJoinDetails) error

	OnInvite(fn func(rpc.InviteEvent)) func()
	OnInviteCancel(fn func(rpc.InviteCancelEvent)) func()
	OnInviteResponse(fn func(rpc.InviteResponseEvent)) func()
	OnProjectDetails(fn func(rpc.ProjectDetailsEvent)) func()
}

// Project is a project the local device knows about.
type Project struct {
	PublicID       string
	HasLeftProject bool
}

// JoinDetails is what joining a project needs.
type JoinDetails struct {
	ProjectKey     []byte
	EncryptionKeys protocol.EncryptionKeys
	ProjectName    string
	RoleName       string
}

// Projects looks up and joins projects.
type Projects interface {
	GetProjectByInviteID(projectInviteID []byte) (Project, bool)
	AddProject(ctx context.Context, details JoinDetails) (string, error)
}

// Invite is the public view of a received invite.
type Invite struct {
	InviteID        string    `json:"invite_id"`
	PeerID          string    `json:"peer_id"`
	ProjectInviteID string    `json:"project_invite_id"`
	ProjectName     string    `json:"project_name"`
	InvitorName     string    `json:"invitor_name"`
	RoleName        string    `json:"role_name,omitempty"`
	RoleDescription string    `json:"role_description,omitempty"`
	State           State     `json:"state"`
	ProjectPublicID string    `json:"project_public_id,omitempty"`
	Error           string    `json:"error,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

type record struct {
	invite     protocol.Invite
	peerID     string
	actor      *Actor
	receivedAt time.Time
}

func (r *record) view(s Snapshot) Invite {
	v := Invite{
		InviteID:        hex.EncodeToString(r.invite.InviteID),
		PeerID:          r.peerID,
		ProjectInviteID: hex.EncodeToString(r.invite.ProjectInviteID),
		ProjectName:     r.invite.ProjectName,
		InvitorName:     r.invite.InvitorName,
		RoleName:        r.invite.RoleName,
		RoleDescription: r.invite.RoleDescription,
		State:           s.State,
		ProjectPublicID: s.ProjectPublicID,
		ReceivedAt:      r.receivedAt,
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	return v
}

// Options configures an API.
type Options struct {
	Logger   *slog.Logger
	Timeouts Timeouts
}

// API tracks invites received from peers and lets the user answer them.
type API struct {
	log      *slog.Logger
	peers    Peers
	projects Projects
	timeouts Timeouts

	mu      sync.Mutex
	invites map[string]*record // hex invite ID

	received event.Emitter[Invite]
	updated  event.Emitter[Invite]

	unsubscribe []func()
}

// NewAPI subscribes to invite traffic on peers.
func NewAPI(peers Peers, projects Projects, opts Options) *API {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeouts.AwaitDetails <= 0 {
		opts.Timeouts.AwaitDetails = DefaultTimeouts.AwaitDetails
	}
	if opts.Timeouts.AddProject <= 0 {
		opts.Timeouts.AddProject = DefaultTimeouts.AddProject
	}

	api := &API{
		log:      log,
		peers:    peers,
		projects: projects,
		timeouts: opts.Timeouts,
		invites:  make(map[string]*record),
	}
	api.unsubscribe = []func(){
		peers.OnInvite(api.handleInvite),
		peers.OnInviteCancel(api.handleCancel),
		peers.OnProjectDetails(api.handleProjectDetails),
	}
	return api
}

// OnInviteReceived calls fn once for every new invite.
func (api *API) OnInviteReceived(fn func(Invite)) func() { return api.received.Subscribe(fn) }

// OnInviteUpdated calls fn on every state change of an invite.
func (api *API) OnInviteUpdated(fn func(Invite)) func() { return api.updated.Subscribe(fn) }

func (api *API) handleInvite(ev rpc.InviteEvent) {
	inv := ev.Invite
	id := hex.EncodeToString(inv.InviteID)
	log := api.log.With("invite_id", shortHex(id), "device_id", shortHex(ev.PeerID))

	api.mu.Lock()
	_, seen := api.invites[id]
	api.mu.Unlock()
	if seen {
		log.Debug("Ignoring repeated invite")
		return
	}

	if project, ok := api.projects.GetProjectByInviteID(inv.ProjectInviteID); ok && !project.HasLeftProject {
		log.Info("Already in invited project", "project", project.PublicID)
		// Sends wait for acks from this peer's read loop, so never block it.
		go func() {
			err := api.peers.SendInviteResponse(context.Background(), ev.PeerID, protocol.InviteResponse{
				InviteID: inv.InviteID,
				Decision: protocol.DecisionAlready,
			})
			if err != nil {
				log.Warn("Failed to respond to invite", "error", err)
			}
		}()
		return
	}

	rec := &record{invite: inv, peerID: ev.PeerID, receivedAt: time.Now()}
	rec.actor = NewActor(Effects{
		SendInviteResponse: func(ctx context.Context, d protocol.Decision) error {
			return api.peers.SendInviteResponse(ctx, ev.PeerID, protocol.InviteResponse{
				InviteID: inv.InviteID,
				Decision: d,
			})
		},
		AddProject: func(ctx context.Context, d protocol.ProjectJoinDetails) (string, error) {
			return api.projects.AddProject(ctx, JoinDetails{
				ProjectKey:     d.ProjectKey,
				EncryptionKeys: d.EncryptionKeys,
				ProjectName:    inv.ProjectName,
				RoleName:       inv.RoleName,
			})
		},
		NotAlreadyJoiningOrInProject: func() bool {
			return api.notAlreadyJoiningOrInProject(rec)
		},
	}, api.timeouts, log)

	api.mu.Lock()
	if _, seen := api.invites[id]; seen {
		api.mu.Unlock()
		return
	}
	api.invites[id] = rec
	api.mu.Unlock()

	log.Info("Invite received", "project", inv.ProjectName, "from", inv.InvitorName)
	api.received.Emit(rec.view(rec.actor.Snapshot()))

	rec.actor.Start()
	rec.actor.Subscribe(func(s Snapshot) {
		if s.State == StateError {
			log.Warn("Invite failed", "error", s.Err)
		}
		api.updated.Emit(rec.view(s))
	})
}

func (api *API) notAlreadyJoiningOrInProject(rec *record) bool {
	if project, ok := api.projects.GetProjectByInviteID(rec.invite.ProjectInviteID); ok && !project.HasLeftProject {
		return false
	}

	for _, other := range api.siblings(rec) {
		s := other.actor.Snapshot().State
		if s == StateRespondingAccept || s.Matches("joining") {
			return false
		}
	}
	return true
}

// siblings returns the other invites to the same project.
func (api *API) siblings(rec *record) []*record {
	api.mu.Lock()
	defer api.mu.Unlock()
	var out []*record
	for _, other := range api.invites {
		if other != rec && bytes.Equal(other.invite.ProjectInviteID, rec.invite.ProjectInviteID) {
			out = append(out, other)
		}
	}
	return out
}

func (api *API) handleCancel(ev rpc.InviteCancelEvent) {
	rec := api.lookup(hex.EncodeToString(ev.Cancel.InviteID))
	if rec == nil {
		api.log.Debug("Cancel for unknown invite", "device_id", shortHex(ev.PeerID))
		return
	}
	if !rec.actor.Can(EventCancelInvite) {
		api.log.Info("Ignoring cancel for invite", "state", rec.actor.Snapshot().State)
		return
	}
	rec.actor.Send(Event{Type: EventCancelInvite})
}

func (api *API) handleProjectDetails(ev rpc.ProjectDetailsEvent) {
	rec := api.lookup(hex.EncodeToString(ev.Details.InviteID))
	if rec == nil {
		return
	}
	if subtle.ConstantTimeCompare([]byte(rec.peerID), []byte(ev.PeerID)) != 1 {
		api.log.Debug("Ignoring project details from another peer")
		return
	}
	rec.actor.Send(Event{Type: EventReceiveProjectDetails, Details: ev.Details})
}

func (api *API) lookup(id string) *record {
	api.mu.Lock()
	defer api.mu.Unlock()
	return api.invites[id]
}

func (api *API) mustLookup(id string) (*record, error) {
	rec := api.lookup(id)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrInviteNotFound, shortHex(id))
	}
	return rec, nil
}

// Accept accepts the invite and waits until the project is joined,
// returning its public ID. Other invites to the same project are answered
// with ALREADY.
func (api *API) Accept(ctx context.Context, inviteID string) (string, error) {
	rec, err := api.mustLookup(inviteID)
	if err != nil {
		return "", err
	}
	if !rec.actor.Can(EventAcceptInvite) {
		return "", fmt.Errorf("%w: cannot accept invite in state %s", ErrInvalidTransition, rec.actor.Snapshot().State)
	}

	rec.actor.Send(Event{Type: EventAcceptInvite})
	for _, sibling := range api.siblings(rec) {
		sibling.actor.Send(Event{Type: EventAlreadyInProject})
	}

	select {
	case <-rec.actor.Done():
	case <-ctx.Done():
		return "", ctx.Err()
	}

	s := rec.actor.Snapshot()
	if id := rec.actor.Output().ProjectPublicID; id != "" {
		return id, nil
	}
	if s.Err != nil {
		return "", fmt.Errorf("accept invite: %w", s.Err)
	}
	return "", fmt.Errorf("accept invite: invite ended %s", s.State)
}

// Reject rejects the invite. It does not wait for the response to be
// sent; failures show up as an error state on the invite.
func (api *API) Reject(inviteID string) error {
	rec, err := api.mustLookup(inviteID)
	if err != nil {
		return err
	}
	if !rec.actor.Can(EventRejectInvite) {
		return fmt.Errorf("%w: cannot reject invite in state %s", ErrInvalidTransition, rec.actor.Snapshot().State)
	}
	rec.actor.Send(Event{Type: EventRejectInvite})
	return nil
}

// GetPending returns the invites still waiting for an answer, oldest first.
func (api *API) GetPending() []Invite {
	var out []Invite
	for _, inv := range api.List() {
		if inv.State == StatePending {
			out = append(out, inv)
		}
	}
	return out
}

// List returns every known invite, oldest first.
func (api *API) List() []Invite {
	api.mu.Lock()
	recs := make([]*record, 0, len(api.invites))
	for _, rec := range api.invites {
		recs = append(recs, rec)
	}
	api.mu.Unlock()

	out := make([]Invite, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.view(rec.actor.Snapshot()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// GetByID returns one invite.
func (api *API) GetByID(inviteID string) (Invite, error) {
	rec, err := api.mustLookup(inviteID)
	if err != nil {
		return Invite{}, err
	}
	return rec.view(rec.actor.Snapshot()), nil
}

// Close stops listening for invites and abandons unfinished ones.
func (api *API) Close() {
	for _, unsub := range api.unsubscribe {
		unsub()
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	for _, rec := range api.invites {
		rec.actor.Stop()
	}
}

func shortHex(id string) string {
	return id[:min(8, len(id))]
}
