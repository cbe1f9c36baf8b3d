package invite

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"mapeo.dev/go/mapeo/internal/crypto"
	"mapeo.dev/go/mapeo/internal/protocol"
	"mapeo.dev/go/mapeo/internal/rpc"
)

var (
	ErrAlreadyInviting = errors.New("already inviting this device to this project")
	ErrInviteCanceled  = errors.New("invite canceled")
)

// InviteRequest describes a project to invite a device to.
type InviteRequest struct {
	ProjectKey      []byte
	EncryptionKeys  protocol.EncryptionKeys
	ProjectName     string
	InvitorName     string
	RoleName        string
	RoleDescription string
}

// SentInvite is an invite waiting for a response.
type SentInvite struct {
	InviteID    string    `json:"invite_id"`
	DeviceID    string    `json:"device_id"`
	ProjectName string    `json:"project_name"`
	SentAt      time.Time `json:"sent_at"`
}

type outgoing struct {
	SentInvite
	projectInviteID string
	response        chan protocol.Decision
	canceled        chan struct{}
	cancelOnce      sync.Once
}

// Invitor sends invites and hands project details to devices that accept.
type Invitor struct {
	log   *slog.Logger
	peers Peers

	mu   sync.Mutex
	sent map[string]*outgoing // hex invite ID

	unsubscribe func()
}

// NewInvitor subscribes to invite responses on peers.
func NewInvitor(peers Peers, log *slog.Logger) *Invitor {
	if log == nil {
		log = slog.Default()
	}
	iv := &Invitor{
		log:   log,
		peers: peers,
		sent:  make(map[string]*outgoing),
	}
	iv.unsubscribe = peers.OnInviteResponse(iv.handleResponse)
	return iv
}

// Invite invites deviceID to the project and waits for the answer. When
// the device accepts, the project details are sent before returning.
func (iv *Invitor) Invite(ctx context.Context, deviceID string, req InviteRequest) (protocol.Decision, error) {
	if len(req.ProjectKey) == 0 {
		return protocol.DecisionUnspecified, errors.New("project key is required")
	}
	projectInviteID := crypto.ProjectInviteID(req.ProjectKey)
	inviteID, err := crypto.NewInviteID()
	if err != nil {
		return protocol.DecisionUnspecified, err
	}

	out := &outgoing{
		SentInvite: SentInvite{
			InviteID:    hex.EncodeToString(inviteID),
			DeviceID:    deviceID,
			ProjectName: req.ProjectName,
			SentAt:      time.Now(),
		},
		projectInviteID: hex.EncodeToString(projectInviteID),
		response:        make(chan protocol.Decision, 1),
		canceled:        make(chan struct{}),
	}

	iv.mu.Lock()
	for _, o := range iv.sent {
		if o.DeviceID == deviceID && o.projectInviteID == out.projectInviteID {
			iv.mu.Unlock()
			return protocol.DecisionUnspecified, ErrAlreadyInviting
		}
	}
	iv.sent[out.InviteID] = out
	iv.mu.Unlock()

	defer func() {
		iv.mu.Lock()
		delete(iv.sent, out.InviteID)
		iv.mu.Unlock()
	}()

	log := iv.log.With("invite_id", shortHex(out.InviteID), "device_id", shortHex(deviceID))

	err = iv.peers.SendInvite(ctx, deviceID, protocol.Invite{
		InviteID:        inviteID,
		ProjectInviteID: projectInviteID,
		ProjectName:     req.ProjectName,
		InvitorName:     req.InvitorName,
		RoleName:        req.RoleName,
		RoleDescription: req.RoleDescription,
	})
	if err != nil {
		return protocol.DecisionUnspecified, fmt.Errorf("send invite: %w", err)
	}
	log.Info("Invite sent", "project", req.ProjectName)

	var decision protocol.Decision
	select {
	case decision = <-out.response:
	case <-out.canceled:
		return protocol.DecisionUnspecified, ErrInviteCanceled
	case <-ctx.Done():
		go iv.sendCancel(deviceID, inviteID)
		return protocol.DecisionUnspecified, ctx.Err()
	}
	log.Info("Invite answered", "decision", decision)

	if decision == protocol.DecisionAccept {
		err := iv.peers.SendProjectJoinDetails(ctx, deviceID, protocol.ProjectJoinDetails{
			InviteID:       inviteID,
			ProjectKey:     req.ProjectKey,
			EncryptionKeys: req.EncryptionKeys,
		})
		if err != nil {
			return decision, fmt.Errorf("send project details: %w", err)
		}
	}
	return decision, nil
}

// Cancel withdraws a pending invite. The waiting Invite call returns
// ErrInviteCanceled.
func (iv *Invitor) Cancel(ctx context.Context, inviteID string) error {
	iv.mu.Lock()
	out := iv.sent[inviteID]
	iv.mu.Unlock()
	if out == nil {
		return fmt.Errorf("%w: %s", ErrInviteNotFound, shortHex(inviteID))
	}

	raw, err := hex.DecodeString(inviteID)
	if err != nil {
		return fmt.Errorf("invalid invite id: %w", err)
	}
	out.cancelOnce.Do(func() { close(out.canceled) })
	if err := iv.peers.SendInviteCancel(ctx, out.DeviceID, protocol.InviteCancel{InviteID: raw}); err != nil {
		return fmt.Errorf("send invite cancel: %w", err)
	}
	return nil
}

func (iv *Invitor) sendCancel(deviceID string, inviteID []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := iv.peers.SendInviteCancel(ctx, deviceID, protocol.InviteCancel{InviteID: inviteID}); err != nil {
		iv.log.Debug("Failed to cancel abandoned invite", "error", err)
	}
}

func (iv *Invitor) handleResponse(ev rpc.InviteResponseEvent) {
	iv.mu.Lock()
	out := iv.sent[hex.EncodeToString(ev.Response.InviteID)]
	iv.mu.Unlock()
	if out == nil {
		return
	}
	if subtle.ConstantTimeCompare([]byte(out.DeviceID), []byte(ev.PeerID)) != 1 {
		iv.log.Debug("Ignoring invite response from another peer")
		return
	}
	select {
	case out.response <- ev.Response.Decision:
	default:
	}
}

// Sent returns the invites waiting for a response, oldest first.
func (iv *Invitor) Sent() []SentInvite {
	iv.mu.Lock()
	out := make([]SentInvite, 0, len(iv.sent))
	for _, o := range iv.sent {
		out = append(out, o.SentInvite)
	}
	iv.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}

// Close stops listening for responses.
func (iv *Invitor) Close() {
	iv.unsubscribe()
}
