package invite_test

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
	"mapeo.dev/go/mapeo/internal/crypto"
	"mapeo.dev/go/mapeo/internal/event"
	"mapeo.dev/go/mapeo/internal/invite"
	"mapeo.dev/go/mapeo/internal/protocol"
	"mapeo.dev/go/mapeo/internal/rpc"
	"mapeo.dev/go/mapeo/internal/rpc/rpctest"
)

const waitFor = 3 * time.Second

// fakePeers stands in for the peer registry. Tests raise inbound events
// directly and observe outbound responses.
type fakePeers struct {
	invites   event.Emitter[rpc.InviteEvent]
	cancels   event.Emitter[rpc.InviteCancelEvent]
	responses event.Emitter[rpc.InviteResponseEvent]
	details   event.Emitter[rpc.ProjectDetailsEvent]

	mu         sync.Mutex
	sent       []protocol.InviteResponse
	respondErr error
}

func (f *fakePeers) SendInvite(context.Context, string, protocol.Invite) error { return nil }
func (f *fakePeers) SendInviteCancel(context.Context, string, protocol.InviteCancel) error {
	return nil
}
func (f *fakePeers) SendProjectJoinDetails(context.Context, string, protocol.ProjectJoinDetails) error {
	return nil
}

func (f *fakePeers) SendInviteResponse(_ context.Context, _ string, r protocol.InviteResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.respondErr != nil {
		return f.respondErr
	}
	f.sent = append(f.sent, r)
	return nil
}

func (f *fakePeers) OnInvite(fn func(rpc.InviteEvent)) func() { return f.invites.Subscribe(fn) }
func (f *fakePeers) OnInviteCancel(fn func(rpc.InviteCancelEvent)) func() {
	return f.cancels.Subscribe(fn)
}
func (f *fakePeers) OnInviteResponse(fn func(rpc.InviteResponseEvent)) func() {
	return f.responses.Subscribe(fn)
}
func (f *fakePeers) OnProjectDetails(fn func(rpc.ProjectDetailsEvent)) func() {
	return f.details.Subscribe(fn)
}

func (f *fakePeers) decisionFor(inviteID []byte) (protocol.Decision, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.sent {
		if string(r.InviteID) == string(inviteID) {
			return r.Decision, true
		}
	}
	return 0, false
}

func (f *fakePeers) waitDecision(t *testing.T, inviteID []byte) protocol.Decision {
	t.Helper()
	var d protocol.Decision
	require.Eventually(t, func() bool {
		var ok bool
		d, ok = f.decisionFor(inviteID)
		return ok
	}, waitFor, time.Millisecond)
	return d
}

type fakeProjects struct {
	mu      sync.Mutex
	members map[string]invite.Project
	added   []invite.JoinDetails
	addErr  error
}

func (f *fakeProjects) GetProjectByInviteID(id []byte) (invite.Project, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.members[hex.EncodeToString(id)]
	return p, ok
}

func (f *fakeProjects) AddProject(_ context.Context, d invite.JoinDetails) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, d)
	if f.addErr != nil {
		return "", f.addErr
	}
	return crypto.ProjectPublicID(d.ProjectKey), nil
}

func (f *fakeProjects) addCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

const invitor = "aaaa0000"

type fixture struct {
	peers    *fakePeers
	projects *fakeProjects
	api      *invite.API

	mu       sync.Mutex
	received []invite.Invite
	updated  []invite.Invite
}

func newFixture(t *testing.T, timeouts invite.Timeouts) *fixture {
	t.Helper()
	f := &fixture{
		peers:    &fakePeers{},
		projects: &fakeProjects{members: make(map[string]invite.Project)},
	}
	f.api = invite.NewAPI(f.peers, f.projects, invite.Options{Logger: slogt.New(t), Timeouts: timeouts})
	t.Cleanup(f.api.Close)

	f.api.OnInviteReceived(func(inv invite.Invite) {
		f.mu.Lock()
		f.received = append(f.received, inv)
		f.mu.Unlock()
	})
	f.api.OnInviteUpdated(func(inv invite.Invite) {
		f.mu.Lock()
		f.updated = append(f.updated, inv)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) receivedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func (f *fixture) lastUpdate(id string) (invite.Invite, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.updated) - 1; i >= 0; i-- {
		if f.updated[i].InviteID == id {
			return f.updated[i], true
		}
	}
	return invite.Invite{}, false
}

func newInvite(projectKey []byte) protocol.Invite {
	return protocol.Invite{
		InviteID:        rpctest.Key(),
		ProjectInviteID: crypto.ProjectInviteID(projectKey),
		ProjectName:     "Forest monitoring",
		InvitorName:     "Field laptop",
	}
}

func (f *fixture) deliver(inv protocol.Invite) string {
	f.peers.invites.Emit(rpc.InviteEvent{PeerID: invitor, Invite: inv})
	return hex.EncodeToString(inv.InviteID)
}

func (f *fixture) sendDetails(from string, inv protocol.Invite, projectKey []byte) {
	f.peers.details.Emit(rpc.ProjectDetailsEvent{PeerID: from, Details: protocol.ProjectJoinDetails{
		InviteID:       inv.InviteID,
		ProjectKey:     projectKey,
		EncryptionKeys: protocol.EncryptionKeys{Auth: []byte("auth")},
	}})
}

func (f *fixture) waitState(t *testing.T, id string, want invite.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		inv, err := f.api.GetByID(id)
		return err == nil && inv.State == want
	}, waitFor, time.Millisecond, "invite never reached %s", want)
}

type acceptResult struct {
	id  string
	err error
}

func (f *fixture) acceptAsync(id string) <-chan acceptResult {
	out := make(chan acceptResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		pid, err := f.api.Accept(ctx, id)
		out <- acceptResult{pid, err}
	}()
	return out
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestAcceptJoinsProject(t *testing.T) {
	f := newFixture(t, invite.DefaultTimeouts)
	key := []byte("project-key")
	inv := newInvite(key)
	id := f.deliver(inv)

	require.Equal(t, 1, f.receivedCount())
	require.Equal(t, invite.StatePending, f.received[0].State)
	require.Len(t, f.api.GetPending(), 1)

	res := f.acceptAsync(id)
	require.Equal(t, protocol.DecisionAccept, f.peers.waitDecision(t, inv.InviteID))
	f.waitState(t, id, invite.StateAwaitingDetails)
	f.sendDetails(invitor, inv, key)

	r := wait(t, res)
	require.NoError(t, r.err)
	require.Equal(t, crypto.ProjectPublicID(key), r.id)

	got, err := f.api.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, invite.StateJoined, got.State)
	require.Equal(t, r.id, got.ProjectPublicID)
	require.Empty(t, f.api.GetPending())

	require.Equal(t, "Forest monitoring", f.projects.added[0].ProjectName)
	require.Equal(t, []byte("auth"), f.projects.added[0].EncryptionKeys.Auth)

	last, ok := f.lastUpdate(id)
	require.True(t, ok)
	require.Equal(t, invite.StateJoined, last.State)
}

func TestRepeatedInviteIsIgnored(t *testing.T) {
	f := newFixture(t, invite.DefaultTimeouts)
	inv := newInvite([]byte("project-key"))

	f.deliver(inv)
	f.deliver(inv)

	require.Equal(t, 1, f.receivedCount())
	require.Len(t, f.api.List(), 1)
}

func TestInviteForJoinedProjectIsAnsweredAlready(t *testing.T) {
	f := newFixture(t, invite.DefaultTimeouts)
	key := []byte("project-key")
	inv := newInvite(key)
	f.projects.members[hex.EncodeToString(inv.ProjectInviteID)] = invite.Project{PublicID: "pub"}

	id := f.deliver(inv)

	require.Equal(t, protocol.DecisionAlready, f.peers.waitDecision(t, inv.InviteID))
	require.Equal(t, 0, f.receivedCount())
	_, err := f.api.GetByID(id)
	require.ErrorIs(t, err, invite.ErrInviteNotFound)
}

func TestInviteForLeftProjectIsOffered(t *testing.T) {
	f := newFixture(t, invite.DefaultTimeouts)
	inv := newInvite([]byte("project-key"))
	f.projects.members[hex.EncodeToString(inv.ProjectInviteID)] = invite.Project{PublicID: "pub", HasLeftProject: true}

	f.deliver(inv)
	require.Equal(t, 1, f.receivedCount())
}

func TestAcceptAnswersSiblingsAlready(t *testing.T) {
	f := newFixture(t, invite.DefaultTimeouts)
	key := []byte("project-key")
	first, second := newInvite(key), newInvite(key)
	other := newInvite([]byte("other-project"))
	id1 := f.deliver(first)
	id2 := f.deliver(second)
	id3 := f.deliver(other)

	res := f.acceptAsync(id1)
	require.Equal(t, protocol.DecisionAccept, f.peers.waitDecision(t, first.InviteID))
	require.Equal(t, protocol.DecisionAlready, f.peers.waitDecision(t, second.InviteID))
	f.waitState(t, id2, invite.StateRespondedAlready)

	f.waitState(t, id1, invite.StateAwaitingDetails)
	f.sendDetails(invitor, first, key)
	require.NoError(t, wait(t, res).err)

	require.Equal(t, 1, f.projects.addCount())
	got, err := f.api.GetByID(id3)
	require.NoError(t, err)
	require.Equal(t, invite.StatePending, got.State)

	_, err = f.api.Accept(context.Background(), id2)
	require.ErrorIs(t, err, invite.ErrInvalidTransition)
}

func TestAcceptFailsWhenResponseCannotBeSent(t *testing.T) {
	f := newFixture(t, invite.DefaultTimeouts)
	f.peers.respondErr = rpc.ErrDisconnectBeforeSending
	id := f.deliver(newInvite([]byte("project-key")))

	_, err := f.api.Accept(context.Background(), id)
	require.ErrorIs(t, err, rpc.ErrDisconnectBeforeSending)

	got, err := f.api.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, invite.StateError, got.State)
	require.Equal(t, 0, f.projects.addCount())
}

func TestAcceptTimesOutWaitingForDetails(t *testing.T) {
	f := newFixture(t, invite.Timeouts{AwaitDetails: 30 * time.Millisecond, AddProject: time.Second})
	id := f.deliver(newInvite([]byte("project-key")))

	_, err := f.api.Accept(context.Background(), id)
	var terr *invite.TimeoutError
	require.ErrorAs(t, err, &terr)
	require.Contains(t, err.Error(), "waiting for project details")

	got, err := f.api.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, invite.StateError, got.State)
	require.Contains(t, got.Error, "timed out")
}

func TestAcceptFailsWhenProjectCannotBeAdded(t *testing.T) {
	f := newFixture(t, invite.DefaultTimeouts)
	f.projects.addErr = errors.New("disk full")
	key := []byte("project-key")
	inv := newInvite(key)
	id := f.deliver(inv)

	res := f.acceptAsync(id)
	f.waitState(t, id, invite.StateAwaitingDetails)
	f.sendDetails(invitor, inv, key)

	r := wait(t, res)
	require.ErrorContains(t, r.err, "disk full")
}

func TestRejectFailureIsReportedAsState(t *testing.T) {
	f := newFixture(t, invite.DefaultTimeouts)
	f.peers.respondErr = rpc.ErrPeerDisconnected
	id := f.deliver(newInvite([]byte("project-key")))

	require.NoError(t, f.api.Reject(id))

	require.Eventually(t, func() bool {
		last, ok := f.lastUpdate(id)
		return ok && last.State == invite.StateError
	}, waitFor, time.Millisecond)
	last, _ := f.lastUpdate(id)
	require.Contains(t, last.Error, rpc.ErrPeerDisconnected.Error())
}

func TestReject(t *testing.T) {
	f := newFixture(t, invite.DefaultTimeouts)
	inv := newInvite([]byte("project-key"))
	id := f.deliver(inv)

	require.NoError(t, f.api.Reject(id))
	require.Equal(t, protocol.DecisionReject, f.peers.waitDecision(t, inv.InviteID))
	f.waitState(t, id, invite.StateRejected)

	require.ErrorIs(t, f.api.Reject(id), invite.ErrInvalidTransition)
	require.ErrorIs(t, f.api.Reject("00"), invite.ErrInviteNotFound)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, invite.DefaultTimeouts)
	inv := newInvite([]byte("project-key"))
	id := f.deliver(inv)

	f.peers.cancels.Emit(rpc.InviteCancelEvent{PeerID: invitor, Cancel: protocol.InviteCancel{InviteID: inv.InviteID}})
	f.waitState(t, id, invite.StateCanceled)

	_, err := f.api.Accept(context.Background(), id)
	require.ErrorIs(t, err, invite.ErrInvalidTransition)

	// Cancelling again is ignored.
	f.peers.cancels.Emit(rpc.InviteCancelEvent{PeerID: invitor, Cancel: protocol.InviteCancel{InviteID: inv.InviteID}})
	f.waitState(t, id, invite.StateCanceled)
}

func TestDetailsFromAnotherPeerAreIgnored(t *testing.T) {
	f := newFixture(t, invite.DefaultTimeouts)
	key := []byte("project-key")
	inv := newInvite(key)
	id := f.deliver(inv)

	res := f.acceptAsync(id)
	f.waitState(t, id, invite.StateAwaitingDetails)

	f.sendDetails("bbbb1111", inv, []byte("attacker-key"))
	time.Sleep(20 * time.Millisecond)
	got, err := f.api.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, invite.StateAwaitingDetails, got.State)

	f.sendDetails(invitor, inv, key)
	r := wait(t, res)
	require.NoError(t, r.err)
	require.Equal(t, crypto.ProjectPublicID(key), r.id)
}
