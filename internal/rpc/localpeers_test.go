package rpc_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
	"mapeo.dev/go/mapeo/internal/mux"
	"mapeo.dev/go/mapeo/internal/protocol"
	"mapeo.dev/go/mapeo/internal/rpc"
	"mapeo.dev/go/mapeo/internal/rpc/rpctest"
)

const waitFor = 3 * time.Second

func newRegistry(t *testing.T, name string) *rpc.LocalPeers {
	t.Helper()
	return newRegistryWithLimits(t, name, nil)
}

func newRegistryWithLimits(t *testing.T, name string, limits *rpc.RateLimitConfig) *rpc.LocalPeers {
	t.Helper()
	lp := rpc.New(rpc.Options{
		Logger:     slogt.New(t),
		DeviceInfo: &protocol.DeviceInfo{Name: name, DeviceType: protocol.DeviceTypeDesktop},
		RateLimit:  limits,
	})
	t.Cleanup(func() { lp.Close() })
	return lp
}

// connect links a and b over one session dialed by a and waits for both
// ends to exchange device info.
func connect(t *testing.T, a, b *rpc.LocalPeers, keyA, keyB []byte) (*rpc.Peer, *rpc.Peer) {
	t.Helper()
	sa, sb := rpctest.Pair(keyA, keyB)

	pa, err := a.Connect(sa)
	require.NoError(t, err)
	pb, err := b.Connect(sb)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, pa.WaitConnected(ctx))
	require.NoError(t, pb.WaitConnected(ctx))

	require.Eventually(t, func() bool {
		return pa.Info().Name != "" && pb.Info().Name != ""
	}, waitFor, 5*time.Millisecond, "device info not exchanged")
	return pa, pb
}

func testInvite() protocol.Invite {
	return protocol.Invite{
		InviteID:        rpctest.Key(),
		ProjectInviteID: rpctest.Key(),
		ProjectName:     "Forest monitoring",
		InvitorName:     "Field laptop",
	}
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func TestSendInviteIsAcknowledged(t *testing.T) {
	a := newRegistry(t, "alice")
	b := newRegistry(t, "bob")
	keyA, keyB := rpctest.Key(), rpctest.Key()
	pa, pb := connect(t, a, b, keyA, keyB)

	require.Contains(t, pa.Info().Features, protocol.FeatureAck)

	received := make(chan rpc.InviteEvent, 1)
	b.OnInvite(func(ev rpc.InviteEvent) { received <- ev })

	acks := make(chan rpc.AckEvent, 1)
	a.OnAck(func(ev rpc.AckEvent) { acks <- ev })

	inv := testInvite()
	require.NoError(t, a.SendInvite(ctxTimeout(t), pa.DeviceID(), inv))
	require.Equal(t, 0, rpc.PendingAcks(pa))

	select {
	case ev := <-received:
		require.Equal(t, pb.DeviceID(), ev.PeerID)
		require.Equal(t, inv, ev.Invite)
	case <-time.After(waitFor):
		t.Fatal("invite not received")
	}

	select {
	case ev := <-acks:
		require.Equal(t, protocol.MsgInviteAck, ev.Ack.AckType)
		require.Equal(t, inv.InviteID, ev.Ack.InviteID)
	case <-time.After(waitFor):
		t.Fatal("ack not received")
	}
}

func TestMessagesAreDeliveredInOrder(t *testing.T) {
	a := newRegistry(t, "alice")
	b := newRegistry(t, "bob")
	pa, _ := connect(t, a, b, rpctest.Key(), rpctest.Key())

	var mu sync.Mutex
	var got []string
	b.OnInvite(func(ev rpc.InviteEvent) {
		mu.Lock()
		got = append(got, ev.Invite.ProjectName)
		mu.Unlock()
	})

	names := []string{"one", "two", "three", "four"}
	for _, name := range names {
		inv := testInvite()
		inv.ProjectName = name
		require.NoError(t, a.SendInvite(ctxTimeout(t), pa.DeviceID(), inv))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(names)
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, names, got)
}

func TestSendsOverRateLimitAreDelayed(t *testing.T) {
	a := newRegistry(t, "alice")
	b := newRegistryWithLimits(t, "bob", &rpc.RateLimitConfig{
		PeerMessagesPerSecond: 200,
		PeerBurst:             3,
		TypeLimits: map[protocol.MessageType]rpc.TypeLimit{
			protocol.MsgInvite: {PerMinute: 6000, Burst: 2},
		},
		GlobalMessagesPerSecond: 1000,
		GlobalBurst:             1000,
	})
	pa, _ := connect(t, a, b, rpctest.Key(), rpctest.Key())

	var mu sync.Mutex
	var got []string
	b.OnInvite(func(ev rpc.InviteEvent) {
		mu.Lock()
		got = append(got, ev.Invite.ProjectName)
		mu.Unlock()
	})
	failed := make(chan rpc.FailedMessageEvent, 1)
	b.OnFailedToHandleMessage(func(ev rpc.FailedMessageEvent) {
		select {
		case failed <- ev:
		default:
		}
	})

	var want []string
	for i := 0; i < 25; i++ {
		inv := testInvite()
		inv.ProjectName = fmt.Sprintf("project %d", i)
		want = append(want, inv.ProjectName)
		require.NoError(t, a.SendInvite(ctxTimeout(t), pa.DeviceID(), inv), "send %d", i)
	}

	mu.Lock()
	require.Equal(t, want, got)
	mu.Unlock()
	require.Positive(t, b.RateLimited())

	select {
	case ev := <-failed:
		t.Fatalf("message reported as failed: %v", ev.Err)
	default:
	}
}

func TestSendToUnknownPeer(t *testing.T) {
	a := newRegistry(t, "alice")

	err := a.SendInvite(ctxTimeout(t), "00ff", testInvite())
	var unknown *rpc.UnknownPeerError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "00ff", unknown.DeviceID)
}

func TestSendRejectsInvalidMessage(t *testing.T) {
	a := newRegistry(t, "alice")
	b := newRegistry(t, "bob")
	pa, _ := connect(t, a, b, rpctest.Key(), rpctest.Key())

	inv := testInvite()
	inv.InviteID = []byte("short")
	var verr *protocol.ValidationError
	require.ErrorAs(t, a.SendInvite(ctxTimeout(t), pa.DeviceID(), inv), &verr)
}

func TestPeerEvents(t *testing.T) {
	a := newRegistry(t, "alice")
	b := newRegistry(t, "bob")

	added := make(chan rpc.PeerInfo, 4)
	a.OnPeerAdd(func(info rpc.PeerInfo) { added <- info })

	keyA, keyB := rpctest.Key(), rpctest.Key()
	pa, _ := connect(t, a, b, keyA, keyB)

	select {
	case info := <-added:
		require.Equal(t, pa.DeviceID(), info.DeviceID)
		require.Equal(t, "connected", info.Status)
	case <-time.After(waitFor):
		t.Fatal("peer-add not emitted")
	}

	require.Eventually(t, func() bool {
		peers := a.Peers()
		return len(peers) == 1 && peers[0].Name == "bob"
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, protocol.DeviceTypeDesktop, a.Peers()[0].DeviceType)

	disconnected := make(chan []rpc.PeerInfo, 4)
	a.OnPeers(func(peers []rpc.PeerInfo) { disconnected <- peers })
	require.NoError(t, b.Close())

	require.Eventually(t, func() bool { return len(a.Peers()) == 0 }, waitFor, 5*time.Millisecond)
	select {
	case peers := <-disconnected:
		require.Empty(t, peers)
	case <-time.After(waitFor):
		t.Fatal("peers not emitted on disconnect")
	}
	require.Len(t, added, 0, "peer-add must not repeat without a reconnect")

	require.ErrorIs(t, a.SendInvite(ctxTimeout(t), pa.DeviceID(), testInvite()), rpc.ErrPeerDisconnected)

	// A reconnect is a new peer and is announced again.
	b2 := newRegistry(t, "bob")
	connect(t, a, b2, keyA, keyB)
	select {
	case info := <-added:
		require.Equal(t, pa.DeviceID(), info.DeviceID)
	case <-time.After(waitFor):
		t.Fatal("peer-add not emitted on reconnect")
	}
	require.Equal(t, 1, a.ConnectionCount(pa.DeviceID()))
}

func TestFailedToHandleMessage(t *testing.T) {
	a := newRegistry(t, "alice")
	b := newRegistry(t, "bob")
	pa, _ := connect(t, a, b, rpctest.Key(), rpctest.Key())

	failed := make(chan rpc.FailedMessageEvent, 4)
	b.OnFailedToHandleMessage(func(ev rpc.FailedMessageEvent) { failed <- ev })
	invites := make(chan rpc.InviteEvent, 4)
	b.OnInvite(func(ev rpc.InviteEvent) { invites <- ev })

	bad := testInvite()
	bad.InviteID = bad.InviteID[:8]
	payload, err := protocol.Encode(bad)
	require.NoError(t, err)
	require.NoError(t, rpc.SendRawForTesting(pa, uint64(protocol.MsgInvite), payload))

	select {
	case ev := <-failed:
		require.Equal(t, protocol.MsgInvite, ev.Type)
		var verr *protocol.ValidationError
		require.ErrorAs(t, ev.Err, &verr)
	case <-time.After(waitFor):
		t.Fatal("failed-to-handle-message not emitted")
	}

	require.NoError(t, rpc.SendRawForTesting(pa, 200, []byte{1, 2, 3}))
	select {
	case ev := <-failed:
		require.ErrorIs(t, ev.Err, protocol.ErrUnknownMessageType)
	case <-time.After(waitFor):
		t.Fatal("unknown type not reported")
	}

	// The connection survives bad messages.
	good := testInvite()
	require.NoError(t, a.SendInvite(ctxTimeout(t), pa.DeviceID(), good))
	select {
	case ev := <-invites:
		require.Equal(t, good.InviteID, ev.Invite.InviteID)
	case <-time.After(waitFor):
		t.Fatal("invite not received after bad messages")
	}
}

func TestDuplicateConnectionsConverge(t *testing.T) {
	a := newRegistry(t, "alice")
	b := newRegistry(t, "bob")
	keyA, keyB := rpctest.Key(), rpctest.Key()

	// One session dialed by each side, connected concurrently.
	a1, b1 := rpctest.Pair(keyA, keyB)
	b2, a2 := rpctest.Pair(keyB, keyA)

	var pa1, pa2, pb1, pb2 *rpc.Peer
	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); pa1, _ = a.Connect(a1) }()
	go func() { defer wg.Done(); pa2, _ = a.Connect(a2) }()
	go func() { defer wg.Done(); pb1, _ = b.Connect(b1) }()
	go func() { defer wg.Done(); pb2, _ = b.Connect(b2) }()
	wg.Wait()

	connectedOf := func(peers ...*rpc.Peer) []*rpc.Peer {
		var out []*rpc.Peer
		for _, p := range peers {
			if p.State() == rpc.PeerStateConnected {
				out = append(out, p)
			}
		}
		return out
	}

	require.Eventually(t, func() bool {
		ca := connectedOf(pa1, pa2)
		cb := connectedOf(pb1, pb2)
		if len(ca) != 1 || len(cb) != 1 {
			return false
		}
		return bytes.Equal(ca[0].HandshakeHash(), cb[0].HandshakeHash())
	}, waitFor, 5*time.Millisecond)

	// The surviving connection carries traffic.
	received := make(chan rpc.InviteEvent, 1)
	b.OnInvite(func(ev rpc.InviteEvent) { received <- ev })
	require.NoError(t, a.SendInvite(ctxTimeout(t), pa1.DeviceID(), testInvite()))
	select {
	case <-received:
	case <-time.After(waitFor):
		t.Fatal("invite not received over deduplicated connection")
	}
	require.Len(t, a.Peers(), 1)
	require.Len(t, b.Peers(), 1)
}

// rawPeer speaks mapeo/rpc directly over a mux, without a registry, so
// tests control exactly what the remote sends.
type rawPeer struct {
	m    *mux.Mux
	ch   *mux.Channel
	recv chan protocol.MessageType
}

func newRawPeer(t *testing.T, stream *rpctest.Stream) *rawPeer {
	t.Helper()
	r := &rawPeer{recv: make(chan protocol.MessageType, 16)}
	r.m = mux.New(stream, slogt.New(t))
	go r.m.Run()
	t.Cleanup(func() { r.m.Close(nil) })

	ch, err := r.m.Open(protocol.ProtocolName, nil, func(typ uint64, _ []byte) {
		r.recv <- protocol.MessageType(typ)
	})
	require.NoError(t, err)
	r.ch = ch
	return r
}

func (r *rawPeer) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	select {
	case <-r.ch.Opened():
	case <-time.After(waitFor):
		t.Fatal("raw channel not opened")
	}
	payload, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, r.ch.Send(uint64(msg.Type()), payload))
}

func (r *rawPeer) expect(t *testing.T, want protocol.MessageType) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case got := <-r.recv:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("did not receive %s", want)
		}
	}
}

func connectRaw(t *testing.T, a *rpc.LocalPeers, features []string) (*rpc.Peer, *rawPeer) {
	t.Helper()
	sa, sb := rpctest.Pair(rpctest.Key(), rpctest.Key())
	pa, err := a.Connect(sa)
	require.NoError(t, err)
	raw := newRawPeer(t, sb)

	require.NoError(t, pa.WaitConnected(ctxTimeout(t)))
	raw.expect(t, protocol.MsgDeviceInfo)
	raw.send(t, protocol.DeviceInfo{Name: "raw", Features: features})
	require.Eventually(t, func() bool { return pa.Info().Name == "raw" }, waitFor, 5*time.Millisecond)
	return pa, raw
}

func TestDisconnectBeforeAck(t *testing.T) {
	a := newRegistry(t, "alice")
	pa, raw := connectRaw(t, a, []string{protocol.FeatureAck})

	errc := make(chan error, 1)
	go func() { errc <- a.SendInvite(context.Background(), pa.DeviceID(), testInvite()) }()

	raw.expect(t, protocol.MsgInvite)
	require.Equal(t, 1, rpc.PendingAcks(pa))
	raw.m.Close(nil)

	select {
	case err := <-errc:
		require.ErrorIs(t, err, rpc.ErrDisconnectBeforeAck)
	case <-time.After(waitFor):
		t.Fatal("send did not fail on disconnect")
	}
	require.Equal(t, 0, rpc.PendingAcks(pa))
}

func TestRemoteChannelCloseDisconnectsPeer(t *testing.T) {
	a := newRegistry(t, "alice")
	pa, raw := connectRaw(t, a, []string{protocol.FeatureAck})

	errc := make(chan error, 1)
	go func() { errc <- a.SendInvite(context.Background(), pa.DeviceID(), testInvite()) }()

	raw.expect(t, protocol.MsgInvite)
	require.Equal(t, 1, rpc.PendingAcks(pa))
	require.NoError(t, raw.ch.Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, rpc.ErrDisconnectBeforeAck)
	case <-time.After(waitFor):
		t.Fatal("send did not fail when the channel closed")
	}
	require.Equal(t, 0, rpc.PendingAcks(pa))
	require.Equal(t, rpc.PeerStateDisconnected, pa.State())
	require.Empty(t, a.Peers())

	select {
	case <-raw.m.Done():
	case <-time.After(waitFor):
		t.Fatal("connection left open after channel close")
	}
}

func TestAckMatchesInviteID(t *testing.T) {
	a := newRegistry(t, "alice")
	pa, raw := connectRaw(t, a, []string{protocol.FeatureAck})

	first, second := testInvite(), testInvite()
	errs := make(chan error, 2)
	go func() { errs <- a.SendInvite(context.Background(), pa.DeviceID(), first) }()
	raw.expect(t, protocol.MsgInvite)
	go func() { errs <- a.SendInvite(context.Background(), pa.DeviceID(), second) }()
	raw.expect(t, protocol.MsgInvite)

	raw.send(t, protocol.Ack{AckType: protocol.MsgInviteAck, InviteID: second.InviteID})
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("ack did not resolve the matching send")
	}
	require.Equal(t, 1, rpc.PendingAcks(pa))

	// An ack for another type does not resolve the invite.
	raw.send(t, protocol.Ack{AckType: protocol.MsgInviteCancelAck, InviteID: first.InviteID})
	select {
	case <-errs:
		t.Fatal("cancel ack resolved an invite send")
	case <-time.After(50 * time.Millisecond):
	}

	raw.send(t, protocol.Ack{AckType: protocol.MsgInviteAck, InviteID: first.InviteID})
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("ack did not resolve the first send")
	}
	require.Equal(t, 0, rpc.PendingAcks(pa))
}

func TestNoAckFeatureDoesNotWait(t *testing.T) {
	a := newRegistry(t, "alice")
	pa, raw := connectRaw(t, a, nil)

	require.NoError(t, a.SendInvite(ctxTimeout(t), pa.DeviceID(), testInvite()))
	raw.expect(t, protocol.MsgInvite)
	require.Equal(t, 0, rpc.PendingAcks(pa))
}

func TestSendCanceledWhileWaitingForAck(t *testing.T) {
	a := newRegistry(t, "alice")
	pa, raw := connectRaw(t, a, []string{protocol.FeatureAck})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.SendInvite(ctx, pa.DeviceID(), testInvite()) }()
	raw.expect(t, protocol.MsgInvite)
	cancel()

	select {
	case err := <-errc:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(waitFor):
		t.Fatal("send not canceled")
	}
	require.Equal(t, 0, rpc.PendingAcks(pa))
}

func TestReceiverSendsAcks(t *testing.T) {
	a := newRegistry(t, "alice")
	pa, raw := connectRaw(t, a, nil)

	raw.send(t, protocol.InviteResponse{InviteID: rpctest.Key(), Decision: protocol.DecisionReject})
	raw.expect(t, protocol.MsgInviteResponseAck)

	raw.send(t, protocol.InviteCancel{InviteID: rpctest.Key()})
	raw.expect(t, protocol.MsgInviteCancelAck)
	require.Equal(t, rpc.PeerStateConnected, pa.State())
}

func TestDiscoveryKey(t *testing.T) {
	a := newRegistry(t, "alice")

	keys := make(chan rpc.DiscoveryKeyEvent, 1)
	a.OnDiscoveryKey(func(ev rpc.DiscoveryKeyEvent) { keys <- ev })

	pa, raw := connectRaw(t, a, nil)
	dk := rpctest.Key()
	_, err := raw.m.Open(rpc.DiscoveryProtocol, dk, nil)
	require.NoError(t, err)

	select {
	case ev := <-keys:
		require.Equal(t, pa.DeviceID(), ev.PeerID)
		require.Equal(t, dk, ev.DiscoveryKey)
	case <-time.After(waitFor):
		t.Fatal("discovery-key not emitted")
	}
}
