package rpc

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"mapeo.dev/go/mapeo/internal/mux"
	"mapeo.dev/go/mapeo/internal/protocol"
)

// SecureStream is an authenticated, encrypted duplex connection to one
// remote device, as produced by the transport layer.
type SecureStream interface {
	io.ReadWriteCloser

	// PublicKey is the local device's public key.
	PublicKey() []byte

	// RemotePublicKey is the authenticated public key of the remote device.
	RemotePublicKey() []byte

	// IsInitiator reports whether the local side dialed the connection.
	IsInitiator() bool

	// HandshakeHash is a value both ends of the same session agree on.
	HandshakeHash() []byte
}

// PeerState is the connection state of a peer. It only ever moves forward:
// connecting, connected, disconnected.
type PeerState int

const (
	PeerStateConnecting PeerState = iota
	PeerStateConnected
	PeerStateDisconnected
)

func (s PeerState) String() string {
	switch s {
	case PeerStateConnecting:
		return "connecting"
	case PeerStateConnected:
		return "connected"
	case PeerStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerInfo is the public view of a peer
type PeerInfo struct {
	DeviceID       string              `json:"device_id"`
	Name           string              `json:"name,omitempty"`
	DeviceType     protocol.DeviceType `json:"device_type,omitempty"`
	Features       []string            `json:"features,omitempty"`
	Status         string              `json:"status"`
	ConnectedAt    time.Time           `json:"connected_at,omitempty"`
	DisconnectedAt time.Time           `json:"disconnected_at,omitempty"`
}

type ackWaiter struct {
	inviteID []byte
	done     chan error
}

// Peer is one mapeo/rpc channel over one connection to a device.
// A reconnect always produces a new Peer.
type Peer struct {
	log      *slog.Logger
	deviceID string
	stream   SecureStream
	mux      *mux.Mux

	mu             sync.Mutex
	ch             *mux.Channel
	state          PeerState
	connectedAt    time.Time
	disconnectedAt time.Time
	info           protocol.DeviceInfo
	hasInfo        bool

	// Keyed by the type of the message awaiting acknowledgement.
	// Only non-empty while connected.
	ackWaiters map[protocol.MessageType]map[*ackWaiter]struct{}

	connected    chan struct{}
	disconnected chan struct{}
}

func newPeer(deviceID string, stream SecureStream, m *mux.Mux, log *slog.Logger) *Peer {
	return &Peer{
		log:          log.With("device_id", shortID(deviceID)),
		deviceID:     deviceID,
		stream:       stream,
		mux:          m,
		ackWaiters:   make(map[protocol.MessageType]map[*ackWaiter]struct{}),
		connected:    make(chan struct{}),
		disconnected: make(chan struct{}),
	}
}

// DeviceID returns the hex-encoded public key of the remote device.
func (p *Peer) DeviceID() string { return p.deviceID }

// HandshakeHash identifies the underlying session.
func (p *Peer) HandshakeHash() []byte { return p.stream.HandshakeHash() }

// IsInitiator reports whether the local device dialed this connection.
func (p *Peer) IsInitiator() bool { return p.stream.IsInitiator() }

// State returns the current connection state.
func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Info returns a snapshot of the peer.
func (p *Peer) Info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.infoLocked()
}

func (p *Peer) infoLocked() PeerInfo {
	info := PeerInfo{
		DeviceID:       p.deviceID,
		Status:         p.state.String(),
		ConnectedAt:    p.connectedAt,
		DisconnectedAt: p.disconnectedAt,
	}
	if p.hasInfo {
		info.Name = p.info.Name
		info.DeviceType = p.info.DeviceType
		info.Features = append([]string(nil), p.info.Features...)
	}
	return info
}

// WaitConnected blocks until the peer's channel is open.
// It returns ErrPeerFailedConnection if the peer disconnects first.
func (p *Peer) WaitConnected(ctx context.Context) error {
	select {
	case <-p.connected:
		return nil
	case <-p.disconnected:
		select {
		case <-p.connected:
			return nil
		default:
		}
		return ErrPeerFailedConnection
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnected is closed once the peer has disconnected.
func (p *Peer) Disconnected() <-chan struct{} { return p.disconnected }

func (p *Peer) setChannel(ch *mux.Channel) {
	p.mu.Lock()
	p.ch = ch
	p.mu.Unlock()
}

// markConnected moves a connecting peer to connected.
func (p *Peer) markConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PeerStateConnecting {
		return false
	}
	p.state = PeerStateConnected
	p.connectedAt = time.Now()
	close(p.connected)
	return true
}

// markDisconnected moves the peer to disconnected and rejects every pending
// ack waiter. It reports whether the state changed.
func (p *Peer) markDisconnected(reason error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PeerStateDisconnected {
		return false
	}
	p.state = PeerStateDisconnected
	p.disconnectedAt = time.Now()

	for _, waiters := range p.ackWaiters {
		for w := range waiters {
			w.done <- ErrDisconnectBeforeAck
		}
	}
	p.ackWaiters = make(map[protocol.MessageType]map[*ackWaiter]struct{})
	close(p.disconnected)

	p.log.Debug("Peer disconnected", "reason", reason)
	return true
}

// destroy disconnects the peer and closes its connection.
func (p *Peer) destroy(reason error) {
	p.markDisconnected(reason)
	p.mux.Close(reason)
}

func (p *Peer) setDeviceInfo(info protocol.DeviceInfo) {
	p.mu.Lock()
	p.info = info
	p.hasInfo = true
	p.mu.Unlock()
}

func (p *Peer) pendingAcks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, waiters := range p.ackWaiters {
		n += len(waiters)
	}
	return n
}

// SendInvite sends an invite and waits for its acknowledgement when the
// remote supports acks.
func (p *Peer) SendInvite(ctx context.Context, inv protocol.Invite) error {
	return p.send(ctx, inv)
}

// SendInviteCancel sends an invite cancellation.
func (p *Peer) SendInviteCancel(ctx context.Context, c protocol.InviteCancel) error {
	return p.send(ctx, c)
}

// SendInviteResponse sends the local decision on an invite.
func (p *Peer) SendInviteResponse(ctx context.Context, r protocol.InviteResponse) error {
	return p.send(ctx, r)
}

// SendProjectJoinDetails sends the keys needed to join a project.
func (p *Peer) SendProjectJoinDetails(ctx context.Context, d protocol.ProjectJoinDetails) error {
	return p.send(ctx, d)
}

// SendDeviceInfo announces the local device. It is never acknowledged.
func (p *Peer) SendDeviceInfo(ctx context.Context, info protocol.DeviceInfo) error {
	return p.send(ctx, info)
}

func (p *Peer) send(ctx context.Context, msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return p.write(ctx, msg.Type(), payload, protocol.InviteIDOf(msg))
}

func (p *Peer) write(ctx context.Context, t protocol.MessageType, payload, inviteID []byte) error {
	p.mu.Lock()
	if p.state != PeerStateConnected {
		p.mu.Unlock()
		return ErrPeerDisconnected
	}
	ch := p.ch

	// Register before writing so an ack racing the write is not lost.
	var w *ackWaiter
	if _, ackable := t.AckType(); ackable && p.info.HasFeature(protocol.FeatureAck) {
		w = &ackWaiter{inviteID: inviteID, done: make(chan error, 1)}
		if p.ackWaiters[t] == nil {
			p.ackWaiters[t] = make(map[*ackWaiter]struct{})
		}
		p.ackWaiters[t][w] = struct{}{}
	}
	p.mu.Unlock()

	if err := ch.Send(uint64(t), payload); err != nil {
		p.removeWaiter(t, w)
		return fmt.Errorf("%w: %w", ErrDisconnectBeforeSending, err)
	}

	if w == nil {
		return nil
	}

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		p.removeWaiter(t, w)
		return ctx.Err()
	}
}

func (p *Peer) removeWaiter(t protocol.MessageType, w *ackWaiter) {
	if w == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if waiters := p.ackWaiters[t]; waiters != nil {
		delete(waiters, w)
		if len(waiters) == 0 {
			delete(p.ackWaiters, t)
		}
	}
}

// receiveAck resolves every waiter for the acknowledged type whose invite
// ID matches. Other waiters stay registered.
func (p *Peer) receiveAck(ack protocol.Ack) {
	t, ok := ack.AckType.AckedType()
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	waiters := p.ackWaiters[t]
	for w := range waiters {
		if subtle.ConstantTimeCompare(w.inviteID, ack.InviteID) == 1 {
			w.done <- nil
			delete(waiters, w)
		}
	}
	if len(waiters) == 0 {
		delete(p.ackWaiters, t)
	}
}
