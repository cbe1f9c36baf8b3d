// Package rpc implements the mapeo/rpc peer layer: one Peer per
// multiplexed connection and a LocalPeers registry that deduplicates
// connections per device, routes inbound messages to typed events and
// resolves device IDs for outbound sends.
package rpc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"mapeo.dev/go/mapeo/internal/event"
	"mapeo.dev/go/mapeo/internal/mux"
	"mapeo.dev/go/mapeo/internal/protocol"
)

const (
	// DefaultSendTimeout bounds how long a send waits for connecting peers
	// of the target device to settle.
	DefaultSendTimeout = time.Second

	// DefaultDedupeTimeout bounds how long a send waits for duplicate
	// connections to be resolved.
	DefaultDedupeTimeout = time.Second

	// DiscoveryProtocol is the channel name whose remote opens are reported
	// as discovery keys.
	DiscoveryProtocol = "hypercore/alpha"
)

// Events emitted by LocalPeers.
type (
	InviteEvent struct {
		PeerID string
		Invite protocol.Invite
	}

	InviteCancelEvent struct {
		PeerID string
		Cancel protocol.InviteCancel
	}

	InviteResponseEvent struct {
		PeerID   string
		Response protocol.InviteResponse
	}

	ProjectDetailsEvent struct {
		PeerID  string
		Details protocol.ProjectJoinDetails
	}

	// AckEvent reports an acknowledgement. Ack.AckType says which message
	// type it acknowledges.
	AckEvent struct {
		PeerID string
		Ack    protocol.Ack
	}

	DiscoveryKeyEvent struct {
		PeerID       string
		DiscoveryKey []byte
	}

	// FailedMessageEvent reports an inbound message that was dropped.
	// The connection stays open.
	FailedMessageEvent struct {
		PeerID string
		Type   protocol.MessageType
		Err    error
	}
)

// Options configures a LocalPeers registry.
type Options struct {
	Logger *slog.Logger

	// DeviceInfo is sent to every peer as soon as its channel opens.
	DeviceInfo *protocol.DeviceInfo

	// RateLimit paces inbound messages. Nil uses the defaults.
	RateLimit *RateLimitConfig

	SendTimeout   time.Duration
	DedupeTimeout time.Duration
}

type device struct {
	peers map[*Peer]struct{}

	// connected is whether the chosen peer was connected at the last
	// change, used to emit peer-add once per connection.
	connected bool
}

// LocalPeers tracks every connection to every device.
type LocalPeers struct {
	log           *slog.Logger
	limiter       *RateLimiter
	sendTimeout   time.Duration
	dedupeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	devices    map[string]*device
	changed    chan struct{} // closed and replaced on every peer state change
	deviceInfo *protocol.DeviceInfo
	closed     bool

	peersEv          event.Emitter[[]PeerInfo]
	peerAddEv        event.Emitter[PeerInfo]
	inviteEv         event.Emitter[InviteEvent]
	inviteCancelEv   event.Emitter[InviteCancelEvent]
	inviteResponseEv event.Emitter[InviteResponseEvent]
	detailsEv        event.Emitter[ProjectDetailsEvent]
	ackEv            event.Emitter[AckEvent]
	discoveryKeyEv   event.Emitter[DiscoveryKeyEvent]
	failedEv         event.Emitter[FailedMessageEvent]
}

// New creates an empty registry.
func New(opts Options) *LocalPeers {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.DedupeTimeout <= 0 {
		opts.DedupeTimeout = DefaultDedupeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	lp := &LocalPeers{
		log:           log,
		limiter:       NewRateLimiter(opts.RateLimit),
		sendTimeout:   opts.SendTimeout,
		dedupeTimeout: opts.DedupeTimeout,
		ctx:           ctx,
		cancel:        cancel,
		devices:       make(map[string]*device),
		changed:       make(chan struct{}),
	}
	if opts.DeviceInfo != nil {
		lp.deviceInfo = withAckFeature(*opts.DeviceInfo)
	}
	return lp
}

func withAckFeature(info protocol.DeviceInfo) *protocol.DeviceInfo {
	if !info.HasFeature(protocol.FeatureAck) {
		info.Features = append(append([]string(nil), info.Features...), protocol.FeatureAck)
	}
	return &info
}

// Subscriptions. Handlers run synchronously on the connection's read loop
// and must hand any send off to another goroutine.

func (lp *LocalPeers) OnPeers(fn func([]PeerInfo)) func()  { return lp.peersEv.Subscribe(fn) }
func (lp *LocalPeers) OnPeerAdd(fn func(PeerInfo)) func()   { return lp.peerAddEv.Subscribe(fn) }
func (lp *LocalPeers) OnInvite(fn func(InviteEvent)) func() { return lp.inviteEv.Subscribe(fn) }
func (lp *LocalPeers) OnInviteCancel(fn func(InviteCancelEvent)) func() {
	return lp.inviteCancelEv.Subscribe(fn)
}
func (lp *LocalPeers) OnInviteResponse(fn func(InviteResponseEvent)) func() {
	return lp.inviteResponseEv.Subscribe(fn)
}
func (lp *LocalPeers) OnProjectDetails(fn func(ProjectDetailsEvent)) func() {
	return lp.detailsEv.Subscribe(fn)
}
func (lp *LocalPeers) OnAck(fn func(AckEvent)) func() { return lp.ackEv.Subscribe(fn) }
func (lp *LocalPeers) OnDiscoveryKey(fn func(DiscoveryKeyEvent)) func() {
	return lp.discoveryKeyEv.Subscribe(fn)
}
func (lp *LocalPeers) OnFailedToHandleMessage(fn func(FailedMessageEvent)) func() {
	return lp.failedEv.Subscribe(fn)
}

// Connect takes ownership of stream, opens the mapeo/rpc channel on it and
// returns the new peer in the connecting state.
func (lp *LocalPeers) Connect(stream SecureStream) (*Peer, error) {
	deviceID := hex.EncodeToString(stream.RemotePublicKey())
	log := lp.log.With("device_id", shortID(deviceID))
	m := mux.New(stream, log)
	p := newPeer(deviceID, stream, m, lp.log)

	lp.mu.Lock()
	if lp.closed {
		lp.mu.Unlock()
		stream.Close()
		return nil, ErrRegistryClosed
	}
	d := lp.devices[deviceID]
	if d == nil {
		d = &device{peers: make(map[*Peer]struct{})}
		lp.devices[deviceID] = d
	}
	d.peers[p] = struct{}{}
	lp.notifyLocked()
	lp.wg.Add(1)
	lp.mu.Unlock()

	m.OnUnmatchedOpen(func(proto string, id []byte) {
		if proto != DiscoveryProtocol {
			return
		}
		lp.discoveryKeyEv.Emit(DiscoveryKeyEvent{
			PeerID:       deviceID,
			DiscoveryKey: append([]byte(nil), id...),
		})
	})
	go m.Run()

	log.Debug("Peer connecting", "initiator", stream.IsInitiator())
	go lp.run(p)
	return p, nil
}

func (lp *LocalPeers) run(p *Peer) {
	defer lp.wg.Done()

	ch, err := p.mux.Open(protocol.ProtocolName, nil, func(typ uint64, payload []byte) {
		lp.handleMessage(p, typ, payload)
	})
	if err != nil {
		p.mux.Close(err)
	} else {
		p.setChannel(ch)
		select {
		case <-ch.Opened():
			lp.onOpen(p)
		case <-p.mux.Done():
		case <-lp.ctx.Done():
			p.mux.Close(ErrRegistryClosed)
		}

		// The peer lives as long as its rpc channel, even when the
		// connection carries other channels.
		select {
		case <-ch.Closed():
			p.destroy(ErrChannelClosed)
		case <-p.mux.Done():
		}
	}

	<-p.mux.Done()
	lp.onClose(p, p.mux.Err())
}

// onOpen deduplicates p against the device's other open peers and marks
// the survivor connected.
func (lp *LocalPeers) onOpen(p *Peer) {
	lp.mu.Lock()
	d := lp.devices[p.deviceID]
	if d == nil {
		lp.mu.Unlock()
		return
	}

	for other := range d.peers {
		if other == p || other.State() != PeerStateConnected {
			continue
		}
		if keepExisting(other.IsInitiator(), p.IsInitiator(), p.stream.PublicKey(), p.stream.RemotePublicKey()) {
			lp.mu.Unlock()
			p.log.Debug("Closing duplicate connection", "initiator", p.IsInitiator())
			p.destroy(ErrDuplicate)
			return
		}
		other.log.Debug("Replacing duplicate connection", "initiator", other.IsInitiator())
		other.markDisconnected(ErrDuplicate)
		go other.mux.Close(ErrDuplicate)
	}

	p.markConnected()
	prune(d)
	emit := lp.changeLocked(p.deviceID)
	info := lp.deviceInfo
	lp.mu.Unlock()

	emit()
	p.log.Info("Peer connected", "initiator", p.IsInitiator())

	if info != nil {
		lp.goSend(p, *info)
	}
}

func (lp *LocalPeers) onClose(p *Peer, reason error) {
	p.markDisconnected(reason)

	lp.mu.Lock()
	d := lp.devices[p.deviceID]
	if d == nil {
		lp.mu.Unlock()
		return
	}
	prune(d)
	emit := lp.changeLocked(p.deviceID)
	lp.mu.Unlock()

	emit()
	if !errors.Is(reason, ErrDuplicate) {
		p.log.Info("Peer disconnected", "reason", reason)
	}
}

// prune drops disconnected peers, keeping only the most recently
// disconnected one when nothing else is left.
func prune(d *device) {
	var latest *Peer
	var latestAt time.Time
	live := false
	for p := range d.peers {
		s := p.snapshot()
		if s.state != PeerStateDisconnected {
			live = true
			continue
		}
		if latest == nil || s.disconnectedAt.After(latestAt) {
			latest, latestAt = p, s.disconnectedAt
		}
	}
	for p := range d.peers {
		if p.State() == PeerStateDisconnected && (live || p != latest) {
			delete(d.peers, p)
		}
	}
}

// changeLocked records a state change for deviceID and returns a function
// that emits the resulting events once the lock is released.
func (lp *LocalPeers) changeLocked(deviceID string) func() {
	lp.notifyLocked()

	d := lp.devices[deviceID]
	var added *PeerInfo
	if chosen := choosePeer(peerList(d)); chosen != nil {
		connected := chosen.State() == PeerStateConnected
		if connected && !d.connected {
			info := chosen.Info()
			added = &info
		}
		d.connected = connected
		if !connected {
			lp.limiter.RemovePeer(deviceID)
		}
	}
	snapshot := lp.connectedLocked()

	return func() {
		if added != nil {
			lp.peerAddEv.Emit(*added)
		}
		lp.peersEv.Emit(snapshot)
	}
}

func (lp *LocalPeers) notifyLocked() {
	close(lp.changed)
	lp.changed = make(chan struct{})
}

func peerList(d *device) []*Peer {
	if d == nil {
		return nil
	}
	peers := make([]*Peer, 0, len(d.peers))
	for p := range d.peers {
		peers = append(peers, p)
	}
	return peers
}

func (lp *LocalPeers) connectedLocked() []PeerInfo {
	infos := make([]PeerInfo, 0, len(lp.devices))
	for _, d := range lp.devices {
		p := choosePeer(peerList(d))
		if p == nil {
			continue
		}
		if info := p.Info(); info.Status == PeerStateConnected.String() {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DeviceID < infos[j].DeviceID })
	return infos
}

// Peers returns the connected peers, one per device.
func (lp *LocalPeers) Peers() []PeerInfo {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.connectedLocked()
}

// ConnectionCount returns the number of tracked connections to deviceID,
// including disconnected ones kept for tie-breaking.
func (lp *LocalPeers) ConnectionCount(deviceID string) int {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if d := lp.devices[deviceID]; d != nil {
		return len(d.peers)
	}
	return 0
}

// RateLimited returns how many inbound messages were held back by the
// rate limiter.
func (lp *LocalPeers) RateLimited() int64 {
	return lp.limiter.TotalThrottled()
}

// SetDeviceInfo changes the info announced to peers and sends it to every
// connected peer.
func (lp *LocalPeers) SetDeviceInfo(info protocol.DeviceInfo) error {
	if err := protocol.Validate(info); err != nil {
		return err
	}

	lp.mu.Lock()
	lp.deviceInfo = withAckFeature(info)
	announce := *lp.deviceInfo
	var peers []*Peer
	for _, d := range lp.devices {
		for p := range d.peers {
			if p.State() == PeerStateConnected {
				peers = append(peers, p)
			}
		}
	}
	lp.mu.Unlock()

	for _, p := range peers {
		lp.goSend(p, announce)
	}
	return nil
}

// goSend sends msg to p in the background, logging failures.
func (lp *LocalPeers) goSend(p *Peer, msg protocol.Message) {
	lp.mu.Lock()
	if lp.closed {
		lp.mu.Unlock()
		return
	}
	lp.wg.Add(1)
	lp.mu.Unlock()

	go func() {
		defer lp.wg.Done()
		if err := p.send(lp.ctx, msg); err != nil {
			p.log.Warn("Failed to send message", "type", msg.Type(), "error", err)
		}
	}()
}

func (lp *LocalPeers) handleMessage(p *Peer, typ uint64, payload []byte) {
	// The channel can deliver before the registry has finished
	// deduplicating it. Messages on a losing connection are dropped.
	select {
	case <-p.connected:
	case <-p.disconnected:
		return
	}

	if typ > uint64(^uint8(0)) || !protocol.MessageType(typ).Known() {
		lp.failed(p, protocol.MessageType(typ), fmt.Errorf("%w: %d", protocol.ErrUnknownMessageType, typ))
		return
	}
	t := protocol.MessageType(typ)

	// Over the limit, reading pauses instead of dropping. The remote's
	// writes back up behind the stream.
	if delay := lp.limiter.Reserve(p.deviceID, t); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-p.disconnected:
			timer.Stop()
			return
		case <-lp.ctx.Done():
			timer.Stop()
			return
		}
	}

	msg, err := protocol.Decode(t, payload)
	if err != nil {
		lp.failed(p, t, err)
		return
	}

	switch m := msg.(type) {
	case protocol.Invite:
		lp.inviteEv.Emit(InviteEvent{PeerID: p.deviceID, Invite: m})
	case protocol.InviteCancel:
		lp.inviteCancelEv.Emit(InviteCancelEvent{PeerID: p.deviceID, Cancel: m})
	case protocol.InviteResponse:
		lp.inviteResponseEv.Emit(InviteResponseEvent{PeerID: p.deviceID, Response: m})
	case protocol.ProjectJoinDetails:
		lp.detailsEv.Emit(ProjectDetailsEvent{PeerID: p.deviceID, Details: m})
	case protocol.DeviceInfo:
		p.setDeviceInfo(m)
		lp.mu.Lock()
		snapshot := lp.connectedLocked()
		lp.mu.Unlock()
		lp.peersEv.Emit(snapshot)
	case protocol.Ack:
		p.receiveAck(m)
		lp.ackEv.Emit(AckEvent{PeerID: p.deviceID, Ack: m})
	}

	if ackType, ok := t.AckType(); ok {
		lp.goSend(p, protocol.Ack{AckType: ackType, InviteID: protocol.InviteIDOf(msg)})
	}
}

func (lp *LocalPeers) failed(p *Peer, t protocol.MessageType, err error) {
	p.log.Warn("Failed to handle message", "type", t, "error", err)
	lp.failedEv.Emit(FailedMessageEvent{PeerID: p.deviceID, Type: t, Err: err})
}

// SendInvite sends an invite to deviceID and waits for its ack.
func (lp *LocalPeers) SendInvite(ctx context.Context, deviceID string, inv protocol.Invite) error {
	return lp.send(ctx, deviceID, inv)
}

// SendInviteCancel cancels an invite previously sent to deviceID.
func (lp *LocalPeers) SendInviteCancel(ctx context.Context, deviceID string, c protocol.InviteCancel) error {
	return lp.send(ctx, deviceID, c)
}

// SendInviteResponse answers an invite received from deviceID.
func (lp *LocalPeers) SendInviteResponse(ctx context.Context, deviceID string, r protocol.InviteResponse) error {
	return lp.send(ctx, deviceID, r)
}

// SendProjectJoinDetails sends project keys to an invitee that accepted.
func (lp *LocalPeers) SendProjectJoinDetails(ctx context.Context, deviceID string, d protocol.ProjectJoinDetails) error {
	return lp.send(ctx, deviceID, d)
}

// SendDeviceInfo sends device info to one device.
func (lp *LocalPeers) SendDeviceInfo(ctx context.Context, deviceID string, info protocol.DeviceInfo) error {
	return lp.send(ctx, deviceID, info)
}

func (lp *LocalPeers) send(ctx context.Context, deviceID string, msg protocol.Message) error {
	if err := protocol.Validate(msg); err != nil {
		return err
	}
	p, err := lp.resolve(ctx, deviceID)
	if err != nil {
		return err
	}
	return p.send(ctx, msg)
}

// resolve waits for the device's connections to settle and returns the
// chosen peer.
func (lp *LocalPeers) resolve(ctx context.Context, deviceID string) (*Peer, error) {
	lp.mu.Lock()
	_, known := lp.devices[deviceID]
	closed := lp.closed
	lp.mu.Unlock()
	if closed {
		return nil, ErrRegistryClosed
	}
	if !known {
		return nil, &UnknownPeerError{DeviceID: deviceID}
	}

	err := lp.waitFor(ctx, lp.sendTimeout, func(peers []*Peer) bool {
		for _, p := range peers {
			if p.State() == PeerStateConnecting {
				return false
			}
		}
		return true
	}, deviceID)
	if err != nil {
		return nil, err
	}

	err = lp.waitFor(ctx, lp.dedupeTimeout, func(peers []*Peer) bool {
		live := 0
		for _, p := range peers {
			if p.State() != PeerStateDisconnected {
				live++
			}
		}
		return live <= 1
	}, deviceID)
	if err != nil {
		return nil, err
	}

	lp.mu.Lock()
	p := choosePeer(peerList(lp.devices[deviceID]))
	lp.mu.Unlock()
	if p == nil {
		return nil, &UnknownPeerError{DeviceID: deviceID}
	}
	return p, nil
}

// waitFor blocks until cond holds for the device's peers or timeout
// elapses. Only context cancellation is an error.
func (lp *LocalPeers) waitFor(ctx context.Context, timeout time.Duration, cond func([]*Peer) bool, deviceID string) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		lp.mu.Lock()
		ok := cond(peerList(lp.devices[deviceID]))
		changed := lp.changed
		lp.mu.Unlock()
		if ok {
			return nil
		}

		select {
		case <-changed:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-lp.ctx.Done():
			return ErrRegistryClosed
		}
	}
}

// Close disconnects every peer and waits for their goroutines to exit.
func (lp *LocalPeers) Close() error {
	lp.mu.Lock()
	if lp.closed {
		lp.mu.Unlock()
		return nil
	}
	lp.closed = true
	var peers []*Peer
	for _, d := range lp.devices {
		peers = append(peers, peerList(d)...)
	}
	lp.mu.Unlock()

	lp.cancel()
	for _, p := range peers {
		p.destroy(ErrRegistryClosed)
	}
	lp.wg.Wait()
	return nil
}
