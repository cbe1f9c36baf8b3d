// Package daemon runs a mapeo device: it accepts and dials peer sessions,
// keeps the peer registry and invite state, and serves the local web API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"mapeo.dev/go/mapeo/internal/config"
	"mapeo.dev/go/mapeo/internal/crypto"
	"mapeo.dev/go/mapeo/internal/invite"
	"mapeo.dev/go/mapeo/internal/project"
	"mapeo.dev/go/mapeo/internal/protocol"
	"mapeo.dev/go/mapeo/internal/rpc"
	"mapeo.dev/go/mapeo/internal/transport"
)

// Daemon is a running mapeo device.
type Daemon struct {
	identity *crypto.Identity
	cfg      *config.Config
	paths    *config.Paths
	log      *slog.Logger

	logBuffer *LogBuffer
	metrics   *Metrics
	notify    *Notifications
	hub       *Hub
	web       *WebServer

	transport *transport.Transport
	peers     *rpc.LocalPeers
	projects  *project.Store
	invites   *invite.API
	invitor   *invite.Invitor

	startTime   time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe []func()
	stopOnce    sync.Once
}

// Status is the daemon's current status.
type Status struct {
	Running        bool      `json:"running"`
	PID            int       `json:"pid"`
	Uptime         string    `json:"uptime"`
	StartTime      time.Time `json:"start_time"`
	DeviceName     string    `json:"device_name"`
	DeviceID       string    `json:"device_id"`
	DeviceType     string    `json:"device_type"`
	P2PAddr        string    `json:"p2p_addr"`
	PeerCount      int       `json:"peer_count"`
	ProjectCount   int       `json:"project_count"`
	PendingInvites int       `json:"pending_invites"`
}

// Options configures a daemon.
type Options struct {
	Config   *config.Config
	Paths    *config.Paths
	Identity *crypto.Identity

	// Logger defaults to slog.Default. LogBuffer, when set, should be the
	// buffer Logger writes into so the web API can serve recent logs.
	Logger    *slog.Logger
	LogBuffer *LogBuffer

	// Notifier defaults to the platform notifier.
	Notifier Notifier
}

// New wires up a daemon. Nothing listens until Start.
func New(opts Options) (*Daemon, error) {
	if opts.Identity == nil {
		return nil, errors.New("identity is required")
	}
	if opts.Paths == nil {
		return nil, errors.New("paths are required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	logBuffer := opts.LogBuffer
	if logBuffer == nil {
		logBuffer = NewLogBuffer(LogBufferSize)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewNotifier(log)
	}

	deviceType, err := protocol.ParseDeviceType(cfg.Device.Type)
	if err != nil {
		return nil, err
	}
	name := cfg.Device.Name
	if name == "" {
		name = opts.Identity.Name
	}

	projects, err := project.Open(opts.Paths.ProjectsFile, log.With("component", "projects"))
	if err != nil {
		return nil, fmt.Errorf("open projects: %w", err)
	}

	tr, err := transport.New(opts.Identity, transport.Options{
		Logger:  log.With("component", "transport"),
		Limiter: transport.DefaultLimiterConfig(),
	})
	if err != nil {
		return nil, err
	}

	rl := rpc.DefaultRateLimitConfig()
	rl.PeerMessagesPerSecond = cfg.RPC.MessagesPerSecond
	rl.PeerBurst = cfg.RPC.Burst
	peers := rpc.New(rpc.Options{
		Logger:     log.With("component", "rpc"),
		DeviceInfo: &protocol.DeviceInfo{Name: name, DeviceType: deviceType},
		RateLimit:  rl,
	})

	invites := invite.NewAPI(peers, projects, invite.Options{
		Logger: log.With("component", "invites"),
		Timeouts: invite.Timeouts{
			AwaitDetails: cfg.Invites.DetailsTimeoutDuration(),
			AddProject:   cfg.Invites.AddProjectTimeoutDuration(),
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		identity:  opts.Identity,
		cfg:       cfg,
		paths:     opts.Paths,
		log:       log,
		logBuffer: logBuffer,
		metrics:   NewMetrics(),
		notify:    NewNotifications(notifier, cfg.Notifications.Enabled, log),
		hub:       NewHub(log.With("component", "ws")),
		transport: tr,
		peers:     peers,
		projects:  projects,
		invites:   invites,
		invitor:   invite.NewInvitor(peers, log.With("component", "invitor")),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.Daemon.WebEnabled {
		d.web = NewWebServer(d, d.hub, cfg.Daemon.WebPort, log.With("component", "web"))
	}
	d.subscribe()
	return d, nil
}

func (d *Daemon) subscribe() {
	count := func(t protocol.MessageType) { d.metrics.RecordMessageReceived(t.String()) }

	d.unsubscribe = []func(){
		d.peers.OnPeers(func(peers []rpc.PeerInfo) {
			d.hub.Broadcast(EventPeers, peers)
		}),
		d.peers.OnPeerAdd(func(p rpc.PeerInfo) {
			d.log.Info("Peer connected", "device_id", p.DeviceID[:8], "name", p.Name)
		}),
		d.peers.OnInvite(func(rpc.InviteEvent) { count(protocol.MsgInvite) }),
		d.peers.OnInviteCancel(func(rpc.InviteCancelEvent) { count(protocol.MsgInviteCancel) }),
		d.peers.OnInviteResponse(func(rpc.InviteResponseEvent) { count(protocol.MsgInviteResponse) }),
		d.peers.OnProjectDetails(func(rpc.ProjectDetailsEvent) { count(protocol.MsgProjectJoinDetails) }),
		d.peers.OnAck(func(ev rpc.AckEvent) { count(ev.Ack.AckType) }),
		d.peers.OnFailedToHandleMessage(func(ev rpc.FailedMessageEvent) {
			d.metrics.MessagesFailed.Add(1)
			d.metrics.RecordError("message", fmt.Sprintf("%s: %v", ev.Type, ev.Err), ev.PeerID)
		}),

		d.invites.OnInviteReceived(func(inv invite.Invite) {
			d.metrics.InvitesReceived.Add(1)
			d.hub.Broadcast(EventInviteReceived, inv)
			d.notify.InviteReceived(inv)
		}),
		d.invites.OnInviteUpdated(func(inv invite.Invite) {
			d.hub.Broadcast(EventInviteUpdated, inv)
			switch inv.State {
			case invite.StateJoined:
				d.metrics.InvitesAccepted.Add(1)
				d.notify.ProjectJoined(inv)
				d.hub.Broadcast(EventProjects, d.projectViews())
			case invite.StateRejected:
				d.metrics.InvitesRejected.Add(1)
			case invite.StateError:
				d.metrics.RecordError("invite", inv.Error, inv.PeerID)
			}
		}),
	}
}

// Start listens for peers, starts the web server and dials manual peers.
func (d *Daemon) Start() error {
	d.log.Info("Starting daemon",
		"device", d.identity.Name,
		"device_id", d.identity.DeviceID()[:8],
	)

	if d.paths.PIDFile != "" {
		if err := os.WriteFile(d.paths.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
			d.log.Warn("Failed to write PID file", "error", err)
		}
	}

	addr := net.JoinHostPort("", strconv.Itoa(d.cfg.Daemon.P2PPort))
	if err := d.transport.Listen(addr, d.handleStream); err != nil {
		return fmt.Errorf("start P2P listener: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.hub.Run(d.ctx)
	}()

	if d.web != nil {
		if err := d.web.Start(); err != nil {
			return fmt.Errorf("start web server: %w", err)
		}
	}

	for _, addr := range d.cfg.Peers.Manual {
		d.wg.Add(1)
		go d.keepDialing(addr)
	}

	d.log.Info("Daemon started", "p2p_addr", d.P2PAddr())
	return nil
}

// Run starts the daemon and blocks until SIGINT, SIGTERM or Stop.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		d.Stop()
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		d.log.Info("Received signal, shutting down", "signal", s.String())
	case <-d.ctx.Done():
	}
	return d.Stop()
}

// Stop shuts everything down. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.log.Info("Stopping daemon")
		d.cancel()

		if d.web != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := d.web.Stop(ctx); err != nil {
				d.log.Warn("Failed to stop web server", "error", err)
			}
			cancel()
		}

		for _, unsub := range d.unsubscribe {
			unsub()
		}
		d.invitor.Close()
		d.invites.Close()
		d.transport.Close()
		d.peers.Close()
		d.wg.Wait()

		if d.paths.PIDFile != "" {
			os.Remove(d.paths.PIDFile)
		}
		d.log.Info("Daemon stopped")
	})
	return nil
}

func (d *Daemon) handleStream(s *transport.Stream) {
	d.metrics.SessionsAccepted.Add(1)
	if _, err := d.peers.Connect(s); err != nil {
		d.log.Debug("Dropping incoming session", "error", err)
		return
	}
	d.log.Info("Incoming peer session",
		"device_id", s.RemoteDeviceID()[:8],
		"sas", crypto.ComputeSAS(s.HandshakeHash()).String(),
	)
}

// P2PAddr returns the address peers connect to, or "" before Start.
func (d *Daemon) P2PAddr() string {
	if addr := d.transport.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// DeviceID returns this device's ID.
func (d *Daemon) DeviceID() string { return d.identity.DeviceID() }

// Status implements Backend.
func (d *Daemon) Status() Status {
	uptime := time.Since(d.startTime)
	return Status{
		Running:        true,
		PID:            os.Getpid(),
		Uptime:         uptime.Round(time.Second).String(),
		StartTime:      d.startTime,
		DeviceName:     d.deviceName(),
		DeviceID:       d.identity.DeviceID(),
		DeviceType:     d.cfg.Device.Type,
		P2PAddr:        d.P2PAddr(),
		PeerCount:      len(d.peers.Peers()),
		ProjectCount:   len(d.projects.List()),
		PendingInvites: len(d.invites.GetPending()),
	}
}

func (d *Daemon) deviceName() string {
	if d.cfg.Device.Name != "" {
		return d.cfg.Device.Name
	}
	return d.identity.Name
}

// MetricsSnapshot implements Backend.
func (d *Daemon) MetricsSnapshot() *MetricsSnapshot {
	return d.metrics.Snapshot(func() GaugeMetrics {
		ts := d.transport.Stats()
		return GaugeMetrics{
			ConnectedPeers:   len(d.peers.Peers()),
			PendingInvites:   len(d.invites.GetPending()),
			SentInvites:      len(d.invitor.Sent()),
			Projects:         len(d.projects.List()),
			WebSocketClients: d.hub.ClientCount(),
			OpenConnections:  ts.CurrentConnections,
			BlockedAddrs:     ts.BlockedAddrs,
			RateLimited:      d.peers.RateLimited(),
		}
	})
}

// LogBuffer implements Backend.
func (d *Daemon) LogBuffer() *LogBuffer { return d.logBuffer }

// Peers implements Backend.
func (d *Daemon) Peers() []rpc.PeerInfo { return d.peers.Peers() }

// Connect dials "device_id@host:port" or "host:port" and waits for the
// rpc channel to open. The SAS words let both users confirm the session.
func (d *Daemon) Connect(ctx context.Context, addr string) (*ConnectResult, error) {
	deviceID, hostport, err := ParsePeerAddr(addr)
	if err != nil {
		return nil, err
	}
	s, p, err := d.dial(ctx, deviceID, hostport)
	if err != nil {
		return nil, err
	}

	res := &ConnectResult{DeviceID: s.RemoteDeviceID()}
	if err := p.WaitConnected(ctx); err != nil {
		// Losing a duplicate race still leaves the device connected.
		if errors.Is(err, rpc.ErrPeerFailedConnection) && d.isConnected(res.DeviceID) {
			res.Status = rpc.PeerStateConnected.String()
			return res, nil
		}
		return nil, err
	}
	res.Status = p.State().String()
	res.SAS = crypto.ComputeSAS(s.HandshakeHash()).Words
	return res, nil
}

// Invites implements Backend.
func (d *Daemon) Invites() []invite.Invite { return d.invites.List() }

// AcceptInvite implements Backend.
func (d *Daemon) AcceptInvite(ctx context.Context, inviteID string) (string, error) {
	return d.invites.Accept(ctx, inviteID)
}

// RejectInvite implements Backend.
func (d *Daemon) RejectInvite(inviteID string) error { return d.invites.Reject(inviteID) }

// Projects implements Backend.
func (d *Daemon) Projects() []project.Project { return d.projects.List() }

func (d *Daemon) projectViews() []ProjectView {
	projects := d.projects.List()
	out := make([]ProjectView, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectView(p))
	}
	return out
}

// CreateProject implements Backend.
func (d *Daemon) CreateProject(name string) (project.Project, error) {
	p, err := d.projects.Create(name)
	if err != nil {
		return project.Project{}, err
	}
	d.hub.Broadcast(EventProjects, d.projectViews())
	return p, nil
}

// LeaveProject implements Backend.
func (d *Daemon) LeaveProject(publicID string) error {
	if err := d.projects.Leave(publicID); err != nil {
		return err
	}
	d.hub.Broadcast(EventProjects, d.projectViews())
	return nil
}

// InviteDevice invites a connected device to a project and waits for the
// answer.
func (d *Daemon) InviteDevice(ctx context.Context, publicID, deviceID string, role project.Role) (protocol.Decision, error) {
	if role == project.RoleCreator {
		return protocol.DecisionUnspecified, fmt.Errorf("%w: %s", project.ErrCantInvite, role)
	}
	req, err := d.projects.InviteRequest(publicID, d.deviceName(), role)
	if err != nil {
		return protocol.DecisionUnspecified, err
	}

	start := time.Now()
	d.metrics.InvitesSent.Add(1)
	decision, err := d.invitor.Invite(ctx, deviceID, req)
	if err != nil {
		d.metrics.RecordError("invite", err.Error(), deviceID)
		return decision, err
	}
	d.metrics.RecordInviteLatency(time.Since(start))
	return decision, nil
}

// SentInvites implements Backend.
func (d *Daemon) SentInvites() []invite.SentInvite { return d.invitor.Sent() }

// CancelInvite implements Backend.
func (d *Daemon) CancelInvite(ctx context.Context, inviteID string) error {
	return d.invitor.Cancel(ctx, inviteID)
}
