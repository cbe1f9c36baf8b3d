// Package transport carries peer sessions over mutually authenticated
// TLS 1.3 on TCP. Each session is exposed as a secure stream: the
// certificate keys identify both devices and the exported keying material
// is the handshake hash both ends agree on.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"mapeo.dev/go/mapeo/internal/crypto"
)

const (
	// DialTimeout bounds TCP connect plus TLS handshake when dialing.
	DialTimeout = 30 * time.Second

	handshakeLabel = "EXPORTER-mapeo-handshake-hash"
	handshakeSize  = 32
)

var ErrClosed = errors.New("transport closed")

// Stream is one authenticated session with a remote device.
type Stream struct {
	*tls.Conn

	local     ed25519.PublicKey
	remote    ed25519.PublicKey
	initiator bool
	hash      []byte

	releaseOnce sync.Once
	release     func()
}

func (s *Stream) PublicKey() []byte       { return s.local }
func (s *Stream) RemotePublicKey() []byte { return s.remote }
func (s *Stream) IsInitiator() bool       { return s.initiator }
func (s *Stream) HandshakeHash() []byte   { return s.hash }

// RemoteDeviceID returns the device ID of the other end.
func (s *Stream) RemoteDeviceID() string { return crypto.DeviceID(s.remote) }

// Close closes the session.
func (s *Stream) Close() error {
	s.releaseOnce.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
	return s.Conn.Close()
}

// Options configures a Transport.
type Options struct {
	Logger  *slog.Logger
	Limiter LimiterConfig
}

// Transport listens for and dials peer sessions.
type Transport struct {
	log      *slog.Logger
	identity *crypto.Identity
	tls      *crypto.TLSConfig
	limiter  *Limiter
	cfg      LimiterConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
}

// New creates a transport for identity.
func New(identity *crypto.Identity, opts Options) (*Transport, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg := opts.Limiter
	if cfg.MaxConnections == 0 {
		cfg = DefaultLimiterConfig()
	}
	tc, err := crypto.GenerateTLSConfig(identity)
	if err != nil {
		return nil, fmt.Errorf("generate TLS config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		log:      log,
		identity: identity,
		tls:      tc,
		limiter:  NewLimiter(cfg, log),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Listen starts accepting sessions on addr. handle is called on its own
// goroutine for every authenticated session.
func (t *Transport) Listen(addr string, handle func(*Stream)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		ln.Close()
		return ErrClosed
	}
	t.listener = ln
	t.mu.Unlock()

	t.log.Info("P2P TLS listener started", "addr", ln.Addr().String(), "device_id", t.tls.DeviceID[:8])

	t.wg.Add(2)
	go t.acceptLoop(ln, handle)
	go t.cleanupLoop()
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) acceptLoop(ln net.Listener, handle func(*Stream)) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Error("P2P accept error", "error", err)
			continue
		}

		remote := conn.RemoteAddr()
		if err := t.limiter.Allow(remote); err != nil {
			t.log.Debug("Connection rejected by limiter", "remote", remote.String(), "reason", err)
			conn.Close()
			continue
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			s, err := t.handshake(t.ctx, tls.Server(conn, t.tls.NewServerTLSConfig()), false)
			if err != nil {
				t.log.Warn("TLS handshake failed", "addr", remote.String(), "error", err)
				t.limiter.RecordFailure(remote)
				t.limiter.Release(remote)
				conn.Close()
				return
			}
			t.limiter.RecordSuccess(remote)
			s.release = func() { t.limiter.Release(remote) }
			t.log.Debug("Incoming session", "addr", remote.String(), "device_id", s.RemoteDeviceID()[:8])
			handle(s)
		}()
	}
}

func (t *Transport) cleanupLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.limiter.Cleanup()
		}
	}
}

// Dial opens a session to addr. When deviceID is not empty the remote
// certificate must belong to that device.
func (t *Transport) Dial(ctx context.Context, addr, deviceID string) (*Stream, error) {
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	tlsConn := tls.Client(conn, t.tls.NewClientTLSConfig(deviceID))
	s, err := t.handshake(ctx, tlsConn, true)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	t.log.Debug("Outgoing session", "addr", addr, "device_id", s.RemoteDeviceID()[:8])
	return s, nil
}

func (t *Transport) handshake(ctx context.Context, conn *tls.Conn, initiator bool) (*Stream, error) {
	if !initiator {
		conn.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	state := conn.ConnectionState()
	rawCerts := make([][]byte, len(state.PeerCertificates))
	for i, cert := range state.PeerCertificates {
		rawCerts[i] = cert.Raw
	}
	remote, err := crypto.ExtractPublicKeyFromCert(rawCerts)
	if err != nil {
		return nil, err
	}
	hash, err := state.ExportKeyingMaterial(handshakeLabel, nil, handshakeSize)
	if err != nil {
		return nil, fmt.Errorf("export keying material: %w", err)
	}

	return &Stream{
		Conn:      conn,
		local:     t.identity.PublicKey(),
		remote:    remote,
		initiator: initiator,
		hash:      hash,
	}, nil
}

// Stats returns connection limiter statistics.
func (t *Transport) Stats() LimiterStats {
	return t.limiter.Stats()
}

// Close stops listening and waits for pending handshakes.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.cancel()
	ln := t.listener
	t.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	t.wg.Wait()
	return err
}
