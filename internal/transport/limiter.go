package transport

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrAddrBlocked      = errors.New("address temporarily blocked")
	ErrRateExceeded     = errors.New("connection rate exceeded")
	ErrTooManyConns     = errors.New("max connections reached")
	ErrTooManyConnsAddr = errors.New("per-address connection limit exceeded")
)

// LimiterConfig holds configuration for the connection limiter
type LimiterConfig struct {
	MaxConnections      int           // Max total connections
	ConnectionsPerSec   float64       // New connections per second globally
	ConnectionBurst     int           // Burst allowance
	MaxConnectionsPerIP int           // Max connections per IP
	IPConnectionsPerSec float64       // New connections per second per IP
	IPConnectionBurst   int           // Burst per IP
	HandshakeTimeout    time.Duration // Max time for the TLS handshake
	MaxFailuresPerIP    int           // Failures before a temporary block
	FailureWindow       time.Duration // Window for counting failures
	BlockDuration       time.Duration // How long to block after failures
}

// DefaultLimiterConfig returns production defaults.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MaxConnections:      100,
		ConnectionsPerSec:   10,
		ConnectionBurst:     20,
		MaxConnectionsPerIP: 5,
		IPConnectionsPerSec: 2,
		IPConnectionBurst:   3,
		HandshakeTimeout:    10 * time.Second,
		MaxFailuresPerIP:    5,
		FailureWindow:       time.Minute,
		BlockDuration:       5 * time.Minute,
	}
}

// Limiter bounds inbound connections before any bytes are parsed.
type Limiter struct {
	cfg    LimiterConfig
	global *rate.Limiter
	log    *slog.Logger

	mu      sync.Mutex
	total   int
	hosts   map[string]*hostState
	blocked map[string]time.Time
}

type hostState struct {
	conns       int
	limiter     *rate.Limiter
	failures    int
	lastFailure time.Time
}

// NewLimiter creates a connection limiter.
func NewLimiter(cfg LimiterConfig, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{
		cfg:     cfg,
		global:  rate.NewLimiter(rate.Limit(cfg.ConnectionsPerSec), cfg.ConnectionBurst),
		log:     log,
		hosts:   make(map[string]*hostState),
		blocked: make(map[string]time.Time),
	}
}

// Allow admits a new connection from addr. Every admitted connection must
// be given back with Release.
func (l *Limiter) Allow(addr net.Addr) error {
	ip := hostOf(addr)

	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.blocked[ip]; ok {
		if time.Now().Before(until) {
			return ErrAddrBlocked
		}
		delete(l.blocked, ip)
	}
	if !l.global.Allow() {
		return ErrRateExceeded
	}
	if l.total >= l.cfg.MaxConnections {
		return ErrTooManyConns
	}

	h := l.hostLocked(ip)
	if h.conns >= l.cfg.MaxConnectionsPerIP {
		return ErrTooManyConnsAddr
	}
	if !h.limiter.Allow() {
		return ErrRateExceeded
	}

	l.total++
	h.conns++
	return nil
}

// Release gives back a connection slot.
func (l *Limiter) Release(addr net.Addr) {
	ip := hostOf(addr)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.total > 0 {
		l.total--
	}
	if h, ok := l.hosts[ip]; ok && h.conns > 0 {
		h.conns--
	}
}

// RecordFailure counts a failed handshake. Too many failures inside the
// window block the address for a while.
func (l *Limiter) RecordFailure(addr net.Addr) {
	ip := hostOf(addr)

	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.hostLocked(ip)
	if time.Since(h.lastFailure) > l.cfg.FailureWindow {
		h.failures = 0
	}
	h.failures++
	h.lastFailure = time.Now()

	if h.failures >= l.cfg.MaxFailuresPerIP {
		until := time.Now().Add(l.cfg.BlockDuration)
		l.blocked[ip] = until
		l.log.Warn("Address blocked after repeated handshake failures",
			"ip", ip,
			"failures", h.failures,
			"blocked_until", until.Format(time.RFC3339))
		h.failures = 0
	}
}

// RecordSuccess clears the failure count for addr.
func (l *Limiter) RecordSuccess(addr net.Addr) {
	ip := hostOf(addr)

	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.hosts[ip]; ok {
		h.failures = 0
	}
}

// LimiterStats holds limiter statistics
type LimiterStats struct {
	CurrentConnections int `json:"current_connections"`
	MaxConnections     int `json:"max_connections"`
	BlockedAddrs       int `json:"blocked_addrs"`
}

// Stats returns current limiter statistics.
func (l *Limiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStats{
		CurrentConnections: l.total,
		MaxConnections:     l.cfg.MaxConnections,
		BlockedAddrs:       len(l.blocked),
	}
}

// Cleanup drops expired blocks and idle hosts.
func (l *Limiter) Cleanup() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, until := range l.blocked {
		if now.After(until) {
			delete(l.blocked, ip)
		}
	}
	for ip, h := range l.hosts {
		if h.conns == 0 && now.Sub(h.lastFailure) > 10*time.Minute {
			delete(l.hosts, ip)
		}
	}
}

func (l *Limiter) hostLocked(ip string) *hostState {
	h, ok := l.hosts[ip]
	if !ok {
		h = &hostState{limiter: rate.NewLimiter(rate.Limit(l.cfg.IPConnectionsPerSec), l.cfg.IPConnectionBurst)}
		l.hosts[ip] = h
	}
	return h
}

func hostOf(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
