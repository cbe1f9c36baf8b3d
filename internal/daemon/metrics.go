package daemon

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	maxErrorEntries   = 100
	maxLatencySamples = 100
)

// Metrics collects daemon counters for the web API.
type Metrics struct {
	startTime time.Time

	SessionsAccepted atomic.Int64
	SessionsDialed   atomic.Int64
	DialFailures     atomic.Int64
	MessagesFailed   atomic.Int64
	InvitesReceived  atomic.Int64
	InvitesAccepted  atomic.Int64
	InvitesRejected  atomic.Int64
	InvitesSent      atomic.Int64

	msgMu       sync.RWMutex
	msgReceived map[string]int64

	errorsMu   sync.RWMutex
	errors     []ErrorEntry
	errorIndex int

	latencyMu     sync.RWMutex
	dialLatency   []time.Duration
	dialIndex     int
	inviteLatency []time.Duration
	inviteIndex   int
}

// ErrorEntry records an error event.
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Peer    string    `json:"peer,omitempty"`
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Timestamp      time.Time        `json:"timestamp"`
	Uptime         string           `json:"uptime"`
	UptimeSec      float64          `json:"uptime_sec"`
	System         SystemMetrics    `json:"system"`
	Counters       CounterMetrics   `json:"counters"`
	MessagesByType map[string]int64 `json:"messages_by_type"`
	Gauges         GaugeMetrics     `json:"gauges"`
	Latencies      LatencyMetrics   `json:"latencies"`
	RecentErrors   []ErrorEntry     `json:"recent_errors"`
}

// SystemMetrics contains runtime information.
type SystemMetrics struct {
	GoVersion    string  `json:"go_version"`
	NumCPU       int     `json:"num_cpu"`
	NumGoroutine int     `json:"num_goroutine"`
	MemAllocMB   float64 `json:"mem_alloc_mb"`
	MemSysMB     float64 `json:"mem_sys_mb"`
	NumGC        uint32  `json:"num_gc"`
}

// CounterMetrics contains cumulative counters.
type CounterMetrics struct {
	SessionsAccepted int64 `json:"sessions_accepted"`
	SessionsDialed   int64 `json:"sessions_dialed"`
	DialFailures     int64 `json:"dial_failures"`
	MessagesFailed   int64 `json:"messages_failed"`
	InvitesReceived  int64 `json:"invites_received"`
	InvitesAccepted  int64 `json:"invites_accepted"`
	InvitesRejected  int64 `json:"invites_rejected"`
	InvitesSent      int64 `json:"invites_sent"`
}

// GaugeMetrics contains current values read from the daemon.
type GaugeMetrics struct {
	ConnectedPeers   int   `json:"connected_peers"`
	PendingInvites   int   `json:"pending_invites"`
	SentInvites      int   `json:"sent_invites"`
	Projects         int   `json:"projects"`
	WebSocketClients int   `json:"websocket_clients"`
	OpenConnections  int   `json:"open_connections"`
	BlockedAddrs     int   `json:"blocked_addrs"`
	RateLimited      int64 `json:"rate_limited"`
}

// LatencyMetrics summarizes recent latency samples in milliseconds.
type LatencyMetrics struct {
	DialAvgMs   float64 `json:"dial_avg_ms"`
	DialP95Ms   float64 `json:"dial_p95_ms"`
	DialMaxMs   float64 `json:"dial_max_ms"`
	InviteAvgMs float64 `json:"invite_avg_ms"`
	InviteP95Ms float64 `json:"invite_p95_ms"`
	InviteMaxMs float64 `json:"invite_max_ms"`
}

// NewMetrics creates an empty collector.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.Reset()
	return m
}

// RecordMessageReceived counts an inbound rpc message by type name.
func (m *Metrics) RecordMessageReceived(msgType string) {
	m.msgMu.Lock()
	m.msgReceived[msgType]++
	m.msgMu.Unlock()
}

// RecordError keeps an error in the recent errors ring.
func (m *Metrics) RecordError(errType, message, peer string) {
	m.errorsMu.Lock()
	m.errors[m.errorIndex] = ErrorEntry{
		Time:    time.Now(),
		Type:    errType,
		Message: message,
		Peer:    peer,
	}
	m.errorIndex = (m.errorIndex + 1) % maxErrorEntries
	m.errorsMu.Unlock()
}

// RecordDialLatency records how long dialing a peer took.
func (m *Metrics) RecordDialLatency(d time.Duration) {
	m.latencyMu.Lock()
	m.dialLatency[m.dialIndex] = d
	m.dialIndex = (m.dialIndex + 1) % maxLatencySamples
	m.latencyMu.Unlock()
}

// RecordInviteLatency records how long a sent invite took to be answered.
func (m *Metrics) RecordInviteLatency(d time.Duration) {
	m.latencyMu.Lock()
	m.inviteLatency[m.inviteIndex] = d
	m.inviteIndex = (m.inviteIndex + 1) % maxLatencySamples
	m.latencyMu.Unlock()
}

// Snapshot returns the current metrics. gauges may be nil.
func (m *Metrics) Snapshot(gauges func() GaugeMetrics) *MetricsSnapshot {
	now := time.Now()
	uptime := now.Sub(m.startTime)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.msgMu.RLock()
	byType := make(map[string]int64, len(m.msgReceived))
	for k, v := range m.msgReceived {
		byType[k] = v
	}
	m.msgMu.RUnlock()

	// Most recent first.
	m.errorsMu.RLock()
	recent := make([]ErrorEntry, 0)
	for i := 0; i < maxErrorEntries; i++ {
		idx := (m.errorIndex - 1 - i + maxErrorEntries) % maxErrorEntries
		if !m.errors[idx].Time.IsZero() {
			recent = append(recent, m.errors[idx])
		}
	}
	m.errorsMu.RUnlock()

	m.latencyMu.RLock()
	dial := latencyStats(m.dialLatency)
	inv := latencyStats(m.inviteLatency)
	m.latencyMu.RUnlock()

	var g GaugeMetrics
	if gauges != nil {
		g = gauges()
	}

	return &MetricsSnapshot{
		Timestamp: now,
		Uptime:    uptime.Round(time.Second).String(),
		UptimeSec: uptime.Seconds(),
		System: SystemMetrics{
			GoVersion:    runtime.Version(),
			NumCPU:       runtime.NumCPU(),
			NumGoroutine: runtime.NumGoroutine(),
			MemAllocMB:   float64(mem.Alloc) / 1024 / 1024,
			MemSysMB:     float64(mem.Sys) / 1024 / 1024,
			NumGC:        mem.NumGC,
		},
		Counters: CounterMetrics{
			SessionsAccepted: m.SessionsAccepted.Load(),
			SessionsDialed:   m.SessionsDialed.Load(),
			DialFailures:     m.DialFailures.Load(),
			MessagesFailed:   m.MessagesFailed.Load(),
			InvitesReceived:  m.InvitesReceived.Load(),
			InvitesAccepted:  m.InvitesAccepted.Load(),
			InvitesRejected:  m.InvitesRejected.Load(),
			InvitesSent:      m.InvitesSent.Load(),
		},
		MessagesByType: byType,
		Gauges:         g,
		Latencies: LatencyMetrics{
			DialAvgMs:   dial.avg,
			DialP95Ms:   dial.p95,
			DialMaxMs:   dial.max,
			InviteAvgMs: inv.avg,
			InviteP95Ms: inv.p95,
			InviteMaxMs: inv.max,
		},
		RecentErrors: recent,
	}
}

type latencySummary struct {
	avg, p95, max float64
}

func latencyStats(samples []time.Duration) latencySummary {
	var valid []time.Duration
	for _, d := range samples {
		if d > 0 {
			valid = append(valid, d)
		}
	}
	if len(valid) == 0 {
		return latencySummary{}
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })

	var total time.Duration
	for _, d := range valid {
		total += d
	}
	p95 := int(float64(len(valid)) * 0.95)
	if p95 >= len(valid) {
		p95 = len(valid) - 1
	}
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return latencySummary{
		avg: ms(total / time.Duration(len(valid))),
		p95: ms(valid[p95]),
		max: ms(valid[len(valid)-1]),
	}
}

// Reset clears every counter.
func (m *Metrics) Reset() {
	m.startTime = time.Now()
	for _, c := range []*atomic.Int64{
		&m.SessionsAccepted, &m.SessionsDialed, &m.DialFailures, &m.MessagesFailed,
		&m.InvitesReceived, &m.InvitesAccepted, &m.InvitesRejected, &m.InvitesSent,
	} {
		c.Store(0)
	}

	m.msgMu.Lock()
	m.msgReceived = make(map[string]int64)
	m.msgMu.Unlock()

	m.errorsMu.Lock()
	m.errors = make([]ErrorEntry, maxErrorEntries)
	m.errorIndex = 0
	m.errorsMu.Unlock()

	m.latencyMu.Lock()
	m.dialLatency = make([]time.Duration, maxLatencySamples)
	m.inviteLatency = make([]time.Duration, maxLatencySamples)
	m.dialIndex = 0
	m.inviteIndex = 0
	m.latencyMu.Unlock()
}
