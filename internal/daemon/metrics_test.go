package daemon

import (
	"testing"
	"time"
)

func TestMetricsNew(t *testing.T) {
	m := NewMetrics()
	if m.startTime.IsZero() {
		t.Error("startTime should be set")
	}
	snap := m.Snapshot(nil)
	if len(snap.RecentErrors) != 0 {
		t.Errorf("RecentErrors: got %d, want 0", len(snap.RecentErrors))
	}
	if len(snap.MessagesByType) != 0 {
		t.Errorf("MessagesByType: got %d entries, want 0", len(snap.MessagesByType))
	}
}

func TestMetricsMessageBreakdown(t *testing.T) {
	m := NewMetrics()

	m.RecordMessageReceived("Invite")
	m.RecordMessageReceived("Invite")
	m.RecordMessageReceived("InviteResponse")

	snap := m.Snapshot(nil)
	if snap.MessagesByType["Invite"] != 2 {
		t.Errorf("Invite: got %d, want 2", snap.MessagesByType["Invite"])
	}
	if snap.MessagesByType["InviteResponse"] != 1 {
		t.Errorf("InviteResponse: got %d, want 1", snap.MessagesByType["InviteResponse"])
	}
}

func TestMetricsRecordError(t *testing.T) {
	m := NewMetrics()

	m.RecordError("dial", "connection refused", "192.168.1.1:7934")
	m.RecordError("message", "invalid invite", "abcd")

	snap := m.Snapshot(nil)
	if len(snap.RecentErrors) != 2 {
		t.Fatalf("RecentErrors: got %d, want 2", len(snap.RecentErrors))
	}
	if snap.RecentErrors[0].Type != "message" {
		t.Errorf("first error type: got %s, want message", snap.RecentErrors[0].Type)
	}
}

func TestMetricsErrorRingWraps(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < maxErrorEntries+10; i++ {
		m.RecordError("dial", "refused", "")
	}
	if got := len(m.Snapshot(nil).RecentErrors); got != maxErrorEntries {
		t.Errorf("RecentErrors: got %d, want %d", got, maxErrorEntries)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordDialLatency(10 * time.Millisecond)
	m.RecordDialLatency(20 * time.Millisecond)
	m.RecordDialLatency(15 * time.Millisecond)
	m.RecordInviteLatency(2 * time.Second)

	snap := m.Snapshot(nil)
	if snap.Latencies.DialAvgMs < 14 || snap.Latencies.DialAvgMs > 16 {
		t.Errorf("DialAvgMs: got %f, want ~15", snap.Latencies.DialAvgMs)
	}
	if snap.Latencies.DialMaxMs != 20 {
		t.Errorf("DialMaxMs: got %f, want 20", snap.Latencies.DialMaxMs)
	}
	if snap.Latencies.InviteAvgMs != 2000 {
		t.Errorf("InviteAvgMs: got %f, want 2000", snap.Latencies.InviteAvgMs)
	}
}

func TestMetricsCountersAndGauges(t *testing.T) {
	m := NewMetrics()

	m.SessionsAccepted.Add(3)
	m.InvitesReceived.Add(2)
	m.InvitesAccepted.Add(1)

	snap := m.Snapshot(func() GaugeMetrics {
		return GaugeMetrics{ConnectedPeers: 4, PendingInvites: 1, RateLimited: 7}
	})

	if snap.Counters.SessionsAccepted != 3 {
		t.Errorf("SessionsAccepted: got %d, want 3", snap.Counters.SessionsAccepted)
	}
	if snap.Counters.InvitesReceived != 2 {
		t.Errorf("InvitesReceived: got %d, want 2", snap.Counters.InvitesReceived)
	}
	if snap.Gauges.ConnectedPeers != 4 {
		t.Errorf("ConnectedPeers: got %d, want 4", snap.Gauges.ConnectedPeers)
	}
	if snap.Gauges.RateLimited != 7 {
		t.Errorf("RateLimited: got %d, want 7", snap.Gauges.RateLimited)
	}
	if snap.System.GoVersion == "" {
		t.Error("GoVersion should be set")
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordMessageReceived("Invite")
	m.InvitesSent.Add(5)
	m.RecordError("dial", "refused", "")
	m.RecordDialLatency(time.Second)

	m.Reset()

	if m.InvitesSent.Load() != 0 {
		t.Error("InvitesSent should be 0 after reset")
	}
	snap := m.Snapshot(nil)
	if len(snap.RecentErrors) != 0 {
		t.Error("RecentErrors should be empty after reset")
	}
	if len(snap.MessagesByType) != 0 {
		t.Error("MessagesByType should be empty after reset")
	}
	if snap.Latencies.DialMaxMs != 0 {
		t.Error("latencies should be empty after reset")
	}
}
