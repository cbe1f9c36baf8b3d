package cli

import (
	"strings"
	"testing"
	"time"

	"mapeo.dev/go/mapeo/internal/daemon"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-time.Second, "0s"},
		{42 * time.Second, "42s"},
		{5 * time.Minute, "5m"},
		{2 * time.Hour, "2h"},
		{2*time.Hour + 30*time.Minute, "2h 30m"},
		{50 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := shortID(strings.Repeat("ab", 32)); got != "abababababab" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abcd"); got != "abcd" {
		t.Errorf("shortID = %q", got)
	}
	if got := ago(time.Time{}); got != "-" {
		t.Errorf("ago(zero) = %q", got)
	}
}

func TestFormatLogEntry(t *testing.T) {
	e := daemon.LogEntry{
		Timestamp: time.Date(2026, 3, 1, 10, 4, 5, 0, time.Local),
		Level:     "WARN",
		Message:   "Peer dial failed",
		Fields:    map[string]any{"peer": "abcd", "attempt": 3},
	}
	got := formatLogEntry(e)
	want := "10:04:05.000 WARN  Peer dial failed attempt=3 peer=abcd"
	if got != want {
		t.Errorf("formatLogEntry = %q, want %q", got, want)
	}
}

func TestInviteRejectsUnknownRole(t *testing.T) {
	t.Setenv("MAPEO_CONFIG_DIR", t.TempDir())
	RootCmd.SetArgs([]string{"projects", "invite", "pid", "dev", "--role", "admiral"})
	defer RootCmd.SetArgs(nil)

	err := RootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "admiral") {
		t.Errorf("expected unknown role error, got %v", err)
	}
}
