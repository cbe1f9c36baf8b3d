package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeepExisting(t *testing.T) {
	small := []byte{0x01}
	large := []byte{0x02}

	tests := []struct {
		name               string
		existing, incoming bool
		local, remote      []byte
		want               bool
	}{
		{"same direction keeps older", true, true, small, large, true},
		{"same direction keeps older, responder", false, false, large, small, true},
		{"smaller local key keeps own dial", true, false, small, large, true},
		{"smaller local key replaces remote dial", false, true, small, large, false},
		{"larger local key keeps remote dial", false, true, large, small, true},
		{"larger local key replaces own dial", true, false, large, small, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, keepExisting(tt.existing, tt.incoming, tt.local, tt.remote))
		})
	}
}

// Both devices evaluating the rule must end up keeping the same connection.
func TestKeepExistingIsSymmetric(t *testing.T) {
	a := []byte{0x0a, 0x01}
	b := []byte{0x0a, 0x02}

	// Connection X is dialed by A, Y by B. A sees X first, B sees Y first.
	aKeepsX := keepExisting(true, false, a, b)
	bKeepsY := keepExisting(true, false, b, a)

	require.True(t, aKeepsX)
	require.False(t, bKeepsY, "B must replace Y with X")
}

func TestChoosePeer(t *testing.T) {
	t0 := time.Now()
	connected := func(at time.Duration) *Peer {
		return &Peer{state: PeerStateConnected, connectedAt: t0.Add(at)}
	}
	disconnected := func(at time.Duration) *Peer {
		return &Peer{state: PeerStateDisconnected, disconnectedAt: t0.Add(at)}
	}

	t.Run("empty", func(t *testing.T) {
		require.Nil(t, choosePeer(nil))
	})

	t.Run("connecting defers", func(t *testing.T) {
		require.Nil(t, choosePeer([]*Peer{connected(0), {state: PeerStateConnecting}}))
	})

	t.Run("connected beats disconnected", func(t *testing.T) {
		c := connected(time.Second)
		require.Same(t, c, choosePeer([]*Peer{disconnected(2 * time.Second), c}))
	})

	t.Run("oldest connected", func(t *testing.T) {
		old := connected(0)
		require.Same(t, old, choosePeer([]*Peer{connected(time.Second), old, connected(2 * time.Second)}))
	})

	t.Run("latest disconnected", func(t *testing.T) {
		latest := disconnected(3 * time.Second)
		require.Same(t, latest, choosePeer([]*Peer{disconnected(time.Second), latest, disconnected(0)}))
	})
}
