package rpc

import (
	"bytes"
	"time"
)

// keepExisting decides which of two open connections to the same device
// survives. Both devices evaluate it with swapped keys and swapped
// initiator flags, so they always close the same physical connection.
//
// When both connections were initiated from the same side the older one is
// kept. Otherwise the connection initiated by the device with the smaller
// public key wins.
func keepExisting(existingIsInitiator, incomingIsInitiator bool, localKey, remoteKey []byte) bool {
	if existingIsInitiator == incomingIsInitiator {
		return true
	}
	localShouldInitiate := bytes.Compare(localKey, remoteKey) < 0
	return existingIsInitiator == localShouldInitiate
}

type peerSnapshot struct {
	state          PeerState
	connectedAt    time.Time
	disconnectedAt time.Time
}

func (p *Peer) snapshot() peerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return peerSnapshot{
		state:          p.state,
		connectedAt:    p.connectedAt,
		disconnectedAt: p.disconnectedAt,
	}
}

// choosePeer picks the peer a send to a device should use. It returns nil
// while any candidate is still connecting, since that connection may
// replace the others once deduplicated.
//
// A connected peer beats a disconnected one. Among connected peers the
// longest-lived wins, among disconnected ones the most recently
// disconnected.
func choosePeer(peers []*Peer) *Peer {
	var best *Peer
	var bestSnap peerSnapshot
	for _, p := range peers {
		s := p.snapshot()
		if s.state == PeerStateConnecting {
			return nil
		}
		if best == nil || better(s, bestSnap) {
			best, bestSnap = p, s
		}
	}
	return best
}

func better(a, b peerSnapshot) bool {
	if a.state != b.state {
		return a.state == PeerStateConnected
	}
	if a.state == PeerStateConnected {
		return a.connectedAt.Before(b.connectedAt)
	}
	return a.disconnectedAt.After(b.disconnectedAt)
}
