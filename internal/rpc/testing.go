package rpc

// SendRawForTesting writes payload on p's channel as message type t without
// encoding or validating it. It exists so tests can exercise the handling
// of malformed messages and is never used outside tests.
func SendRawForTesting(p *Peer, t uint64, payload []byte) error {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return ErrPeerDisconnected
	}
	return ch.Send(t, payload)
}
