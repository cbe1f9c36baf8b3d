package rpc

func PendingAcks(p *Peer) int { return p.pendingAcks() }
