// Package rpctest provides in-memory secure streams for testing code built
// on the rpc peer layer.
package rpctest

import (
	"crypto/rand"
	"net"
)

// Stream is an in-memory rpc.SecureStream backed by net.Pipe.
type Stream struct {
	net.Conn
	local     []byte
	remote    []byte
	initiator bool
	hash      []byte
}

func (s *Stream) PublicKey() []byte       { return s.local }
func (s *Stream) RemotePublicKey() []byte { return s.remote }
func (s *Stream) IsInitiator() bool       { return s.initiator }
func (s *Stream) HandshakeHash() []byte   { return s.hash }

// Pair returns both ends of one session between the device with key
// initiatorKey, which dialed, and the device with key responderKey.
func Pair(initiatorKey, responderKey []byte) (initiator, responder *Stream) {
	a, b := net.Pipe()
	hash := Key()
	initiator = &Stream{Conn: a, local: initiatorKey, remote: responderKey, initiator: true, hash: hash}
	responder = &Stream{Conn: b, local: responderKey, remote: initiatorKey, hash: hash}
	return initiator, responder
}

// Key returns 32 random bytes, usable as a public key or invite ID.
func Key() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
