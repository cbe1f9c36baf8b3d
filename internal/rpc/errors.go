package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrPeerDisconnected is returned when sending to a peer that is not
	// currently connected.
	ErrPeerDisconnected = errors.New("peer disconnected")

	// ErrPeerFailedConnection is returned when a peer disconnected before
	// its protocol channel ever opened.
	ErrPeerFailedConnection = errors.New("peer failed to connect")

	// ErrDisconnectBeforeSending is returned when the connection closed
	// while a message was being written.
	ErrDisconnectBeforeSending = errors.New("peer disconnected before sending message")

	// ErrDisconnectBeforeAck is returned when the connection closed while
	// waiting for the remote to acknowledge a message.
	ErrDisconnectBeforeAck = errors.New("peer disconnected before acknowledging message")

	// ErrDuplicate is the reason a losing duplicate connection is closed.
	ErrDuplicate = errors.New("ERR_DUPLICATE: duplicate connection")

	// ErrChannelClosed is the reason a peer is disconnected when the
	// remote closes its mapeo/rpc channel.
	ErrChannelClosed = errors.New("remote closed rpc channel")

	// ErrRegistryClosed is returned by operations on a closed registry.
	ErrRegistryClosed = errors.New("local peers closed")
)

// UnknownPeerError is returned when a device ID cannot be resolved to a
// peer, either because it was never seen or because no connection settled
// in time.
type UnknownPeerError struct {
	DeviceID string
}

func (e *UnknownPeerError) Error() string {
	return fmt.Sprintf("unknown peer %s", shortID(e.DeviceID))
}

// shortID truncates a device ID for logs and error messages.
func shortID(id string) string {
	return id[:min(8, len(id))]
}
