package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"mapeo.dev/go/mapeo/internal/crypto"
	"mapeo.dev/go/mapeo/internal/rpc"
	"mapeo.dev/go/mapeo/internal/transport"
)

const (
	minRedialDelay = time.Second
	maxRedialDelay = time.Minute
)

// ErrBadPeerAddr is returned for a peer address that cannot be parsed.
var ErrBadPeerAddr = errors.New("invalid peer address")

// ParsePeerAddr splits "device_id@host:port" into its device ID and
// host:port. The device ID part is optional.
func ParsePeerAddr(s string) (deviceID, hostport string, err error) {
	s = strings.TrimSpace(s)
	hostport = s
	if i := strings.LastIndex(s, "@"); i >= 0 {
		deviceID, hostport = strings.ToLower(s[:i]), s[i+1:]
		if _, err := crypto.ParseDeviceID(deviceID); err != nil {
			return "", "", fmt.Errorf("%w: %s: %v", ErrBadPeerAddr, s, err)
		}
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil || port == "" {
		return "", "", fmt.Errorf("%w: %s", ErrBadPeerAddr, s)
	}
	if host == "" {
		hostport = net.JoinHostPort("127.0.0.1", port)
	}
	return deviceID, hostport, nil
}

// dial opens a session and hands it to the peer registry.
func (d *Daemon) dial(ctx context.Context, deviceID, hostport string) (*transport.Stream, *rpc.Peer, error) {
	start := time.Now()
	s, err := d.transport.Dial(ctx, hostport, deviceID)
	if err != nil {
		d.metrics.DialFailures.Add(1)
		d.metrics.RecordError("dial", err.Error(), hostport)
		return nil, nil, err
	}
	d.metrics.SessionsDialed.Add(1)
	d.metrics.RecordDialLatency(time.Since(start))

	p, err := d.peers.Connect(s)
	if err != nil {
		return nil, nil, err
	}
	return s, p, nil
}

// keepDialing holds a session open to one manually configured peer,
// redialing with backoff while the device is not connected.
func (d *Daemon) keepDialing(addr string) {
	defer d.wg.Done()

	deviceID, hostport, err := ParsePeerAddr(addr)
	if err != nil {
		d.log.Warn("Skipping manual peer", "addr", addr, "error", err)
		return
	}

	delay := minRedialDelay
	for {
		if deviceID == "" || !d.isConnected(deviceID) {
			s, p, err := d.dial(d.ctx, deviceID, hostport)
			if err != nil {
				if d.ctx.Err() != nil {
					return
				}
				d.log.Debug("Manual peer unreachable", "addr", hostport, "retry_in", delay, "error", err)
			} else {
				deviceID = s.RemoteDeviceID()
				delay = minRedialDelay
				select {
				case <-p.Disconnected():
				case <-d.ctx.Done():
					return
				}
			}
		}

		select {
		case <-time.After(delay):
		case <-d.ctx.Done():
			return
		}
		delay = min(delay*2, maxRedialDelay)
	}
}

func (d *Daemon) isConnected(deviceID string) bool {
	for _, p := range d.peers.Peers() {
		if p.DeviceID == deviceID {
			return true
		}
	}
	return false
}
