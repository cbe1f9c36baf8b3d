// Package mux multiplexes named protocol channels over one secure duplex
// stream.
//
// A channel is identified by a protocol name and an optional id. It becomes
// open once both sides have sent an open message for the same pair, so
// either side may open first. Data frames carry a uvarint message type
// followed by the payload, and are addressed with the sender's local channel
// id.
package mux

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

var (
	// ErrClosed is returned when using a mux whose stream has closed.
	ErrClosed = errors.New("mux closed")

	// ErrChannelClosed is returned when sending on a closed channel.
	ErrChannelClosed = errors.New("channel closed")

	// ErrNotOpen is returned when sending before the remote opened the channel.
	ErrNotOpen = errors.New("channel not open")

	// ErrAlreadyOpen is returned when opening the same protocol and id twice.
	ErrAlreadyOpen = errors.New("channel already open")
)

// Handler receives the messages of one channel.
// It is called from the mux read loop, so it must not block on the
// same mux.
type Handler func(typ uint64, payload []byte)

// UnmatchedOpenFunc is called when the remote opens a channel
// that has no local counterpart yet.
type UnmatchedOpenFunc func(protocol string, id []byte)

// Mux owns a duplex stream and the channels opened over it.
type Mux struct {
	log  *slog.Logger
	conn io.ReadWriteCloser

	wmu sync.Mutex

	mu            sync.Mutex
	nextID        uint64
	channels      map[string]*Channel // channelKey -> channel
	remote        map[uint64]*Channel // remote id -> channel
	pendingRemote map[string]uint64   // channelKey -> remote id, opened remotely only
	onUnmatched   UnmatchedOpenFunc

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New wraps conn. Call Run to start reading.
func New(conn io.ReadWriteCloser, log *slog.Logger) *Mux {
	if log == nil {
		log = slog.Default()
	}
	return &Mux{
		log:           log,
		conn:          conn,
		nextID:        1,
		channels:      make(map[string]*Channel),
		remote:        make(map[uint64]*Channel),
		pendingRemote: make(map[string]uint64),
		closed:        make(chan struct{}),
	}
}

// OnUnmatchedOpen registers fn to be called for remote opens with no local
// channel. It must be set before Run.
func (m *Mux) OnUnmatchedOpen(fn UnmatchedOpenFunc) {
	m.mu.Lock()
	m.onUnmatched = fn
	m.mu.Unlock()
}

func channelKey(protocol string, id []byte) string {
	return protocol + "/" + hex.EncodeToString(id)
}

// Open announces a channel for protocol and id. The returned channel's
// Opened is closed once the remote has opened the same pair.
func (m *Mux) Open(protocol string, id []byte, h Handler) (*Channel, error) {
	key := channelKey(protocol, id)

	// Holding the write lock until our open frame is out keeps data frames
	// sent on this channel from overtaking it.
	m.wmu.Lock()
	defer m.wmu.Unlock()

	m.mu.Lock()
	select {
	case <-m.closed:
		m.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	if _, exists := m.channels[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, protocol)
	}

	ch := &Channel{
		m:        m,
		protocol: protocol,
		id:       append([]byte(nil), id...),
		key:      key,
		localID:  m.nextID,
		handler:  h,
		opened:   make(chan struct{}),
		closed:   make(chan struct{}),
	}
	m.nextID++
	m.channels[key] = ch

	rid, remoteFirst := m.pendingRemote[key]
	if remoteFirst {
		delete(m.pendingRemote, key)
		ch.remoteID = rid
		m.remote[rid] = ch
	}
	m.mu.Unlock()

	open := controlMessage{op: opOpen, id: ch.localID, protocol: protocol, key: id}
	if err := m.writeFrameLocked(controlChannel, open.encode()); err != nil {
		m.removeChannel(ch)
		ch.markClosed()
		return nil, fmt.Errorf("send open: %w", err)
	}

	if remoteFirst {
		ch.markOpened()
	}
	return ch, nil
}

// Run reads frames until the stream fails or is closed.
// It always returns a non-nil error and leaves the mux closed.
func (m *Mux) Run() error {
	fr := newFrameReader(m.conn)
	for {
		channel, body, err := fr.ReadFrame()
		if err != nil {
			m.Close(err)
			return err
		}

		if channel == controlChannel {
			if err := m.handleControl(body); err != nil {
				err = fmt.Errorf("control frame: %w", err)
				m.Close(err)
				return err
			}
			continue
		}

		m.mu.Lock()
		ch := m.remote[channel]
		m.mu.Unlock()
		if ch == nil {
			m.log.Debug("Dropping frame for unknown channel", "channel", channel)
			continue
		}

		typ, n := binary.Uvarint(body)
		if n <= 0 {
			m.log.Debug("Dropping frame with malformed type", "protocol", ch.protocol)
			continue
		}
		if ch.handler != nil {
			ch.handler(typ, body[n:])
		}
	}
}

func (m *Mux) handleControl(body []byte) error {
	c, err := decodeControl(body)
	if err != nil {
		return err
	}

	switch c.op {
	case opOpen:
		key := channelKey(c.protocol, c.key)

		m.mu.Lock()
		ch := m.channels[key]
		if ch != nil && !ch.isOpened() {
			ch.remoteID = c.id
			m.remote[c.id] = ch
			m.mu.Unlock()
			ch.markOpened()
			return nil
		}
		m.pendingRemote[key] = c.id
		fn := m.onUnmatched
		m.mu.Unlock()

		if fn != nil {
			fn(c.protocol, c.key)
		}

	case opClose:
		m.mu.Lock()
		ch := m.remote[c.id]
		m.mu.Unlock()
		if ch != nil {
			m.removeChannel(ch)
			ch.markClosed()
		}
	}
	return nil
}

func (m *Mux) writeFrame(channel uint64, body []byte) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return m.writeFrameLocked(channel, body)
}

func (m *Mux) writeFrameLocked(channel uint64, body []byte) error {
	frame, err := appendFrame(nil, channel, body)
	if err != nil {
		return err
	}

	select {
	case <-m.closed:
		return ErrClosed
	default:
	}

	if _, err := m.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (m *Mux) removeChannel(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[ch.key] == ch {
		delete(m.channels, ch.key)
	}
	if ch.remoteID != 0 && m.remote[ch.remoteID] == ch {
		delete(m.remote, ch.remoteID)
	}
}

// Close closes the underlying stream and every channel.
// The first error passed to Close is reported by Err.
func (m *Mux) Close(err error) error {
	var closeErr error
	m.closeOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		m.mu.Lock()
		m.closeErr = err
		channels := make([]*Channel, 0, len(m.channels))
		for _, ch := range m.channels {
			channels = append(channels, ch)
		}
		m.channels = make(map[string]*Channel)
		m.remote = make(map[uint64]*Channel)
		close(m.closed)
		m.mu.Unlock()

		closeErr = m.conn.Close()
		for _, ch := range channels {
			ch.markClosed()
		}
	})
	return closeErr
}

// Done is closed when the mux has closed.
func (m *Mux) Done() <-chan struct{} {
	return m.closed
}

// Err returns the reason the mux closed, or nil while it is running.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeErr
}

// Channel is one protocol channel on a Mux.
type Channel struct {
	m        *Mux
	protocol string
	id       []byte
	key      string
	localID  uint64
	remoteID uint64 // guarded by m.mu
	handler  Handler

	openOnce  sync.Once
	opened    chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

// Protocol returns the channel's protocol name.
func (c *Channel) Protocol() string { return c.protocol }

// Opened is closed once both sides have opened the channel.
func (c *Channel) Opened() <-chan struct{} { return c.opened }

// Closed is closed when the channel or its mux closes.
func (c *Channel) Closed() <-chan struct{} { return c.closed }

func (c *Channel) isOpened() bool {
	select {
	case <-c.opened:
		return true
	default:
		return false
	}
}

func (c *Channel) markOpened() {
	c.openOnce.Do(func() { close(c.opened) })
}

func (c *Channel) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Send writes one message on the channel. It blocks until the frame has
// been handed to the stream, which is the backpressure point.
func (c *Channel) Send(typ uint64, payload []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	if !c.isOpened() {
		return ErrNotOpen
	}

	body := binary.AppendUvarint(make([]byte, 0, len(payload)+2), typ)
	body = append(body, payload...)
	return c.m.writeFrame(c.localID, body)
}

// Close tells the remote the channel is gone.
func (c *Channel) Close() error {
	c.m.removeChannel(c)
	select {
	case <-c.closed:
		return nil
	default:
	}
	c.markClosed()
	msg := controlMessage{op: opClose, id: c.localID}
	return c.m.writeFrame(controlChannel, msg.encode())
}
