package mux

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame body (4 MB).
const MaxFrameSize = 4 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize
var ErrFrameTooLarge = errors.New("frame too large")

// frameReader reads uvarint length-prefixed frames.
// Each frame is: uvarint(len(rest)) || uvarint(channel) || body.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

// ReadFrame reads the next frame and returns its channel and body
func (f *frameReader) ReadFrame() (uint64, []byte, error) {
	length, err := binary.ReadUvarint(f.r)
	if err != nil {
		return 0, nil, fmt.Errorf("read length: %w", err)
	}
	if length > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}

	rest := make([]byte, length)
	if _, err := io.ReadFull(f.r, rest); err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}

	channel, n := binary.Uvarint(rest)
	if n <= 0 {
		return 0, nil, errors.New("read channel: malformed uvarint")
	}
	return channel, rest[n:], nil
}

// appendFrame appends a complete frame to dst
func appendFrame(dst []byte, channel uint64, body []byte) ([]byte, error) {
	rest := binary.AppendUvarint(nil, channel)
	if len(rest)+len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	dst = binary.AppendUvarint(dst, uint64(len(rest)+len(body)))
	dst = append(dst, rest...)
	return append(dst, body...), nil
}

// Control frames travel on channel 0.
const controlChannel = 0

const (
	opOpen  byte = 1
	opClose byte = 2
)

type controlMessage struct {
	op       byte
	id       uint64 // sender's local channel id
	protocol string
	key      []byte
}

func (c controlMessage) encode() []byte {
	b := []byte{c.op}
	b = binary.AppendUvarint(b, c.id)
	if c.op == opOpen {
		b = binary.AppendUvarint(b, uint64(len(c.protocol)))
		b = append(b, c.protocol...)
		b = binary.AppendUvarint(b, uint64(len(c.key)))
		b = append(b, c.key...)
	}
	return b
}

func decodeControl(b []byte) (controlMessage, error) {
	var c controlMessage
	if len(b) < 1 {
		return c, errors.New("empty control message")
	}
	c.op = b[0]
	b = b[1:]

	id, n := binary.Uvarint(b)
	if n <= 0 {
		return c, errors.New("malformed channel id")
	}
	c.id = id
	b = b[n:]

	switch c.op {
	case opClose:
		return c, nil
	case opOpen:
		proto, rest, err := readLengthPrefixed(b)
		if err != nil {
			return c, fmt.Errorf("protocol: %w", err)
		}
		key, _, err := readLengthPrefixed(rest)
		if err != nil {
			return c, fmt.Errorf("key: %w", err)
		}
		c.protocol = string(proto)
		c.key = key
		return c, nil
	default:
		return c, fmt.Errorf("unknown control op %d", c.op)
	}
}

func readLengthPrefixed(b []byte) ([]byte, []byte, error) {
	l, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, errors.New("malformed length")
	}
	b = b[n:]
	if uint64(len(b)) < l {
		return nil, nil, io.ErrUnexpectedEOF
	}
	return append([]byte(nil), b[:l]...), b[l:], nil
}
