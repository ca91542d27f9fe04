package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"
)

// HeaderSize is the number of bytes in the big-endian length prefix.
const HeaderSize = 4

// MaxFrameSize bounds the body length accepted by Read.
const MaxFrameSize = 32 << 20

// Frame prefixes the payload with its big-endian length.
func Frame(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// =============================================================================

// Conn wraps a stream connection with message framing. Writes are
// serialized so frames from concurrent writers never interleave. Read must
// only be called from a single goroutine.
type Conn struct {
	conn net.Conn
	mu   sync.Mutex
}

// NewConn wraps the specified connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// Dial connects to the specified address.
func Dial(address string, timeout time.Duration) (*Conn, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", address, err, ErrConnectionFailed)
	}

	return NewConn(conn), nil
}

// Write encodes the message and writes the header and the body as a
// single write.
func (c *Conn) Write(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	frame := Frame(data)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w: %w", msg.Kind(), err, ErrSendFailed)
	}

	return nil
}

// Read blocks until a full frame is received and decodes it.
func (c *Conn) Read() (Message, error) {
	return ReadFrom(c.conn)
}

// ReadFrom reads one frame from the reader and decodes it.
func ReadFrom(r io.Reader) (Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read header: %w: %w", err, ErrReceiveFailed)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("read: frame of %d bytes exceeds %d: %w", size, MaxFrameSize, ErrReceiveFailed)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read body: %w: %w", err, ErrReceiveFailed)
	}

	return Decode(body)
}

// SetReadDeadline bounds the next Read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// LocalAddr returns the address of this end.
func (c *Conn) LocalAddr() string {
	return c.conn.LocalAddr().String()
}

// RemoteAddr returns the address of the other end.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close closes the connection. Any blocked Read returns an error.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// IsClosed reports whether the error is the result of reading from or
// writing to a connection that is closed at either end.
func IsClosed(err error) bool {
	switch {
	case errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return true
	}
	return false
}
