package coordinator

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/starnet/blockchain/foundation/blockchain/wire"
	"github.com/starnet/blockchain/foundation/validate"
)

// ErrServerClosed is returned when a connection arrives after Close.
var ErrServerClosed = errors.New("server closed")

// Server owns the listening socket and the table of registered peer
// connections. No lock is held while writing to a connection.
type Server struct {
	listener    net.Listener
	joinTimeout time.Duration
	evHandler   EventHandler

	mu      sync.RWMutex
	closed  bool
	conns   map[string]*wire.Conn
	pending map[*wire.Conn]struct{}
}

// Listen binds the specified address.
func Listen(address string, joinTimeout time.Duration, evHandler EventHandler) (*Server, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w: %w", address, err, wire.ErrConnectionFailed)
	}

	if evHandler == nil {
		evHandler = func(v string, args ...any) {}
	}

	s := Server{
		listener:    ln,
		joinTimeout: joinTimeout,
		evHandler:   evHandler,
		conns:       make(map[string]*wire.Conn),
		pending:     make(map[*wire.Conn]struct{}),
	}

	return &s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Accept blocks until a socket connects and sends a valid Join.
func (s *Server) Accept() (string, *wire.Conn, wire.Join, error) {
	conn, err := s.AcceptConn()
	if err != nil {
		return "", nil, wire.Join{}, err
	}

	join, err := s.Handshake(conn)
	if err != nil {
		return "", nil, wire.Join{}, err
	}

	return join.NodeID, conn, join, nil
}

// AcceptConn blocks until a socket connects.
func (s *Server) AcceptConn() (*wire.Conn, error) {
	conn, err := s.listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("accept: %w: %w", err, wire.ErrConnectionFailed)
	}

	wc := wire.NewConn(conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		wc.Close()
		return nil, fmt.Errorf("accept %s: %w", wc.RemoteAddr(), ErrServerClosed)
	}
	s.pending[wc] = struct{}{}
	s.mu.Unlock()

	return wc, nil
}

// Handshake reads the first frame, which must be a Join. The connection is
// closed on any failure.
func (s *Server) Handshake(conn *wire.Conn) (wire.Join, error) {
	defer func() {
		s.mu.Lock()
		delete(s.pending, conn)
		s.mu.Unlock()
	}()

	if s.joinTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.joinTimeout))
	}

	msg, err := conn.Read()
	if err != nil {
		conn.Close()
		return wire.Join{}, fmt.Errorf("handshake %s: %w", conn.RemoteAddr(), err)
	}

	conn.SetReadDeadline(time.Time{})

	join, ok := msg.(wire.Join)
	if !ok {
		conn.Close()
		return wire.Join{}, fmt.Errorf("handshake %s: first message must be Join, got %s: %w", conn.RemoteAddr(), msg.Kind(), wire.ErrInvalidMessage)
	}

	if err := validate.Check(join); err != nil {
		conn.Close()
		return wire.Join{}, fmt.Errorf("handshake %s: %v: %w", conn.RemoteAddr(), err, wire.ErrInvalidMessage)
	}

	return join, nil
}

// Register inserts the connection into the table. Once the server is
// closed every registration is refused and the caller owns the connection.
func (s *Server) Register(peerID string, conn *wire.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("register %s: %w", peerID, ErrServerClosed)
	}

	if _, exists := s.conns[peerID]; exists {
		return fmt.Errorf("register %s: already connected: %w", peerID, wire.ErrInvalidMessage)
	}

	s.conns[peerID] = conn
	return nil
}

// Broadcast writes the message to every registered connection. It returns
// the ids of the connections that failed and were dropped.
func (s *Server) Broadcast(msg wire.Message) []string {
	return s.BroadcastExcept("", msg)
}

// BroadcastExcept writes the message to every registered connection other
// than the origin. A failing connection is dropped from the table and
// closed, the others are still written to.
func (s *Server) BroadcastExcept(origin string, msg wire.Message) []string {
	type target struct {
		id   string
		conn *wire.Conn
	}

	s.mu.RLock()
	targets := make([]target, 0, len(s.conns))
	for id, conn := range s.conns {
		if id != origin {
			targets = append(targets, target{id: id, conn: conn})
		}
	}
	s.mu.RUnlock()

	var dropped []string
	for _, t := range targets {
		if err := t.conn.Write(msg); err != nil {
			s.evHandler("coordinator: broadcast: %s: peer[%s]: ERROR: %s", msg.Kind(), t.id, err)
			if s.Drop(t.id, t.conn) {
				dropped = append(dropped, t.id)
			}
		}
	}

	return dropped
}

// SendTo writes the message to the specified peer.
func (s *Server) SendTo(peerID string, msg wire.Message) error {
	s.mu.RLock()
	conn, exists := s.conns[peerID]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("send to %s: %w", peerID, wire.ErrPeerNotFound)
	}

	return conn.Write(msg)
}

// Remove drops the peer from the table and closes its connection.
func (s *Server) Remove(peerID string) bool {
	return s.Drop(peerID, nil)
}

// Drop removes the peer only while the table still holds the specified
// connection, so a stale reader cannot remove a newer registration. A nil
// connection matches any.
func (s *Server) Drop(peerID string, conn *wire.Conn) bool {
	s.mu.Lock()
	current, exists := s.conns[peerID]
	if !exists || (conn != nil && current != conn) {
		s.mu.Unlock()
		return false
	}
	delete(s.conns, peerID)
	s.mu.Unlock()

	current.Close()
	return true
}

// Peers returns the ids of the registered connections.
func (s *Server) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// Len returns the number of registered connections.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.conns)
}

// Close stops accepting connections and closes every registered or
// handshaking one so blocked reads return.
func (s *Server) Close() error {
	err := s.listener.Close()

	s.mu.Lock()
	s.closed = true
	conns := s.conns
	pending := s.pending
	s.conns = make(map[string]*wire.Conn)
	s.pending = make(map[*wire.Conn]struct{})
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	for conn := range pending {
		conn.Close()
	}

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
