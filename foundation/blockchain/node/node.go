// Package node implements a regular member of the star network. A node
// joins the coordinator, mirrors its chain and mempool, submits
// transactions and keeps its registration alive with heartbeats.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	lru "github.com/hashicorp/golang-lru"
	"github.com/starnet/blockchain/foundation/blockchain/chain"
	"github.com/starnet/blockchain/foundation/blockchain/consensus"
	"github.com/starnet/blockchain/foundation/blockchain/mempool"
	"github.com/starnet/blockchain/foundation/blockchain/peer"
	"github.com/starnet/blockchain/foundation/blockchain/wire"
)

// maxHeartbeatFailures is the number of consecutive failed heartbeats that
// ends the session.
const maxHeartbeatFailures = 3

// Set of errors returned by the node.
var (
	ErrNotConnected = errors.New("node is not connected")
	ErrConnected    = errors.New("node is already connected")
)

// EventHandler defines a function that is called when events occur in the
// processing of the node.
type EventHandler func(v string, args ...any)

// Config represents the configuration required to start a node.
type Config struct {
	CoordinatorAddress string
	NodeID             string
	Address            string
	Difficulty         int
	MempoolCapacity    int
	TxPerBlock         int
	Workers            int
	HeartbeatInterval  time.Duration
	DialTimeout        time.Duration
	DialRetries        uint64
	SeenCacheSize      int
	EvHandler          EventHandler
}

// Status is a snapshot of the node's state for display.
type Status struct {
	NodeID      string    `json:"node_id"`
	Coordinator string    `json:"coordinator"`
	ChainLength int       `json:"chain_length"`
	Peers       int       `json:"peers"`
	Mempool     int       `json:"mempool"`
	MempoolCap  int       `json:"mempool_capacity"`
	Running     bool      `json:"running"`
	LastPong    time.Time `json:"last_pong"`
}

// Node manages the session with the coordinator and the local mirrors.
type Node struct {
	cfg       Config
	evHandler EventHandler
	chain     *chain.Chain
	mempool   *mempool.Mempool
	seen      *lru.Cache
	powStats  *consensus.POWStats

	mu       sync.RWMutex
	conn     *wire.Conn
	peers    []peer.Info
	lastPong time.Time

	running  atomic.Bool
	wg       sync.WaitGroup
	shut     chan struct{}
	stopOnce sync.Once
}

// New constructs a node with its own genesis chain. Nothing touches the
// network until Connect is called.
func New(cfg Config) (*Node, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.DialRetries < 1 {
		cfg.DialRetries = 1
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = 100
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.TxPerBlock < 1 {
		cfg.TxPerBlock = 10
	}

	seen, err := lru.New(cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("seen cache: %w", err)
	}

	n := Node{
		cfg:       cfg,
		evHandler: ev,
		chain:     chain.New(cfg.Difficulty),
		mempool:   mempool.New(cfg.MempoolCapacity),
		seen:      seen,
		powStats:  consensus.NewPOWStats(),
		shut:      make(chan struct{}),
	}

	return &n, nil
}

// Connect dials the coordinator, retrying with exponential backoff, sends
// the Join and starts the receive and heartbeat loops.
func (n *Node) Connect(ctx context.Context) error {
	n.mu.RLock()
	connected := n.conn != nil
	n.mu.RUnlock()

	if connected {
		return ErrConnected
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = 2 * time.Second

	var conn *wire.Conn
	attempt := 0
	op := func() error {
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		c, err := wire.Dial(n.cfg.CoordinatorAddress, n.cfg.DialTimeout)
		if err != nil {
			n.evHandler("node: Connect: attempt[%d]: %s", attempt, err)
			return err
		}

		conn = c
		return nil
	}

	if err := backoff.Retry(op, backoff.WithMaxRetries(eb, n.cfg.DialRetries)); err != nil {
		return err
	}

	if conn == nil {
		return ctx.Err()
	}

	address := n.cfg.Address
	if address == "" {
		address = conn.LocalAddr()
	}

	join := wire.Join{
		NodeID:    n.cfg.NodeID,
		Address:   address,
		Timestamp: time.Now().UTC().Unix(),
	}

	if err := conn.Write(join); err != nil {
		conn.Close()
		return fmt.Errorf("join: %w: %w", err, wire.ErrConnectionFailed)
	}

	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()

	n.running.Store(true)

	// Load the set of operations we need to run.
	operations := []func(){
		n.receiveOperations,
		n.heartbeatOperations,
	}

	g := len(operations)
	n.wg.Add(g)

	hasStarted := make(chan bool)

	for _, op := range operations {
		go func(op func()) {
			defer n.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	for range g {
		<-hasStarted
	}

	n.evHandler("node: Connect: joined coordinator[%s] as[%s]", n.cfg.CoordinatorAddress, n.cfg.NodeID)

	return nil
}

// Shutdown ends the session and waits for the loops to finish.
func (n *Node) Shutdown() {
	n.evHandler("node: shutdown: started")
	defer n.evHandler("node: shutdown: completed")

	n.stop()
	n.wg.Wait()
}

// Done returns a channel that is closed when the session ends.
func (n *Node) Done() <-chan struct{} {
	return n.shut
}

// Running reports whether the session is alive.
func (n *Node) Running() bool {
	return n.running.Load()
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.cfg.NodeID
}

// stop marks the node not running and closes the socket so a blocked read
// returns.
func (n *Node) stop() {
	n.stopOnce.Do(func() {
		n.running.Store(false)
		close(n.shut)

		n.mu.RLock()
		conn := n.conn
		n.mu.RUnlock()

		if conn != nil {
			conn.Close()
		}
	})
}

// send writes a message to the coordinator.
func (n *Node) send(msg wire.Message) error {
	n.mu.RLock()
	conn := n.conn
	n.mu.RUnlock()

	if conn == nil || !n.running.Load() {
		return ErrNotConnected
	}

	return conn.Write(msg)
}

// =============================================================================

// receiveOperations reads and dispatches messages until the connection
// fails, which ends the session.
func (n *Node) receiveOperations() {
	n.evHandler("node: receiveOperations: G started")
	defer n.evHandler("node: receiveOperations: G completed")

	n.mu.RLock()
	conn := n.conn
	n.mu.RUnlock()

	for {
		msg, err := conn.Read()
		if err != nil {
			if n.running.Load() {
				n.evHandler("node: receiveOperations: connection lost: %s", err)
			}
			n.stop()
			return
		}

		n.dispatch(msg)
	}
}

// heartbeatOperations sends a heartbeat on every tick. Three consecutive
// failures, or a closed connection, end the session.
func (n *Node) heartbeatOperations() {
	n.evHandler("node: heartbeatOperations: G started")
	defer n.evHandler("node: heartbeatOperations: G completed")

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var failures int
	beat := func() bool {
		err := n.send(wire.Heartbeat{NodeID: n.cfg.NodeID, Timestamp: time.Now().UTC().Unix()})
		if err == nil {
			failures = 0
			return true
		}

		failures++
		n.evHandler("node: heartbeatOperations: failure[%d]: %s", failures, err)

		if wire.IsClosed(err) || errors.Is(err, ErrNotConnected) || failures >= maxHeartbeatFailures {
			n.stop()
			return false
		}
		return true
	}

	if !beat() {
		return
	}

	for {
		select {
		case <-ticker.C:
			if !beat() {
				return
			}
		case <-n.shut:
			n.evHandler("node: heartbeatOperations: received shut signal")
			return
		}
	}
}

// dispatch handles one message received from the coordinator.
func (n *Node) dispatch(msg wire.Message) {
	switch m := msg.(type) {
	case wire.PeerList:
		n.mu.Lock()
		n.peers = append([]peer.Info(nil), m.Peers...)
		n.mu.Unlock()
		n.evHandler("node: dispatch: peer list updated: peers[%d]", len(m.Peers))

	case wire.BlockchainSync:
		if err := n.chain.Replace(m.Chain); err != nil {
			n.evHandler("node: dispatch: sync: ERROR: %s", err)
			return
		}
		n.evHandler("node: dispatch: chain synced: blocks[%d]", len(m.Chain))

	case wire.NewBlock:
		n.handleBlock(m)

	case wire.NewTransaction:
		n.handleTransaction(m)

	case wire.Pong:
		n.mu.Lock()
		n.lastPong = time.Now()
		n.mu.Unlock()

	case wire.MiningStart, wire.MiningStop:
		n.evHandler("node: dispatch: %s: ignored", msg.Kind())

	case wire.Join, wire.RequestBlockchain, wire.Heartbeat:
		n.evHandler("node: dispatch: unexpected message[%s]", msg.Kind())
	}
}

// handleBlock validates a block against the local tip before appending it.
// Hashes already processed are skipped.
func (n *Node) handleBlock(m wire.NewBlock) {
	if n.seen.Contains(m.Block.Hash) {
		n.evHandler("node: block: hash[%s]: already seen", m.Block.ShortHash(16))
		return
	}
	n.seen.Add(m.Block.Hash, true)

	if err := n.chain.AppendValidated(m.Block); err != nil {
		n.evHandler("node: block: miner[%s]: rejected: %s", m.MinerID, err)
		return
	}

	n.evHandler("node: block: miner[%s]: block[%d]: hash[%s]", m.MinerID, n.chain.Len()-1, m.Block.ShortHash(16))
}

// handleTransaction inserts a relayed transaction into the local mempool.
func (n *Node) handleTransaction(m wire.NewTransaction) {
	tx, err := chain.DecodeTx(m.Transaction)
	if err != nil {
		n.evHandler("node: transaction: from[%s]: invalid: %s", m.FromNode, err)
		return
	}

	if err := n.mempool.Add(tx); err != nil {
		if !errors.Is(err, mempool.ErrDuplicate) {
			n.evHandler("node: transaction: from[%s]: %s", m.FromNode, err)
		}
		return
	}

	n.evHandler("node: transaction: from[%s]: %s", m.FromNode, tx)
}

// =============================================================================

// RequestSync asks the coordinator for its chain. The reply replaces the
// local chain.
func (n *Node) RequestSync() error {
	return n.send(wire.RequestBlockchain{RequesterID: n.cfg.NodeID})
}

// SubmitTransaction inserts a new transaction into the local mempool and
// sends it to the coordinator for relay. The local entry is kept when the
// send fails.
func (n *Node) SubmitTransaction(from string, to string, amount uint64) (chain.Tx, error) {
	tx := chain.NewTx(from, to, amount)
	if err := tx.Validate(); err != nil {
		return chain.Tx{}, err
	}

	if err := n.mempool.Add(tx); err != nil {
		return chain.Tx{}, fmt.Errorf("tx[%s]: %w", tx.Signature, err)
	}

	s, err := tx.Encode()
	if err != nil {
		return tx, fmt.Errorf("%v: %w", err, wire.ErrSerialization)
	}

	if err := n.send(wire.NewTransaction{Transaction: s, FromNode: n.cfg.NodeID}); err != nil {
		return tx, err
	}

	return tx, nil
}

// MineBlock runs the proof of work race on the local tip, appends the block
// locally and sends it to the coordinator.
func (n *Node) MineBlock(ctx context.Context) (chain.Block, error) {
	txs := n.mempool.Take(n.cfg.TxPerBlock)

	tmpl, err := chain.NewTemplate(n.chain, txs, time.Now().UTC().Unix())
	if err != nil {
		return chain.Block{}, err
	}

	args := consensus.POWArgs{
		PreviousHash: tmpl.PreviousHash,
		Timestamp:    tmpl.Timestamp,
		Payload:      tmpl.Payload(),
		Difficulty:   tmpl.Difficulty,
		Workers:      n.cfg.Workers,
	}

	res, err := consensus.POW(ctx, args, consensus.EventHandler(n.evHandler))
	if err != nil {
		return chain.Block{}, err
	}

	if err := n.chain.AppendValidated(res.Block); err != nil {
		return chain.Block{}, fmt.Errorf("append mined block %d: %w", tmpl.BlockNumber, err)
	}
	n.seen.Add(res.Block.Hash, true)
	n.powStats.Record(res)

	if err := n.send(wire.NewBlock{Block: res.Block, MinerID: n.cfg.NodeID}); err != nil {
		return res.Block, err
	}

	return res.Block, nil
}

// Blocks returns a copy of the local chain.
func (n *Node) Blocks() []chain.Block {
	return n.chain.Blocks()
}

// ChainSummary returns a display snapshot of the local chain.
func (n *Node) ChainSummary() chain.Summary {
	return n.chain.Summary()
}

// Peers returns the last peer list received from the coordinator.
func (n *Node) Peers() []peer.Info {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return append([]peer.Info(nil), n.peers...)
}

// Mempool returns the local pending transactions.
func (n *Node) Mempool() []chain.Tx {
	return n.mempool.Copy()
}

// MiningStats returns the totals of the races this node ran.
func (n *Node) MiningStats() []consensus.WorkerTotals {
	return n.powStats.Workers()
}

// Status returns a snapshot of the node's state.
func (n *Node) Status() Status {
	n.mu.RLock()
	peers := len(n.peers)
	lastPong := n.lastPong
	n.mu.RUnlock()

	return Status{
		NodeID:      n.cfg.NodeID,
		Coordinator: n.cfg.CoordinatorAddress,
		ChainLength: n.chain.Len(),
		Peers:       peers,
		Mempool:     n.mempool.Count(),
		MempoolCap:  n.mempool.Capacity(),
		Running:     n.running.Load(),
		LastPong:    lastPong,
	}
}
