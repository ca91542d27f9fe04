// Package coordinator implements the hub of the star network. It accepts
// node connections, keeps the authoritative peer registry and mempool, and
// relays blocks and transactions between the nodes.
package coordinator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starnet/blockchain/foundation/blockchain/chain"
	"github.com/starnet/blockchain/foundation/blockchain/consensus"
	"github.com/starnet/blockchain/foundation/blockchain/mempool"
	"github.com/starnet/blockchain/foundation/blockchain/peer"
	"github.com/starnet/blockchain/foundation/blockchain/wire"
)

// ErrNotRunning is returned when work is requested after shutdown.
var ErrNotRunning = errors.New("coordinator is not running")

// DefaultNodeID is the id the coordinator uses in the messages it sends.
const DefaultNodeID = "coordinator"

// EventHandler defines a function that is called when events occur in the
// processing of the network.
type EventHandler func(v string, args ...any)

// Config represents the configuration required to start the coordinator.
type Config struct {
	Address          string
	NodeID           string
	Difficulty       int
	MempoolCapacity  int
	TxPerBlock       int
	Workers          int
	JoinTimeout      time.Duration
	HeartbeatTimeout time.Duration
	MonitorInterval  time.Duration
	EvHandler        EventHandler
}

// Stats is a snapshot of the coordinator's state for display.
type Stats struct {
	NodeID      string                   `json:"node_id"`
	Address     string                   `json:"address"`
	Uptime      time.Duration            `json:"uptime"`
	Peers       int                      `json:"peers"`
	ChainLength int                      `json:"chain_length"`
	Mempool     int                      `json:"mempool"`
	MempoolCap  int                      `json:"mempool_capacity"`
	Running     bool                     `json:"running"`
	BlocksMined int                      `json:"blocks_mined"`
	Workers     []consensus.WorkerTotals `json:"workers"`
}

// Coordinator manages the star network.
type Coordinator struct {
	cfg       Config
	evHandler EventHandler
	server    *Server
	registry  *peer.Registry
	chain     *chain.Chain
	mempool   *mempool.Mempool
	powStats  *consensus.POWStats
	started   time.Time
	running   atomic.Bool

	wg           sync.WaitGroup
	shut         chan struct{}
	startMining  chan bool
	cancelMining chan bool
}

// New binds the listener and starts the accept loop, the heartbeat monitor
// and the mining worker.
func New(cfg Config) (*Coordinator, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if cfg.NodeID == "" {
		cfg.NodeID = DefaultNodeID
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.TxPerBlock < 1 {
		cfg.TxPerBlock = 10
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 30 * time.Second
	}

	server, err := Listen(cfg.Address, cfg.JoinTimeout, ev)
	if err != nil {
		return nil, err
	}

	c := Coordinator{
		cfg:          cfg,
		evHandler:    ev,
		server:       server,
		registry:     peer.NewRegistry(),
		chain:        chain.New(cfg.Difficulty),
		mempool:      mempool.New(cfg.MempoolCapacity),
		powStats:     consensus.NewPOWStats(),
		started:      time.Now(),
		shut:         make(chan struct{}),
		startMining:  make(chan bool, 1),
		cancelMining: make(chan bool, 1),
	}
	c.running.Store(true)

	// Load the set of operations we need to run.
	operations := []func(){
		c.acceptOperations,
		c.monitorOperations,
		c.miningOperations,
	}

	// Set waitgroup to match the number of G's we need for the set
	// of operations we have.
	g := len(operations)
	c.wg.Add(g)

	// We don't want to return until we know all the G's are up and running.
	hasStarted := make(chan bool)

	// Start all the operational G's.
	for _, op := range operations {
		go func(op func()) {
			defer c.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	// Wait for the G's to report they are running.
	for range g {
		<-hasStarted
	}

	ev("coordinator: started: listening[%s] difficulty[%d]", c.Addr(), cfg.Difficulty)

	return &c, nil
}

// Shutdown stops every loop, closes the listener and every peer connection,
// and waits for the goroutines to finish.
func (c *Coordinator) Shutdown() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}

	c.evHandler("coordinator: shutdown: started")
	defer c.evHandler("coordinator: shutdown: completed")

	c.evHandler("coordinator: shutdown: signal cancel mining")
	c.SignalCancelMining()

	c.evHandler("coordinator: shutdown: close network")
	close(c.shut)
	c.server.Close()

	c.evHandler("coordinator: shutdown: terminate goroutines")
	c.wg.Wait()
}

// Running reports whether the coordinator is accepting work.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// Addr returns the address the coordinator is listening on.
func (c *Coordinator) Addr() string {
	return c.server.Addr()
}

// =============================================================================

// acceptOperations accepts connections until the listener is closed. Every
// connection gets its own G for the handshake and the message loop.
func (c *Coordinator) acceptOperations() {
	c.evHandler("coordinator: acceptOperations: G started")
	defer c.evHandler("coordinator: acceptOperations: G completed")

	for {
		conn, err := c.server.AcceptConn()
		if err != nil {
			if !c.running.Load() {
				return
			}
			c.evHandler("coordinator: acceptOperations: ERROR: %s", err)

			select {
			case <-time.After(100 * time.Millisecond):
			case <-c.shut:
				return
			}
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleConn(conn)
		}()
	}
}

// handleConn takes a connection from the handshake through registration
// and into its message loop.
func (c *Coordinator) handleConn(conn *wire.Conn) {
	join, err := c.server.Handshake(conn)
	if err != nil {
		c.evHandler("coordinator: handleConn: %s", err)
		return
	}

	id := join.NodeID

	if !c.running.Load() {
		c.evHandler("coordinator: handleConn: peer[%s]: %s", id, ErrNotRunning)
		conn.Close()
		return
	}

	if !c.registry.Add(peer.Info{NodeID: id, Address: join.Address}, time.Now()) {
		c.evHandler("coordinator: handleConn: peer[%s]: duplicate node id: %s", id, wire.ErrInvalidMessage)
		conn.Close()
		return
	}

	if err := c.server.Register(id, conn); err != nil {
		c.registry.Remove(id)
		c.evHandler("coordinator: handleConn: %s", err)
		conn.Close()
		return
	}

	c.evHandler("coordinator: handleConn: peer[%s] joined from[%s]", id, join.Address)

	if err := conn.Write(wire.PeerList{Peers: c.registry.Copy(id)}); err != nil {
		c.evHandler("coordinator: handleConn: peer[%s]: send peer list: ERROR: %s", id, err)
	}
	c.announcePeers()

	c.messageLoop(id, conn)
}

// messageLoop reads and dispatches messages until the connection fails.
func (c *Coordinator) messageLoop(id string, conn *wire.Conn) {
	c.evHandler("coordinator: messageLoop: peer[%s]: G started", id)
	defer c.evHandler("coordinator: messageLoop: peer[%s]: G completed", id)

	defer c.removePeer(id, conn)

	for {
		msg, err := conn.Read()
		if err != nil {
			if c.running.Load() {
				c.evHandler("coordinator: messageLoop: peer[%s]: read: %s", id, err)
			}
			return
		}

		c.dispatch(id, conn, msg)
	}
}

// dispatch handles one message received from a peer.
func (c *Coordinator) dispatch(id string, conn *wire.Conn, msg wire.Message) {
	switch m := msg.(type) {
	case wire.RequestBlockchain:
		blocks := c.chain.Blocks()
		if err := conn.Write(wire.BlockchainSync{Chain: blocks}); err != nil {
			c.evHandler("coordinator: dispatch: peer[%s]: send chain: ERROR: %s", id, err)
			return
		}
		c.evHandler("coordinator: dispatch: peer[%s]: sent chain: blocks[%d]", id, len(blocks))

	case wire.Heartbeat:
		c.registry.Touch(id, time.Now())
		if err := conn.Write(wire.Pong{NodeID: c.cfg.NodeID}); err != nil {
			c.evHandler("coordinator: dispatch: peer[%s]: send pong: ERROR: %s", id, err)
		}

	case wire.NewTransaction:
		c.handleTransaction(id, m)

	case wire.NewBlock:
		c.handleBlock(id, m)

	case wire.Pong:
		c.evHandler("coordinator: dispatch: peer[%s]: pong from[%s]", id, m.NodeID)

	case wire.Join, wire.PeerList, wire.BlockchainSync, wire.MiningStart, wire.MiningStop:
		c.evHandler("coordinator: dispatch: peer[%s]: unhandled message[%s]", id, msg.Kind())
	}
}

// handleTransaction admits a relayed transaction into the mempool and relays
// it to every other peer. Duplicates stop here.
func (c *Coordinator) handleTransaction(id string, m wire.NewTransaction) {
	tx, err := chain.DecodeTx(m.Transaction)
	if err != nil {
		c.evHandler("coordinator: transaction: peer[%s]: invalid: %s", id, err)
		return
	}

	if err := c.mempool.Add(tx); err != nil {
		c.evHandler("coordinator: transaction: peer[%s]: tx[%s]: %s", id, tx.Signature, err)
		return
	}

	c.evHandler("coordinator: transaction: added from[%s]: %s: mempool[%d]", m.FromNode, tx, c.mempool.Count())

	c.dropPeers(c.server.BroadcastExcept(id, m))
}

// handleBlock appends a block mined by a peer and relays it.
func (c *Coordinator) handleBlock(id string, m wire.NewBlock) {
	if err := c.chain.AppendValidated(m.Block); err != nil {
		c.evHandler("coordinator: block: peer[%s]: miner[%s]: rejected: %s", id, m.MinerID, err)
		return
	}

	c.registry.IncrementMined(id)
	c.evHandler("coordinator: block: peer[%s]: miner[%s]: appended: hash[%s] length[%d]", id, m.MinerID, m.Block.ShortHash(16), c.chain.Len())

	c.dropPeers(c.server.BroadcastExcept(id, m))
}

// removePeer unregisters the peer owning the connection and announces the
// new peer list.
func (c *Coordinator) removePeer(id string, conn *wire.Conn) {
	if !c.server.Drop(id, conn) {
		return
	}

	c.registry.Remove(id)
	c.evHandler("coordinator: removePeer: peer[%s] disconnected", id)

	if c.running.Load() {
		c.announcePeers()
	}
}

// dropPeers unregisters peers whose connection failed during a broadcast.
func (c *Coordinator) dropPeers(ids []string) {
	for _, id := range ids {
		c.registry.Remove(id)
		c.evHandler("coordinator: dropPeers: peer[%s] dropped", id)
	}
}

// announcePeers sends the full peer list to every peer.
func (c *Coordinator) announcePeers() {
	c.dropPeers(c.server.Broadcast(wire.PeerList{Peers: c.registry.Copy("")}))
}

// =============================================================================

// monitorOperations evicts peers that stopped sending heartbeats.
func (c *Coordinator) monitorOperations() {
	c.evHandler("coordinator: monitorOperations: G started")
	defer c.evHandler("coordinator: monitorOperations: G completed")

	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictStale(time.Now())
		case <-c.shut:
			c.evHandler("coordinator: monitorOperations: received shut signal")
			return
		}
	}
}

// evictStale removes every peer not heard from within the heartbeat
// timeout and returns their ids.
func (c *Coordinator) evictStale(now time.Time) []string {
	evicted := c.registry.Evict(now.Add(-c.cfg.HeartbeatTimeout))
	if len(evicted) == 0 {
		return nil
	}

	for _, id := range evicted {
		c.evHandler("coordinator: evictStale: peer[%s]: no heartbeat for %v", id, c.cfg.HeartbeatTimeout)
		c.server.Remove(id)
	}

	c.announcePeers()

	return evicted
}

// =============================================================================

// Peers returns the registered peers.
func (c *Coordinator) Peers() []peer.Info {
	return c.registry.Copy("")
}

// Blocks returns a copy of the chain.
func (c *Coordinator) Blocks() []chain.Block {
	return c.chain.Blocks()
}

// ChainSummary returns a display snapshot of the chain.
func (c *Coordinator) ChainSummary() chain.Summary {
	return c.chain.Summary()
}

// Mempool returns the pending transactions.
func (c *Coordinator) Mempool() []chain.Tx {
	return c.mempool.Copy()
}

// ClearMempool drops every pending transaction.
func (c *Coordinator) ClearMempool() int {
	n := c.mempool.Truncate()
	c.evHandler("coordinator: mempool: cleared[%d]", n)
	return n
}

// SubmitTransaction admits a transaction created at the coordinator and
// relays it to every peer.
func (c *Coordinator) SubmitTransaction(tx chain.Tx) error {
	if err := tx.Validate(); err != nil {
		return err
	}

	if err := c.mempool.Add(tx); err != nil {
		return fmt.Errorf("tx[%s]: %w", tx.Signature, err)
	}

	s, err := tx.Encode()
	if err != nil {
		return fmt.Errorf("%v: %w", err, wire.ErrSerialization)
	}

	c.evHandler("coordinator: transaction: submitted: %s: mempool[%d]", tx, c.mempool.Count())
	c.dropPeers(c.server.Broadcast(wire.NewTransaction{Transaction: s, FromNode: c.cfg.NodeID}))

	return nil
}

// Stats returns a snapshot of the coordinator's state.
func (c *Coordinator) Stats() Stats {
	return Stats{
		NodeID:      c.cfg.NodeID,
		Address:     c.Addr(),
		Uptime:      time.Since(c.started).Truncate(time.Second),
		Peers:       c.registry.Len(),
		ChainLength: c.chain.Len(),
		Mempool:     c.mempool.Count(),
		MempoolCap:  c.mempool.Capacity(),
		Running:     c.running.Load(),
		BlocksMined: c.powStats.Blocks(),
		Workers:     c.powStats.Workers(),
	}
}
