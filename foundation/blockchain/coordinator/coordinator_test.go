package coordinator

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/starnet/blockchain/foundation/blockchain/chain"
	"github.com/starnet/blockchain/foundation/blockchain/wire"
	"github.com/stretchr/testify/require"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func newCoordinator(t *testing.T, difficulty int) *Coordinator {
	t.Helper()

	cfg := Config{
		Address:          "127.0.0.1:0",
		Difficulty:       difficulty,
		MempoolCapacity:  100,
		TxPerBlock:       10,
		Workers:          2,
		JoinTimeout:      time.Second,
		HeartbeatTimeout: time.Minute,
		MonitorInterval:  time.Minute,
		EvHandler: func(v string, args ...any) {
			t.Logf(v, args...)
		},
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to start the coordinator: %s", failed, err)
	}
	t.Cleanup(c.Shutdown)

	return c
}

func dial(t *testing.T, c *Coordinator) *wire.Conn {
	t.Helper()

	conn, err := wire.Dial(c.Addr(), time.Second)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to dial the coordinator: %s", failed, err)
	}
	t.Cleanup(func() { conn.Close() })

	return conn
}

func join(t *testing.T, c *Coordinator, nodeID string) *wire.Conn {
	t.Helper()

	conn := dial(t, c)
	if err := conn.Write(wire.Join{NodeID: nodeID, Address: "127.0.0.1:0", Timestamp: time.Now().Unix()}); err != nil {
		t.Fatalf("\t%s\tShould be able to send Join: %s", failed, err)
	}

	readUntil(t, conn, wire.KindPeerList)
	require.Eventually(t, func() bool { return c.registry.Exists(nodeID) }, 2*time.Second, 10*time.Millisecond)

	return conn
}

// readUntil skips messages until one of the specified kind arrives.
func readUntil(t *testing.T, conn *wire.Conn, kind string) wire.Message {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	for {
		msg, err := conn.Read()
		if err != nil {
			t.Fatalf("\t%s\tShould receive %s: %s", failed, kind, err)
		}
		if msg.Kind() == kind {
			return msg
		}
	}
}

// =============================================================================

func TestJoinAndSync(t *testing.T) {
	t.Log("Given the need to join the network and sync the chain.")
	{
		c := newCoordinator(t, 0)

		conn := dial(t, c)
		if err := conn.Write(wire.Join{NodeID: "node1", Address: "127.0.0.1:9001"}); err != nil {
			t.Fatalf("\t%s\tShould be able to send Join: %s", failed, err)
		}

		first := readUntil(t, conn, wire.KindPeerList).(wire.PeerList)
		if len(first.Peers) != 0 {
			t.Fatalf("\t%s\tShould exclude the joiner from its own peer list: %v", failed, first.Peers)
		}
		t.Logf("\t%s\tShould exclude the joiner from its own peer list.", success)

		all := readUntil(t, conn, wire.KindPeerList).(wire.PeerList)
		if len(all.Peers) != 1 || all.Peers[0].NodeID != "node1" || all.Peers[0].Address != "127.0.0.1:9001" {
			t.Fatalf("\t%s\tShould announce the full peer list: %v", failed, all.Peers)
		}
		t.Logf("\t%s\tShould announce the full peer list.", success)

		if err := conn.Write(wire.RequestBlockchain{RequesterID: "node1"}); err != nil {
			t.Fatalf("\t%s\tShould be able to request the chain: %s", failed, err)
		}

		sync := readUntil(t, conn, wire.KindBlockchainSync).(wire.BlockchainSync)
		if len(sync.Chain) != 1 || sync.Chain[0].Payload != chain.GenesisPayload {
			t.Fatalf("\t%s\tShould reply with the genesis chain: %v", failed, sync.Chain)
		}
		t.Logf("\t%s\tShould reply with the genesis chain.", success)
	}
}

func TestRejectNonJoin(t *testing.T) {
	t.Log("Given the need to require Join as the first message.")
	{
		c := newCoordinator(t, 0)

		conn := dial(t, c)
		if err := conn.Write(wire.Heartbeat{NodeID: "node1"}); err != nil {
			t.Fatalf("\t%s\tShould be able to send: %s", failed, err)
		}

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err := conn.Read()
		if err == nil {
			t.Fatalf("\t%s\tShould close the connection, got %v.", failed, err)
		}
		if c.registry.Len() != 0 || c.server.Len() != 0 {
			t.Fatalf("\t%s\tShould never register the peer.", failed)
		}
		t.Logf("\t%s\tShould close the connection without registering.", success)
	}
}

func TestRejectDuplicateJoin(t *testing.T) {
	t.Log("Given the need to keep node ids unique.")
	{
		c := newCoordinator(t, 0)
		join(t, c, "node1")

		conn := dial(t, c)
		conn.Write(wire.Join{NodeID: "node1", Address: "127.0.0.1:9009"})

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := conn.Read(); err == nil {
			t.Fatalf("\t%s\tShould close the second connection.", failed)
		}
		if c.registry.Len() != 1 {
			t.Fatalf("\t%s\tShould keep the first registration.", failed)
		}
		t.Logf("\t%s\tShould close the second connection.", success)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Log("Given the need to answer heartbeats.")
	{
		c := newCoordinator(t, 0)
		conn := join(t, c, "node1")

		if err := conn.Write(wire.Heartbeat{NodeID: "node1", Timestamp: 1}); err != nil {
			t.Fatalf("\t%s\tShould be able to send a heartbeat: %s", failed, err)
		}

		pong := readUntil(t, conn, wire.KindPong).(wire.Pong)
		if pong.NodeID != DefaultNodeID {
			t.Fatalf("\t%s\tShould answer with a pong from the coordinator: %v", failed, pong)
		}
		t.Logf("\t%s\tShould answer with a pong from the coordinator.", success)
	}
}

func TestEviction(t *testing.T) {
	t.Log("Given the need to evict silent peers.")
	{
		c := newCoordinator(t, 0)
		stale := join(t, c, "stale")
		alive := join(t, c, "alive")

		c.registry.Touch("alive", time.Now().Add(2*time.Minute))

		evicted := c.evictStale(time.Now().Add(90 * time.Second))
		if len(evicted) != 1 || evicted[0] != "stale" {
			t.Fatalf("\t%s\tShould evict the stale peer: %v", failed, evicted)
		}
		t.Logf("\t%s\tShould evict the stale peer.", success)

		stale.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, err := stale.Read(); err != nil {
				break
			}
		}
		t.Logf("\t%s\tShould close the stale connection.", success)

		list := readUntil(t, alive, wire.KindPeerList).(wire.PeerList)
		for len(list.Peers) != 1 {
			list = readUntil(t, alive, wire.KindPeerList).(wire.PeerList)
		}
		if list.Peers[0].NodeID != "alive" {
			t.Fatalf("\t%s\tShould announce the remaining peers: %v", failed, list.Peers)
		}
		t.Logf("\t%s\tShould announce the remaining peers.", success)
	}
}

func TestTransactionRelay(t *testing.T) {
	t.Log("Given the need to relay transactions between nodes.")
	{
		c := newCoordinator(t, 0)
		a := join(t, c, "nodeA")
		b := join(t, c, "nodeB")

		tx := chain.NewTx("alice", "bob", 5)
		s, _ := tx.Encode()
		msg := wire.NewTransaction{Transaction: s, FromNode: "nodeA"}

		if err := a.Write(msg); err != nil {
			t.Fatalf("\t%s\tShould be able to send a transaction: %s", failed, err)
		}

		got := readUntil(t, b, wire.KindNewTransaction).(wire.NewTransaction)
		if got != msg {
			t.Fatalf("\t%s\tShould relay the transaction untouched: %v", failed, got)
		}
		t.Logf("\t%s\tShould relay the transaction to the other node.", success)

		a.Write(msg)
		a.Write(wire.NewTransaction{Transaction: "{garbage", FromNode: "nodeA"})
		a.Write(wire.Heartbeat{NodeID: "nodeA"})
		readUntil(t, a, wire.KindPong)

		if n := len(c.Mempool()); n != 1 {
			t.Fatalf("\t%s\tShould hold the transaction once, got %d.", failed, n)
		}
		t.Logf("\t%s\tShould hold the transaction once.", success)
	}
}

func TestBlocks(t *testing.T) {
	t.Log("Given the need to mine and accept blocks.")
	{
		c := newCoordinator(t, 1)
		conn := join(t, c, "node1")

		block, err := c.MineBlock(context.Background())
		if err != nil {
			t.Fatalf("\t%s\tShould be able to mine: %s", failed, err)
		}

		got := readUntil(t, conn, wire.KindNewBlock).(wire.NewBlock)
		if got.Block != block || got.MinerID != DefaultNodeID {
			t.Fatalf("\t%s\tShould announce the mined block: %v", failed, got)
		}
		if c.ChainSummary().Length != 2 || c.Stats().BlocksMined != 1 {
			t.Fatalf("\t%s\tShould append the mined block.", failed)
		}
		t.Logf("\t%s\tShould mine and announce a block.", success)

		bad := chain.NewBlock(block.Hash, 1700000000, 0, "bad")
		bad.Hash = "0" + bad.Hash[1:]
		conn.Write(wire.NewBlock{Block: bad, MinerID: "node1"})

		var next chain.Block
		for nonce := uint64(0); ; nonce++ {
			next = chain.NewBlock(block.Hash, 1700000001, nonce, "from node1")
			if next.MeetsDifficulty(1) {
				break
			}
		}
		conn.Write(wire.NewBlock{Block: next, MinerID: "node1"})

		require.Eventually(t, func() bool { return c.ChainSummary().Length == 3 }, 2*time.Second, 10*time.Millisecond)

		if c.Blocks()[2] != next || c.Peers()[0].BlocksMined != 1 {
			t.Fatalf("\t%s\tShould append the valid peer block and credit the peer.", failed)
		}
		t.Logf("\t%s\tShould reject the invalid block and append the valid one.", success)
	}
}

func TestServer(t *testing.T) {
	t.Log("Given the need to address registered connections.")
	{
		s, err := Listen("127.0.0.1:0", time.Second, nil)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to listen: %s", failed, err)
		}
		defer s.Close()

		if err := s.SendTo("ghost", wire.Pong{}); !errors.Is(err, wire.ErrPeerNotFound) {
			t.Fatalf("\t%s\tShould get ErrPeerNotFound, got %v.", failed, err)
		}
		t.Logf("\t%s\tShould get ErrPeerNotFound for an unknown peer.", success)

		live, liveRemote := net.Pipe()
		defer liveRemote.Close()
		dead, deadRemote := net.Pipe()
		deadRemote.Close()
		dead.Close()

		s.Register("live", wire.NewConn(live))
		s.Register("dead", wire.NewConn(dead))

		if err := s.Register("live", wire.NewConn(live)); !errors.Is(err, wire.ErrInvalidMessage) {
			t.Fatalf("\t%s\tShould refuse a duplicate registration, got %v.", failed, err)
		}

		received := make(chan wire.Message, 1)
		go func() {
			msg, _ := wire.ReadFrom(liveRemote)
			received <- msg
		}()

		dropped := s.Broadcast(wire.Pong{NodeID: DefaultNodeID})
		if len(dropped) != 1 || dropped[0] != "dead" {
			t.Fatalf("\t%s\tShould drop only the failing peer: %v", failed, dropped)
		}
		if peers := s.Peers(); len(peers) != 1 || peers[0] != "live" {
			t.Fatalf("\t%s\tShould keep the live peer: %v", failed, peers)
		}
		t.Logf("\t%s\tShould drop only the failing peer.", success)

		select {
		case msg := <-received:
			if msg == nil || msg.Kind() != wire.KindPong {
				t.Fatalf("\t%s\tShould still deliver to the live peer: %v", failed, msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("\t%s\tShould still deliver to the live peer.", failed)
		}
		t.Logf("\t%s\tShould still deliver to the live peer.", success)
	}
}

func TestShutdown(t *testing.T) {
	t.Log("Given the need to shut down with connected peers.")
	{
		c := newCoordinator(t, 0)
		conn := join(t, c, "node1")

		done := make(chan struct{})
		go func() {
			c.Shutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("\t%s\tShould not hang on blocked reads.", failed)
		}

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, err := conn.Read(); err != nil {
				break
			}
		}

		if c.Running() {
			t.Fatalf("\t%s\tShould report not running.", failed)
		}
		if _, err := c.MineBlock(context.Background()); !errors.Is(err, ErrNotRunning) {
			t.Fatalf("\t%s\tShould refuse to mine after shutdown, got %v.", failed, err)
		}
		t.Logf("\t%s\tShould close every connection and stop.", success)
	}
}

func TestServerAccept(t *testing.T) {
	t.Log("Given the need to accept a connection that sends Join.")
	{
		s, err := Listen("127.0.0.1:0", time.Second, nil)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to listen: %s", failed, err)
		}
		defer s.Close()

		client, err := wire.Dial(s.Addr(), time.Second)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to dial the server: %s", failed, err)
		}
		defer client.Close()

		if err := client.Write(wire.Join{NodeID: "node1", Address: "127.0.0.1:9000", Timestamp: time.Now().Unix()}); err != nil {
			t.Fatalf("\t%s\tShould be able to send Join: %s", failed, err)
		}

		id, conn, join, err := s.Accept()
		if err != nil {
			t.Fatalf("\t%s\tShould accept the connection: %s", failed, err)
		}
		defer conn.Close()

		if id != "node1" || join.Address != "127.0.0.1:9000" {
			t.Fatalf("\t%s\tShould return the joining node: id[%s] join[%+v]", failed, id, join)
		}
		t.Logf("\t%s\tShould return the joining node.", success)

		bad, err := wire.Dial(s.Addr(), time.Second)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to dial the server: %s", failed, err)
		}
		defer bad.Close()

		if err := bad.Write(wire.Heartbeat{NodeID: "node2", Timestamp: time.Now().Unix()}); err != nil {
			t.Fatalf("\t%s\tShould be able to send Heartbeat: %s", failed, err)
		}

		if _, _, _, err := s.Accept(); !errors.Is(err, wire.ErrInvalidMessage) {
			t.Fatalf("\t%s\tShould refuse a first message other than Join, got %v.", failed, err)
		}
		t.Logf("\t%s\tShould refuse a first message other than Join.", success)
	}
}

func TestServerRegisterAfterClose(t *testing.T) {
	t.Log("Given a handshake that completes after the server closed.")
	{
		s, err := Listen("127.0.0.1:0", time.Second, nil)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to listen: %s", failed, err)
		}

		local, remote := net.Pipe()
		defer local.Close()
		defer remote.Close()

		if err := s.Close(); err != nil {
			t.Fatalf("\t%s\tShould be able to close the server: %s", failed, err)
		}

		if err := s.Register("late", wire.NewConn(local)); !errors.Is(err, ErrServerClosed) {
			t.Fatalf("\t%s\tShould refuse the registration, got %v.", failed, err)
		}
		if s.Len() != 0 {
			t.Fatalf("\t%s\tShould not hold the late connection: Len[%d]", failed, s.Len())
		}
		t.Logf("\t%s\tShould refuse to register once closed.", success)
	}
}
