package node_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/starnet/blockchain/foundation/blockchain/chain"
	"github.com/starnet/blockchain/foundation/blockchain/coordinator"
	"github.com/starnet/blockchain/foundation/blockchain/node"
	"github.com/starnet/blockchain/foundation/blockchain/peer"
	"github.com/starnet/blockchain/foundation/blockchain/wire"
	"github.com/stretchr/testify/require"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func newCoordinator(t *testing.T, difficulty int) *coordinator.Coordinator {
	t.Helper()

	cfg := coordinator.Config{
		Address:          "127.0.0.1:0",
		Difficulty:       difficulty,
		MempoolCapacity:  100,
		Workers:          2,
		JoinTimeout:      time.Second,
		HeartbeatTimeout: time.Minute,
		MonitorInterval:  time.Minute,
	}

	c, err := coordinator.New(cfg)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to start the coordinator: %s", failed, err)
	}
	t.Cleanup(c.Shutdown)

	return c
}

func newNode(t *testing.T, address string, nodeID string, difficulty int) *node.Node {
	t.Helper()

	cfg := node.Config{
		CoordinatorAddress: address,
		NodeID:             nodeID,
		Difficulty:         difficulty,
		MempoolCapacity:    100,
		Workers:            2,
		HeartbeatInterval:  50 * time.Millisecond,
		DialTimeout:        time.Second,
		DialRetries:        1,
		EvHandler: func(v string, args ...any) {
			t.Logf(nodeID+": "+v, args...)
		},
	}

	n, err := node.New(cfg)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct the node: %s", failed, err)
	}
	t.Cleanup(n.Shutdown)

	return n
}

func connect(t *testing.T, c *coordinator.Coordinator, nodeID string, difficulty int) *node.Node {
	t.Helper()

	n := newNode(t, c.Addr(), nodeID, difficulty)
	if err := n.Connect(context.Background()); err != nil {
		t.Fatalf("\t%s\tShould be able to connect %s: %s", failed, nodeID, err)
	}

	require.Eventually(t, func() bool {
		for _, p := range c.Peers() {
			if p.NodeID == nodeID {
				return true
			}
		}
		return false
	}, waitFor, tick)

	return n
}

// =============================================================================

func TestSync(t *testing.T) {
	t.Log("Given the need to sync the chain from the coordinator.")
	{
		c := newCoordinator(t, 0)
		n := connect(t, c, "nodeA", 0)

		if err := n.RequestSync(); err != nil {
			t.Fatalf("\t%s\tShould be able to request a sync: %s", failed, err)
		}

		genesis := c.Blocks()[0]
		require.Eventually(t, func() bool {
			blocks := n.Blocks()
			return len(blocks) == 1 && blocks[0] == genesis
		}, waitFor, tick)
		t.Logf("\t%s\tShould mirror the coordinator's one block chain.", success)

		require.Eventually(t, func() bool { return !n.Status().LastPong.IsZero() }, waitFor, tick)
		t.Logf("\t%s\tShould receive pongs for its heartbeats.", success)
	}
}

func TestTransactionRelay(t *testing.T) {
	t.Log("Given the need to relay a transaction between two nodes.")
	{
		c := newCoordinator(t, 0)
		a := connect(t, c, "nodeA", 0)
		b := connect(t, c, "nodeB", 0)

		require.Eventually(t, func() bool { return len(a.Peers()) == 2 && len(b.Peers()) == 2 }, waitFor, tick)
		t.Logf("\t%s\tShould learn about each other.", success)

		tx, err := a.SubmitTransaction("alice", "bob", 10)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to submit: %s", failed, err)
		}

		require.Eventually(t, func() bool {
			pending := b.Mempool()
			return len(pending) == 1 && pending[0] == tx
		}, waitFor, tick)
		t.Logf("\t%s\tShould show 1 pending transaction on the other node.", success)

		if len(a.Mempool()) != 1 || len(c.Mempool()) != 1 {
			t.Fatalf("\t%s\tShould hold the transaction once everywhere.", failed)
		}

		if _, err := a.SubmitTransaction("alice", "bob", 10); err == nil {
			t.Fatalf("\t%s\tShould refuse to resubmit a duplicate.", failed)
		}
		t.Logf("\t%s\tShould hold the transaction once everywhere.", success)
	}
}

func TestMineBlock(t *testing.T) {
	t.Log("Given the need to spread a block mined by a node.")
	{
		c := newCoordinator(t, 1)
		a := connect(t, c, "nodeA", 1)
		b := connect(t, c, "nodeB", 1)

		a.RequestSync()
		b.RequestSync()

		genesis := c.Blocks()[0]
		require.Eventually(t, func() bool { return a.Blocks()[0] == genesis && b.Blocks()[0] == genesis }, waitFor, tick)

		block, err := a.MineBlock(context.Background())
		if err != nil {
			t.Fatalf("\t%s\tShould be able to mine: %s", failed, err)
		}

		require.Eventually(t, func() bool { return len(c.Blocks()) == 2 && len(b.Blocks()) == 2 }, waitFor, tick)

		if c.Blocks()[1] != block || b.Blocks()[1] != block {
			t.Fatalf("\t%s\tShould append the same block everywhere.", failed)
		}
		t.Logf("\t%s\tShould append the same block everywhere.", success)

		require.Eventually(t, func() bool {
			for _, p := range c.Peers() {
				if p.NodeID == "nodeA" {
					return p.BlocksMined == 1
				}
			}
			return false
		}, waitFor, tick)
		t.Logf("\t%s\tShould credit the miner.", success)
	}
}

func TestConnectFailure(t *testing.T) {
	t.Log("Given the need to report an unreachable coordinator.")
	{
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("\t%s\tShould be able to reserve a port: %s", failed, err)
		}
		address := ln.Addr().String()
		ln.Close()

		n := newNode(t, address, "nodeA", 0)

		err = n.Connect(context.Background())
		if !errors.Is(err, wire.ErrConnectionFailed) {
			t.Fatalf("\t%s\tShould get ErrConnectionFailed, got %v.", failed, err)
		}
		if n.Running() {
			t.Fatalf("\t%s\tShould not be running.", failed)
		}
		t.Logf("\t%s\tShould get ErrConnectionFailed.", success)

		if err := n.RequestSync(); !errors.Is(err, node.ErrNotConnected) {
			t.Fatalf("\t%s\tShould refuse to send while disconnected, got %v.", failed, err)
		}
		t.Logf("\t%s\tShould refuse to send while disconnected.", success)
	}
}

func TestScriptedCoordinator(t *testing.T) {
	t.Log("Given the need to handle whatever the coordinator sends.")
	{
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("\t%s\tShould be able to listen: %s", failed, err)
		}
		defer ln.Close()

		n := newNode(t, ln.Addr().String(), "nodeA", 1)
		if err := n.Connect(context.Background()); err != nil {
			t.Fatalf("\t%s\tShould be able to connect: %s", failed, err)
		}

		raw, err := ln.Accept()
		if err != nil {
			t.Fatalf("\t%s\tShould accept the node: %s", failed, err)
		}
		conn := wire.NewConn(raw)

		msg, err := conn.Read()
		if err != nil || msg.Kind() != wire.KindJoin {
			t.Fatalf("\t%s\tShould send Join first, got %v %v.", failed, msg, err)
		}
		if join := msg.(wire.Join); join.NodeID != "nodeA" || join.Address == "" {
			t.Fatalf("\t%s\tShould identify itself: %+v", failed, join)
		}
		t.Logf("\t%s\tShould send Join first.", success)

		c := chain.New(1)
		conn.Write(wire.BlockchainSync{Chain: c.Blocks()})
		conn.Write(wire.PeerList{Peers: []peer.Info{{NodeID: "nodeA"}, {NodeID: "nodeB"}}})
		conn.Write(wire.MiningStart{Template: chain.Template{}})
		conn.Write(wire.MiningStop{})

		unlinked := chain.NewBlock("feed", 1700000000, 0, "unlinked")
		conn.Write(wire.NewBlock{Block: unlinked, MinerID: "nodeB"})

		var good chain.Block
		for nonce := uint64(0); ; nonce++ {
			good = chain.NewBlock(c.Tip().Hash, 1700000001, nonce, "good")
			if good.MeetsDifficulty(1) {
				break
			}
		}
		conn.Write(wire.NewBlock{Block: good, MinerID: "nodeB"})
		conn.Write(wire.NewBlock{Block: good, MinerID: "nodeB"})

		require.Eventually(t, func() bool { return len(n.Blocks()) == 2 && len(n.Peers()) == 2 }, waitFor, tick)

		if n.Blocks()[0] != c.Genesis() || n.Blocks()[1] != good {
			t.Fatalf("\t%s\tShould hold the synced genesis and the valid block.", failed)
		}
		if !n.Running() || !n.ChainSummary().Valid {
			t.Fatalf("\t%s\tShould keep running with a valid chain.", failed)
		}
		t.Logf("\t%s\tShould reject the invalid block and keep running.", success)

		conn.Close()

		select {
		case <-n.Done():
		case <-time.After(waitFor):
			t.Fatalf("\t%s\tShould end the session when the connection is lost.", failed)
		}
		if n.Running() {
			t.Fatalf("\t%s\tShould report not running.", failed)
		}
		t.Logf("\t%s\tShould end the session when the connection is lost.", success)

		tx, err := n.SubmitTransaction("alice", "bob", 1)
		if !errors.Is(err, node.ErrNotConnected) {
			t.Fatalf("\t%s\tShould fail to send, got %v.", failed, err)
		}
		if pending := n.Mempool(); len(pending) != 1 || pending[0] != tx {
			t.Fatalf("\t%s\tShould keep the local entry after a failed send.", failed)
		}
		t.Logf("\t%s\tShould keep the local entry after a failed send.", success)
	}
}
