package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/starnet/blockchain/foundation/blockchain/chain"
	"github.com/starnet/blockchain/foundation/blockchain/coordinator"
	"github.com/starnet/blockchain/foundation/console"
)

// addCommands binds the coordinator's console commands.
func addCommands(con *console.Console, coord *coordinator.Coordinator, mineTimeout time.Duration) {
	con.Add("peers", "Show connected peers", func(w io.Writer, args []string) error {
		showPeers(w, coord, time.Now())
		return nil
	})

	con.Add("blockchain", "Show blockchain summary", func(w io.Writer, args []string) error {
		showBlockchain(w, coord.ChainSummary())
		return nil
	})

	con.Add("mempool", "Show pending transactions", func(w io.Writer, args []string) error {
		showMempool(w, coord.Mempool())
		return nil
	})

	con.Add("clear-mempool", "Clear all pending transactions", func(w io.Writer, args []string) error {
		n := coord.ClearMempool()
		fmt.Fprintf(w, "Cleared %d transactions\n", n)
		return nil
	})

	con.Add("stats", "Show node statistics", func(w io.Writer, args []string) error {
		showStats(w, coord.Stats())
		return nil
	})

	con.Add("mine", "Mine a block from the mempool", func(w io.Writer, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), mineTimeout)
		defer cancel()

		block, err := coord.MineBlock(ctx)
		if err != nil {
			return fmt.Errorf("mining: %w", err)
		}

		fmt.Fprintf(w, "Mined block %s nonce %d\n", block.ShortHash(32), block.Nonce)
		return nil
	})

	con.Add("quit", "Shutdown coordinator node", func(w io.Writer, args []string) error {
		fmt.Fprintln(w, "Shutting down coordinator node...")
		return console.ErrQuit
	})
	con.Alias("exit", "quit")
}

func showPeers(w io.Writer, coord *coordinator.Coordinator, now time.Time) {
	peers := coord.Peers()

	fmt.Fprintln(w, "\n=== Connected Peers ===")
	fmt.Fprintf(w, "Total: %d\n", len(peers))

	if len(peers) == 0 {
		fmt.Fprintln(w, "No peers connected")
	}
	for _, p := range peers {
		ago := now.Unix() - p.LastSeen
		fmt.Fprintf(w, "- %s (%s) - last seen %ds ago, blocks mined %d\n", p.NodeID, p.Address, ago, p.BlocksMined)
	}
	fmt.Fprintln(w)
}

func showBlockchain(w io.Writer, s chain.Summary) {
	fmt.Fprintln(w, "\n=== Blockchain ===")
	fmt.Fprintf(w, "Length: %d blocks\n", s.Length)
	fmt.Fprintf(w, "Difficulty: %d\n", s.Difficulty)
	fmt.Fprintf(w, "Genesis: %s...\n", short(s.GenesisHash, 32))
	fmt.Fprintf(w, "Latest: %s...\n", short(s.LatestHash, 32))
	fmt.Fprintf(w, "Latest timestamp: %d\n", s.LatestTimestamp)
	fmt.Fprintf(w, "Valid: %t\n", s.Valid)
	fmt.Fprintln(w)
}

func showMempool(w io.Writer, txs []chain.Tx) {
	fmt.Fprintln(w, "\n=== Mempool ===")
	fmt.Fprintf(w, "Pending transactions: %d\n", len(txs))

	if len(txs) == 0 {
		fmt.Fprintln(w, "(empty)")
	}
	for i, tx := range txs {
		fmt.Fprintf(w, "%d. %s -> %s: %d coins\n", i+1, tx.From, tx.To, tx.Amount)
	}
	fmt.Fprintln(w)
}

func showStats(w io.Writer, st coordinator.Stats) {
	fmt.Fprintln(w, "\n=== Coordinator Statistics ===")
	fmt.Fprintf(w, "Node ID: %s\n", st.NodeID)
	fmt.Fprintf(w, "Address: %s\n", st.Address)
	fmt.Fprintf(w, "Uptime: %s\n", st.Uptime)
	fmt.Fprintf(w, "Connected peers: %d\n", st.Peers)
	fmt.Fprintf(w, "Blockchain length: %d\n", st.ChainLength)
	fmt.Fprintf(w, "Mempool size: %d\n", st.Mempool)
	fmt.Fprintf(w, "Mempool capacity: %d\n", st.MempoolCap)
	fmt.Fprintf(w, "Blocks mined: %d\n", st.BlocksMined)
	for _, wt := range st.Workers {
		fmt.Fprintf(w, "  worker %d: attempts %d, blocks %d, time %s\n", wt.WorkerID, wt.Attempts, wt.BlocksFound, wt.Elapsed)
	}
	fmt.Fprintln(w)
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
