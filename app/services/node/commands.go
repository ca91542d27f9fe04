package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/starnet/blockchain/foundation/blockchain/consensus"
	"github.com/starnet/blockchain/foundation/blockchain/node"
	"github.com/starnet/blockchain/foundation/console"
)

// addCommands binds the node's console commands.
func addCommands(con *console.Console, nd *node.Node, mineTimeout time.Duration) {
	con.Add("blockchain", "Show blockchain", func(w io.Writer, args []string) error {
		showBlockchain(w, nd)
		return nil
	})

	con.Add("peers", "Show connected peers", func(w io.Writer, args []string) error {
		showPeers(w, nd, time.Now())
		return nil
	})

	con.Add("status", "Show node status", func(w io.Writer, args []string) error {
		showStatus(w, nd.Status(), nd.MiningStats())
		return nil
	})

	con.Add("sync", "Blockchain sync", func(w io.Writer, args []string) error {
		fmt.Fprintln(w, "Requesting blockchain sync...")
		if err := nd.RequestSync(); err != nil {
			return fmt.Errorf("failed to request sync: %w", err)
		}
		fmt.Fprintln(w, "Sync request sent")
		return nil
	})

	con.Add("add-tx", "Add new transaction: add-tx [from to amount]", func(w io.Writer, args []string) error {
		from, to, amount, err := txArgs(con, args)
		if err != nil {
			return err
		}

		tx, err := nd.SubmitTransaction(from, to, amount)
		switch {
		case err != nil && tx.Signature == "":
			return fmt.Errorf("failed: %w", err)
		case err != nil:
			return fmt.Errorf("added locally, failed to broadcast: %w", err)
		}

		fmt.Fprintln(w, "Transaction added and broadcast to network")
		return nil
	})

	con.Add("mempool", "Show pending transactions", func(w io.Writer, args []string) error {
		showMempool(w, nd)
		return nil
	})

	con.Add("mine", "Mine a block from the local mempool", func(w io.Writer, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), mineTimeout)
		defer cancel()

		block, err := nd.MineBlock(ctx)
		if err != nil && block.Hash == "" {
			return fmt.Errorf("mining: %w", err)
		}

		fmt.Fprintf(w, "Mined block %s nonce %d\n", block.ShortHash(32), block.Nonce)
		if err != nil {
			return fmt.Errorf("failed to announce block: %w", err)
		}
		return nil
	})

	con.Add("exit", "Shutdown node", func(w io.Writer, args []string) error {
		fmt.Fprintln(w, "Shutting down node...")
		return console.ErrQuit
	})
	con.Alias("quit", "exit")
}

// txArgs takes the transaction fields from the command line or, when they
// are missing, asks for them one by one.
func txArgs(con *console.Console, args []string) (string, string, uint64, error) {
	if len(args) != 0 && len(args) != 3 {
		return "", "", 0, errors.New("usage: add-tx [from to amount]")
	}

	if len(args) == 0 {
		args = make([]string, 3)
		for i, q := range []string{"From: ", "To: ", "Amount: "} {
			a, err := con.Ask(q)
			if err != nil {
				return "", "", 0, err
			}
			args[i] = a
		}
	}

	amount, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return "", "", 0, errors.New("invalid amount")
	}

	return args[0], args[1], amount, nil
}

func showBlockchain(w io.Writer, nd *node.Node) {
	s := nd.ChainSummary()

	fmt.Fprintln(w, "\n=== Blockchain ===")
	fmt.Fprintf(w, "Length: %d blocks\n", s.Length)
	fmt.Fprintf(w, "Difficulty: %d\n", s.Difficulty)
	fmt.Fprintln(w)

	for i, b := range nd.Blocks() {
		if i == 0 {
			fmt.Fprintf(w, "#%d: Genesis Block\n", i)
			fmt.Fprintf(w, "    Hash: %s...\n", b.ShortHash(32))
			continue
		}

		fmt.Fprintf(w, "#%d: %s\n", i, b.Payload)
		fmt.Fprintf(w, "    Hash: %s...\n", b.ShortHash(32))
		fmt.Fprintf(w, "    Previous: %s...\n", short(b.PreviousHash, 32))
		fmt.Fprintf(w, "    Timestamp: %d\n", b.Timestamp)
		fmt.Fprintf(w, "    Nonce: %d\n", b.Nonce)
	}
	fmt.Fprintln(w)
}

func showPeers(w io.Writer, nd *node.Node, now time.Time) {
	peers := nd.Peers()

	fmt.Fprintln(w, "\n=== Connected Peers ===")
	if len(peers) == 0 {
		fmt.Fprintln(w, "No other peers connected")
	}
	for _, p := range peers {
		fmt.Fprintf(w, "- %s (%s) - last seen %ds ago\n", p.NodeID, p.Address, now.Unix()-p.LastSeen)
	}
	fmt.Fprintln(w)
}

func showStatus(w io.Writer, st node.Status, workers []consensus.WorkerTotals) {
	fmt.Fprintln(w, "\n=== Node Status ===")
	fmt.Fprintf(w, "Node ID: %s\n", st.NodeID)
	fmt.Fprintf(w, "Coordinator: %s\n", st.Coordinator)
	fmt.Fprintf(w, "Blockchain: %d blocks\n", st.ChainLength)
	fmt.Fprintf(w, "Peers: %d\n", st.Peers)
	fmt.Fprintf(w, "Mempool: %d\n", st.Mempool)
	fmt.Fprintf(w, "Mempool capacity: %d\n", st.MempoolCap)

	var mined int
	for _, wt := range workers {
		mined += wt.BlocksFound
	}
	fmt.Fprintf(w, "Blocks mined: %d\n", mined)
	for _, wt := range workers {
		fmt.Fprintf(w, "  worker %d: attempts %d, blocks %d, time %s\n", wt.WorkerID, wt.Attempts, wt.BlocksFound, wt.Elapsed)
	}

	if st.Running {
		fmt.Fprintln(w, "Status: Connected")
	} else {
		fmt.Fprintln(w, "Status: Disconnected")
	}
	if !st.LastPong.IsZero() {
		fmt.Fprintf(w, "Last pong: %s\n", st.LastPong.Format(time.RFC3339))
	}
	fmt.Fprintln(w)
}

func showMempool(w io.Writer, nd *node.Node) {
	txs := nd.Mempool()

	fmt.Fprintln(w, "\n=== Local Mempool ===")
	fmt.Fprintf(w, "Pending transactions: %d\n", len(txs))

	if len(txs) == 0 {
		fmt.Fprintln(w, "(empty)")
	}
	for i, tx := range txs {
		fmt.Fprintf(w, "%d. %s -> %s: %d coins\n", i+1, tx.From, tx.To, tx.Amount)
	}
	fmt.Fprintln(w)
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
