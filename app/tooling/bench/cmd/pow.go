package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/starnet/blockchain/foundation/blockchain/chain"
	"github.com/starnet/blockchain/foundation/blockchain/consensus"
)

var (
	difficulty int
	workers    int
	powTxs     int
	timeout    time.Duration
)

// powCmd represents the pow command.
var powCmd = &cobra.Command{
	Use:   "pow",
	Short: "Mine blocks with the proof of work race",
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := eventHandler()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		_, stats, err := runPOW(ctx, blocks, powTxs, difficulty, workers, ev)
		if err != nil {
			return err
		}

		return printPOW(cmd.OutOrStdout(), difficulty, stats)
	},
}

func init() {
	rootCmd.AddCommand(powCmd)
	powCmd.Flags().IntVarP(&difficulty, "difficulty", "d", 4, "Leading zero hex digits required.")
	powCmd.Flags().IntVarP(&workers, "workers", "w", 4, "Number of racing workers.")
	powCmd.Flags().IntVarP(&powTxs, "txs", "x", 5, "Transactions per block.")
	powCmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Minute, "Give up after this long.")
}

// runPOW mines the requested number of blocks on a fresh chain and returns
// the chain with the accumulated statistics.
func runPOW(ctx context.Context, n int, txCount int, difficulty int, workers int, ev consensus.EventHandler) (*chain.Chain, *consensus.POWStats, error) {
	c := chain.New(difficulty)
	stats := consensus.NewPOWStats()

	for i := range n {
		tmpl, err := chain.NewTemplate(c, blockTxs(i, txCount), time.Now().UTC().Unix())
		if err != nil {
			return nil, nil, err
		}

		args := consensus.POWArgs{
			PreviousHash: tmpl.PreviousHash,
			Timestamp:    tmpl.Timestamp,
			Payload:      tmpl.Payload(),
			Difficulty:   difficulty,
			Workers:      workers,
		}

		res, err := consensus.POW(ctx, args, ev)
		if err != nil {
			return nil, nil, fmt.Errorf("block %d: %w", i+1, err)
		}

		if err := c.AppendValidated(res.Block); err != nil {
			return nil, nil, fmt.Errorf("block %d: %w", i+1, err)
		}
		stats.Record(res)
	}

	if err := c.ValidateFull(); err != nil {
		return nil, nil, err
	}

	return c, stats, nil
}

func printPOW(w io.Writer, difficulty int, stats *consensus.POWStats) error {
	if asJSON {
		doc := struct {
			Difficulty int                      `json:"difficulty"`
			Blocks     int                      `json:"blocks"`
			Attempts   uint64                   `json:"attempts"`
			HashRate   float64                  `json:"hash_rate"`
			Workers    []consensus.WorkerTotals `json:"workers"`
		}{
			Difficulty: difficulty,
			Blocks:     stats.Blocks(),
			Attempts:   stats.Attempts(),
			HashRate:   stats.HashRate(),
			Workers:    stats.Workers(),
		}
		return writeJSON(w, doc)
	}

	fmt.Fprintln(w, "=== Proof of Work ===")
	fmt.Fprintf(w, "Difficulty: %d\n", difficulty)
	fmt.Fprintf(w, "Blocks: %d\n", stats.Blocks())
	fmt.Fprintf(w, "Attempts: %d\n", stats.Attempts())
	fmt.Fprintf(w, "Hash rate: %.0f H/s\n\n", stats.HashRate())

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tATTEMPTS\tBLOCKS\tTIME")
	for _, wt := range stats.Workers() {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", wt.WorkerID, wt.Attempts, wt.BlocksFound, wt.Elapsed.Round(time.Microsecond))
	}

	return tw.Flush()
}
