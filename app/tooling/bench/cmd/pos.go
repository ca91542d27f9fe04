package cmd

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/starnet/blockchain/foundation/blockchain/chain"
	"github.com/starnet/blockchain/foundation/blockchain/consensus"
)

var (
	stakes   []string
	txCount  int
	seed     uint64
	posLimit time.Duration
)

// posCmd represents the pos command.
var posCmd = &cobra.Command{
	Use:   "pos",
	Short: "Propose blocks with the stake weighted race",
	RunE: func(cmd *cobra.Command, args []string) error {
		validators, err := parseStakes(stakes)
		if err != nil {
			return err
		}

		ev, err := eventHandler()
		if err != nil {
			return err
		}

		var rng *rand.Rand
		if seed != 0 {
			rng = rand.New(rand.NewPCG(seed, seed))
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), posLimit)
		defer cancel()

		stats, err := runPOS(ctx, blocks, txCount, validators, rng, ev)
		if err != nil {
			return err
		}

		return printPOS(cmd.OutOrStdout(), stats)
	},
}

func init() {
	rootCmd.AddCommand(posCmd)
	posCmd.Flags().StringSliceVarP(&stakes, "stakes", "s", []string{"100", "200", "300", "400"}, "Stake of each validator.")
	posCmd.Flags().IntVarP(&txCount, "txs", "x", 5, "Transactions per block.")
	posCmd.Flags().Uint64Var(&seed, "seed", 0, "Seed for validator selection, 0 picks a random one.")
	posCmd.Flags().DurationVarP(&posLimit, "timeout", "t", 10*time.Minute, "Give up after this long.")
}

func parseStakes(stakes []string) ([]consensus.Validator, error) {
	if len(stakes) < 2 {
		return nil, fmt.Errorf("need at least 2 validators, got %d", len(stakes))
	}

	validators := make([]consensus.Validator, len(stakes))
	for i, s := range stakes {
		stake, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("stake %q: %w", s, err)
		}
		validators[i] = consensus.NewValidator(uint32(i), stake)
	}

	return validators, nil
}

// blockTxs generates the transactions of the specified block.
func blockTxs(block int, n int) []chain.Tx {
	txs := make([]chain.Tx, n)
	for j := range txs {
		txs[j] = chain.NewTx(fmt.Sprintf("user_%d", j), fmt.Sprintf("user_%d", j+1), uint64((block+1)*(j+1)))
	}
	return txs
}

// runPOS proposes the requested number of blocks on a fresh chain and
// returns the accumulated statistics.
func runPOS(ctx context.Context, n int, txCount int, validators []consensus.Validator, rng *rand.Rand, ev consensus.EventHandler) (*consensus.POSStats, error) {
	c := chain.New(0)
	stats := consensus.NewPOSStats(validators)

	for i := range n {
		args := consensus.POSArgs{
			PreviousHash: c.Tip().Hash,
			Timestamp:    time.Now().UTC().Unix(),
			BlockNumber:  c.Len(),
			Transactions: blockTxs(i, txCount),
			Validators:   validators,
		}

		res, err := consensus.POS(ctx, args, rng, ev)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i+1, err)
		}

		if err := c.AppendValidated(res.Block); err != nil {
			return nil, fmt.Errorf("block %d: %w", i+1, err)
		}
		stats.Record(res)
	}

	return stats, nil
}

func printPOS(w io.Writer, stats *consensus.POSStats) error {
	if asJSON {
		doc := struct {
			Blocks       int                         `json:"blocks"`
			Transactions int                         `json:"transactions"`
			Validators   []consensus.ValidatorTotals `json:"validators"`
		}{
			Blocks:       stats.Blocks(),
			Transactions: stats.Transactions(),
			Validators:   stats.Validators(),
		}
		return writeJSON(w, doc)
	}

	fmt.Fprintln(w, "=== Proof of Stake ===")
	fmt.Fprintf(w, "Blocks: %d\n", stats.Blocks())
	fmt.Fprintf(w, "Transactions: %d\n\n", stats.Transactions())

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VALIDATOR\tSTAKE\tSELECTED\tFASTEST\tVALIDATED\tTIME")
	for _, vt := range stats.Validators() {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%s\n", vt.ValidatorID, vt.Stake, vt.TimesSelected, vt.TimesFastest, vt.BlocksValidated, vt.ValidationTime.Round(time.Microsecond))
	}

	return tw.Flush()
}
