// Package cmd contains the bench app.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/starnet/blockchain/foundation/logger"
)

var (
	blocks  int
	verbose bool
	asJSON  bool
)

func init() {
	rootCmd.PersistentFlags().IntVarP(&blocks, "blocks", "n", 5, "Number of blocks to produce.")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every consensus event.")
	rootCmd.PersistentFlags().BoolVarP(&asJSON, "json", "j", false, "Print the statistics as JSON.")
}

var rootCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark the block producers",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// eventHandler returns the handler the consensus races report through. It
// is nil unless verbose output was requested.
func eventHandler() (func(v string, args ...any), error) {
	if !verbose {
		return nil, nil
	}

	log, err := logger.New("BENCH", "stderr")
	if err != nil {
		return nil, err
	}

	return logger.NewEventHandler(log), nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, string(data))
	return err
}
