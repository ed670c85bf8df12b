package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnemosyne-dev/mnemosyne/internal/evolution"
)

var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Run the memory evolution jobs once",
	Long: `Run importance recalculation, link decay, archival and consolidation
once, immediately, and report what changed.

Examples:
  mnemosyne evolve
  MNEMOSYNE_CONSOLIDATION_MODE=llm_selective mnemosyne evolve`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEvolve()
	},
}

func runEvolve() error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	return a.instrument(ctx, "evolve", func() error {
		engine, err := evolution.NewEngine(a.store, a.bridge, a.bus, a.cfg.Evolution, a.logger)
		if err != nil {
			return err
		}
		for _, report := range engine.RunAll(ctx) {
			fmt.Printf("%-16s processed %4d, changed %3d in %s\n",
				report.Job, report.MemoriesProcessed, report.ChangesMade, report.Duration.Round(time.Millisecond))
			for _, msg := range report.Errors {
				fmt.Printf("  error: %s\n", msg)
			}
		}
		return nil
	})
}
