package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentic-research/lodestone/internal/config"
	"github.com/agentic-research/lodestone/internal/pipeline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	f := mineCmd.Flags()
	f.StringP("input", "i", "", "Game data directory scanned for binary inputs")
	f.StringSlice("objects", nil, "Object dumps (.jsonl or .db), repeatable")
	f.StringP("output", "o", "", "Record set output path")
	f.String("sqlite", "", "Also write the record set to this SQLite database")
	f.String("diagnostics", "", "Diagnostics summary output path")
	f.String("layouts", "", "HCL file with extra record layouts")
	f.Bool("isolate", false, "Run each scan in a separate worker process")
	f.Int("concurrency", 0, "Parallel scans (default min(NumCPU, 8))")
	f.Int64("memory-budget", 0, "Per-worker memory budget in bytes")
	f.Duration("timeout", 0, "Abort the run after this long, keeping partial results")
	f.Bool("skip-spawns", false, "Skip the spawn occurrence scan")
	f.Bool("classify-context", false, "Classify spawn clusters from nearby strings")

	for key, flag := range map[string]string{
		"input_dir":                "input",
		"objects":                  "objects",
		"output":                   "output",
		"sqlite_output":            "sqlite",
		"diagnostics_output":       "diagnostics",
		"decode.layouts":           "layouts",
		"workers.isolate":          "isolate",
		"workers.concurrency":      "concurrency",
		"workers.memory_budget":    "memory-budget",
		"run_timeout":              "timeout",
		"skip_spawns":              "skip-spawns",
		"cluster.classify_context": "classify-context",
	} {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	rootCmd.AddCommand(mineCmd)
}

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "Run the full mining pipeline and write the record set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rep, err := pipeline.New(cfg, logger).Run(ctx)
		if err != nil {
			return fmt.Errorf("mine: %w", err)
		}
		logger.Info("records written",
			zap.String("output", cfg.Output),
			zap.Int("records", len(rep.Records)),
			zap.String("run_id", rep.RunID),
		)
		return nil
	},
}
