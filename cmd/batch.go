package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/phenorank/internal/pipeline"
	"github.com/sells-group/phenorank/internal/report"
)

var (
	batchNotesDir     string
	batchVariantStore string
	batchOutputRoot   string
	batchWorkers      int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Prioritize variants for every note in a directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, batchOutputRoot)
		if err != nil {
			return err
		}
		defer env.Close()

		cases, err := pipeline.DiscoverCases(batchNotesDir, cfg.Batch.NoteGlob, batchVariantStore, env.Sequencer.Artifacts().CaseDir)
		if err != nil {
			return err
		}
		if err := pipeline.CheckSharedStore(batchVariantStore, cfg.VariantStore.CaseColumn, len(cases)); err != nil {
			return err
		}
		if len(cases) == 0 {
			fmt.Fprintln(os.Stderr, "No notes found.")
			return nil
		}

		workers := batchWorkers
		if workers < 1 {
			workers = cfg.Batch.MaxWorkers
		}

		r := pipeline.NewCoordinator(env.Sequencer, env.Store, workers).RunBatch(ctx, cases)

		paths, err := report.WriteFiles(batchOutputRoot, r)
		if err != nil {
			zap.L().Warn("batch: failed to write report", zap.Error(err))
		}
		for _, p := range paths {
			zap.L().Info("batch: report written", zap.String("path", p))
		}
		report.FormatTable(os.Stdout, r)

		if r.HasFailures() {
			return eris.Errorf("batch: %d of %d case(s) failed", r.Failed, len(r.Cases))
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchNotesDir, "notes-dir", "", "directory of clinical notes, one per patient")
	batchCmd.Flags().StringVar(&batchVariantStore, "variant-store", "", "shared variant store, or a directory of <case>.sqlite stores")
	batchCmd.Flags().StringVar(&batchOutputRoot, "output-root", "", "root directory for per-case artifacts and the batch report")
	batchCmd.Flags().IntVar(&batchWorkers, "workers", 0, "max cases processed concurrently (default batch.max_workers)")
	_ = batchCmd.MarkFlagRequired("notes-dir")
	_ = batchCmd.MarkFlagRequired("variant-store")
	_ = batchCmd.MarkFlagRequired("output-root")
	rootCmd.AddCommand(batchCmd)
}
