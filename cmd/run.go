package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/phenorank/internal/config"
	"github.com/sells-group/phenorank/internal/model"
	"github.com/sells-group/phenorank/internal/pipeline"
	"github.com/sells-group/phenorank/internal/report"
)

// logFileName is written inside the run output directory.
const logFileName = "pipeline.log"

var (
	runNote         string
	runVariantStore string
	runOutput       string
	runCaseID       string
	runOverride     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Prioritize variants for a single patient note",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := prepareOutputDir(runOutput, runOverride); err != nil {
			return err
		}

		cfg.Log.File = filepath.Join(runOutput, logFileName)
		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init run logger")
		}

		env, err := initPipeline(ctx, runOutput)
		if err != nil {
			return err
		}
		defer env.Close()

		id := resolveCaseID(runCaseID, runVariantStore, runNote)
		c := model.NewPatientCase(id, runNote, runVariantStore, env.Sequencer.Artifacts().CaseDir(id))

		r := &model.BatchReport{StartedAt: time.Now().UTC()}
		runErr := env.Sequencer.Run(ctx, c)
		r.Add(model.OutcomeOf(c))
		r.FinishedAt = time.Now().UTC()

		if _, err := report.WriteFiles(runOutput, r); err != nil {
			zap.L().Warn("run: failed to write report", zap.String("case_id", id), zap.Error(err))
		}
		report.FormatTable(os.Stdout, r)

		if runErr != nil {
			return eris.Wrapf(runErr, "run: case %s failed", id)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runNote, "note", "", "path to the clinical note")
	runCmd.Flags().StringVar(&runVariantStore, "variant-store", "", "path to the annotated variant store (sqlite)")
	runCmd.Flags().StringVar(&runOutput, "output", "", "output directory for artifacts, logs and the report")
	runCmd.Flags().StringVar(&runCaseID, "case-id", "", "case id (default: derived from the variant store or note name)")
	runCmd.Flags().BoolVar(&runOverride, "override", false, "wipe and reuse an existing output directory")
	_ = runCmd.MarkFlagRequired("note")
	_ = runCmd.MarkFlagRequired("variant-store")
	_ = runCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(runCmd)
}

// resolveCaseID prefers an explicit id, then the sample name encoded in the
// variant store file, then the note's file stem.
func resolveCaseID(explicit, storePath, notePath string) string {
	if explicit != "" {
		return explicit
	}
	if storePath != "" {
		if id := pipeline.CaseIDFromStore(storePath); id != "" {
			return id
		}
	}
	return pipeline.CaseIDFromNote(notePath)
}

// prepareOutputDir creates dir. An existing dir is an error unless override
// is set, in which case it is emptied first.
func prepareOutputDir(dir string, override bool) error {
	if dir == "" {
		return eris.New("run: --output is required")
	}
	if _, err := os.Stat(dir); err == nil {
		if !override {
			return eris.Errorf("run: output directory %s already exists (use --override to replace it)", dir)
		}
		if err := os.RemoveAll(dir); err != nil {
			return eris.Wrapf(err, "run: clear output directory %s", dir)
		}
	} else if !os.IsNotExist(err) {
		return eris.Wrapf(err, "run: stat output directory %s", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "run: create output directory %s", dir)
	}
	return nil
}
