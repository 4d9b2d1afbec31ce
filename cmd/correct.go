package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/abilities"
	"github.com/xkilldash9x/emulate-cli/internal/autofix"
	"github.com/xkilldash9x/emulate-cli/internal/config"
	"github.com/xkilldash9x/emulate-cli/internal/observability"
	"github.com/xkilldash9x/emulate-cli/internal/orchestrator"
	"github.com/xkilldash9x/emulate-cli/internal/reporting"
	"github.com/xkilldash9x/emulate-cli/internal/store"
)

type correctOptions struct {
	reportPath    string
	envPath       string
	abilitiesPath string
	outputDir     string
	format        string
}

func newCorrectCmd() *cobra.Command {
	var opts correctOptions

	cmd := &cobra.Command{
		Use:   "correct",
		Short: "Repair the failed abilities of a saved operation report without executing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runCorrect(ctx, observability.GetLogger(), cfg, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.reportPath, "report", "", "operation report to correct")
	cmd.Flags().StringVar(&opts.envPath, "env", "", "file describing the target environment")
	cmd.Flags().StringVar(&opts.abilitiesPath, "abilities", "", "abilities document (default: derived from the report's adversary id)")
	cmd.Flags().StringVar(&opts.outputDir, "output-dir", "", "where correction reports are written (default: next to the report)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "output format (text, json)")
	_ = cmd.MarkFlagRequired("report")

	return cmd
}

// runCorrect performs a single correction round over a saved report.
func runCorrect(ctx context.Context, logger *zap.Logger, cfg config.Interface, opts correctOptions, out io.Writer) error {
	initial, err := readOperationReport(opts.reportPath)
	if err != nil {
		return err
	}
	env, err := readEnvironment(opts.envPath)
	if err != nil {
		return err
	}

	path := opts.abilitiesPath
	if path == "" {
		found, ok := abilities.DiscoverAbilitiesPath(initial.Metadata.AdversaryID, cfg.Caldera().AdversaryPrefix, cfg.Pipeline().DataDir)
		if !ok {
			return fmt.Errorf("%w: no abilities document found for adversary %q; pass --abilities",
				orchestrator.ErrMissingPrecondition, initial.Metadata.AdversaryID)
		}
		path = found
	} else if err := requireFile(path, "abilities document"); err != nil {
		return err
	}
	set, err := abilities.LoadAbilities(path)
	if err != nil {
		return err
	}

	outputDir := opts.outputDir
	if outputDir == "" {
		outputDir = filepath.Dir(opts.reportPath)
	}
	reports, closeStore, err := store.Open(ctx, cfg, outputDir, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	corrector, closeLLM, err := newCorrector(logger, cfg, path, reports)
	if err != nil {
		return err
	}
	defer closeLLM()

	sessionID := uuid.NewString()
	started := time.Now().UTC()
	round, err := corrector.Run(ctx, set, autofix.RoundInput{
		SessionID:     sessionID,
		RoundNumber:   1,
		OperationName: initial.Metadata.Name,
		Links:         initial.Results,
		Environment:   env,
		History:       schemas.CorrectionHistory{},
	})
	if err != nil {
		return err
	}

	report := &schemas.CumulativeReport{
		SessionID:         sessionID,
		OperationName:     initial.Metadata.Name,
		AdversaryID:       initial.Metadata.AdversaryID,
		StartedAt:         started,
		UpdatedAt:         time.Now().UTC(),
		InitialExecution:  initial.Statistics,
		RetryAttempts:     []schemas.RoundReport{*round},
		CorrectionHistory: schemas.CorrectionHistory{},
		TerminationReason: outcomeReason(round),
	}
	final := report.LatestStats()
	report.FinalResult = &final
	if err := reports.SaveCumulativeReport(ctx, report); err != nil {
		return err
	}

	logger.Info("Correction round complete.",
		zap.String("abilities", path),
		zap.Int("corrected", round.Summary.Corrected),
		zap.Int("failed", round.Summary.TotalFailed),
	)
	return withReporter(opts.format, out, func(r reporting.Reporter) error { return r.WriteSession(report) })
}
