package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/caldera"
	"github.com/xkilldash9x/emulate-cli/internal/config"
	"github.com/xkilldash9x/emulate-cli/internal/observability"
	"github.com/xkilldash9x/emulate-cli/internal/reporting"
	"github.com/xkilldash9x/emulate-cli/internal/results"
	"github.com/xkilldash9x/emulate-cli/internal/store"
)

// retryCollector is the part of the Caldera client collect needs.
type retryCollector interface {
	LatestRetryOperation(ctx context.Context, base string) (*caldera.Operation, error)
	AwaitCompletion(ctx context.Context, id string, timeout time.Duration) (bool, error)
	BuildReport(ctx context.Context, id string) (*schemas.OperationReport, error)
}

type collectOptions struct {
	baseName   string
	reportPath string
	outputDir  string
	format     string
}

func newCollectCmd() *cobra.Command {
	var opts collectOptions

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect the latest retry operation and compare it with the first execution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			client, err := caldera.NewClient(cfg.Caldera(), logger)
			if err != nil {
				return err
			}
			return runCollect(ctx, logger, cfg, client, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.baseName, "name", "", "base operation name the retries were derived from")
	cmd.Flags().StringVar(&opts.reportPath, "report", "", "operation report of the first execution")
	cmd.Flags().StringVar(&opts.outputDir, "output-dir", "", "where the retry report is written (default: next to the report)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "output format (text, json)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("report")

	return cmd
}

func runCollect(ctx context.Context, logger *zap.Logger, cfg config.Interface, client retryCollector, opts collectOptions, out io.Writer) error {
	first, err := readOperationReport(opts.reportPath)
	if err != nil {
		return err
	}

	op, err := client.LatestRetryOperation(ctx, opts.baseName)
	if err != nil {
		return err
	}
	log := logger.With(zap.String("operation", op.Name), zap.String("operation_id", op.ID))

	if !op.State.Terminal() {
		log.Info("Waiting for retry operation to finish.", zap.String("state", string(op.State)))
		done, err := client.AwaitCompletion(ctx, op.ID, cfg.Caldera().OperationTimeout)
		if err != nil {
			return err
		}
		if !done {
			return fmt.Errorf("operation %s did not finish within %s", op.Name, cfg.Caldera().OperationTimeout)
		}
	}

	retry, err := client.BuildReport(ctx, op.ID)
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
	if err := reports.SaveOperationReport(ctx, "retry", retry); err != nil {
		return err
	}

	cmp := results.Compare(results.Aggregate(first.Results), results.Aggregate(retry.Results))
	log.Info("Retry results collected.", zap.Float64("improvement", cmp.Improvement))

	before := first.Metadata.Name
	if before == "" {
		before = "Initial"
	}
	return withReporter(opts.format, out, func(r reporting.Reporter) error {
		return r.WriteComparison(before, op.Name, cmp)
	})
}
