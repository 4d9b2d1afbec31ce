package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/abilities"
	"github.com/xkilldash9x/emulate-cli/internal/autofix"
	"github.com/xkilldash9x/emulate-cli/internal/autofix/coroner"
	"github.com/xkilldash9x/emulate-cli/internal/config"
	"github.com/xkilldash9x/emulate-cli/internal/llmclient"
	"github.com/xkilldash9x/emulate-cli/internal/orchestrator"
	"github.com/xkilldash9x/emulate-cli/internal/reporting"
	"github.com/xkilldash9x/emulate-cli/internal/store"
)

// newCorrector wires the LLM-backed repair pipeline over the abilities
// document at abilitiesPath. The returned func closes the LLM client.
func newCorrector(logger *zap.Logger, cfg config.Interface, abilitiesPath string, reports schemas.ReportStore) (*autofix.Corrector, func(), error) {
	llm, err := llmclient.NewClient(cfg.LLM(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	fixCfg := autofix.DefaultFixerConfig()
	fixCfg.Temperature = cfg.LLM().Temperature
	fixCfg.MaxTokens = cfg.LLM().MaxTokens
	fixCfg.MaxOutputChars = cfg.Retry().MaxOutputChars

	corrector, err := autofix.NewCorrector(
		logger,
		coroner.NewClassifier(),
		autofix.NewFixer(logger, llm, fixCfg),
		abilities.NewFileStore(abilitiesPath),
		reports,
		cfg.Retry().HistoryLimit,
	)
	if err != nil {
		_ = llm.Close()
		return nil, nil, err
	}
	return corrector, func() { _ = llm.Close() }, nil
}

// readEnvironment loads the free-text description of the target environment.
func readEnvironment(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: an environment description (--env) is required", orchestrator.ErrMissingPrecondition)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: environment description %s does not exist", orchestrator.ErrMissingPrecondition, path)
		}
		return "", fmt.Errorf("failed to read environment description: %w", err)
	}
	env := strings.TrimSpace(string(content))
	if env == "" {
		return "", fmt.Errorf("%w: environment description %s is empty", orchestrator.ErrMissingPrecondition, path)
	}
	return env, nil
}

// requireFile turns a missing input file into ErrMissingPrecondition.
func requireFile(path, what string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s %s does not exist", orchestrator.ErrMissingPrecondition, what, path)
		}
		return fmt.Errorf("failed to stat %s: %w", what, err)
	}
	return nil
}

// readOperationReport loads a collected operation report from disk.
func readOperationReport(path string) (*schemas.OperationReport, error) {
	report, err := store.ReadOperationReport(path)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: operation report %s does not exist", orchestrator.ErrMissingPrecondition, path)
	}
	return report, err
}

// loadInitialReport reads the initial operation report back from whichever
// backend saved it.
func loadInitialReport(ctx context.Context, reports schemas.ReportStore) (*schemas.OperationReport, error) {
	report, err := reports.LoadOperationReport(ctx, "")
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no saved initial operation report; run without --skip-execution first",
			orchestrator.ErrMissingPrecondition)
	}
	return report, err
}

func withReporter(format string, out io.Writer, write func(reporting.Reporter) error) error {
	r, err := reporting.NewWithStdout(format, "stdout", out)
	if err != nil {
		return err
	}
	if err := write(r); err != nil {
		_ = r.Close()
		return err
	}
	return r.Close()
}

func outcomeReason(round *schemas.RoundReport) schemas.TerminationReason {
	switch {
	case round.Summary.Corrected == 0 && round.Summary.TotalFailed == 0:
		return schemas.TerminationAllSuccess
	case round.Summary.Corrected == 0:
		return schemas.TerminationNoRecoverableFailures
	default:
		return schemas.TerminationExecutionUnavailable
	}
}
