// File: internal/orchestrator/orchestrator.go
// Description: Drives a self-correction session. Each round repairs the failed
// abilities of the latest execution, re-runs the adversary as a new operation
// and decides whether to continue. It is injected with fully configured
// components via interfaces, making it decoupled and testable.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/abilities"
	"github.com/xkilldash9x/emulate-cli/internal/autofix"
	"github.com/xkilldash9x/emulate-cli/internal/autofix/coroner"
	"github.com/xkilldash9x/emulate-cli/internal/config"
	"github.com/xkilldash9x/emulate-cli/internal/llmutil"
	"github.com/xkilldash9x/emulate-cli/internal/observability"
)

// ErrMissingPrecondition is returned when a session lacks an input it cannot
// run without.
var ErrMissingPrecondition = errors.New("missing precondition")

// maxHistoryErrorChars bounds the failure text kept per history entry.
const maxHistoryErrorChars = 2000

// Settings are the knobs of the retry loop.
type Settings struct {
	MaxRetries  int
	AutoExecute bool
	KillAgents  bool
	// Group is the agent group retry operations target; empty means all.
	Group string
	// OperationTimeout bounds each wait for a retry operation; zero waits forever.
	OperationTimeout time.Duration
}

// SettingsFrom reads the loop settings from the application config.
func SettingsFrom(cfg config.Interface) Settings {
	return Settings{
		MaxRetries:       cfg.Retry().MaxRetries,
		AutoExecute:      cfg.Retry().AutoExecute,
		KillAgents:       cfg.Retry().KillAgents,
		Group:            cfg.Caldera().Group,
		OperationTimeout: cfg.Caldera().OperationTimeout,
	}
}

// Session is the input of one correction session.
type Session struct {
	// OperationName is the base name retry operations are derived from.
	OperationName string
	AdversaryID   string
	// Abilities is owned by the controller for the whole session.
	Abilities   *abilities.Set
	Initial     *schemas.OperationReport
	Environment string
}

// RetryOperationName returns the name of the operation created in round n.
func RetryOperationName(base string, n int) string {
	return fmt.Sprintf("%s-Retry-%d", base, n)
}

// Orchestrator is the retry controller.
type Orchestrator struct {
	logger     *zap.Logger
	client     OperationClient
	corrector  autofix.CorrectorInterface
	classifier *coroner.Classifier
	reports    schemas.ReportStore
	hooks      PreRoundHook
	settings   Settings
	now        func() time.Time
}

// New creates a new Orchestrator with its dependencies provided as interfaces.
// hooks may be nil.
func New(
	logger *zap.Logger,
	client OperationClient,
	corrector autofix.CorrectorInterface,
	classifier *coroner.Classifier,
	reports schemas.ReportStore,
	hooks PreRoundHook,
	settings Settings,
) (*Orchestrator, error) {
	if logger == nil ||
		client == nil ||
		corrector == nil ||
		classifier == nil ||
		reports == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if settings.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative, got %d", settings.MaxRetries)
	}
	return &Orchestrator{
		logger:     logger.Named("orchestrator"),
		client:     client,
		corrector:  corrector,
		classifier: classifier,
		reports:    reports,
		hooks:      hooks,
		settings:   settings,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run executes a correction session and returns its cumulative report. The
// report is checkpointed at every transition; on error the returned report is
// the last state reached, also persisted when possible.
func (o *Orchestrator) Run(ctx context.Context, s Session) (*schemas.CumulativeReport, error) {
	if s.Abilities == nil || s.Initial == nil {
		return nil, fmt.Errorf("%w: ability set and initial operation report are required", ErrMissingPrecondition)
	}

	ctx, span := observability.Tracer("orchestrator").Start(ctx, "orchestrator.session")
	defer span.End()

	started := o.now()
	report := &schemas.CumulativeReport{
		SessionID:         uuid.NewString(),
		OperationName:     s.OperationName,
		AdversaryID:       s.AdversaryID,
		StartedAt:         started,
		UpdatedAt:         started,
		InitialExecution:  s.Initial.Statistics,
		RetryAttempts:     []schemas.RoundReport{},
		CorrectionHistory: schemas.CorrectionHistory{},
	}
	span.SetAttributes(attribute.String("session_id", report.SessionID))

	log := o.logger.With(zap.String("session_id", report.SessionID))
	log.Info("Starting correction session.",
		zap.String("operation", s.OperationName),
		zap.Int("failed_abilities", s.Initial.Statistics.Failed),
		zap.Float64("success_rate", s.Initial.Statistics.SuccessRate),
		zap.Int("max_retries", o.settings.MaxRetries),
	)

	// The initial failures are attempt 0, so an ability failing in every
	// execution has n entries before round n repairs it.
	o.recordFailures(report.CorrectionHistory, 0, s.Initial.FailedAbilities)
	if err := o.checkpoint(ctx, report); err != nil {
		return report, err
	}

	latest := s.Initial
	for round := 1; ; round++ {
		// Reaching the bound ends the session as max_retries_reached even
		// when the last retry fixed everything; FinalResult shows that.
		if round > o.settings.MaxRetries {
			report.TerminationReason = schemas.TerminationMaxRetriesReached
			break
		}

		reason, next, err := o.runRound(ctx, s, report, round, latest)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			o.abort(ctx, report)
			return report, err
		}
		if reason != "" {
			report.TerminationReason = reason
			break
		}
		latest = next
	}

	report.FinalResult = finalStats(report)
	if err := o.checkpoint(ctx, report); err != nil {
		return report, err
	}
	span.SetAttributes(attribute.String("termination_reason", string(report.TerminationReason)))
	log.Info("Correction session finished.",
		zap.String("termination_reason", string(report.TerminationReason)),
		zap.Int("rounds", len(report.RetryAttempts)),
		zap.Float64("final_success_rate", report.FinalResult.SuccessRate),
	)
	return report, nil
}

// runRound corrects the failures of latest and, when anything was corrected,
// re-executes. A non-empty reason ends the session.
func (o *Orchestrator) runRound(
	ctx context.Context,
	s Session,
	report *schemas.CumulativeReport,
	round int,
	latest *schemas.OperationReport,
) (schemas.TerminationReason, *schemas.OperationReport, error) {
	ctx, span := observability.Tracer("orchestrator").Start(ctx, "orchestrator.round",
		trace.WithAttributes(attribute.Int("round", round)))
	defer span.End()

	log := o.logger.With(zap.String("session_id", report.SessionID), zap.Int("round", round))

	rr, err := o.corrector.Run(ctx, s.Abilities, autofix.RoundInput{
		SessionID:     report.SessionID,
		RoundNumber:   round,
		OperationName: latest.Metadata.Name,
		Links:         latest.Results,
		Environment:   s.Environment,
		History:       report.CorrectionHistory,
	})
	if err != nil {
		return "", nil, fmt.Errorf("correction round %d failed: %w", round, err)
	}
	report.RetryAttempts = append(report.RetryAttempts, *rr)
	current := &report.RetryAttempts[len(report.RetryAttempts)-1]

	log.Info("Correction summary.",
		zap.Int("corrected", rr.Summary.Corrected),
		zap.Int("total_failed", rr.Summary.TotalFailed),
	)

	var reason schemas.TerminationReason
	switch {
	case rr.Summary.Corrected == 0 && rr.Summary.TotalFailed == 0:
		reason = schemas.TerminationAllSuccess
	case rr.Summary.Corrected == 0:
		reason = schemas.TerminationNoRecoverableFailures
	case !o.settings.AutoExecute:
		reason = schemas.TerminationExecutionUnavailable
		log.Info("Automatic re-execution disabled; corrected abilities are saved for a manual run.")
	}
	if err := o.checkpoint(ctx, report); err != nil {
		return "", nil, err
	}
	if reason != "" {
		return reason, nil, nil
	}

	opReport, err := o.execute(ctx, s, round)
	if err != nil {
		return "", nil, err
	}
	if opReport == nil {
		return schemas.TerminationExecutionFailed, nil, nil
	}

	stats := opReport.Statistics
	current.OperationID = opReport.Metadata.OperationID
	current.ExecutionResult = &stats
	span.SetAttributes(attribute.Float64("success_rate", stats.SuccessRate))

	if err := o.reports.SaveOperationReport(ctx, fmt.Sprintf("retry_%d", round), opReport); err != nil {
		return "", nil, fmt.Errorf("failed to persist operation report: %w", err)
	}
	if err := o.reports.SaveRoundReport(ctx, report.SessionID, current); err != nil {
		return "", nil, fmt.Errorf("failed to persist round report: %w", err)
	}
	o.recordFailures(report.CorrectionHistory, round, opReport.FailedAbilities)
	if err := o.checkpoint(ctx, report); err != nil {
		return "", nil, err
	}

	log.Info("Retry execution complete.",
		zap.String("operation_id", opReport.Metadata.OperationID),
		zap.Int("success", stats.Success),
		zap.Int("failed", stats.Failed),
		zap.Float64("success_rate", stats.SuccessRate),
	)
	return "", opReport, nil
}

// execute re-uploads the corrected abilities and runs them as a new operation.
// A nil report with a nil error means the operation ran but its results could
// not be obtained.
func (o *Orchestrator) execute(ctx context.Context, s Session, round int) (*schemas.OperationReport, error) {
	log := o.logger.With(zap.Int("round", round))

	if _, err := o.client.UploadAbilities(ctx, s.Abilities.List()); err != nil {
		return nil, fmt.Errorf("failed to re-upload abilities: %w", err)
	}

	if o.settings.KillAgents {
		if _, err := o.client.KillAllAgents(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("Agent cleanup failed, continuing.", zap.Error(err))
		}
	}
	if o.hooks != nil {
		if err := o.hooks.RunPreRound(ctx, round); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("Pre-round hooks reported failures, continuing.", zap.Error(err))
		}
	}

	name := RetryOperationName(s.OperationName, round)
	id, err := o.client.CreateOperation(ctx, name, s.AdversaryID, o.settings.Group)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation %s: %w", name, err)
	}
	if err := o.client.StartOperation(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to start operation %s: %w", id, err)
	}
	log.Info("Retry operation started.", zap.String("operation", name), zap.String("operation_id", id))

	done, err := o.client.AwaitCompletion(ctx, id, o.settings.OperationTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for operation %s: %w", id, err)
	}
	if !done {
		log.Warn("Retry operation did not finish in time.",
			zap.String("operation_id", id),
			zap.Duration("timeout", o.settings.OperationTimeout),
		)
		return nil, nil
	}

	opReport, err := o.client.BuildReport(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("Failed to collect retry results.", zap.String("operation_id", id), zap.Error(err))
		return nil, nil
	}
	return opReport, nil
}

// recordFailures appends one observation per failed ability, classified from
// its own failure text.
func (o *Orchestrator) recordFailures(history schemas.CorrectionHistory, attempt int, failed []schemas.FailedAbility) {
	for _, f := range failed {
		history.Record(f.AbilityID, schemas.HistoryEntry{
			Attempt:     attempt,
			Command:     f.Command,
			CommandHash: autofix.Fingerprint(f.Command),
			FailureType: o.classifier.Classify(f.Stderr, f.Stdout),
			Error:       llmutil.Truncate(f.ErrorText(), maxHistoryErrorChars),
		})
	}
}

func (o *Orchestrator) checkpoint(ctx context.Context, report *schemas.CumulativeReport) error {
	report.UpdatedAt = o.now()
	if err := o.reports.SaveCumulativeReport(ctx, report); err != nil {
		return fmt.Errorf("failed to persist cumulative report: %w", err)
	}
	return nil
}

// abort records a session-fatal stop. The save runs detached from ctx so an
// interrupt still leaves the last state on disk.
func (o *Orchestrator) abort(ctx context.Context, report *schemas.CumulativeReport) {
	report.TerminationReason = schemas.TerminationExecutionFailed
	report.FinalResult = finalStats(report)
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.checkpoint(saveCtx, report); err != nil {
		o.logger.Error("Failed to persist aborted session.", zap.String("session_id", report.SessionID), zap.Error(err))
	}
}

func finalStats(report *schemas.CumulativeReport) *schemas.ExecutionStats {
	stats := report.LatestStats()
	return &stats
}
