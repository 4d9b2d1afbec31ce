// internal/autofix/corrector.go
package autofix

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/abilities"
	"github.com/xkilldash9x/emulate-cli/internal/autofix/coroner"
	"github.com/xkilldash9x/emulate-cli/internal/observability"
	"github.com/xkilldash9x/emulate-cli/internal/results"
)

// Corrector runs one correction pass: classify every failed ability, repair
// the recoverable ones, and persist the mutated set and the round report.
type Corrector struct {
	logger       *zap.Logger
	classifier   *coroner.Classifier
	fixer        FixerInterface
	persister    AbilityPersister
	reports      schemas.ReportStore
	historyLimit int
}

// NewCorrector wires a corrector. historyLimit caps the history entries
// handed to the fixer; zero or less passes all of them.
func NewCorrector(
	logger *zap.Logger,
	classifier *coroner.Classifier,
	fixer FixerInterface,
	persister AbilityPersister,
	reports schemas.ReportStore,
	historyLimit int,
) (*Corrector, error) {
	if classifier == nil || fixer == nil || persister == nil || reports == nil {
		return nil, fmt.Errorf("cannot create corrector: classifier, fixer, persister and report store are required")
	}
	return &Corrector{
		logger:       logger.Named("autofix-corrector"),
		classifier:   classifier,
		fixer:        fixer,
		persister:    persister,
		reports:      reports,
		historyLimit: historyLimit,
	}, nil
}

// Run corrects set in place by ability id. Repair failures are recorded on
// the report; only persistence failures are returned as errors.
func (c *Corrector) Run(ctx context.Context, set *abilities.Set, in RoundInput) (*schemas.RoundReport, error) {
	ctx, span := observability.Tracer("autofix").Start(ctx, "autofix.correct_round")
	defer span.End()
	span.SetAttributes(attribute.Int("round", in.RoundNumber), attribute.String("session_id", in.SessionID))

	agg := results.Aggregate(in.Links)
	report := &schemas.RoundReport{
		RoundID:       uuid.NewString(),
		RoundNumber:   in.RoundNumber,
		Timestamp:     time.Now().UTC(),
		OperationName: in.OperationName,
		InputStats:    agg.Stats,
		Corrections:   make([]schemas.CorrectionRecord, 0, len(agg.FailedAbilities)),
	}

	c.logger.Info("Starting correction round.",
		zap.Int("round", in.RoundNumber),
		zap.Int("failed_abilities", len(agg.FailedAbilities)),
		zap.Float64("success_rate", agg.Stats.SuccessRate),
	)

	for _, failed := range agg.FailedAbilities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record := c.correctOne(ctx, set, failed, in)
		report.Corrections = append(report.Corrections, record)
		if record.Success {
			report.Summary.Corrected++
		}
	}
	report.Summary.TotalFailed = len(report.Corrections)
	report.Summary.Skipped = report.Summary.TotalFailed - report.Summary.Corrected
	span.SetAttributes(attribute.Int("corrected", report.Summary.Corrected), attribute.Int("skipped", report.Summary.Skipped))

	if err := c.persister.SaveAbilities(ctx, set); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to persist abilities: %w", err)
	}
	if err := c.reports.SaveRoundReport(ctx, in.SessionID, report); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to persist round report: %w", err)
	}

	c.logger.Info("Correction round complete.",
		zap.Int("round", in.RoundNumber),
		zap.Int("total_failed", report.Summary.TotalFailed),
		zap.Int("corrected", report.Summary.Corrected),
		zap.Int("skipped", report.Summary.Skipped),
	)
	return report, nil
}

func (c *Corrector) correctOne(ctx context.Context, set *abilities.Set, failed schemas.FailedAbility, in RoundInput) schemas.CorrectionRecord {
	diagnosis := c.classifier.Diagnose(failed.Stderr, failed.Stdout)
	failed.Category = diagnosis.Category

	log := c.logger.With(
		zap.String("ability_id", failed.AbilityID),
		zap.String("category", diagnosis.Category.String()),
		zap.String("keyword", diagnosis.Keyword),
	)

	record := schemas.CorrectionRecord{
		AbilityID:       failed.AbilityID,
		AbilityName:     failed.AbilityName,
		FailureType:     diagnosis.Category,
		OriginalCommand: failed.Command,
	}

	if !diagnosis.Category.Recoverable() {
		log.Info("Skipping unrecoverable failure.")
		record.Reason = ReasonUnrecoverable
		return record
	}

	def, ok := set.Get(failed.AbilityID)
	if !ok {
		log.Warn("No definition found for failed ability.")
		record.Reason = ReasonMissingDefinition
		return record
	}
	record.OriginalCommand = def.Command()
	if record.AbilityName == "" {
		record.AbilityName = def.Name
	}

	history := in.History.Latest(failed.AbilityID, c.historyLimit)
	command, ok := c.fixer.Fix(ctx, FixRequest{
		Failed:      failed,
		Definition:  def,
		Environment: in.Environment,
		Category:    diagnosis.Category,
		History:     history,
	})
	if !ok {
		record.Reason = ReasonRepairFailed
		return record
	}
	if command == record.OriginalCommand || repeatsHistory(command, in.History[failed.AbilityID]) {
		log.Warn("Fixer returned a command that already failed.", zap.String("command", command))
		record.FixedCommand = command
		record.Reason = ReasonRepeatedCommand
		return record
	}

	if err := set.SetCommand(failed.AbilityID, command); err != nil {
		log.Error("Failed to apply replacement command.", zap.Error(err))
		record.Reason = ReasonMissingDefinition
		return record
	}

	log.Info("Ability corrected.")
	record.FixedCommand = command
	record.Success = true
	return record
}
