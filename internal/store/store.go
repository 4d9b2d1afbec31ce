package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
)

// ErrNotFound is returned when a requested report does not exist.
var ErrNotFound = errors.New("report not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlCreateSessions = `
        CREATE TABLE IF NOT EXISTS correction_sessions (
            session_id TEXT PRIMARY KEY,
            operation_name TEXT NOT NULL,
            termination_reason TEXT NOT NULL DEFAULT '',
            report JSONB NOT NULL,
            started_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlCreateRounds = `
        CREATE TABLE IF NOT EXISTS correction_rounds (
            session_id TEXT NOT NULL,
            round_number INTEGER NOT NULL,
            round_id TEXT NOT NULL,
            report JSONB NOT NULL,
            recorded_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (session_id, round_number)
        );
    `
	sqlCreateOperationReports = `
        CREATE TABLE IF NOT EXISTS operation_reports (
            operation_id TEXT NOT NULL,
            label TEXT NOT NULL,
            report JSONB NOT NULL,
            collected_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (operation_id, label)
        );
    `

	sqlUpsertRound = `
        INSERT INTO correction_rounds (session_id, round_number, round_id, report, recorded_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (session_id, round_number) DO UPDATE SET
            round_id = EXCLUDED.round_id,
            report = EXCLUDED.report,
            recorded_at = EXCLUDED.recorded_at;
    `
	sqlUpsertSession = `
        INSERT INTO correction_sessions (session_id, operation_name, termination_reason, report, started_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (session_id) DO UPDATE SET
            operation_name = EXCLUDED.operation_name,
            termination_reason = EXCLUDED.termination_reason,
            report = EXCLUDED.report,
            updated_at = EXCLUDED.updated_at;
    `
	sqlSelectSession = `
        SELECT report FROM correction_sessions WHERE session_id = $1;
    `
	sqlSelectOperationReport = `
        SELECT report FROM operation_reports WHERE label = $1 ORDER BY collected_at DESC LIMIT 1;
    `
	sqlUpsertOperationReport = `
        INSERT INTO operation_reports (operation_id, label, report, collected_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (operation_id, label) DO UPDATE SET
            report = EXCLUDED.report,
            collected_at = EXCLUDED.collected_at;
    `
)

// Store provides a PostgreSQL implementation of schemas.ReportStore.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the report tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{sqlCreateSessions, sqlCreateRounds, sqlCreateOperationReports} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create report tables: %w", err)
		}
	}
	return nil
}

// SaveRoundReport upserts a single round, keyed by session and round number.
func (s *Store) SaveRoundReport(ctx context.Context, sessionID string, report *schemas.RoundReport) error {
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal round report: %w", err)
	}
	_, err = s.pool.Exec(ctx, sqlUpsertRound, sessionID, report.RoundNumber, report.RoundID, doc, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save round %d: %w", report.RoundNumber, err)
	}
	return nil
}

// SaveCumulativeReport replaces the session record and every round it holds
// in one transaction.
func (s *Store) SaveCumulativeReport(ctx context.Context, report *schemas.CumulativeReport) error {
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal cumulative report: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	batch.Queue(sqlUpsertSession,
		report.SessionID, report.OperationName, string(report.TerminationReason),
		doc, report.StartedAt.UTC(), now,
	)
	for i := range report.RetryAttempts {
		round := &report.RetryAttempts[i]
		roundDoc, err := json.Marshal(round)
		if err != nil {
			return fmt.Errorf("failed to marshal round %d: %w", round.RoundNumber, err)
		}
		batch.Queue(sqlUpsertRound, report.SessionID, round.RoundNumber, round.RoundID, roundDoc, now)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			if i == 0 {
				return fmt.Errorf("failed to save session %s: %w", report.SessionID, err)
			}
			return fmt.Errorf("failed to save round %d: %w", report.RetryAttempts[i-1].RoundNumber, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadCumulativeReport reads the session record back.
func (s *Store) LoadCumulativeReport(ctx context.Context, sessionID string) (*schemas.CumulativeReport, error) {
	var doc []byte
	if err := s.pool.QueryRow(ctx, sqlSelectSession, sessionID).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	var report schemas.CumulativeReport
	if err := json.Unmarshal(doc, &report); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &report, nil
}

// SaveOperationReport upserts the collected results of one operation.
func (s *Store) SaveOperationReport(ctx context.Context, label string, report *schemas.OperationReport) error {
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal operation report: %w", err)
	}
	collected := report.Metadata.CollectedAt
	if collected.IsZero() {
		collected = time.Now()
	}
	_, err = s.pool.Exec(ctx, sqlUpsertOperationReport, report.Metadata.OperationID, label, doc, collected.UTC())
	if err != nil {
		return fmt.Errorf("failed to save operation report %s: %w", report.Metadata.OperationID, err)
	}
	return nil
}

// LoadOperationReport reads the most recently collected operation report
// saved under label.
func (s *Store) LoadOperationReport(ctx context.Context, label string) (*schemas.OperationReport, error) {
	var doc []byte
	if err := s.pool.QueryRow(ctx, sqlSelectOperationReport, label).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: operation report %q", ErrNotFound, label)
		}
		return nil, fmt.Errorf("failed to load operation report %q: %w", label, err)
	}

	var report schemas.OperationReport
	if err := json.Unmarshal(doc, &report); err != nil {
		return nil, fmt.Errorf("failed to decode operation report %q: %w", label, err)
	}
	return &report, nil
}
