package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
)

const (
	cumulativeReportFile = "correction_report.json"
	roundReportPattern   = "correction_report_round_%d.json"
)

// FileStore keeps reports as JSON documents in a directory.
type FileStore struct {
	dir string
	log *zap.Logger
}

// NewFileStore creates dir if needed and returns a store writing into it.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, log: logger.Named("store.file")}, nil
}

// Dir returns the directory reports are written to.
func (f *FileStore) Dir() string { return f.dir }

// RoundReportPath returns where the report of the given round is written.
func (f *FileStore) RoundReportPath(round int) string {
	return filepath.Join(f.dir, fmt.Sprintf(roundReportPattern, round))
}

// CumulativeReportPath returns where the session record is written.
func (f *FileStore) CumulativeReportPath() string {
	return filepath.Join(f.dir, cumulativeReportFile)
}

// OperationReportPath returns where an operation report with label is written.
func (f *FileStore) OperationReportPath(label string) string {
	if label == "" {
		return filepath.Join(f.dir, "operation_report.json")
	}
	return filepath.Join(f.dir, fmt.Sprintf("operation_report_%s.json", label))
}

// SaveRoundReport implements schemas.ReportStore. Files are keyed by round
// number; one directory holds one session.
func (f *FileStore) SaveRoundReport(ctx context.Context, sessionID string, report *schemas.RoundReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := f.RoundReportPath(report.RoundNumber)
	if err := writeJSONAtomic(path, report); err != nil {
		return err
	}
	f.log.Debug("Round report saved.", zap.String("path", path), zap.String("session_id", sessionID))
	return nil
}

// SaveCumulativeReport implements schemas.ReportStore.
func (f *FileStore) SaveCumulativeReport(ctx context.Context, report *schemas.CumulativeReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := f.CumulativeReportPath()
	if err := writeJSONAtomic(path, report); err != nil {
		return err
	}
	f.log.Debug("Cumulative report saved.", zap.String("path", path), zap.String("session_id", report.SessionID))
	return nil
}

// LoadCumulativeReport implements schemas.ReportStore. An empty sessionID
// loads whichever session the directory holds.
func (f *FileStore) LoadCumulativeReport(ctx context.Context, sessionID string) (*schemas.CumulativeReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var report schemas.CumulativeReport
	if err := readJSON(f.CumulativeReportPath(), &report); err != nil {
		return nil, err
	}
	if sessionID != "" && report.SessionID != sessionID {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return &report, nil
}

// SaveOperationReport implements schemas.ReportStore.
func (f *FileStore) SaveOperationReport(ctx context.Context, label string, report *schemas.OperationReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := f.OperationReportPath(label)
	if err := writeJSONAtomic(path, report); err != nil {
		return err
	}
	f.log.Info("Operation report saved.", zap.String("path", path), zap.String("operation_id", report.Metadata.OperationID))
	return nil
}

// LoadOperationReport implements schemas.ReportStore.
func (f *FileStore) LoadOperationReport(ctx context.Context, label string) (*schemas.OperationReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ReadOperationReport(f.OperationReportPath(label))
}

// ReadOperationReport loads an operation report document from path.
func ReadOperationReport(path string) (*schemas.OperationReport, error) {
	var report schemas.OperationReport
	if err := readJSON(path, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// writeJSONAtomic writes v to a temp file in the target directory, syncs it
// and renames it over path, so readers see the old or the new document.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".emulate-tmp-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	return nil
}
