// internal/reporting/reporter_test.go
package reporting_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/reporting"
	"github.com/xkilldash9x/emulate-cli/internal/results"
)

func sessionWithRetries() *schemas.CumulativeReport {
	retry1 := schemas.ExecutionStats{TotalAbilities: 10, Completed: 10, Success: 9, Failed: 1, SuccessRate: 90}
	return &schemas.CumulativeReport{
		SessionID:        "s1",
		OperationName:    "apt29",
		InitialExecution: schemas.ExecutionStats{TotalAbilities: 10, Completed: 10, Success: 7, Failed: 3, SuccessRate: 70},
		RetryAttempts: []schemas.RoundReport{
			{
				RoundNumber: 1,
				Corrections: []schemas.CorrectionRecord{
					{AbilityID: "a1", AbilityName: "Enumerate users", FailureType: schemas.CategoryDependencyError, FixedCommand: "net user", Success: true},
					{AbilityID: "a2", FailureType: schemas.CategoryUnrecoverable, Reason: "unrecoverable category"},
				},
				Summary:         schemas.CorrectionSummary{TotalFailed: 2, Corrected: 1, Skipped: 1},
				ExecutionResult: &retry1,
			},
			{RoundNumber: 2, Summary: schemas.CorrectionSummary{TotalFailed: 1, Skipped: 1}},
		},
		TerminationReason: schemas.TerminationNoRecoverableFailures,
	}
}

// TestNew_Success_Text_Stdout tests creating a text reporter writing to stdout.
func TestNew_Success_Text_Stdout(t *testing.T) {
	r, err := reporting.New("text", "stdout")
	require.NoError(t, err)
	assert.NotNil(t, r)
	// Close is a no-op for the stdout wrapper.
	assert.NoError(t, r.Close())

	r, err = reporting.New("json", "")
	require.NoError(t, err)
	assert.NoError(t, r.Close())
}

// TestNew_Success_File tests creating a reporter writing to a file.
func TestNew_Success_File(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "session.json")

	r, err := reporting.New("json", tmpFile)
	require.NoError(t, err)
	require.NoError(t, r.WriteSession(sessionWithRetries()))
	require.NoError(t, r.Close())

	data, err := os.ReadFile(tmpFile)
	require.NoError(t, err)
	var decoded schemas.CumulativeReport
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "s1", decoded.SessionID)
}

// TestNew_Failure_UnsupportedFormat ensures no file is created for unknown formats.
func TestNew_Failure_UnsupportedFormat(t *testing.T) {
	r, err := reporting.New("sarif", "stdout")
	assert.Error(t, err)
	assert.Nil(t, r)
	assert.Contains(t, err.Error(), "unsupported output format: sarif")

	tmpFile := filepath.Join(t.TempDir(), "out.txt")
	_, err = reporting.New("xml", tmpFile)
	assert.Error(t, err)
	assert.NoFileExists(t, tmpFile)
}

func TestNew_Failure_BadPath(t *testing.T) {
	_, err := reporting.New("text", filepath.Join(t.TempDir(), "missing", "dir", "out.txt"))
	assert.Error(t, err)
}

func TestTextReporter_WriteSession(t *testing.T) {
	var buf bytes.Buffer
	r, err := reporting.NewWithStdout("text", "stdout", &buf)
	require.NoError(t, err)

	require.NoError(t, r.WriteSession(sessionWithRetries()))
	out := buf.String()

	assert.Contains(t, out, "Round 1: 1/2 corrected")
	assert.Contains(t, out, "Enumerate users")
	assert.Contains(t, out, "net user")
	assert.Contains(t, out, "unrecoverable category")
	assert.Contains(t, out, "Retry 1")
	assert.NotContains(t, out, "Retry 2", "rounds without execution have no stats row")
	assert.Contains(t, out, "70.0%")
	assert.Contains(t, out, "Improvement: +20.0% (7 -> 9 successful)")
	assert.Contains(t, out, "Final success rate: 90.0% (9/10 successful)")
	assert.Contains(t, out, "Retries: 1")
	assert.Contains(t, out, "Termination: no_recoverable_failures")
}

func TestTextReporter_WriteSessionWithoutRetries(t *testing.T) {
	var buf bytes.Buffer
	r, err := reporting.NewWithStdout("text", "", &buf)
	require.NoError(t, err)

	report := &schemas.CumulativeReport{
		InitialExecution:  schemas.ExecutionStats{TotalAbilities: 4, Completed: 4, Success: 4, SuccessRate: 100},
		RetryAttempts:     []schemas.RoundReport{{RoundNumber: 1}},
		TerminationReason: schemas.TerminationAllSuccess,
	}
	require.NoError(t, r.WriteSession(report))
	out := buf.String()

	assert.Contains(t, out, "Initial (final)")
	assert.Contains(t, out, "Retries: none")
	assert.Contains(t, out, "Final success rate: 100.0% (4/4 successful)")
	assert.Contains(t, out, "Termination: all_success")
}

func TestReporters_WriteComparison(t *testing.T) {
	cmp := &results.Comparison{
		Before:      schemas.ExecutionStats{TotalAbilities: 5, Success: 3, Failed: 2, SuccessRate: 60},
		After:       schemas.ExecutionStats{TotalAbilities: 5, Success: 4, Failed: 1, SuccessRate: 80},
		Improvement: 20,
		Fixed:       []string{"a1"},
	}

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		r, err := reporting.NewWithStdout("text", "", &buf)
		require.NoError(t, err)
		require.NoError(t, r.WriteComparison("Initial", "apt29-Retry", cmp))

		out := buf.String()
		assert.Contains(t, out, "apt29-Retry")
		assert.Contains(t, out, "Improvement: +20.0%")
		assert.Contains(t, out, "Fixed: a1")
		assert.NotContains(t, out, "Regressed")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		r, err := reporting.NewWithStdout("json", "", &buf)
		require.NoError(t, err)
		require.NoError(t, r.WriteComparison("Initial", "apt29-Retry", cmp))

		var doc map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
		assert.Equal(t, "apt29-Retry", doc["after"])
		assert.Equal(t, 20.0, doc["improvement"])
		assert.Equal(t, []any{}, doc["regressed"])
	})
}
