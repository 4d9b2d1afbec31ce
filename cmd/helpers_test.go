// File: cmd/helpers_test.go
package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/config"
	"github.com/xkilldash9x/emulate-cli/internal/results"
)

const initialReportFile = "operation_report.json"

const abilitiesDoc = `- ability_id: a-enum
  name: Enumerate users
  tactic: discovery
  technique_id: T1087
  executors:
    - name: psh
      platform: windows
      command: 'Get-LocalUser | Where {$_.Enabled'
- ability_id: a-ok
  name: Host info
  tactic: discovery
  technique_id: T1082
  executors:
    - name: psh
      platform: windows
      command: hostname
`

const adversariesDoc = `- adversary_id: kisa-ttp-adversary-v1
  name: Test adversary
  atomic_ordering:
    - a-enum
    - a-ok
`

// newTestConfig returns the defaults with every remote endpoint pointed at
// a closed address and storage rooted in a temp dir.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.CalderaCfg.URL = "http://127.0.0.1:1"
	cfg.CalderaCfg.RequestsPerSecond = 0
	cfg.LLMCfg.Provider = config.ProviderAnthropic
	cfg.LLMCfg.APIKey = "test-key"
	cfg.LLMCfg.Endpoint = "http://127.0.0.1:1"
	cfg.StorageCfg.Backend = "file"
	cfg.PipelineCfg.DataDir = t.TempDir()
	return cfg
}

// newFakeLLM serves Anthropic message responses with a fixed completion.
func newFakeLLM(t *testing.T, completion string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]string{{"type": "text", "text": completion}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

// newRefusingCaldera fails the test on any request.
func newRefusingCaldera(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected Caldera request: %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeDataset lays out <dataDir>/<version>/caldera with both documents.
func writeDataset(t *testing.T, dataDir, version string) string {
	t.Helper()
	dir := filepath.Join(dataDir, version, "caldera")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abilities.yml"), []byte(abilitiesDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "adversaries.yml"), []byte(adversariesDoc), 0o644))
	return dir
}

func writeEnv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "env.md")
	require.NoError(t, os.WriteFile(path, []byte("Windows 10 workstation, PowerShell 5.1, no domain."), 0o644))
	return path
}

func testLinks() []schemas.Link {
	return []schemas.Link{
		{
			LinkID: "l1", AbilityID: "a-enum", AbilityName: "Enumerate users", Paw: "p1",
			Command: "Get-LocalUser | Where {$_.Enabled", Status: 1,
			Stderr:     "ParserError: Missing closing '}' in statement block or type definition.",
			FinishTime: "2026-10-19T10:00:05Z",
		},
		{
			LinkID: "l2", AbilityID: "a-ok", AbilityName: "Host info", Paw: "p1",
			Command: "hostname", Status: 0, Stdout: "WS01", FinishTime: "2026-10-19T10:00:06Z",
		},
	}
}

func testOperationReport(name string) *schemas.OperationReport {
	links := testLinks()
	agg := results.Aggregate(links)
	return &schemas.OperationReport{
		Metadata: schemas.OperationMetadata{
			OperationID: "op-1",
			Name:        name,
			State:       schemas.StateFinished,
			AdversaryID: "kisa-ttp-adversary-v1",
		},
		Results:         links,
		Statistics:      agg.Stats,
		FailedAbilities: agg.FailedAbilities,
	}
}

func writeOperationReport(t *testing.T, dir string, report *schemas.OperationReport) string {
	t.Helper()
	data, err := json.MarshalIndent(report, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(dir, initialReportFile)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}
