package caldera

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/config"
)

func ignoreHTTPGoroutines() []goleak.Option {
	return []goleak.Option{
		goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	}
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient(config.CalderaConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestCreateOperation(t *testing.T) {
	client, fake := setupClient(t)

	id, err := client.CreateOperation(context.Background(), "APT-Test", "adv-1", "")
	require.NoError(t, err)
	assert.Equal(t, "op-new", id)

	require.Len(t, fake.created, 1)
	body := fake.created[0]
	assert.Equal(t, "APT-Test", body["name"])
	assert.Equal(t, map[string]any{"adversary_id": "adv-1"}, body["adversary"])
	assert.Equal(t, map[string]any{"id": "atomic"}, body["planner"])
	assert.Equal(t, map[string]any{"id": "basic"}, body["source"])
	assert.Equal(t, "", body["group"])
	assert.Equal(t, "1/1", body["jitter"])
}

func TestCreateOperation_RejectedIsNotRetried(t *testing.T) {
	client, fake := setupClient(t)
	fake.rejectCreate = true
	client.backoffFactory = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5) }

	_, err := client.CreateOperation(context.Background(), "APT-Test", "adv-1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteRejected)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 500, apiErr.StatusCode)
	assert.Len(t, fake.created, 1)
}

func TestRequestsCarryAPIKey(t *testing.T) {
	client, _ := setupClient(t)
	client.apiKey = "wrong"

	_, err := client.ListAgents(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.StatusCode)
}

func TestStartOperation(t *testing.T) {
	t.Run("created operation is patched", func(t *testing.T) {
		client, fake := setupClient(t)
		fake.operations["op-1"] = map[string]any{"id": "op-1", "state": "created"}

		require.NoError(t, client.StartOperation(context.Background(), "op-1"))
		require.Len(t, fake.patches, 1)
		assert.Equal(t, "running", fake.patches[0]["state"])
	})

	t.Run("running or finished operation is left alone", func(t *testing.T) {
		for _, state := range []string{"running", "finished", "cleanup"} {
			client, fake := setupClient(t)
			fake.operations["op-1"] = map[string]any{"id": "op-1", "state": state}

			require.NoError(t, client.StartOperation(context.Background(), "op-1"), state)
			assert.Empty(t, fake.patches, state)
		}
	})

	t.Run("missing operation", func(t *testing.T) {
		client, _ := setupClient(t)
		err := client.StartOperation(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGet_RetriesTransientErrors(t *testing.T) {
	client, fake := setupClient(t)
	client.backoffFactory = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3) }
	fake.operations["op-1"] = map[string]any{"id": "op-1", "state": "running"}
	fake.failGets["op-1"] = 2

	op, err := client.Operation(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, schemas.StateRunning, op.State)
}

func TestAwaitCompletion(t *testing.T) {
	t.Run("returns true once finished", func(t *testing.T) {
		defer goleak.VerifyNone(t, ignoreHTTPGoroutines()...)
		client, fake := setupClient(t)
		fake.operations["op-1"] = map[string]any{"id": "op-1"}
		fake.states["op-1"] = []string{"running", "running", "finished"}

		done, err := client.AwaitCompletion(context.Background(), "op-1", 0)
		require.NoError(t, err)
		assert.True(t, done)
	})

	t.Run("cleanup counts as complete", func(t *testing.T) {
		client, fake := setupClient(t)
		fake.operations["op-1"] = map[string]any{"id": "op-1", "state": "cleanup"}

		done, err := client.AwaitCompletion(context.Background(), "op-1", time.Second)
		require.NoError(t, err)
		assert.True(t, done)
	})

	t.Run("poll errors are retried", func(t *testing.T) {
		client, fake := setupClient(t)
		fake.operations["op-1"] = map[string]any{"id": "op-1", "state": "finished"}
		fake.failGets["op-1"] = 3

		done, err := client.AwaitCompletion(context.Background(), "op-1", 0)
		require.NoError(t, err)
		assert.True(t, done)
		assert.Equal(t, 0, fake.failGets["op-1"])
	})

	t.Run("returns false on timeout", func(t *testing.T) {
		defer goleak.VerifyNone(t, ignoreHTTPGoroutines()...)
		client, fake := setupClient(t)
		fake.operations["op-1"] = map[string]any{"id": "op-1", "state": "running"}

		start := time.Now()
		done, err := client.AwaitCompletion(context.Background(), "op-1", 30*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, done)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		defer goleak.VerifyNone(t, ignoreHTTPGoroutines()...)
		client, fake := setupClient(t)
		fake.operations["op-1"] = map[string]any{"id": "op-1", "state": "running"}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		done, err := client.AwaitCompletion(ctx, "op-1", 0)
		assert.False(t, done)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("missing operation is fatal", func(t *testing.T) {
		client, _ := setupClient(t)
		done, err := client.AwaitCompletion(context.Background(), "nope", 0)
		assert.False(t, done)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejected credentials are fatal", func(t *testing.T) {
		for _, tc := range []struct {
			name   string
			status int
			setup  func(*Client, *fakeCaldera)
		}{
			{name: "unauthorized", status: 401, setup: func(c *Client, _ *fakeCaldera) { c.apiKey = "wrong" }},
			{name: "forbidden", status: 403, setup: func(_ *Client, f *fakeCaldera) { f.forbidGets = true }},
		} {
			t.Run(tc.name, func(t *testing.T) {
				client, fake := setupClient(t)
				fake.operations["op-1"] = map[string]any{"id": "op-1", "state": "running"}
				tc.setup(client, fake)

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				done, err := client.AwaitCompletion(ctx, "op-1", 0)
				assert.False(t, done)
				require.NotErrorIs(t, err, context.DeadlineExceeded)
				var apiErr *APIError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, tc.status, apiErr.StatusCode)
			})
		}
	})
}

func TestFetchResults(t *testing.T) {
	client, fake := setupClient(t)
	fake.operations["op-1"] = map[string]any{
		"id":    "op-1",
		"state": "finished",
		"chain": []map[string]any{
			{
				"id": "l1", "paw": "paw1", "status": 0, "pid": "4242", "command": "whoami",
				"collect": "2025-01-01T10:00:00Z", "finish": "2025-01-01T10:00:05Z",
				"ability":  map[string]any{"ability_id": "a1", "name": "Who", "tactic": "discovery", "technique_id": "T1033"},
				"executor": map[string]any{"name": "psh", "platform": "windows"},
				"output":   "True",
			},
			{
				"id": "l2", "paw": "paw2", "status": 1, "finish": "2025-01-01T10:01:00Z",
				"ability":  map[string]any{"ability_id": "a2"},
				"executor": "psh",
				"output":   map[string]any{"stdout": "partial", "stderr": "Access is denied", "exit_code": 5},
			},
			{
				"id": "l3", "paw": "paw1",
				"ability": map[string]any{"ability_id": "a3"},
				"output":  "False",
			},
			{
				"id": "l4", "paw": "paw2", "status": 0, "finish": "2025-01-01T10:02:00Z",
				"ability": map[string]any{"ability_id": "a4"},
				"output":  true,
			},
		},
	}
	fake.linkResults["l1"] = encodedResult(t, "DOMAIN\\user", "", 0)
	fake.linkResults["l3"] = map[string]any{"result": "!!not base64!!"}

	links, err := client.FetchResults(context.Background(), "op-1")
	require.NoError(t, err)
	require.Len(t, links, 4)

	l1 := links[0]
	assert.Equal(t, "l1", l1.LinkID)
	assert.Equal(t, "a1", l1.AbilityID)
	assert.Equal(t, "Who", l1.AbilityName)
	assert.Equal(t, "T1033", l1.TechniqueID)
	assert.Equal(t, "psh", l1.Executor)
	assert.Equal(t, 4242, l1.PID)
	assert.Equal(t, 0, l1.Status)
	assert.Equal(t, "DOMAIN\\user", l1.Stdout)
	assert.Equal(t, "0", l1.ExitCode)
	assert.True(t, l1.Finished())

	l2 := links[1]
	assert.Equal(t, "partial", l2.Stdout, "falls back to the chain entry output")
	assert.Equal(t, "Access is denied", l2.Stderr)
	assert.Equal(t, "5", l2.ExitCode)
	assert.Equal(t, 1, l2.Status)

	l3 := links[2]
	assert.Equal(t, "", l3.Stdout, "status markers are not output")
	assert.Equal(t, -1, l3.Status, "missing status is not success")
	assert.False(t, l3.Finished())

	l4 := links[3]
	assert.Equal(t, "", l4.Stdout, "a JSON boolean output is a status marker too")
	assert.Equal(t, 0, l4.Status)
}

func TestFindOperationByName(t *testing.T) {
	client, fake := setupClient(t)
	fake.operations["1"] = map[string]any{"id": "1", "name": "APT3-Emulation"}
	fake.operations["2"] = map[string]any{"id": "2", "name": "APT3-Emulation-Retry-1"}
	fake.operations["3"] = map[string]any{"id": "3", "name": "Lazarus Run"}

	op, err := client.FindOperationByName(context.Background(), "APT3-Emulation")
	require.NoError(t, err)
	assert.Equal(t, "1", op.ID, "exact match wins over partial matches")

	op, err = client.FindOperationByName(context.Background(), "lazarus")
	require.NoError(t, err)
	assert.Equal(t, "3", op.ID)

	_, err = client.FindOperationByName(context.Background(), "apt3")
	assert.ErrorIs(t, err, ErrAmbiguousName)

	_, err = client.FindOperationByName(context.Background(), "turla")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestRetryOperation(t *testing.T) {
	client, fake := setupClient(t)
	fake.operations["1"] = map[string]any{"id": "1", "name": "Base"}
	fake.operations["2"] = map[string]any{"id": "2", "name": "Base-Retry-1"}
	fake.operations["3"] = map[string]any{"id": "3", "name": "Base-Retry-2"}
	fake.operations["4"] = map[string]any{"id": "4", "name": "Base-Retry-x"}

	op, err := client.LatestRetryOperation(context.Background(), "Base")
	require.NoError(t, err)
	assert.Equal(t, "3", op.ID)

	_, err = client.LatestRetryOperation(context.Background(), "Other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUploadAbilities(t *testing.T) {
	client, fake := setupClient(t)

	ids, err := client.UploadAbilities(context.Background(), []schemas.Ability{
		{AbilityID: "new", Name: "fresh"},
		{AbilityID: "exists", Name: "update me"},
		{AbilityID: "broken", Name: "server error"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "exists"}, ids)
	assert.Equal(t, 1, fake.puts["exists"])
	assert.Zero(t, fake.puts["broken"])
}

func TestUploadAdversaries(t *testing.T) {
	client, fake := setupClient(t)

	ids, err := client.UploadAdversaries(context.Background(), []schemas.Adversary{
		{AdversaryID: "adv-1", Name: "APT", AtomicOrdering: []string{"a1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"adv-1"}, ids)
	assert.Equal(t, 1, fake.posts["adv-1"])
}

func TestKillAllAgents(t *testing.T) {
	client, fake := setupClient(t)
	fake.agents = []map[string]any{
		{"paw": "abc", "host": "win10", "platform": "windows"},
		{"paw": "def", "host": "win11", "platform": "windows"},
	}
	fake.failDelete["def"] = true

	agents, err := client.ListAgents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []schemas.AgentSummary{
		{Paw: "abc", Host: "win10", Platform: "windows"},
		{Paw: "def", Host: "win11", Platform: "windows"},
	}, agents)

	killed, err := client.KillAllAgents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, killed)
	assert.Equal(t, []string{"abc", "def"}, fake.deletes)
}

func TestKillAllAgents_NoAgents(t *testing.T) {
	client, fake := setupClient(t)

	killed, err := client.KillAllAgents(context.Background())
	require.NoError(t, err)
	assert.Zero(t, killed)
	assert.Empty(t, fake.deletes)
}

func TestBuildReport(t *testing.T) {
	client, fake := setupClient(t)
	fake.operations["op-1"] = map[string]any{
		"id": "op-1", "name": "APT-Test", "state": "finished", "group": "red",
		"start": "2025-01-01T10:00:00Z", "finish": "2025-01-01T11:00:00Z",
		"adversary": map[string]any{"adversary_id": "adv-1", "name": "APT"},
		"planner":   map[string]any{"id": "aaa", "name": "atomic"},
		"chain": []map[string]any{
			{"id": "l1", "paw": "p1", "host": "h1", "status": 0, "finish": "2025-01-01T10:00:05Z",
				"ability": map[string]any{"ability_id": "a1"}, "executor": map[string]any{"name": "psh", "platform": "windows"}},
			{"id": "l2", "paw": "p2", "status": 1, "finish": "2025-01-01T10:00:06Z",
				"ability": map[string]any{"ability_id": "a2"}, "executor": "psh", "output": map[string]any{"stderr": "nope"}},
			{"id": "l3", "paw": "p1", "status": 0, "finish": "2025-01-01T10:00:07Z",
				"ability": map[string]any{"ability_id": "a2"}, "executor": map[string]any{"name": "psh", "platform": "windows"}},
			{"id": "l4", "paw": "p2", "status": 1, "finish": "2025-01-01T10:00:08Z",
				"ability": map[string]any{"ability_id": "a3"}, "executor": "psh", "output": map[string]any{"stderr": "fail"}},
		},
	}

	report, err := client.BuildReport(context.Background(), "op-1")
	require.NoError(t, err)

	md := report.Metadata
	assert.Equal(t, "op-1", md.OperationID)
	assert.Equal(t, "APT-Test", md.Name)
	assert.Equal(t, schemas.StateFinished, md.State)
	assert.Equal(t, "APT", md.Adversary)
	assert.Equal(t, "adv-1", md.AdversaryID)
	assert.Equal(t, "red", md.Group)
	assert.Equal(t, "atomic", md.Planner)
	assert.False(t, md.CollectedAt.IsZero())

	assert.Equal(t, []schemas.AgentSummary{
		{Paw: "p1", Host: "h1", Platform: "windows"},
		{Paw: "p2", Platform: "psh"},
	}, report.Agents)

	assert.Len(t, report.Results, 4)
	assert.Equal(t, 3, report.Statistics.TotalAbilities)
	assert.Equal(t, 2, report.Statistics.Success, "a2 succeeded on one agent")
	assert.Equal(t, 1, report.Statistics.Failed)
	require.Len(t, report.FailedAbilities, 1)
	assert.Equal(t, "a3", report.FailedAbilities[0].AbilityID)
	assert.Equal(t, "fail", report.FailedAbilities[0].Stderr)
}
