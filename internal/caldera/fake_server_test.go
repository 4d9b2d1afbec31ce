package caldera

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/emulate-cli/internal/config"
)

const testAPIKey = "test-key"

// fakeCaldera is an in-memory stand-in for the Caldera v2 API.
type fakeCaldera struct {
	t  *testing.T
	mu sync.Mutex

	operations map[string]map[string]any
	// states is consumed one per GET of an operation; the last value sticks.
	states       map[string][]string
	failGets     map[string]int
	linkResults  map[string]any
	agents       []map[string]any
	failDelete   map[string]bool
	rejectCreate bool
	forbidGets   bool

	created []map[string]any
	patches []map[string]any
	posts   map[string]int
	puts    map[string]int
	deletes []string
}

func newFakeCaldera(t *testing.T) *fakeCaldera {
	return &fakeCaldera{
		t:           t,
		operations:  make(map[string]map[string]any),
		states:      make(map[string][]string),
		failGets:    make(map[string]int),
		linkResults: make(map[string]any),
		failDelete:  make(map[string]bool),
		posts:       make(map[string]int),
		puts:        make(map[string]int),
	}
}

func (f *fakeCaldera) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	assert.NoError(f.t, json.NewEncoder(w).Encode(v))
}

func (f *fakeCaldera) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v2/operations", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var body map[string]any
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.created = append(f.created, body)
		if f.rejectCreate {
			f.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
			return
		}
		id := "op-new"
		f.operations[id] = map[string]any{"id": id, "name": body["name"], "state": "created"}
		f.writeJSON(w, http.StatusOK, f.operations[id])
	})

	mux.HandleFunc("GET /api/v2/operations", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		list := make([]map[string]any, 0, len(f.operations))
		for _, op := range f.operations {
			list = append(list, op)
		}
		f.writeJSON(w, http.StatusOK, list)
	})

	mux.HandleFunc("GET /api/v2/operations/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("id")
		if f.forbidGets {
			f.writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
		if f.failGets[id] > 0 {
			f.failGets[id]--
			f.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "busy"})
			return
		}
		op, ok := f.operations[id]
		if !ok {
			f.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		if states := f.states[id]; len(states) > 0 {
			op["state"] = states[0]
			if len(states) > 1 {
				f.states[id] = states[1:]
			}
		}
		f.writeJSON(w, http.StatusOK, op)
	})

	mux.HandleFunc("PATCH /api/v2/operations/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var body map[string]any
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.patches = append(f.patches, body)
		if op, ok := f.operations[r.PathValue("id")]; ok {
			op["state"] = body["state"]
		}
		f.writeJSON(w, http.StatusOK, map[string]any{})
	})

	mux.HandleFunc("GET /api/v2/operations/{id}/links/{link}/result", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		res, ok := f.linkResults[r.PathValue("link")]
		if !ok {
			f.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no result"})
			return
		}
		f.writeJSON(w, http.StatusOK, res)
	})

	for _, collection := range []string{"abilities", "adversaries"} {
		mux.HandleFunc("POST /api/v2/"+collection, func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			defer f.mu.Unlock()
			var body map[string]any
			assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
			id, _ := body["ability_id"].(string)
			if id == "" {
				id, _ = body["adversary_id"].(string)
			}
			f.posts[id]++
			switch id {
			case "exists":
				f.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "already exists"})
			case "broken":
				f.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
			default:
				f.writeJSON(w, http.StatusOK, body)
			}
		})
		mux.HandleFunc("PUT /api/v2/"+collection+"/{id}", func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.puts[r.PathValue("id")]++
			f.writeJSON(w, http.StatusOK, map[string]any{})
		})
	}

	mux.HandleFunc("GET /api/v2/agents", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.writeJSON(w, http.StatusOK, f.agents)
	})

	mux.HandleFunc("DELETE /api/v2/agents/{paw}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		paw := r.PathValue("paw")
		f.deletes = append(f.deletes, paw)
		if f.failDelete[paw] {
			f.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("KEY") != testAPIKey {
			f.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad key"})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// setupClient starts the fake server and a client with fast polling and no
// read retries.
func setupClient(t *testing.T) (*Client, *fakeCaldera) {
	t.Helper()
	fake := newFakeCaldera(t)
	server := httptest.NewServer(fake.handler())

	client, err := NewClient(config.CalderaConfig{
		URL:          server.URL + "/",
		APIKey:       testAPIKey,
		Timeout:      5 * time.Second,
		PollInterval: 5 * time.Millisecond,
		Planner:      "atomic",
		Source:       "basic",
		Jitter:       "1/1",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	client.backoffFactory = func() backoff.BackOff { return &backoff.StopBackOff{} }

	t.Cleanup(func() {
		client.httpClient.CloseIdleConnections()
		server.Close()
	})
	return client, fake
}

func encodedResult(t *testing.T, stdout, stderr string, exitCode any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"stdout": stdout, "stderr": stderr, "exit_code": exitCode})
	require.NoError(t, err)
	return map[string]any{"result": base64.StdEncoding.EncodeToString(raw)}
}
