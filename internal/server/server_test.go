package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/robotflow/internal/failure"
	"github.com/danshapiro/robotflow/internal/orchestrator"
	"github.com/danshapiro/robotflow/internal/store"
	"github.com/danshapiro/robotflow/internal/tool"
)

const releaseYAML = `
name: release
steps:
  - id: build
    tool: test.echo
    args: {text: "${text}"}
  - id: publish
    tool: test.flaky
    depends_on: [build]
`

const gatedYAML = `
name: gated
steps:
  - id: build
    tool: test.echo
    args: {text: built}
  - id: publish
    tool: test.echo
    description: Publish the artifact
    depends_on: [build]
    confirm: true
    args: {text: published}
`

type testEnv struct {
	srv     *Server
	ts      *httptest.Server
	store   *store.FileStore
	failing *atomic.Bool
	calls   *atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	failing := &atomic.Bool{}
	calls := &atomic.Int32{}
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.Tool{
		Definition: tool.Definition{Name: "test.echo", Params: []tool.Param{{Name: "text", Required: true}}},
		Exec: func(ctx context.Context, args map[string]any) (tool.Payload, error) {
			calls.Add(1)
			return tool.Payload{Output: tool.StringArg(args, "text", "")}, nil
		},
	}))
	require.NoError(t, reg.Register(tool.Tool{
		Definition: tool.Definition{Name: "test.flaky"},
		Exec: func(ctx context.Context, args map[string]any) (tool.Payload, error) {
			if failing.Load() {
				return tool.Payload{}, &failure.Error{Category: failure.ValidationFailure, Message: "missing credentials"}
			}
			return tool.Payload{Output: "published"}, nil
		},
	}))

	promReg := prometheus.NewRegistry()
	def, err := orchestrator.ParseDefinition([]byte(releaseYAML))
	require.NoError(t, err)
	def.Vars = map[string]string{"text": "hello"}

	srv, err := New(Config{Addr: "127.0.0.1:0"}, Options{
		Tools:     reg,
		Store:     fs,
		RunDir:    fs.RunDir,
		Workflows: []orchestrator.Definition{def},
		Metrics:   orchestrator.NewMetrics(promReg),
		Gatherer:  promReg,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown()
	})
	return &testEnv{srv: srv, ts: ts, store: fs, failing: failing, calls: calls}
}

func (e *testEnv) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.ts.URL+path, "application/json", strings.NewReader(string(b)))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) waitDone(t *testing.T, runID string) RunStatus {
	t.Helper()
	rs, ok := e.srv.Runs().Get(runID)
	require.True(t, ok)
	select {
	case <-rs.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("run %s did not finish", runID)
	}
	var st RunStatus
	require.Equal(t, http.StatusOK, e.get(t, "/runs/"+runID, &st))
	return st
}

func TestServer_HealthToolsWorkflows(t *testing.T) {
	e := newTestEnv(t)

	var health map[string]any
	require.Equal(t, http.StatusOK, e.get(t, "/health", &health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 2, health["tools"])

	var tools []tool.Definition
	require.Equal(t, http.StatusOK, e.get(t, "/tools", &tools))
	assert.Len(t, tools, 2)

	var wfs []map[string]any
	require.Equal(t, http.StatusOK, e.get(t, "/workflows", &wfs))
	require.Len(t, wfs, 1)
	assert.Equal(t, "release", wfs[0]["name"])
}

func TestServer_SubmitBuiltInWorkflow(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.post(t, "/runs", SubmitRunRequest{Workflow: "release", RunID: "r1", Vars: map[string]string{"text": "hi"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "r1", body["run_id"])

	st := e.waitDone(t, "r1")
	assert.Equal(t, string(orchestrator.RunCompleted), st.State)
	assert.False(t, st.Live)
	require.NotNil(t, st.Report)
	build, ok := st.Report.Step("build")
	require.True(t, ok)
	assert.Equal(t, "hi", build.Output)
	assert.Equal(t, string(orchestrator.EventRunFinished), st.LastEvent)

	var runs []RunSummary
	require.Equal(t, http.StatusOK, e.get(t, "/runs", &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, orchestrator.RunCompleted, runs[0].Status)

	info, err := e.store.Run(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RunCompleted, info.Status)

	metrics, err := http.Get(e.ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	text, _ := io.ReadAll(metrics.Body)
	assert.Contains(t, string(text), `robotflow_runs_total{status="completed",workflow="release"} 1`)
}

func TestServer_GateDecisionOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.post(t, "/runs", SubmitRunRequest{Definition: gatedYAML, RunID: "g1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var gates []PendingGate
	require.Eventually(t, func() bool {
		gates = nil
		e.get(t, "/runs/g1/gates", &gates)
		return len(gates) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "publish", gates[0].StepID)
	assert.Equal(t, "Publish the artifact", gates[0].Description)

	var st RunStatus
	require.Equal(t, http.StatusOK, e.get(t, "/runs/g1", &st))
	assert.True(t, st.Live)
	assert.Equal(t, 1, st.PendingGates)

	resp, _ = e.post(t, "/runs/g1/gates/"+gates[0].GateID+"/decision", DecisionRequest{Decision: "maybe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.post(t, "/runs/g1/gates/g-999/decision", DecisionRequest{Decision: "proceed"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, body := e.post(t, "/runs/g1/gates/"+gates[0].GateID+"/decision", DecisionRequest{Decision: "proceed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "proceed", body["decision"])

	st = e.waitDone(t, "g1")
	assert.Equal(t, string(orchestrator.RunCompleted), st.State)
	assert.EqualValues(t, 2, e.calls.Load())
}

func TestServer_CancelWhileWaitingOnGate(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.post(t, "/runs", SubmitRunRequest{Definition: gatedYAML, RunID: "c1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	rs, ok := e.srv.Runs().Get("c1")
	require.True(t, ok)
	waitPending(t, rs.Gate, 1)

	resp, _ = e.post(t, "/runs/c1/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	st := e.waitDone(t, "c1")
	assert.Equal(t, string(orchestrator.RunAborted), st.State)
	publish, ok := st.Report.Step("publish")
	require.True(t, ok)
	assert.NotEqual(t, orchestrator.StepSucceeded, publish.Status)

	resp, _ = e.post(t, "/runs/c1/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_ResumeFromStoredRun(t *testing.T) {
	e := newTestEnv(t)
	e.failing.Store(true)
	resp, _ := e.post(t, "/runs", SubmitRunRequest{Workflow: "release", RunID: "first"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	st := e.waitDone(t, "first")
	require.Equal(t, string(orchestrator.RunCompletedWithFailures), st.State)
	publish, _ := st.Report.Step("publish")
	assert.Equal(t, failure.ValidationFailure, publish.Category)

	e.failing.Store(false)
	resp, _ = e.post(t, "/runs", SubmitRunRequest{ResumeFrom: "first", RunID: "second"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	st = e.waitDone(t, "second")
	assert.Equal(t, string(orchestrator.RunCompleted), st.State)
	assert.EqualValues(t, 1, e.calls.Load(), "build should be seeded, not re-run")

	resp, _ = e.post(t, "/runs", SubmitRunRequest{ResumeFrom: "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_StoredRunVisibleAfterRestart(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.post(t, "/runs", SubmitRunRequest{Workflow: "release", RunID: "old"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	e.waitDone(t, "old")

	srv2, err := New(Config{}, Options{Tools: tool.NewRegistry(), Store: e.store, RunDir: e.store.RunDir})
	require.NoError(t, err)
	ts2 := httptest.NewServer(srv2.Handler())
	defer ts2.Close()

	r, err := http.Get(ts2.URL + "/runs/old")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)
	var st RunStatus
	require.NoError(t, json.NewDecoder(r.Body).Decode(&st))
	assert.Equal(t, string(orchestrator.RunCompleted), st.State)
	assert.False(t, st.Live)
	require.Len(t, st.Steps, 2)
	assert.Equal(t, "build", st.Steps[0].StepID)
	require.NotNil(t, st.Report)

	r2, err := http.Get(ts2.URL + "/runs/old/gates")
	require.NoError(t, err)
	r2.Body.Close()
	assert.Equal(t, http.StatusNotFound, r2.StatusCode)
}

func TestServer_SubmitRejectsBadRequests(t *testing.T) {
	e := newTestEnv(t)
	cases := []struct {
		name string
		req  SubmitRunRequest
		code int
	}{
		{"no source", SubmitRunRequest{}, http.StatusBadRequest},
		{"two sources", SubmitRunRequest{Workflow: "release", Definition: gatedYAML}, http.StatusBadRequest},
		{"unknown workflow", SubmitRunRequest{Workflow: "nope"}, http.StatusNotFound},
		{"bad yaml", SubmitRunRequest{Definition: "name: x\nbogus: 1\n"}, http.StatusBadRequest},
		{"unknown tool", SubmitRunRequest{Definition: "name: x\nsteps:\n  - id: a\n    tool: test.nope\n"}, http.StatusUnprocessableEntity},
		{"bad run id", SubmitRunRequest{Workflow: "release", RunID: "../etc"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := e.post(t, "/runs", tc.req)
			assert.Equal(t, tc.code, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}

	resp, _ := e.post(t, "/runs", SubmitRunRequest{Workflow: "release", RunID: "dup"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	e.waitDone(t, "dup")
	resp, _ = e.post(t, "/runs", SubmitRunRequest{Workflow: "release", RunID: "dup"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	assert.Equal(t, http.StatusNotFound, e.get(t, "/runs/ghost", nil))
}

func TestServer_EventsStreamForFinishedRun(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.post(t, "/runs", SubmitRunRequest{Workflow: "release", RunID: "s1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	e.waitDone(t, "s1")

	r, err := http.Get(e.ts.URL + "/runs/s1/events")
	require.NoError(t, err)
	defer r.Body.Close()
	var names []string
	sc := bufio.NewScanner(r.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	require.NotEmpty(t, names)
	assert.Equal(t, string(orchestrator.EventRunStarted), names[0])
	assert.Equal(t, "done", names[len(names)-1])
	assert.Contains(t, names, string(orchestrator.EventRunFinished))
}

func TestCSRFProtect(t *testing.T) {
	e := newTestEnv(t)
	for origin, code := range map[string]int{
		"http://evil.example":   http.StatusForbidden,
		"http://localhost:3000": http.StatusAccepted,
	} {
		req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/runs", strings.NewReader(`{"workflow":"release"}`))
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, code, resp.StatusCode, origin)
	}
}

func TestNew_RequiresTools(t *testing.T) {
	_, err := New(Config{}, Options{})
	assert.Error(t, err)
}
