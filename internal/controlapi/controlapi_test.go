package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/labsched/internal/ctxlog"
	"github.com/vk/labsched/internal/executor"
	"github.com/vk/labsched/internal/faults"
	"github.com/vk/labsched/internal/labconfig"
)

// fakeHandler is a hand-written CommandHandler test double, matching how
// the pack's repos that need test doubles (rather than mockgen, forbidden
// here) write them: a plain struct recording calls and returning
// pre-programmed results.
type fakeHandler struct {
	submitCalls int
	lastSubmit  SubmitProcessRequest
	submitErr   error

	pauseScope Scope
	pauseErr   error

	statusReport StatusReport
	statusErr    error

	configureErr error
}

func (f *fakeHandler) SubmitProcess(ctx context.Context, req SubmitProcessRequest) (SubmitProcessResponse, error) {
	f.submitCalls++
	f.lastSubmit = req
	if f.submitErr != nil {
		return SubmitProcessResponse{}, f.submitErr
	}
	return SubmitProcessResponse{ProcessID: "p-1"}, nil
}

func (f *fakeHandler) Start(ctx context.Context, processIDs []string) error { return nil }

func (f *fakeHandler) Pause(ctx context.Context, scope Scope) error {
	f.pauseScope = scope
	return f.pauseErr
}

func (f *fakeHandler) Resume(ctx context.Context, scope Scope) error { return nil }
func (f *fakeHandler) Cancel(ctx context.Context, scope Scope) error { return nil }

func (f *fakeHandler) EnableSimulation(ctx context.Context, speed float64, scope Scope) error {
	return nil
}
func (f *fakeHandler) DisableSimulation(ctx context.Context, scope Scope) error { return nil }

func (f *fakeHandler) QueryStatus(ctx context.Context, processID string) (StatusReport, error) {
	return f.statusReport, f.statusErr
}

func (f *fakeHandler) ConfigureLab(ctx context.Context, doc labconfig.Document) (ConfigureLabResponse, error) {
	if f.configureErr != nil {
		return ConfigureLabResponse{}, f.configureErr
	}
	return ConfigureLabResponse{AddedDevices: []string{"reader1"}}, nil
}

func newTestServer(t *testing.T, h *fakeHandler) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(h, NewHub())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit_process", s.handleSubmitProcess)
	mux.HandleFunc("POST /pause", s.handlePause)
	mux.HandleFunc("GET /query_status", s.handleQueryStatus)
	mux.HandleFunc("POST /configure_lab", s.handleConfigureLab)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	wrapped := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r.WithContext(ctxlog.WithLogger(r.Context(), logger)))
	})

	ts := httptest.NewServer(wrapped)
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSubmitProcess_ReturnsProcessID(t *testing.T) {
	h := &fakeHandler{}
	_, ts := newTestServer(t, h)

	resp := postJSON(t, ts, "/submit_process", SubmitProcessRequest{Name: "plate-wash"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out SubmitProcessResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "p-1", out.ProcessID)
	assert.Equal(t, 1, h.submitCalls)
}

func TestSubmitProcess_IdempotencyKeyDedupesRetries(t *testing.T) {
	h := &fakeHandler{}
	_, ts := newTestServer(t, h)

	req := SubmitProcessRequest{Idempotent: Idempotent{IdempotencyKey: "retry-1"}, Name: "plate-wash"}
	resp1 := postJSON(t, ts, "/submit_process", req)
	resp2 := postJSON(t, ts, "/submit_process", req)

	var out1, out2 SubmitProcessResponse
	require.NoError(t, json.NewDecoder(resp1.Body).Decode(&out1))
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&out2))

	assert.Equal(t, out1.ProcessID, out2.ProcessID)
	assert.Equal(t, 1, h.submitCalls, "the handler must run exactly once for a repeated idempotency key")
}

func TestPause_ConfigErrorMapsTo400(t *testing.T) {
	h := &fakeHandler{pauseErr: faults.Newf(faults.ConfigError, "bad scope")}
	_, ts := newTestServer(t, h)

	resp := postJSON(t, ts, "/pause", ScopeRequest{Scope: Scope{Global: true}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPause_StateConflictMapsTo409(t *testing.T) {
	h := &fakeHandler{pauseErr: faults.Newf(faults.StateConflict, "already paused")}
	_, ts := newTestServer(t, h)

	resp := postJSON(t, ts, "/pause", ScopeRequest{Scope: Scope{Global: true}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestQueryStatus_ReturnsReport(t *testing.T) {
	h := &fakeHandler{statusReport: StatusReport{Processes: []ProcessStatus{
		{ProcessID: "p-1", Steps: []StepStatus{{StepID: "op.read", ProcessID: "p-1", State: executor.StepRunning}}},
	}}}
	_, ts := newTestServer(t, h)

	resp, err := http.Get(ts.URL + "/query_status?process_id=p-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Processes, 1)
	assert.Equal(t, executor.StepRunning, out.Processes[0].Steps[0].State)
}

func TestConfigureLab_ReturnsAddedDevices(t *testing.T) {
	h := &fakeHandler{}
	_, ts := newTestServer(t, h)

	resp := postJSON(t, ts, "/configure_lab", ConfigureLabRequest{Document: labconfig.Document{}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ConfigureLabResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, []string{"reader1"}, out.AddedDevices)
}
