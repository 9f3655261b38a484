package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/grant-scout/internal/clock/manual"
	"github.com/JakeFAU/grant-scout/internal/grant"
	"github.com/JakeFAU/grant-scout/internal/monitor"
	"github.com/JakeFAU/grant-scout/internal/registry"
	"github.com/JakeFAU/grant-scout/internal/scheduler"
	"github.com/JakeFAU/grant-scout/internal/storage/memory"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeScheduler struct {
	mu        sync.Mutex
	triggered []string
	triggerFn func(id string) (string, error)
	allIDs    []string
	allErr    error
	running   map[string]bool
	cancelled []string
}

func (f *fakeScheduler) TriggerSource(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, id)
	if f.triggerFn != nil {
		return f.triggerFn(id)
	}
	return "job-" + id, nil
}

func (f *fakeScheduler) TriggerAll(_ context.Context) ([]string, error) {
	return f.allIDs, f.allErr
}

func (f *fakeScheduler) Running(sourceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[sourceID]
}

func (f *fakeScheduler) Cancel(sourceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[sourceID] {
		return false
	}
	f.cancelled = append(f.cancelled, sourceID)
	delete(f.running, sourceID)
	return true
}

type harness struct {
	server *Server
	sched  *fakeScheduler
	store  *memory.Store
	reg    *registry.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	clk := manual.New(now)
	reg := registry.New(store, clk, zap.NewNop(), 3)
	require.NoError(t, reg.Seed(context.Background(), []grant.SourceDefinition{
		{ID: "nih", Name: "NIH", URL: "https://nih.example.gov", Type: "government", Engine: "static", Frequency: "daily", Selectors: grant.Selectors{Item: "tr", Title: "td a"}},
		{ID: "gates", Name: "Gates", URL: "https://gates.example.org", Type: "foundation", Engine: "browser", Frequency: "weekly", Selectors: grant.Selectors{Item: ".card", Title: "h3"}},
	}))
	sched := &fakeScheduler{running: map[string]bool{}}
	srv := NewServer(Deps{
		Scheduler: sched,
		Sources:   reg,
		Jobs:      store,
		Monitor:   monitor.New(reg, store, clk),
		Logger:    zap.NewNop(),
	}, time.Second)
	return &harness{server: srv, sched: sched, store: store, reg: reg}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestTriggerSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/trigger", `{"sourceId":"nih"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "job-nih", body["jobId"])
	require.Equal(t, []string{"nih"}, h.sched.triggered)
}

func TestTriggerAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sched.allIDs = []string{"j1", "j2"}
	rec := h.do(t, http.MethodPost, "/v1/trigger", `{"triggerAll":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"jobIds":["j1","j2"]}`, rec.Body.String())

	h.sched.allIDs = nil
	rec = h.do(t, http.MethodPost, "/v1/trigger", `{"triggerAll":true}`)
	require.JSONEq(t, `{"jobIds":[]}`, rec.Body.String())
}

func TestTriggerErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{name: "invalid json", body: `{"sourceId":`, status: http.StatusBadRequest, code: codeBadRequest},
		{name: "empty", body: `{}`, status: http.StatusBadRequest, code: codeBadRequest},
		{name: "both", body: `{"sourceId":"nih","triggerAll":true}`, status: http.StatusBadRequest, code: codeBadRequest},
		{name: "unknown", body: `{"sourceId":"x"}`, err: &grant.NotFoundError{Kind: "source", ID: "x"}, status: http.StatusNotFound, code: codeNotFound},
		{name: "busy", body: `{"sourceId":"x"}`, err: &grant.SourceBusyError{SourceID: "x"}, status: http.StatusConflict, code: codeSourceBusy},
		{name: "disabled", body: `{"sourceId":"x"}`, err: fmt.Errorf("trigger x: %w", grant.ErrSourceDisabled), status: http.StatusConflict, code: codeSourceDisabled},
		{name: "stopped", body: `{"sourceId":"x"}`, err: scheduler.ErrStopped, status: http.StatusServiceUnavailable, code: codeUnavailable},
		{name: "internal", body: `{"sourceId":"x"}`, err: errors.New("db down"), status: http.StatusInternalServerError, code: codeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.sched.triggerFn = func(string) (string, error) { return "", tc.err }
			rec := h.do(t, http.MethodPost, "/v1/trigger", tc.body)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.code, decodeError(t, rec).Code)
		})
	}
}

func TestStatusIncludesRunningAndLastJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CreateJob(ctx, grant.Job{ID: "j1", SourceID: "nih", Status: grant.JobPending, CreatedAt: now.Add(-time.Hour)}))
	finished := now.Add(-50 * time.Minute)
	require.NoError(t, h.store.CompleteJob(ctx, grant.Job{ID: "j1", Status: grant.JobFailed, FinishedAt: &finished, Error: "boom"}))
	h.sched.running["gates"] = true

	rec := h.do(t, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sources []struct {
			ID            string `json:"id"`
			Flagged       bool   `json:"flagged"`
			LastJobID     string `json:"lastJobId"`
			LastJobStatus string `json:"lastJobStatus"`
			Running       bool   `json:"running"`
		} `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sources, 2)
	require.Equal(t, "gates", body.Sources[0].ID)
	require.True(t, body.Sources[0].Running)
	require.Equal(t, "nih", body.Sources[1].ID)
	require.Equal(t, "j1", body.Sources[1].LastJobID)
	require.Equal(t, string(grant.JobFailed), body.Sources[1].LastJobStatus)
}

func TestDashboardTimeRange(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/v1/dashboard", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var d monitor.Dashboard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	require.Equal(t, 2, d.ActiveSources)
	require.Zero(t, d.SuccessRate)
	require.Equal(t, 24*time.Hour, d.To.Sub(d.From))

	rec = h.do(t, http.MethodGet, "/v1/dashboard?timeRange=30d", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/dashboard?timeRange=1y", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, codeInvalidTimeRange, decodeError(t, rec).Code)
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.store.CreateJob(context.Background(), grant.Job{ID: "j1", SourceID: "nih", Status: grant.JobPending, CreatedAt: now}))

	rec := h.do(t, http.MethodGet, "/v1/jobs/j1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"sourceId":"nih"`)

	rec = h.do(t, http.MethodGet, "/v1/jobs/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, codeNotFound, decodeError(t, rec).Code)
}

func TestSetSourceStatusAbortsRunningJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sched.running["nih"] = true

	rec := h.do(t, http.MethodPut, "/v1/sources/nih/status", `{"status":"paused"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"sourceId":"nih","status":"paused","abortedJob":true}`, rec.Body.String())
	require.Equal(t, []string{"nih"}, h.sched.cancelled)

	src, err := h.reg.Get(context.Background(), "nih")
	require.NoError(t, err)
	require.Equal(t, grant.SourcePaused, src.Status)

	rec = h.do(t, http.MethodPut, "/v1/sources/nih/status", `{"status":"active"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.sched.cancelled, 1)
}

func TestSetSourceStatusErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodPut, "/v1/sources/nih/status", `{"status":"archived"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPut, "/v1/sources/nih/status", `nope`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPut, "/v1/sources/zzz/status", `{"status":"disabled"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, h.sched.cancelled)
}

func TestProbes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/readyz", "").Code)

	h.server.ready = func(context.Context) error { return errors.New("database unreachable") }
	rec := h.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "database unreachable", decodeError(t, rec).Message)

	rec = h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, codeInternal, decodeError(t, rec).Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	handler.ServeHTTP(rec, req)
	require.Equal(t, "req-123", seen)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}
