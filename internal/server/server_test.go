package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/breeze-rmm/meetbot/internal/agent"
	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/health"
	"github.com/breeze-rmm/meetbot/internal/orchestrator"
)

type fakeRuns struct {
	cfg      *config.Config
	submit   error
	requests []orchestrator.Request
	runs     map[string]*orchestrator.RunResult
	monitor  *health.Monitor
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{
		cfg:     config.Default(),
		runs:    make(map[string]*orchestrator.RunResult),
		monitor: health.NewMonitor(),
	}
}

func (f *fakeRuns) Submit(req orchestrator.Request) (*orchestrator.RunResult, error) {
	if f.submit != nil {
		return nil, f.submit
	}
	plan, err := orchestrator.Resolve(f.cfg, req)
	if err != nil {
		return nil, err
	}
	f.requests = append(f.requests, req)
	res := &orchestrator.RunResult{ID: "run-1", MeetingID: plan.MeetingID, MeetingURL: plan.MeetingURL, Status: orchestrator.StatusQueued}
	f.runs[res.ID] = res
	return res, nil
}

func (f *fakeRuns) RunSync(_ context.Context, req orchestrator.Request) (*orchestrator.RunResult, error) {
	res, err := f.Submit(req)
	if err != nil {
		return nil, err
	}
	res.Status = orchestrator.StatusJoined
	return res, nil
}

func (f *fakeRuns) Cancel(id string) (*orchestrator.RunResult, error) {
	res, ok := f.runs[id]
	if !ok {
		return nil, agent.ErrNotFound
	}
	if res.Status.Terminal() {
		return nil, agent.ErrFinished
	}
	return res, nil
}

func (f *fakeRuns) Status(id string) (*orchestrator.RunResult, error) {
	if res, ok := f.runs[id]; ok {
		return res, nil
	}
	return nil, agent.ErrNotFound
}

func (f *fakeRuns) List(limit int) ([]*orchestrator.RunResult, error) {
	var out []*orchestrator.RunResult
	for _, r := range f.runs {
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRuns) HealthMonitor() *health.Monitor { return f.monitor }

func newServer(t *testing.T, apiKey string) (*Server, *fakeRuns) {
	t.Helper()
	cfg := config.Default()
	cfg.APIKey = apiKey
	runs := newFakeRuns()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("# metrics\n")) })
	return New(cfg, runs, metrics), runs
}

func do(s *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestJoinMeetingAccepted(t *testing.T) {
	s, runs := newServer(t, "")
	rec := do(s, http.MethodPost, "/api/v1/join-meeting",
		`{"meetingLink":"https://meet.google.com/abc-defg-hij","duration":60000,"audioMuted":false}`, nil)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/api/v1/runs/run-1" {
		t.Fatalf("Location = %q", loc)
	}
	var res orchestrator.RunResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.MeetingID != "abc-defg-hij" || res.Status != orchestrator.StatusQueued {
		t.Fatalf("result = %+v", res)
	}
	req := runs.requests[0]
	if req.Duration.Milliseconds() != 60000 || req.MuteMicrophone == nil || *req.MuteMicrophone {
		t.Fatalf("request = %+v", req)
	}
}

func TestJoinMeetingWait(t *testing.T) {
	s, _ := newServer(t, "")
	rec := do(s, http.MethodPost, "/api/v1/join-meeting", `{"meetingId":"abc-defg-hij","wait":true}`, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"joined"`) {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestJoinMeetingValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"meetingId":`},
		{"wrong type", `{"meetingId":"abc","duration":"long"}`},
		{"missing meeting", `{}`},
		{"foreign link", `{"meetingLink":"https://example.com/abc"}`},
		{"negative duration", `{"meetingId":"abc","duration":-5}`},
	}
	s, _ := newServer(t, "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, http.MethodPost, "/api/v1/join-meeting", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if decodeError(t, rec) == "" {
				t.Fatal("error message missing")
			}
		})
	}
}

func TestJoinMeetingQueueFull(t *testing.T) {
	s, runs := newServer(t, "")
	runs.submit = agent.ErrBusy
	rec := do(s, http.MethodPost, "/api/v1/join-meeting", `{"meetingId":"abc"}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestLegacyJoin(t *testing.T) {
	s, _ := newServer(t, "")

	rec := do(s, http.MethodGet, "/join-meet", "", nil)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec) != "Missing 'meetId' in query parameters." {
		t.Fatalf("missing meetId: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(s, http.MethodGet, "/join-meet?meetId=abc-defg-hij", "", nil)
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"runId":"run-1"`) {
		t.Fatalf("join-meet: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRunEndpoints(t *testing.T) {
	s, runs := newServer(t, "")
	runs.runs["active"] = &orchestrator.RunResult{ID: "active", Status: orchestrator.StatusRunning}
	runs.runs["done"] = &orchestrator.RunResult{ID: "done", Status: orchestrator.StatusJoined}

	tests := []struct {
		method, target string
		want           int
	}{
		{http.MethodGet, "/api/v1/runs", http.StatusOK},
		{http.MethodGet, "/api/v1/runs?limit=0", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/runs/active", http.StatusOK},
		{http.MethodGet, "/api/v1/runs/missing", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/runs/active", http.StatusAccepted},
		{http.MethodDelete, "/api/v1/runs/done", http.StatusConflict},
		{http.MethodDelete, "/api/v1/runs/missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := do(s, tt.method, tt.target, "", nil); rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.target, rec.Code, tt.want, rec.Body.String())
		}
	}
}

func TestAPIKey(t *testing.T) {
	s, _ := newServer(t, "s3cret")

	if rec := do(s, http.MethodGet, "/api/v1/runs", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key = %d, want 401", rec.Code)
	}
	if rec := do(s, http.MethodGet, "/api/v1/runs", "", map[string]string{"X-API-Key": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key = %d, want 401", rec.Code)
	}
	if rec := do(s, http.MethodGet, "/api/v1/runs", "", map[string]string{"X-API-Key": "s3cret"}); rec.Code != http.StatusOK {
		t.Fatalf("valid key = %d, want 200", rec.Code)
	}
	if rec := do(s, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz should not require a key, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s, runs := newServer(t, "")
	runs.monitor.Update(health.ComponentHost, health.Healthy, "")
	if rec := do(s, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthy = %d", rec.Code)
	}
	runs.monitor.Update(health.ComponentBrowser, health.Unhealthy, "chrome missing")
	rec := do(s, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"browser":"unhealthy"`) {
		t.Fatalf("unhealthy = %d %s", rec.Code, rec.Body.String())
	}

	if rec := do(s, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK || rec.Body.String() != "# metrics\n" {
		t.Fatalf("metrics = %d %q", rec.Code, rec.Body.String())
	}
}
