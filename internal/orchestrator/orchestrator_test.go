package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/breeze-rmm/meetbot/internal/auth"
	"github.com/breeze-rmm/meetbot/internal/browser"
	"github.com/breeze-rmm/meetbot/internal/browser/browsertest"
	"github.com/breeze-rmm/meetbot/internal/capture"
	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/join"
	"github.com/breeze-rmm/meetbot/internal/media"
	"github.com/breeze-rmm/meetbot/internal/metrics"
	"github.com/breeze-rmm/meetbot/internal/selectors"
	"github.com/breeze-rmm/meetbot/internal/sink"
	"github.com/breeze-rmm/meetbot/internal/storage"
)

var catalog = selectors.Default()

func role(r selectors.Role) selectors.Strategy {
	return catalog.Strategies(r)[0]
}

type fakeOpener struct {
	page     *browsertest.Page
	err      error
	mu       sync.Mutex
	sessions []*browser.Session
	perms    []browser.Permission
}

func (f *fakeOpener) Open(_ context.Context, target string, perms []browser.Permission) (*browser.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := f.page.Session(target)
	f.sessions = append(f.sessions, sess)
	f.perms = perms
	return sess, nil
}

func (f *fakeOpener) session(t *testing.T) *browser.Session {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) != 1 {
		t.Fatalf("opened %d sessions, want 1", len(f.sessions))
	}
	return f.sessions[0]
}

type fakeAuth struct {
	err   error
	creds auth.Credentials
}

func (f *fakeAuth) Authenticate(_ context.Context, sess *browser.Session, creds auth.Credentials) error {
	f.creds = creds
	sess.SetState(browser.StateAuthenticating)
	return f.err
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Identity = config.IdentityConfig{Email: "bot@example.com", Password: "hunter2"}
	cfg.Join.PollInterval = 2 * time.Millisecond
	cfg.Join.Deadline = 2 * time.Second
	cfg.Join.WaitingTimeout = time.Second
	cfg.Run.MinDuration = 10 * time.Millisecond
	cfg.Run.LeaveTimeout = 100 * time.Millisecond
	cfg.Capture.StopGrace = time.Second
	return cfg
}

type harness struct {
	orch   *Orchestrator
	opener *fakeOpener
	auth   *fakeAuth
	store  string
}

func newHarness(t *testing.T, cfg *config.Config, page *browsertest.Page) *harness {
	t.Helper()
	store := filepath.Join(t.TempDir(), "artifacts")
	h := &harness{opener: &fakeOpener{page: page}, auth: &fakeAuth{}, store: store}
	h.orch = New(cfg, Deps{
		Sessions:    h.opener,
		Auth:        h.auth,
		Joiner:      join.NewMachine(cfg.Join, catalog),
		Media:       media.NewAdapter(catalog),
		Capture:     capture.NewPipeline(cfg.Capture),
		Sink:        sink.New(storage.NewLocalProvider(store), nil, cfg.Storage, cfg.Transcription),
		Credentials: ConfigCredentials(cfg.Identity),
		Catalog:     catalog,
		Metrics:     metrics.New(),
	})
	return h
}

// askToJoinMeeting scripts a lobby that needs host approval, granted after
// a short delay.
func askToJoinMeeting(admitAfter time.Duration) *browsertest.Page {
	page := browsertest.New()
	page.OnNavigate(func(p *browsertest.Page, url string) {
		p.Show(role(selectors.RoleAskToJoin), role(selectors.RoleMuteMicrophone), role(selectors.RoleDisableCamera))
	})
	page.OnClick(role(selectors.RoleAskToJoin), func(p *browsertest.Page) {
		p.HideAll()
		p.Show(role(selectors.RoleAwaitingEntry))
		time.AfterFunc(admitAfter, func() {
			p.HideAll()
			p.Show(role(selectors.RoleInSession))
		})
	})
	return page
}

func recording(d time.Duration) map[string]any {
	return map[string]any{
		"complete":   true,
		"data":       base64.StdEncoding.EncodeToString([]byte("opus-frames")),
		"mimeType":   "audio/webm",
		"durationMs": float64(d.Milliseconds()),
		"chunks":     int(d / time.Second),
	}
}

func TestRunAskToJoinScenario(t *testing.T) {
	page := askToJoinMeeting(20 * time.Millisecond)
	page.EvaluateReturns(recording(150 * time.Millisecond))
	h := newHarness(t, testConfig(t), page)

	yes := true
	res := h.orch.Run(context.Background(), "run-1", Request{
		MeetingID: "abc-defg-hij", Duration: 150 * time.Millisecond,
		MuteMicrophone: &yes, DisableCamera: &yes,
	}, nil)

	if res.Status != StatusJoined {
		t.Fatalf("Status = %s, failure = %+v", res.Status, res.Failure)
	}
	if res.MeetingURL != "https://meet.google.com/abc-defg-hij" || res.EffectiveDurationMs != 150 {
		t.Fatalf("url=%s effective=%d", res.MeetingURL, res.EffectiveDurationMs)
	}
	if res.JoinedAt.IsZero() {
		t.Fatal("JoinedAt not set")
	}
	if res.Join.SubmittedVia != join.StateAskToJoinAvailable {
		t.Fatalf("SubmittedVia = %s", res.Join.SubmittedVia)
	}
	if res.Media == nil || res.Media.Toggles() != 2 || res.MediaError != "" {
		t.Fatalf("media = %+v (%s), want 2 toggles", res.Media, res.MediaError)
	}
	if res.Capture == nil || res.Capture.Failure != nil {
		t.Fatalf("capture = %+v", res.Capture)
	}
	if got := res.Capture.DurationMs; got != 150 {
		t.Fatalf("capture duration = %dms, want 150", got)
	}
	data, err := os.ReadFile(filepath.Join(h.store, filepath.FromSlash(res.Capture.Key)))
	if err != nil || len(data) == 0 {
		t.Fatalf("stored artifact = %q, %v", data, err)
	}

	sess := h.opener.session(t)
	if sess.Teardowns() != 1 {
		t.Fatalf("Teardowns = %d, want 1", sess.Teardowns())
	}
	if page.ClickCount(role(selectors.RoleLeaveCall)) != 1 {
		t.Fatal("leave control should be clicked once")
	}
	if len(h.opener.perms) != 3 {
		t.Fatalf("permissions = %v", h.opener.perms)
	}
	if !h.auth.creds.Secret.IsZeroed() {
		t.Fatal("credentials must be zeroed after authentication")
	}
}

func TestRunJoinDeadlineTearsDownOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.Join.Deadline = 50 * time.Millisecond
	cfg.Join.UnrecognizedLimit = 1000
	h := newHarness(t, cfg, browsertest.New())

	res := h.orch.Run(context.Background(), "run-2", Request{MeetingID: "abc-defg-hij"}, nil)

	if res.Status != StatusFailed || res.Failure == nil || res.Failure.Code != CodeJoinDeadlineExceeded {
		t.Fatalf("result = %s %+v", res.Status, res.Failure)
	}
	if res.Capture != nil {
		t.Fatal("capture must not run after a failed join")
	}
	if n := h.opener.session(t).Teardowns(); n != 1 {
		t.Fatalf("Teardowns = %d, want 1", n)
	}
}

func TestRunCaptureFailureKeepsJoinSuccess(t *testing.T) {
	page := askToJoinMeeting(time.Millisecond)
	page.EvaluateReturns(map[string]any{"error": "empty_capture", "chunks": 0})
	h := newHarness(t, testConfig(t), page)

	res := h.orch.Run(context.Background(), "run-3", Request{MeetingID: "abc-defg-hij", Duration: 20 * time.Millisecond}, nil)

	if res.Status != StatusJoined || res.Failure != nil {
		t.Fatalf("result = %s %+v, want joined", res.Status, res.Failure)
	}
	if res.Capture == nil || res.Capture.Failure == nil || res.Capture.Failure.Code != CodeEmptyCapture {
		t.Fatalf("capture = %+v, want empty capture failure", res.Capture)
	}
}

func TestRunCaptureFailureStaysForDuration(t *testing.T) {
	page := askToJoinMeeting(time.Millisecond)
	page.EvaluateReturns(map[string]any{"error": "permission_denied", "message": "mic blocked"})
	h := newHarness(t, testConfig(t), page)

	const stay = 250 * time.Millisecond
	res := h.orch.Run(context.Background(), "run-3b", Request{MeetingID: "abc-defg-hij", Duration: stay}, nil)

	if res.Status != StatusJoined {
		t.Fatalf("result = %s %+v, want joined", res.Status, res.Failure)
	}
	if res.Capture == nil || res.Capture.Failure == nil || res.Capture.Failure.Code != CodePermissionDenied {
		t.Fatalf("capture = %+v, want permission denied", res.Capture)
	}
	if inCall := res.FinishedAt.Sub(res.JoinedAt); inCall < stay {
		t.Fatalf("left the call after %s, want at least %s", inCall, stay)
	}
	if page.ClickCount(role(selectors.RoleLeaveCall)) != 1 {
		t.Fatal("leave control should be clicked once after the stay")
	}
}

func recordSpans(h *harness) *tracetest.SpanRecorder {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	h.orch.deps.Tracer = tp.Tracer(TracerName)
	return rec
}

func spanNames(rec *tracetest.SpanRecorder) ([]string, map[string]codes.Code) {
	var names []string
	status := make(map[string]codes.Code)
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
		status[s.Name()] = s.Status().Code
	}
	return names, status
}

func TestRunRecordsPhaseSpans(t *testing.T) {
	page := askToJoinMeeting(time.Millisecond)
	page.EvaluateReturns(map[string]any{"error": "empty_capture", "chunks": 0})
	h := newHarness(t, testConfig(t), page)
	rec := recordSpans(h)

	res := h.orch.Run(context.Background(), "run-span", Request{MeetingID: "abc-defg-hij", Duration: 20 * time.Millisecond}, nil)
	if res.Status != StatusJoined {
		t.Fatalf("result = %s %+v", res.Status, res.Failure)
	}

	names, status := spanNames(rec)
	want := []string{"session.open", "auth", "navigate", "join", "capture", "leave", "meeting.run"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("spans = %v, want %v", names, want)
	}
	if status["capture"] != codes.Error {
		t.Fatalf("capture span status = %v, want error", status["capture"])
	}
	for _, name := range []string{"session.open", "auth", "navigate", "join", "meeting.run"} {
		if status[name] == codes.Error {
			t.Fatalf("%s span should not carry an error", name)
		}
	}
}

func TestRunJoinFailureMarksSpans(t *testing.T) {
	cfg := testConfig(t)
	cfg.Join.Deadline = 30 * time.Millisecond
	cfg.Join.UnrecognizedLimit = 1000
	h := newHarness(t, cfg, browsertest.New())
	rec := recordSpans(h)

	res := h.orch.Run(context.Background(), "run-span-2", Request{MeetingID: "abc-defg-hij"}, nil)
	if res.Status != StatusFailed {
		t.Fatalf("Status = %s", res.Status)
	}

	names, status := spanNames(rec)
	want := []string{"session.open", "auth", "navigate", "join", "meeting.run"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("spans = %v, want %v", names, want)
	}
	if status["join"] != codes.Error || status["meeting.run"] != codes.Error {
		t.Fatalf("join=%v run=%v, want both error", status["join"], status["meeting.run"])
	}
}

func TestRunSessionInitFailure(t *testing.T) {
	h := newHarness(t, testConfig(t), browsertest.New())
	h.opener.err = &browser.SessionInitError{Step: "launch", Err: errors.New("chrome not found")}

	res := h.orch.Run(context.Background(), "run-4", Request{MeetingID: "abc-defg-hij"}, nil)
	if res.Status != StatusFailed || res.Failure.Code != CodeSessionInit {
		t.Fatalf("result = %s %+v", res.Status, res.Failure)
	}
}

func TestRunAuthFailureTearsDown(t *testing.T) {
	h := newHarness(t, testConfig(t), browsertest.New())
	h.auth.err = auth.ErrSecretFieldNotFound

	res := h.orch.Run(context.Background(), "run-5", Request{MeetingID: "abc-defg-hij"}, nil)
	if res.Status != StatusFailed || res.Failure.Code != CodeSecretFieldNotFound {
		t.Fatalf("result = %s %+v", res.Status, res.Failure)
	}
	if n := h.opener.session(t).Teardowns(); n != 1 {
		t.Fatalf("Teardowns = %d, want 1", n)
	}
}

func TestRunInvalidRequest(t *testing.T) {
	h := newHarness(t, testConfig(t), browsertest.New())
	res := h.orch.Run(context.Background(), "run-6", Request{MeetingLink: "https://zoom.us/j/1"}, nil)
	if res.Status != StatusFailed || res.Failure.Code != CodeInvalidRequest {
		t.Fatalf("result = %s %+v", res.Status, res.Failure)
	}
	if len(h.opener.sessions) != 0 {
		t.Fatal("no session should be opened for an invalid request")
	}
}

func TestRunCancelledWhileInCall(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.Enabled = false
	page := askToJoinMeeting(time.Millisecond)
	h := newHarness(t, cfg, page)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var statuses []Status
	res := h.orch.Run(ctx, "run-7", Request{MeetingID: "abc-defg-hij", Duration: time.Hour}, func(r *RunResult) {
		statuses = append(statuses, r.Status)
		if r.Join != nil {
			cancel()
		}
	})

	if res.Status != StatusCancelled || res.Failure.Code != CodeCancelled {
		t.Fatalf("result = %s %+v", res.Status, res.Failure)
	}
	if res.Join == nil {
		t.Fatal("join outcome should be kept on cancellation")
	}
	if len(statuses) == 0 || statuses[0] != StatusRunning {
		t.Fatalf("progress statuses = %v", statuses)
	}
	if n := h.opener.session(t).Teardowns(); n != 1 {
		t.Fatalf("Teardowns = %d, want 1", n)
	}
	if page.ClickCount(role(selectors.RoleLeaveCall)) != 1 {
		t.Fatal("leave should still be attempted after cancellation")
	}
}

func TestFailureFrom(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{&join.FailedError{Reason: join.ReasonApprovalDenied}, CodeApprovalDenied},
		{&join.FailedError{Reason: join.ReasonUnrecognizedStateLimit}, CodeUnrecognizedStateLimit},
		{capture.ErrPermissionDenied, CodePermissionDenied},
		{auth.ErrNavigationTimeout, CodeNavigationTimeout},
		{&browser.SessionInitError{Step: "grant", Err: errors.New("x")}, CodeSessionInit},
		{browser.ErrSessionClosed, CodeAutomationFault},
		{errors.New("target crashed"), CodeAutomationFault},
	}
	for _, tt := range tests {
		if got := FailureFrom(tt.err); got.Code != tt.code {
			t.Errorf("FailureFrom(%v).Code = %s, want %s", tt.err, got.Code, tt.code)
		}
	}
	if FailureFrom(nil) != nil {
		t.Fatal("nil error should have no failure")
	}
}
