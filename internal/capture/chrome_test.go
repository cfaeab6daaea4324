package capture

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/breeze-rmm/meetbot/internal/browser"
	"github.com/breeze-rmm/meetbot/internal/config"
)

// webmMagic is the EBML header every WebM container starts with.
var webmMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// chromeSession opens a real browser on a local page. MEETBOT_CHROME enables
// it and may name the Chrome binary.
func chromeSession(t *testing.T) *browser.Session {
	t.Helper()
	bin := os.Getenv("MEETBOT_CHROME")
	if bin == "" {
		t.Skip("MEETBOT_CHROME not set")
	}
	cfg := config.Default().Browser
	cfg.NoSandbox = true
	cfg.FakeMediaDevice = true
	if bin != "1" {
		cfg.ExecPath = bin
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<!doctype html><title>call</title><p>in call</p>"))
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	sess, err := browser.NewManager(cfg).Open(ctx, srv.URL, browser.MeetingPermissions)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	if err := sess.Page().Navigate(ctx, srv.URL); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	sess.SetState(browser.StateJoined)
	return sess
}

func TestCaptureInChromeWaitsForStop(t *testing.T) {
	sess := chromeSession(t)
	p := NewPipeline(config.CaptureConfig{
		Enabled:   true,
		MIMEType:  "audio/webm",
		Timeslice: 250 * time.Millisecond,
		StopGrace: 10 * time.Second,
	})

	const d = 2 * time.Second
	a, err := p.Capture(context.Background(), sess, d)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if a.Duration < d {
		t.Fatalf("Duration = %s, want at least %s", a.Duration, d)
	}
	if a.Chunks < 2 {
		t.Fatalf("Chunks = %d, want several timeslices", a.Chunks)
	}
	if !strings.HasPrefix(a.MIMEType, "audio/webm") {
		t.Fatalf("MIMEType = %q", a.MIMEType)
	}
	if !bytes.HasPrefix(a.Data, webmMagic) {
		t.Fatalf("artifact does not start with a WebM header: % x", a.Data[:min(len(a.Data), 8)])
	}
}

func TestCaptureInChromeLeavesNoGlobals(t *testing.T) {
	sess := chromeSession(t)
	ctx := context.Background()

	var before []string
	if err := sess.Page().Evaluate(ctx, "Object.keys(window)", &before); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	p := NewPipeline(config.CaptureConfig{Enabled: true, MIMEType: "audio/webm", Timeslice: 100 * time.Millisecond, StopGrace: 10 * time.Second})
	if _, err := p.Capture(ctx, sess, 500*time.Millisecond); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	var after []string
	if err := sess.Page().Evaluate(ctx, "Object.keys(window)", &after); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("window keys changed from %d to %d", len(before), len(after))
	}
}
