package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RunStarted()
	m.RunFinished("joined")
	m.JoinCompleted(time.Second, 3)
	m.CaptureSucceeded(10)
	m.CaptureFailed("empty_capture")
	m.MediaToggle("camera", "toggled")
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}

func TestRunCounters(t *testing.T) {
	m := New()
	m.RunStarted()
	m.RunStarted()
	m.RunFinished("joined")

	if got := testutil.ToFloat64(m.runsStarted); got != 2 {
		t.Fatalf("runs_started_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.runsActive); got != 1 {
		t.Fatalf("runs_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.runsFinished.WithLabelValues("joined")); got != 1 {
		t.Fatalf("runs_finished_total{joined} = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.MediaToggle("microphone", "absent")
	m.CaptureFailed("permission_denied")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		`meetbot_media_toggles_total{control="microphone",outcome="absent"} 1`,
		`meetbot_capture_failures_total{reason="permission_denied"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
