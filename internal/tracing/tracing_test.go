package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/breeze-rmm/meetbot/internal/config"
)

func TestSetupNoneLeavesNoProvider(t *testing.T) {
	p, err := Setup(context.Background(), config.TracingConfig{Exporter: "none"}, "test", nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if p.Exporter() != "none" {
		t.Fatalf("Exporter = %s", p.Exporter())
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSetupStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	p, err := Setup(context.Background(), config.TracingConfig{Exporter: "stdout", SampleRate: 1}, "1.2.3", &buf)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	_, span := p.Tracer("test").Start(context.Background(), "meeting.run")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "meeting.run") {
		t.Fatalf("exported output missing span name: %s", out)
	}
	if !strings.Contains(out, "1.2.3") {
		t.Fatalf("exported output missing service version: %s", out)
	}
}

func TestSetupUnknownExporterFails(t *testing.T) {
	if _, err := Setup(context.Background(), config.TracingConfig{Exporter: "zipkin"}, "test", nil); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNilProviderFallsBack(t *testing.T) {
	var p *Provider
	if p.Tracer("x") == nil {
		t.Fatal("nil provider should hand out the global tracer")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
