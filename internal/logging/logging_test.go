package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("join")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("joined", "meeting", "abc-defg-hij")

	out := buf.String()
	if !strings.Contains(out, "msg=joined") {
		t.Fatalf("expected plain joined message, got: %s", out)
	}
	if !strings.Contains(out, "component=join") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "meeting=abc-defg-hij") {
		t.Fatalf("expected meeting field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("capture")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormatAndRunCorrelation(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)

	WithRun(L("orchestrator"), "run-1", "abc-defg-hij").Debug("phase done")

	out := buf.String()
	for _, want := range []string{`"runId":"run-1"`, `"meetingId":"abc-defg-hij"`, `"component":"orchestrator"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}

func TestSensitiveKeysAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)

	L("auth").Info("login", "password", "hunter2", "apiKey", "k-123", "email", "bot@example.com")

	out := buf.String()
	if strings.Contains(out, "hunter2") || strings.Contains(out, "k-123") {
		t.Fatalf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, "email=bot@example.com") {
		t.Fatalf("non-sensitive field missing: %s", out)
	}
}

func TestContextRoundTrip(t *testing.T) {
	logger := L("agent")
	ctx := NewContext(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Fatal("FromContext did not return the stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without logger should fall back to default")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		"WARNING": "WARN",
		" error ": "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for in, want := range tests {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "meetbot.log")
	rw, err := newRotatingWriter(path, 64, 2)
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer rw.Close()

	line := []byte(strings.Repeat("x", 40) + "\n")
	for i := 0; i < 5; i++ {
		if _, err := rw.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if rw.Rotations() == 0 {
		t.Fatal("expected at least one rotation")
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected backup .1: %v", err)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("expected no backup beyond maxBackups, stat err = %v", err)
	}
}

func TestOutputWithoutFileUsesStdout(t *testing.T) {
	w, closer, err := Output("", 0, 0, false)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if w != os.Stdout || closer != nil {
		t.Fatalf("expected stdout and nil closer, got %T %v", w, closer)
	}
}
