package orchestrator

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/logging"
)

func TestResolve(t *testing.T) {
	cfg := config.Default()
	yes := true
	tests := []struct {
		name    string
		req     Request
		wantURL string
		wantDur time.Duration
		wantErr bool
	}{
		{"bare code", Request{MeetingID: "abc-defg-hij", Duration: time.Minute}, "https://meet.google.com/abc-defg-hij", time.Minute, false},
		{"code is lowercased", Request{MeetingID: " ABC-DEFG-HIJ "}, "https://meet.google.com/abc-defg-hij", time.Hour, false},
		{"link", Request{MeetingLink: "https://meet.google.com/xyz-abcd-efg"}, "https://meet.google.com/xyz-abcd-efg", time.Hour, false},
		{"link wins over id", Request{MeetingID: "ignored", MeetingLink: "https://meet.google.com/aaa-bbbb-ccc"}, "https://meet.google.com/aaa-bbbb-ccc", time.Hour, false},
		{"short duration clamped up", Request{MeetingID: "abc", Duration: time.Second}, "https://meet.google.com/abc", time.Minute, false},
		{"long duration clamped down", Request{MeetingID: "abc", Duration: 3 * time.Hour}, "https://meet.google.com/abc", time.Hour, false},
		{"missing meeting", Request{}, "", 0, true},
		{"foreign host", Request{MeetingLink: "https://evil.example.com/abc-defg-hij"}, "", 0, true},
		{"http scheme", Request{MeetingLink: "http://meet.google.com/abc-defg-hij"}, "", 0, true},
		{"query string", Request{MeetingLink: "https://meet.google.com/abc-defg-hij?authuser=1"}, "", 0, true},
		{"path traversal id", Request{MeetingID: "../admin"}, "", 0, true},
		{"negative duration", Request{MeetingID: "abc", Duration: -time.Second}, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Resolve(cfg, tt.req)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Fatalf("err = %v, want ErrInvalidRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if plan.MeetingURL != tt.wantURL || plan.Duration != tt.wantDur {
				t.Fatalf("plan = %+v, want url %s duration %s", plan, tt.wantURL, tt.wantDur)
			}
		})
	}

	plan, err := Resolve(cfg, Request{MeetingID: "abc", MuteMicrophone: &yes, Capture: new(bool)})
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Media.MuteMicrophone || plan.Capture {
		t.Fatalf("overrides not applied: %+v", plan)
	}
}

func TestClampDuration(t *testing.T) {
	run := config.Default().Run
	tests := []struct {
		in      time.Duration
		want    time.Duration
		clamped bool
	}{
		{0, time.Hour, false},
		{30 * time.Minute, 30 * time.Minute, false},
		{time.Minute, time.Minute, false},
		{time.Second, time.Minute, true},
		{2 * time.Hour, time.Hour, true},
	}
	for _, tt := range tests {
		got, clamped := clampDuration(tt.in, run)
		if got != tt.want || clamped != tt.clamped {
			t.Fatalf("clampDuration(%s) = %s, %v; want %s, %v", tt.in, got, clamped, tt.want, tt.clamped)
		}
	}
}

func TestResolveWarnsOnClampedDuration(t *testing.T) {
	var buf bytes.Buffer
	logging.Init("text", "warn", &buf)
	t.Cleanup(func() { logging.Init("text", "info", os.Stderr) })

	if _, err := Resolve(config.Default(), Request{MeetingID: "abc", Duration: 5 * time.Second}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "clamped") || !strings.Contains(out, "requestedMs=5000") {
		t.Fatalf("expected clamp warning, got %q", out)
	}

	buf.Reset()
	if _, err := Resolve(config.Default(), Request{MeetingID: "abc"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("default duration should not warn, got %q", buf.String())
	}
}
