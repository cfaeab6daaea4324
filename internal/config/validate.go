package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var knownStorageProviders = map[string]bool{
	"local":  true,
	"s3":     true,
	"gcs":    true,
	"azblob": true,
	"b2":     true,
}

var knownTracingExporters = map[string]bool{
	"":       true,
	"none":   true,
	"stdout": true,
	"otlp":   true,
}

var knownTranscriptionProviders = map[string]bool{
	"":       true,
	"google": true,
	"http":   true,
}

// ValidationResult separates errors that must stop startup from values that
// were clamped or ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// ValidateTiered checks the config. Dangerous zero-values are clamped to
// safe bounds and reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	fatal := func(format string, args ...any) { r.Fatals = append(r.Fatals, fmt.Errorf(format, args...)) }
	warn := func(format string, args ...any) { r.Warnings = append(r.Warnings, fmt.Errorf(format, args...)) }

	for key, value := range map[string]string{
		"auth.entry_url":       c.Auth.EntryURL,
		"run.meeting_base_url": c.Run.MeetingBaseURL,
	} {
		if err := checkHTTPURL(value); err != nil {
			fatal("%s %q: %v", key, value, err)
		}
	}
	if c.ControlPlane.URL != "" {
		if err := checkHTTPURL(c.ControlPlane.URL); err != nil {
			fatal("control_plane.url %q: %v", c.ControlPlane.URL, err)
		}
	}
	if (c.ControlPlane.CertFile == "") != (c.ControlPlane.KeyFile == "") {
		fatal("control_plane.cert_file and control_plane.key_file must be set together")
	}
	if c.Transcription.Provider == "http" {
		if err := checkHTTPURL(c.Transcription.HTTP.URL); err != nil {
			fatal("transcription.http.url %q: %v", c.Transcription.HTTP.URL, err)
		}
	}

	for key, value := range map[string]string{
		"api_key":             c.APIKey,
		"control_plane.token": c.ControlPlane.Token,
	} {
		if hasControlChars(value) {
			fatal("%s contains control characters", key)
		}
	}

	if !knownStorageProviders[strings.ToLower(c.Storage.Provider)] {
		fatal("storage.provider %q is not supported (use local, s3, gcs, azblob, b2)", c.Storage.Provider)
	}
	switch strings.ToLower(c.Storage.Provider) {
	case "local":
		if c.Storage.Local.Path == "" {
			c.Storage.Local.Path = filepath.Join(c.DataDir, "artifacts")
			warn("storage.local.path is empty, using %s", c.Storage.Local.Path)
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			fatal("storage.s3.bucket is required for the s3 provider")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			fatal("storage.gcs.bucket is required for the gcs provider")
		}
	case "azblob":
		if c.Storage.Azure.ConnectionString == "" || c.Storage.Azure.Container == "" {
			fatal("storage.azure.connection_string and storage.azure.container are required for the azblob provider")
		}
	case "b2":
		if c.Storage.B2.AccountID == "" || c.Storage.B2.ApplicationKey == "" || c.Storage.B2.Bucket == "" {
			fatal("storage.b2.account_id, application_key and bucket are required for the b2 provider")
		}
	}

	if !knownTranscriptionProviders[strings.ToLower(c.Transcription.Provider)] {
		warn("transcription.provider %q is unknown, transcription disabled", c.Transcription.Provider)
		c.Transcription.Provider = ""
	}

	if !knownTracingExporters[strings.ToLower(c.Tracing.Exporter)] {
		warn("tracing.exporter %q is unknown (use none, stdout, otlp), tracing disabled", c.Tracing.Exporter)
		c.Tracing.Exporter = "none"
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		warn("tracing.sample_rate %v is outside [0, 1], using 1", c.Tracing.SampleRate)
		c.Tracing.SampleRate = 1
	}

	clampDuration(&r, "auth.identity_timeout", &c.Auth.IdentityTimeout, time.Second, 5*time.Minute)
	clampDuration(&r, "auth.secret_timeout", &c.Auth.SecretTimeout, time.Second, 5*time.Minute)
	clampDuration(&r, "auth.navigation_timeout", &c.Auth.NavigationTimeout, time.Second, 5*time.Minute)
	clampDuration(&r, "auth.poll_interval", &c.Auth.PollInterval, 50*time.Millisecond, 5*time.Second)
	if c.Auth.SettleDelay < 0 {
		warn("auth.settle_delay %s is negative, using 0", c.Auth.SettleDelay)
		c.Auth.SettleDelay = 0
	}

	clampDuration(&r, "join.poll_interval", &c.Join.PollInterval, 100*time.Millisecond, 30*time.Second)
	clampDuration(&r, "join.deadline", &c.Join.Deadline, 10*time.Second, 30*time.Minute)
	clampDuration(&r, "join.waiting_timeout", &c.Join.WaitingTimeout, 10*time.Second, time.Hour)
	clampInt(&r, "join.unrecognized_limit", &c.Join.UnrecognizedLimit, 1, 1000)
	if strings.TrimSpace(c.Join.DisplayName) == "" {
		warn("join.display_name is empty, using Notetaker")
		c.Join.DisplayName = "Notetaker"
	}

	clampDuration(&r, "capture.timeslice", &c.Capture.Timeslice, 100*time.Millisecond, time.Minute)
	clampDuration(&r, "capture.stop_grace", &c.Capture.StopGrace, time.Second, 5*time.Minute)
	if !strings.HasPrefix(c.Capture.MIMEType, "audio/") {
		warn("capture.mime_type %q is not an audio type, using audio/webm", c.Capture.MIMEType)
		c.Capture.MIMEType = "audio/webm"
	}

	clampDuration(&r, "run.min_duration", &c.Run.MinDuration, time.Second, 24*time.Hour)
	clampDuration(&r, "run.max_duration", &c.Run.MaxDuration, c.Run.MinDuration, 24*time.Hour)
	clampDuration(&r, "run.default_duration", &c.Run.DefaultDuration, c.Run.MinDuration, c.Run.MaxDuration)
	clampDuration(&r, "run.leave_timeout", &c.Run.LeaveTimeout, time.Second, time.Minute)

	clampDuration(&r, "browser.launch_timeout", &c.Browser.LaunchTimeout, 5*time.Second, 5*time.Minute)

	clampInt(&r, "agent.max_concurrent_runs", &c.Agent.MaxConcurrentRuns, 1, 32)
	clampInt(&r, "agent.run_queue_size", &c.Agent.RunQueueSize, 1, 1000)
	clampInt(&r, "agent.run_history_limit", &c.Agent.RunHistoryLimit, 10, 100000)
	clampDuration(&r, "agent.shutdown_timeout", &c.Agent.ShutdownTimeout, time.Second, 10*time.Minute)
	clampDuration(&r, "agent.host_probe_interval", &c.Agent.HostProbeInterval, 5*time.Second, time.Hour)

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn("log_format %q is not valid (use text or json)", c.LogFormat)
	}

	if c.Identity.Email == "" || c.Identity.Password == "" {
		warn("identity.email or identity.password is empty, runs will fail at sign-in")
	}

	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return r
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

func clampDuration(r *ValidationResult, key string, v *time.Duration, lo, hi time.Duration) {
	switch {
	case *v < lo:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %s is below minimum %s, clamping", key, *v, lo))
		*v = lo
	case *v > hi:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %s exceeds maximum %s, clamping", key, *v, hi))
		*v = hi
	}
}

func clampInt(r *ValidationResult, key string, v *int, lo, hi int) {
	switch {
	case *v < lo:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, *v, lo))
		*v = lo
	case *v > hi:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, *v, hi))
		*v = hi
	}
}
