// Package sink names finished recordings, persists them through a storage
// provider and optionally stores a transcript next to them.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/breeze-rmm/meetbot/internal/capture"
	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/logging"
	"github.com/breeze-rmm/meetbot/internal/storage"
	"github.com/breeze-rmm/meetbot/internal/transcribe"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Delivery describes where an artifact ended up.
type Delivery struct {
	Key                string `json:"key"`
	Location           string `json:"location"`
	Bytes              int    `json:"bytes"`
	MIMEType           string `json:"mimeType"`
	Transcript         string `json:"transcript,omitempty"`
	TranscriptKey      string `json:"transcriptKey,omitempty"`
	TranscriptionError string `json:"transcriptionError,omitempty"`
}

type Sink struct {
	store       storage.Provider
	transcriber transcribe.Transcriber
	prefix      string
	language    string
	sampleRate  int
	timeout     time.Duration
}

// New builds a sink. transcriber may be nil.
func New(store storage.Provider, transcriber transcribe.Transcriber, storageCfg config.StorageConfig, transcriptionCfg config.TranscriptionConfig) *Sink {
	return &Sink{
		store:       store,
		transcriber: transcriber,
		prefix:      strings.Trim(storageCfg.Prefix, "/"),
		language:    transcriptionCfg.Language,
		sampleRate:  transcriptionCfg.SampleRateHz,
		timeout:     transcriptionCfg.Timeout,
	}
}

// Store exposes the underlying provider for listing and deletion.
func (s *Sink) Store() storage.Provider { return s.store }

// Key returns the storage key for an artifact captured at t.
func Key(prefix string, t time.Time, mimeType string) string {
	stamp := strings.ReplaceAll(t.UTC().Format(timestampLayout), ":", "-")
	name := "meeting_" + stamp + "." + Extension(mimeType)
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Extension maps a MIME type to a file extension.
func Extension(mimeType string) string {
	base, _, _ := strings.Cut(strings.ToLower(mimeType), ";")
	switch strings.TrimSpace(base) {
	case "audio/webm", "video/webm":
		return "webm"
	case "audio/ogg":
		return "ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/mp4", "video/mp4":
		return "mp4"
	default:
		return "bin"
	}
}

// Deliver stores the artifact and, when a transcriber is configured, its
// transcript. Transcription problems are recorded in the Delivery and never
// fail the call.
func (s *Sink) Deliver(ctx context.Context, a *capture.Artifact) (*Delivery, error) {
	if a == nil || len(a.Data) == 0 {
		return nil, fmt.Errorf("sink: empty artifact")
	}
	capturedAt := a.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	key := Key(s.prefix, capturedAt, a.MIMEType)
	loc, err := s.store.Put(ctx, key, a.Data, a.MIMEType)
	if err != nil {
		return nil, fmt.Errorf("sink: store %s: %w", key, err)
	}
	d := &Delivery{Key: key, Location: loc, Bytes: len(a.Data), MIMEType: a.MIMEType}
	logger(ctx).Info("artifact stored", "provider", s.store.Name(), "key", key, "bytes", d.Bytes)

	if s.transcriber != nil {
		s.transcribe(ctx, a, d)
	}
	return d, nil
}

func (s *Sink) transcribe(ctx context.Context, a *capture.Artifact, d *Delivery) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	text, err := s.transcriber.Transcribe(ctx, transcribe.Request{
		Content:      a.Data,
		MIMEType:     a.MIMEType,
		Encoding:     transcribe.EncodingForMIME(a.MIMEType),
		SampleRateHz: s.sampleRate,
		LanguageCode: s.language,
		Duration:     a.Duration,
	})
	if err != nil {
		d.TranscriptionError = err.Error()
		logger(ctx).Warn("transcription failed", "provider", s.transcriber.Name(), logging.KeyError, err)
		return
	}
	d.Transcript = text

	txtKey := strings.TrimSuffix(d.Key, path.Ext(d.Key)) + ".txt"
	if _, err := s.store.Put(ctx, txtKey, []byte(text), "text/plain; charset=utf-8"); err != nil {
		d.TranscriptionError = fmt.Sprintf("store transcript: %v", err)
		logger(ctx).Warn("transcript not stored", "key", txtKey, logging.KeyError, err)
		return
	}
	d.TranscriptKey = txtKey
}

// logger carries the run correlation fields when ctx comes from a run.
func logger(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx).With(slog.String(logging.KeyComponent, "sink"))
}
