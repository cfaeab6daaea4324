// Package transcribe forwards recordings to an external speech-to-text
// service. The returned text is stored verbatim.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/logging"
)

var log = logging.L("transcribe")

var ErrEmptyAudio = errors.New("transcribe: empty audio")

// Request is one recording to transcribe.
type Request struct {
	Content      []byte
	MIMEType     string
	Encoding     string
	SampleRateHz int
	LanguageCode string
	Duration     time.Duration
}

type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, req Request) (string, error)
}

// EncodingForMIME maps a recording MIME type to a speech API encoding name.
func EncodingForMIME(mime string) string {
	base, _, _ := strings.Cut(strings.ToLower(mime), ";")
	switch strings.TrimSpace(base) {
	case "audio/webm", "video/webm":
		return "WEBM_OPUS"
	case "audio/ogg":
		return "OGG_OPUS"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "LINEAR16"
	case "audio/flac":
		return "FLAC"
	default:
		return "ENCODING_UNSPECIFIED"
	}
}

// New returns the configured transcriber, or nil when transcription is off.
func New(ctx context.Context, cfg config.TranscriptionConfig) (Transcriber, error) {
	switch strings.ToLower(cfg.Provider) {
	case "":
		return nil, nil
	case "google":
		g, err := NewGoogle(ctx, cfg.Google)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "http":
		return NewHTTP(cfg.HTTP), nil
	default:
		return nil, fmt.Errorf("transcribe: unknown provider %q", cfg.Provider)
	}
}
