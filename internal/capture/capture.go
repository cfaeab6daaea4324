// Package capture records the call's audio inside the page and hands the
// bytes back to the host through the return value of a single evaluation.
package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/breeze-rmm/meetbot/internal/browser"
	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/logging"
)

var log = logging.L("capture")

// Handoff is the object the page script resolves to.
type Handoff struct {
	Complete   bool    `json:"complete"`
	Error      string  `json:"error,omitempty"`
	Message    string  `json:"message,omitempty"`
	Data       string  `json:"data,omitempty"`
	MIMEType   string  `json:"mimeType,omitempty"`
	DurationMs float64 `json:"durationMs"`
	Chunks     int     `json:"chunks"`
}

// Artifact is a finished recording. The host owns it exclusively.
type Artifact struct {
	Data       []byte
	MIMEType   string
	Duration   time.Duration
	Chunks     int
	CapturedAt time.Time
}

// Recorder produces a handoff for a recording of duration d.
type Recorder interface {
	Record(ctx context.Context, d time.Duration) (*Handoff, error)
}

// PageRecorder runs the recording script in a browser page.
type PageRecorder struct {
	Page      browser.Page
	Timeslice time.Duration
	MIMEType  string
}

func (r PageRecorder) Record(ctx context.Context, d time.Duration) (*Handoff, error) {
	var h Handoff
	if err := r.Page.Evaluate(ctx, recordExpression(d, r.Timeslice, r.MIMEType), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

type Pipeline struct {
	cfg config.CaptureConfig
	// newRecorder is replaced in tests.
	newRecorder func(page browser.Page) Recorder
}

func NewPipeline(cfg config.CaptureConfig) *Pipeline {
	return &Pipeline{
		cfg: cfg,
		newRecorder: func(page browser.Page) Recorder {
			return PageRecorder{Page: page, Timeslice: cfg.Timeslice, MIMEType: cfg.MIMEType}
		},
	}
}

// Capture records d of audio from a joined session. The whole exchange is
// bounded by d plus the configured stop grace.
func (p *Pipeline) Capture(ctx context.Context, sess *browser.Session, d time.Duration) (*Artifact, error) {
	if sess.Closed() {
		return nil, browser.ErrSessionClosed
	}
	if sess.State() != browser.StateJoined {
		return nil, fmt.Errorf("%w: state %s", ErrSessionNotJoined, sess.State())
	}

	ctx, cancel := context.WithTimeout(ctx, d+p.cfg.StopGrace)
	defer cancel()

	log.Info("capture started", logging.KeyDurationMs, d.Milliseconds())
	h, err := p.newRecorder(sess.Page()).Record(ctx, d)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrRetrievalFailed, err)
		}
		return nil, err
	}
	a, err := Validate(h, time.Now())
	if err != nil {
		return nil, err
	}
	if a.MIMEType == "" {
		a.MIMEType = p.cfg.MIMEType
	}
	return a, nil
}

// Validate turns a page handoff into an artifact. Partial data is never
// accepted.
func Validate(h *Handoff, capturedAt time.Time) (*Artifact, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: no handoff", ErrRetrievalFailed)
	}
	switch h.Error {
	case "":
	case codePermissionDenied:
		if h.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, h.Message)
		}
		return nil, ErrPermissionDenied
	case codeEmptyCapture:
		return nil, ErrEmptyCapture
	default:
		return nil, fmt.Errorf("%w: page error %q", ErrRetrievalFailed, h.Error)
	}
	if !h.Complete {
		return nil, fmt.Errorf("%w: handoff incomplete", ErrRetrievalFailed)
	}
	if h.Data == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrRetrievalFailed)
	}
	data, err := base64.StdEncoding.DecodeString(h.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrRetrievalFailed, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrRetrievalFailed)
	}

	a := &Artifact{
		Data:       data,
		MIMEType:   h.MIMEType,
		Duration:   time.Duration(h.DurationMs * float64(time.Millisecond)),
		Chunks:     h.Chunks,
		CapturedAt: capturedAt.UTC(),
	}
	log.Info("capture retrieved", "bytes", len(data), "mimeType", a.MIMEType,
		logging.KeyDurationMs, a.Duration.Milliseconds(), "chunks", a.Chunks)
	return a, nil
}
