package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/breeze-rmm/meetbot/internal/auth"
	"github.com/breeze-rmm/meetbot/internal/browser"
	"github.com/breeze-rmm/meetbot/internal/capture"
	"github.com/breeze-rmm/meetbot/internal/join"
	"github.com/breeze-rmm/meetbot/internal/media"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusJoined    Status = "joined"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusJoined || s == StatusFailed || s == StatusCancelled
}

// Failure is a machine-readable failure reason.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Failure codes.
const (
	CodeInvalidRequest         = "invalid_request"
	CodeMissingCredentials     = "missing_credentials"
	CodeSessionInit            = "session_init"
	CodeIdentityFieldNotFound  = "auth_identity_field_not_found"
	CodeSecretFieldNotFound    = "auth_secret_field_not_found"
	CodeNavigationTimeout      = "auth_navigation_timeout"
	CodeJoinDeadlineExceeded   = "join_deadline_exceeded"
	CodeApprovalDenied         = "join_approval_denied"
	CodeUnrecognizedStateLimit = "join_unrecognized_state_limit"
	CodePermissionDenied       = "capture_permission_denied"
	CodeEmptyCapture           = "capture_empty"
	CodeRetrievalFailed        = "capture_retrieval_failed"
	CodeSessionNotJoined       = "capture_session_not_joined"
	CodeSinkFailed             = "sink_failed"
	CodeCancelled              = "cancelled"
	CodeAutomationFault        = "automation_fault"
	CodeInternal               = "internal"
)

var failureCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidRequest, CodeInvalidRequest},
	{auth.ErrMissingCredentials, CodeMissingCredentials},
	{auth.ErrIdentityFieldNotFound, CodeIdentityFieldNotFound},
	{auth.ErrSecretFieldNotFound, CodeSecretFieldNotFound},
	{auth.ErrNavigationTimeout, CodeNavigationTimeout},
	{join.ErrDeadlineExceeded, CodeJoinDeadlineExceeded},
	{join.ErrApprovalDenied, CodeApprovalDenied},
	{join.ErrUnrecognizedStateLimit, CodeUnrecognizedStateLimit},
	{capture.ErrPermissionDenied, CodePermissionDenied},
	{capture.ErrEmptyCapture, CodeEmptyCapture},
	{capture.ErrRetrievalFailed, CodeRetrievalFailed},
	{capture.ErrSessionNotJoined, CodeSessionNotJoined},
	{context.Canceled, CodeCancelled},
	{browser.ErrSessionClosed, CodeAutomationFault},
	{browser.ErrInvalidState, CodeAutomationFault},
}

// FailureFrom classifies err.
func FailureFrom(err error) *Failure {
	if err == nil {
		return nil
	}
	var initErr *browser.SessionInitError
	if errors.As(err, &initErr) {
		return &Failure{Code: CodeSessionInit, Message: err.Error()}
	}
	code := CodeAutomationFault
	for _, fc := range failureCodes {
		if errors.Is(err, fc.err) {
			code = fc.code
			break
		}
	}
	return &Failure{Code: code, Message: err.Error()}
}

// CaptureReport describes the capture and delivery phase of a run.
type CaptureReport struct {
	Enabled            bool     `json:"enabled"`
	Key                string   `json:"key,omitempty"`
	Location           string   `json:"location,omitempty"`
	Bytes              int      `json:"bytes,omitempty"`
	MIMEType           string   `json:"mimeType,omitempty"`
	DurationMs         int64    `json:"durationMs,omitempty"`
	Chunks             int      `json:"chunks,omitempty"`
	Transcript         string   `json:"transcript,omitempty"`
	TranscriptKey      string   `json:"transcriptKey,omitempty"`
	TranscriptionError string   `json:"transcriptionError,omitempty"`
	Failure            *Failure `json:"failure,omitempty"`
}

// RunResult is the externally visible state of a run.
type RunResult struct {
	ID                  string         `json:"id"`
	MeetingID           string         `json:"meetingId"`
	MeetingURL          string         `json:"meetingUrl"`
	Status              Status         `json:"status"`
	RequestedAt         time.Time      `json:"requestedAt"`
	StartedAt           time.Time      `json:"startedAt,omitzero"`
	JoinedAt            time.Time      `json:"joinedAt,omitzero"`
	FinishedAt          time.Time      `json:"finishedAt,omitzero"`
	EffectiveDurationMs int64          `json:"effectiveDurationMs"`
	Failure             *Failure       `json:"failure,omitempty"`
	Join                *join.Outcome  `json:"join,omitempty"`
	Media               *media.Report  `json:"media,omitempty"`
	MediaError          string         `json:"mediaError,omitempty"`
	Capture             *CaptureReport `json:"capture,omitempty"`
}

// Clone returns a deep enough copy for handing to other goroutines.
func (r *RunResult) Clone() *RunResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.Failure != nil {
		f := *r.Failure
		c.Failure = &f
	}
	if r.Join != nil {
		j := *r.Join
		j.Trace = append([]join.State(nil), r.Join.Trace...)
		c.Join = &j
	}
	if r.Media != nil {
		m := *r.Media
		c.Media = &m
	}
	if r.Capture != nil {
		cr := *r.Capture
		if r.Capture.Failure != nil {
			f := *r.Capture.Failure
			cr.Failure = &f
		}
		c.Capture = &cr
	}
	return &c
}
