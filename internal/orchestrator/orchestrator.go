// Package orchestrator runs one meeting end to end: open a session, sign in,
// join, toggle media, capture, deliver, leave and tear down.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/breeze-rmm/meetbot/internal/audit"
	"github.com/breeze-rmm/meetbot/internal/auth"
	"github.com/breeze-rmm/meetbot/internal/browser"
	"github.com/breeze-rmm/meetbot/internal/capture"
	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/join"
	"github.com/breeze-rmm/meetbot/internal/logging"
	"github.com/breeze-rmm/meetbot/internal/media"
	"github.com/breeze-rmm/meetbot/internal/metrics"
	"github.com/breeze-rmm/meetbot/internal/selectors"
	"github.com/breeze-rmm/meetbot/internal/sink"
)

var log = logging.L("orchestrator")

// TracerName names the tracer the orchestrator starts run spans on.
const TracerName = "github.com/breeze-rmm/meetbot/internal/orchestrator"

type SessionOpener interface {
	Open(ctx context.Context, target string, permissions []browser.Permission) (*browser.Session, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, sess *browser.Session, creds auth.Credentials) error
}

type Joiner interface {
	Join(ctx context.Context, sess *browser.Session, beforeSubmit join.Hook) (*join.Outcome, error)
}

type Capturer interface {
	Capture(ctx context.Context, sess *browser.Session, d time.Duration) (*capture.Artifact, error)
}

type ArtifactSink interface {
	Deliver(ctx context.Context, a *capture.Artifact) (*sink.Delivery, error)
}

// CredentialSource builds fresh credentials for one run. The orchestrator
// zeroes them once authentication ends.
type CredentialSource func() (auth.Credentials, error)

// ConfigCredentials reads the identity section of cfg.
func ConfigCredentials(cfg config.IdentityConfig) CredentialSource {
	return func() (auth.Credentials, error) {
		return auth.NewCredentials(cfg.Email, cfg.Password)
	}
}

// ProgressFunc observes intermediate results. It receives a copy.
type ProgressFunc func(*RunResult)

// Deps are the collaborators of a run. Audit, Metrics and Tracer are optional.
type Deps struct {
	Sessions    SessionOpener
	Auth        Authenticator
	Joiner      Joiner
	Media       *media.Adapter
	Capture     Capturer
	Sink        ArtifactSink
	Credentials CredentialSource
	Catalog     *selectors.Catalog
	Audit       *audit.Logger
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
}

type Orchestrator struct {
	cfg  *config.Config
	deps Deps
}

func New(cfg *config.Config, deps Deps) *Orchestrator {
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(TracerName)
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

// Resolve validates req against the orchestrator's configuration.
func (o *Orchestrator) Resolve(req Request) (Plan, error) {
	return Resolve(o.cfg, req)
}

type run struct {
	o        *Orchestrator
	result   *RunResult
	plan     Plan
	log      *slog.Logger
	progress ProgressFunc
	joined   time.Time
}

func (r *run) notify() {
	if r.progress != nil {
		r.progress(r.result.Clone())
	}
}

func (r *run) audit(event string, details map[string]any) {
	r.o.deps.Audit.Log(event, r.result.ID, details)
}

// phase wraps fn in a span named after the phase.
func (r *run) phase(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := r.o.deps.Tracer.Start(ctx, name)
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Run executes one run to completion. It never returns nil and never
// panics on collaborator errors; every failure is described in the result.
func (o *Orchestrator) Run(ctx context.Context, id string, req Request, progress ProgressFunc) *RunResult {
	r := &run{
		o:        o,
		result:   &RunResult{ID: id, Status: StatusQueued, RequestedAt: time.Now().UTC()},
		progress: progress,
	}
	plan, err := o.Resolve(req)
	if err != nil {
		r.result.Status = StatusFailed
		r.result.Failure = FailureFrom(err)
		r.result.FinishedAt = time.Now().UTC()
		return r.result
	}
	r.plan = plan
	r.result.MeetingID = plan.MeetingID
	r.result.MeetingURL = plan.MeetingURL
	r.result.EffectiveDurationMs = plan.Duration.Milliseconds()
	r.log = logging.WithRun(log, id, plan.MeetingID)
	ctx = logging.NewContext(ctx, logging.WithRun(logging.FromContext(ctx), id, plan.MeetingID))

	ctx, span := o.deps.Tracer.Start(ctx, "meeting.run", trace.WithAttributes(
		attribute.String("run.id", id),
		attribute.String("meeting.id", plan.MeetingID),
		attribute.Int64("run.duration_ms", plan.Duration.Milliseconds()),
	))
	defer span.End()

	o.deps.Metrics.RunStarted()
	r.result.Status = StatusRunning
	r.result.StartedAt = time.Now().UTC()
	r.audit(audit.EventRunStarted, map[string]any{"meetingUrl": plan.MeetingURL, "durationMs": plan.Duration.Milliseconds()})
	r.log.Info("run started", "meetingUrl", plan.MeetingURL, logging.KeyDurationMs, plan.Duration.Milliseconds())
	r.notify()

	err = r.execute(ctx)
	r.finish(ctx, err)

	span.SetAttributes(attribute.String("run.status", string(r.result.Status)))
	if r.result.Failure != nil {
		span.SetStatus(codes.Error, r.result.Failure.Code)
	}
	return r.result
}

func (r *run) finish(ctx context.Context, err error) {
	res := r.result
	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		res.Status = StatusCancelled
		if err == nil {
			err = ctx.Err()
		}
		res.Failure = &Failure{Code: CodeCancelled, Message: err.Error()}
		r.audit(audit.EventRunCancelled, nil)
	case err != nil:
		res.Status = StatusFailed
		res.Failure = FailureFrom(err)
	default:
		res.Status = StatusJoined
	}
	res.FinishedAt = time.Now().UTC()

	r.o.deps.Metrics.RunFinished(string(res.Status))
	details := map[string]any{"status": string(res.Status)}
	if res.Failure != nil {
		details["failure"] = res.Failure.Code
	}
	r.audit(audit.EventRunFinished, details)
	r.log.Info("run finished", "status", string(res.Status), "failure", res.Failure)
}

// execute returns the error that decides the run status. Capture problems
// are recorded in the result and do not fail a joined run, nor shorten it.
func (r *run) execute(ctx context.Context) (err error) {
	o := r.o

	var sess *browser.Session
	err = r.phase(ctx, "session.open", func(ctx context.Context) error {
		var openErr error
		sess, openErr = o.deps.Sessions.Open(ctx, r.plan.MeetingURL, browser.MeetingPermissions)
		return openErr
	})
	if err != nil {
		return err
	}
	r.log.Debug("session open", "target", sess.Target(), "permissions", sess.Permissions())
	defer func() {
		if closeErr := sess.Close(); closeErr != nil {
			r.log.Warn("session teardown failed", logging.KeyError, closeErr)
		}
	}()

	if err := r.phase(ctx, "auth", func(ctx context.Context) error { return r.authenticate(ctx, sess) }); err != nil {
		return err
	}
	r.audit(audit.EventAuthenticated, nil)

	err = r.phase(ctx, "navigate", func(ctx context.Context) error {
		sess.SetState(browser.StateNavigating)
		return sess.Page().Navigate(ctx, r.plan.MeetingURL)
	})
	if err != nil {
		return fmt.Errorf("navigate to meeting: %w", err)
	}

	if err := r.phase(ctx, "join", func(ctx context.Context) error { return r.join(ctx, sess) }); err != nil {
		return err
	}
	defer r.leave(ctx, sess)

	if r.plan.Capture {
		_ = r.phase(ctx, "capture", func(ctx context.Context) error { return r.capture(ctx, sess) })
	} else {
		r.log.Info("capture disabled, staying in the call", logging.KeyDurationMs, r.plan.Duration.Milliseconds())
	}
	if err := r.stay(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

// stay keeps the participant in the call until the planned duration has
// passed since admission, whatever happened to the capture.
func (r *run) stay(ctx context.Context) error {
	remaining := r.plan.Duration - time.Since(r.joined)
	if remaining <= 0 {
		return nil
	}
	if r.plan.Capture {
		r.log.Info("capture ended early, staying in the call", "remainingMs", remaining.Milliseconds())
	}
	return browser.Sleep(ctx, remaining)
}

func (r *run) authenticate(ctx context.Context, sess *browser.Session) error {
	if r.o.deps.Credentials == nil {
		return auth.ErrMissingCredentials
	}
	creds, err := r.o.deps.Credentials()
	if err != nil {
		return err
	}
	defer creds.Zero()
	return r.o.deps.Auth.Authenticate(ctx, sess, creds)
}

func (r *run) join(ctx context.Context, sess *browser.Session) error {
	var (
		report  media.Report
		hookRan bool
		faults  error
	)
	hook := func(ctx context.Context) {
		hookRan = true
		report, faults = r.applyMedia(ctx, sess, nil)
	}

	outcome, err := r.o.deps.Joiner.Join(ctx, sess, hook)
	if err != nil {
		r.audit(audit.EventJoinFailed, map[string]any{"error": err.Error()})
		return err
	}

	res := r.result
	res.Join = outcome
	r.joined = time.Now()
	res.JoinedAt = r.joined.UTC()
	r.o.deps.Metrics.JoinCompleted(outcome.Elapsed, outcome.Cycles)
	r.audit(audit.EventJoined, map[string]any{"cycles": outcome.Cycles, "via": string(outcome.SubmittedVia)})

	if !hookRan || report.Pending() {
		var prev *media.Report
		if hookRan {
			prev = &report
		}
		var postErr error
		report, postErr = r.applyMedia(ctx, sess, prev)
		faults = errors.Join(faults, postErr)
	}
	res.Media = &report
	if faults != nil {
		res.MediaError = faults.Error()
		r.log.Warn("media controls faulted", logging.KeyError, faults)
	}
	r.o.deps.Metrics.MediaToggle(media.ControlMicrophone, string(report.Microphone))
	r.o.deps.Metrics.MediaToggle(media.ControlCamera, string(report.Camera))
	r.notify()
	return nil
}

func (r *run) applyMedia(ctx context.Context, sess *browser.Session, prev *media.Report) (media.Report, error) {
	if r.o.deps.Media == nil {
		return media.Report{Microphone: media.OutcomeSkipped, Camera: media.OutcomeSkipped}, nil
	}
	if prev != nil {
		return r.o.deps.Media.Reapply(ctx, sess, *prev, r.plan.Media)
	}
	return r.o.deps.Media.Apply(ctx, sess, r.plan.Media)
}

func (r *run) capture(ctx context.Context, sess *browser.Session) error {
	report := &CaptureReport{Enabled: true}
	r.result.Capture = report

	artifact, err := r.o.deps.Capture.Capture(ctx, sess, r.plan.Duration)
	if err != nil {
		report.Failure = FailureFrom(err)
		r.o.deps.Metrics.CaptureFailed(report.Failure.Code)
		r.audit(audit.EventCaptureFailed, map[string]any{"failure": report.Failure.Code})
		r.log.Warn("capture failed", logging.KeyError, err)
		return err
	}
	report.Bytes = len(artifact.Data)
	report.MIMEType = artifact.MIMEType
	report.DurationMs = artifact.Duration.Milliseconds()
	report.Chunks = artifact.Chunks
	r.o.deps.Metrics.CaptureSucceeded(report.Bytes)
	r.audit(audit.EventCaptureCompleted, map[string]any{"bytes": report.Bytes, "durationMs": report.DurationMs})

	if r.o.deps.Sink == nil {
		return nil
	}
	// Delivery runs even when the run is being cancelled: the recording exists.
	delivery, err := r.o.deps.Sink.Deliver(context.WithoutCancel(ctx), artifact)
	if err != nil {
		report.Failure = &Failure{Code: CodeSinkFailed, Message: err.Error()}
		r.log.Error("artifact delivery failed", logging.KeyError, err)
		return err
	}
	report.Key = delivery.Key
	report.Location = delivery.Location
	report.Transcript = delivery.Transcript
	report.TranscriptKey = delivery.TranscriptKey
	report.TranscriptionError = delivery.TranscriptionError
	r.audit(audit.EventArtifactStored, map[string]any{"key": delivery.Key, "bytes": delivery.Bytes})
	return nil
}

// leave clicks the leave control. Failures are logged only.
func (r *run) leave(ctx context.Context, sess *browser.Session) {
	if sess.Closed() || r.o.deps.Catalog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.Run.LeaveTimeout)
	defer cancel()

	_ = r.phase(ctx, "leave", func(ctx context.Context) error {
		sess.SetState(browser.StateLeaving)
		page := sess.Page()
		clicked, err := browser.ClickFirst(ctx, page, r.o.deps.Catalog.Strategies(selectors.RoleLeaveCall))
		if err != nil || !clicked {
			r.log.Debug("leave control not clicked", logging.KeyError, err)
			return err
		}
		if _, err := browser.ClickFirst(ctx, page, r.o.deps.Catalog.Strategies(selectors.RoleLeaveConfirm)); err != nil {
			r.log.Debug("leave confirmation failed", logging.KeyError, err)
		}
		return nil
	})
}
