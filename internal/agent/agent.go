// Package agent schedules meeting runs on a bounded worker pool, tracks them
// until they finish and answers commands about them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/meetbot/internal/audit"
	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/health"
	"github.com/breeze-rmm/meetbot/internal/logging"
	"github.com/breeze-rmm/meetbot/internal/orchestrator"
	"github.com/breeze-rmm/meetbot/internal/runstore"
	"github.com/breeze-rmm/meetbot/internal/workerpool"
)

var log = logging.L("agent")

// Runner executes a single run. *orchestrator.Orchestrator implements it.
type Runner interface {
	Resolve(req orchestrator.Request) (orchestrator.Plan, error)
	Run(ctx context.Context, id string, req orchestrator.Request, progress orchestrator.ProgressFunc) *orchestrator.RunResult
}

// Notifier receives run events for the control plane.
type Notifier interface {
	SendEvent(event string, payload any) error
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result *orchestrator.RunResult
}

func (r *activeRun) snapshot() *orchestrator.RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result.Clone()
}

func (r *activeRun) set(res *orchestrator.RunResult) {
	r.mu.Lock()
	r.result = res
	r.mu.Unlock()
}

type Agent struct {
	cfg       *config.Config
	runner    Runner
	store     *runstore.Store
	pool      *workerpool.Pool
	healthMon *health.Monitor
	auditLog  *audit.Logger

	mu       sync.Mutex
	runs     map[string]*activeRun
	notifier Notifier

	accepting atomic.Bool
	stopOnce  sync.Once

	// Command deduplication: the same command id can arrive over both the
	// WebSocket and a retried HTTP call.
	seenCommands   map[string]time.Time
	seenCommandsMu sync.Mutex
}

// New creates an agent. store is required; auditLog may be nil.
func New(cfg *config.Config, runner Runner, store *runstore.Store, auditLog *audit.Logger) *Agent {
	a := &Agent{
		cfg:       cfg,
		runner:    runner,
		store:     store,
		pool:      workerpool.New(cfg.Agent.MaxConcurrentRuns, cfg.Agent.RunQueueSize),
		healthMon: health.NewMonitor(),
		auditLog:  auditLog,
		runs:      make(map[string]*activeRun),
	}
	a.accepting.Store(true)

	if n, err := store.Interrupted(time.Now()); err != nil {
		log.Warn("failed to mark interrupted runs", logging.KeyError, err)
	} else if n > 0 {
		log.Warn("marked runs interrupted by restart as failed", "count", n)
	}
	auditLog.Log(audit.EventAgentStart, "", map[string]any{
		"maxConcurrentRuns": cfg.Agent.MaxConcurrentRuns,
		"runQueueSize":      cfg.Agent.RunQueueSize,
	})
	return a
}

func (a *Agent) HealthMonitor() *health.Monitor {
	return a.healthMon
}

// SetNotifier routes run events to n, typically the control-plane client.
func (a *Agent) SetNotifier(n Notifier) {
	a.mu.Lock()
	a.notifier = n
	a.mu.Unlock()
}

// Start runs background probes until ctx is done. It blocks.
func (a *Agent) Start(ctx context.Context) {
	a.healthMon.ProbeHost(ctx, a.cfg.DataDir, a.cfg.Agent.MinFreeDiskMB, a.cfg.Agent.HostProbeInterval)
}

// Submit validates req and queues it. The returned snapshot is in the
// queued state.
func (a *Agent) Submit(req orchestrator.Request) (*orchestrator.RunResult, error) {
	run, err := a.submit(req)
	if err != nil {
		return nil, err
	}
	return run.snapshot(), nil
}

// RunSync submits req and waits for it to finish or for ctx to end. When ctx
// ends first the run keeps going and its current snapshot is returned.
func (a *Agent) RunSync(ctx context.Context, req orchestrator.Request) (*orchestrator.RunResult, error) {
	run, err := a.submit(req)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.done:
	case <-ctx.Done():
		return run.snapshot(), ctx.Err()
	}
	return run.snapshot(), nil
}

func (a *Agent) submit(req orchestrator.Request) (*activeRun, error) {
	if !a.accepting.Load() {
		return nil, ErrShuttingDown
	}
	plan, err := a.runner.Resolve(req)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	run := &activeRun{
		cancel: cancel,
		done:   make(chan struct{}),
		result: &orchestrator.RunResult{
			ID:                  id,
			MeetingID:           plan.MeetingID,
			MeetingURL:          plan.MeetingURL,
			Status:              orchestrator.StatusQueued,
			RequestedAt:         time.Now().UTC(),
			EffectiveDurationMs: plan.Duration.Milliseconds(),
		},
	}

	a.mu.Lock()
	a.runs[id] = run
	a.mu.Unlock()
	a.persist(run.result)

	err = a.pool.Submit(func(context.Context) { a.execute(ctx, id, req, run) })
	if err != nil {
		cancel()
		a.mu.Lock()
		delete(a.runs, id)
		a.mu.Unlock()
		failed := run.snapshot()
		failed.Status = orchestrator.StatusFailed
		failed.Failure = &orchestrator.Failure{Code: orchestrator.CodeInternal, Message: err.Error()}
		failed.FinishedAt = time.Now().UTC()
		a.persist(failed)
		if errors.Is(err, workerpool.ErrQueueFull) {
			return nil, ErrBusy
		}
		return nil, ErrShuttingDown
	}

	a.auditLog.Log(audit.EventRunReceived, id, map[string]any{"meetingId": plan.MeetingID})
	log.Info("run queued", logging.KeyRunID, id, logging.KeyMeetingID, plan.MeetingID)
	return run, nil
}

func (a *Agent) execute(ctx context.Context, id string, req orchestrator.Request, run *activeRun) {
	defer func() {
		run.cancel()
		a.mu.Lock()
		delete(a.runs, id)
		a.mu.Unlock()
		close(run.done)
	}()

	var res *orchestrator.RunResult
	if err := ctx.Err(); err != nil {
		res = run.snapshot()
		res.Status = orchestrator.StatusCancelled
		res.Failure = &orchestrator.Failure{Code: orchestrator.CodeCancelled, Message: "cancelled before start"}
		res.FinishedAt = time.Now().UTC()
	} else {
		requestedAt := run.snapshot().RequestedAt
		res = a.runner.Run(ctx, id, req, func(r *orchestrator.RunResult) {
			r.RequestedAt = requestedAt
			run.set(r)
			a.persist(r)
			a.notify("run_updated", r)
		})
		res.RequestedAt = requestedAt
	}

	run.set(res.Clone())
	a.persist(res)
	a.recordHealth(res)
	a.notify("run_finished", res)
}

// recordHealth derives component health from how far a run got.
func (a *Agent) recordHealth(res *orchestrator.RunResult) {
	switch {
	case res.Failure != nil && res.Failure.Code == orchestrator.CodeSessionInit:
		a.healthMon.Update(health.ComponentBrowser, health.Unhealthy, res.Failure.Message)
	case !res.StartedAt.IsZero():
		a.healthMon.Update(health.ComponentBrowser, health.Healthy, "")
	}
	if c := res.Capture; c != nil {
		switch {
		case c.Failure != nil && c.Failure.Code == orchestrator.CodeSinkFailed:
			a.healthMon.Update(health.ComponentStorage, health.Degraded, c.Failure.Message)
		case c.Key != "":
			a.healthMon.Update(health.ComponentStorage, health.Healthy, "")
		}
	}
}

func (a *Agent) persist(res *orchestrator.RunResult) {
	if err := a.store.Save(res); err != nil {
		log.Error("failed to persist run", logging.KeyRunID, res.ID, logging.KeyError, err)
	}
}

func (a *Agent) notify(event string, res *orchestrator.RunResult) {
	a.mu.Lock()
	n := a.notifier
	a.mu.Unlock()
	if n == nil {
		return
	}
	if err := n.SendEvent(event, res); err != nil {
		log.Debug("run event not delivered", "event", event, logging.KeyError, err)
	}
}

// Cancel stops an active run. The run still tears its session down and
// finishes as cancelled.
func (a *Agent) Cancel(id string) (*orchestrator.RunResult, error) {
	a.mu.Lock()
	run, ok := a.runs[id]
	a.mu.Unlock()
	if ok {
		run.cancel()
		a.auditLog.Log(audit.EventRunCancelled, id, map[string]any{"requested": true})
		log.Info("run cancellation requested", logging.KeyRunID, id)
		return run.snapshot(), nil
	}
	if _, err := a.store.Get(id); err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return nil, ErrFinished
}

// Status returns the latest snapshot of a run, active or stored.
func (a *Agent) Status(id string) (*orchestrator.RunResult, error) {
	a.mu.Lock()
	run, ok := a.runs[id]
	a.mu.Unlock()
	if ok {
		return run.snapshot(), nil
	}
	res, err := a.store.Get(id)
	if errors.Is(err, runstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	return res, err
}

// List returns up to limit runs, newest first.
func (a *Agent) List(limit int) ([]*orchestrator.RunResult, error) {
	return a.store.List(limit)
}

// Wait blocks until run id finishes or ctx ends.
func (a *Agent) Wait(ctx context.Context, id string) (*orchestrator.RunResult, error) {
	a.mu.Lock()
	run, ok := a.runs[id]
	a.mu.Unlock()
	if !ok {
		return a.Status(id)
	}
	select {
	case <-run.done:
		return run.snapshot(), nil
	case <-ctx.Done():
		return run.snapshot(), ctx.Err()
	}
}

// Active is the number of runs queued or executing.
func (a *Agent) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runs)
}

// Shutdown stops accepting runs, cancels the active ones and waits for
// their teardown, bounded by ctx.
func (a *Agent) Shutdown(ctx context.Context) {
	a.stopOnce.Do(func() {
		a.accepting.Store(false)
		a.pool.StopAccepting()

		a.mu.Lock()
		for id, run := range a.runs {
			log.Info("cancelling run for shutdown", logging.KeyRunID, id)
			run.cancel()
		}
		a.mu.Unlock()

		a.pool.Drain(ctx)
		a.auditLog.Log(audit.EventAgentStop, "", nil)
		log.Info("agent stopped")
	})
}

// Describe renders a one-line summary for CLI output.
func Describe(r *orchestrator.RunResult) string {
	s := fmt.Sprintf("%s  %-9s  %s", r.ID, r.Status, r.MeetingURL)
	if r.Failure != nil {
		s += "  " + r.Failure.Code
	}
	return s
}
