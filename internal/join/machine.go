// Package join drives a session from the meeting landing page into the call.
//
// Every cycle classifies the page into one State from scratch and applies the
// action for that state. Nothing about the previous cycle is trusted except
// two facts: whether the display name was filled and whether the pre-submit
// hook already ran.
package join

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/meetbot/internal/browser"
	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/logging"
	"github.com/breeze-rmm/meetbot/internal/selectors"
)

var log = logging.L("join")

// State is the classification of one observation of the page.
type State string

const (
	StateAwaitingEntryPrompt State = "awaiting_entry_prompt"
	StateNameEntryRequired   State = "name_entry_required"
	StateAskToJoinAvailable  State = "ask_to_join_available"
	StateDirectJoinAvailable State = "direct_join_available"
	StateAlreadyInSession    State = "already_in_session"
	StateApprovalDenied      State = "approval_denied"
	StateUnrecognized        State = "unrecognized"
)

// Hook runs once, right before the first join submission.
type Hook func(ctx context.Context)

// Outcome describes a successful join.
type Outcome struct {
	Cycles          int           `json:"cycles"`
	Trace           []State       `json:"trace"`
	AbsencesRetried int           `json:"absencesRetried"`
	SubmittedVia    State         `json:"submittedVia,omitempty"`
	DisplayName     string        `json:"displayName,omitempty"`
	Elapsed         time.Duration `json:"elapsed"`
}

func (o *Outcome) observe(s State) {
	o.Cycles++
	if n := len(o.Trace); n == 0 || o.Trace[n-1] != s {
		o.Trace = append(o.Trace, s)
	}
}

// Machine joins sessions. It is stateless between calls.
type Machine struct {
	cfg     config.JoinConfig
	catalog *selectors.Catalog
}

func NewMachine(cfg config.JoinConfig, catalog *selectors.Catalog) *Machine {
	return &Machine{cfg: cfg, catalog: catalog}
}

type classification struct {
	role  selectors.Role
	state State
}

// classificationOrder is the priority of the flat classifier.
var classificationOrder = []classification{
	{selectors.RoleInSession, StateAlreadyInSession},
	{selectors.RoleApprovalDenied, StateApprovalDenied},
	{selectors.RoleNameInput, StateNameEntryRequired},
	{selectors.RoleAskToJoin, StateAskToJoinAvailable},
	{selectors.RoleJoinNow, StateDirectJoinAvailable},
	{selectors.RoleAwaitingEntry, StateAwaitingEntryPrompt},
}

// Classify observes the page once. NameEntryRequired is skipped once the
// name has been filled, since the field stays on screen next to the join
// controls.
func (m *Machine) Classify(ctx context.Context, page browser.Page, nameFilled bool) (State, error) {
	for _, c := range classificationOrder {
		if c.state == StateNameEntryRequired && nameFilled {
			continue
		}
		_, ok, err := browser.Resolve(ctx, page, m.catalog.Strategies(c.role))
		if err != nil {
			return "", err
		}
		if ok {
			return c.state, nil
		}
	}
	return StateUnrecognized, nil
}

type attempt struct {
	m          *Machine
	parent     context.Context
	admitting  bool
	sess       *browser.Session
	page       browser.Page
	hook       Hook
	hookRan    bool
	nameFilled bool
	budget     int
	last       State
	out        *Outcome
}

// Join polls the session page until the participant is in the call.
// The session must be navigating or joining and ends up joined on success.
// The join deadline covers the walk up to an ask-to-join request; once the
// request is sent, admission is bounded by the waiting timeout alone.
// Failures are *FailedError; page faults and parent cancellation are
// returned as is.
func (m *Machine) Join(ctx context.Context, sess *browser.Session, beforeSubmit Hook) (*Outcome, error) {
	if err := sess.Require(browser.StateNavigating, browser.StateJoining); err != nil {
		return nil, err
	}
	sess.SetState(browser.StateJoining)

	deadlineCtx, cancel := context.WithTimeout(ctx, m.cfg.Deadline)
	defer cancel()

	a := &attempt{
		m:      m,
		parent: ctx,
		sess:   sess,
		page:   sess.Page(),
		hook:   beforeSubmit,
		out:    &Outcome{DisplayName: displayName(m.cfg.DisplayName)},
	}
	start := time.Now()
	err := a.run(deadlineCtx)
	a.out.Elapsed = time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !a.admitting && deadlineCtx.Err() != nil && !errors.As(err, new(*FailedError)) {
			err = a.fail(ReasonDeadlineExceeded)
		}
		log.Warn("join failed", "error", err, "cycles", a.out.Cycles, "trace", a.out.Trace)
		return nil, err
	}

	sess.SetState(browser.StateJoined)
	log.Info("joined", "cycles", a.out.Cycles, "via", string(a.out.SubmittedVia),
		logging.KeyDurationMs, a.out.Elapsed.Milliseconds())
	return a.out, nil
}

func (a *attempt) fail(reason Reason) error {
	return &FailedError{Reason: reason, LastState: a.last, Cycles: a.out.Cycles}
}

func (a *attempt) observe(ctx context.Context) (State, error) {
	state, err := a.m.Classify(ctx, a.page, a.nameFilled)
	if err != nil {
		return "", err
	}
	a.last = state
	a.out.observe(state)
	return state, nil
}

func (a *attempt) runHook(ctx context.Context) {
	if a.hookRan || a.hook == nil {
		return
	}
	a.hookRan = true
	a.hook(ctx)
}

// spend charges one unit of the unrecognized budget.
func (a *attempt) spend() error {
	a.budget++
	if a.budget > a.m.cfg.UnrecognizedLimit {
		return a.fail(ReasonUnrecognizedStateLimit)
	}
	return nil
}

func (a *attempt) run(ctx context.Context) error {
	for {
		state, err := a.observe(ctx)
		if err != nil {
			return err
		}
		log.Debug("observed", "state", string(state), "cycle", a.out.Cycles)

		switch state {
		case StateAlreadyInSession:
			return nil

		case StateApprovalDenied:
			return a.fail(ReasonApprovalDenied)

		case StateDirectJoinAvailable:
			a.runHook(ctx)
			clicked, err := browser.ClickFirst(ctx, a.page, a.m.catalog.Strategies(selectors.RoleJoinNow))
			if err != nil {
				return fmt.Errorf("join: click join: %w", err)
			}
			if clicked {
				a.out.SubmittedVia = StateDirectJoinAvailable
			} else {
				a.out.AbsencesRetried++
			}

		case StateAskToJoinAvailable:
			a.runHook(ctx)
			clicked, err := browser.ClickFirst(ctx, a.page, a.m.catalog.Strategies(selectors.RoleAskToJoin))
			if err != nil {
				return fmt.Errorf("join: click ask to join: %w", err)
			}
			if !clicked {
				a.out.AbsencesRetried++
				break
			}
			a.out.SubmittedVia = StateAskToJoinAvailable
			return a.awaitAdmission(a.parent)

		case StateNameEntryRequired:
			if err := a.spend(); err != nil {
				return err
			}
			_, filled, err := browser.FillFirst(ctx, a.page, a.m.catalog.Strategies(selectors.RoleNameInput), a.out.DisplayName)
			if err != nil {
				return fmt.Errorf("join: fill display name: %w", err)
			}
			if filled {
				a.nameFilled = true
			} else {
				a.out.AbsencesRetried++
			}

		case StateAwaitingEntryPrompt:
			a.out.AbsencesRetried++

		case StateUnrecognized:
			a.out.AbsencesRetried++
			if err := a.spend(); err != nil {
				return err
			}
		}

		if err := browser.Sleep(ctx, a.m.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// awaitAdmission polls for the in-call state after an ask-to-join request.
// Observing a denial, or no admission within the waiting timeout, is an
// approval denial. ctx is the caller's context, not the join deadline.
func (a *attempt) awaitAdmission(ctx context.Context) error {
	a.admitting = true
	err := browser.WaitFor(ctx, a.m.cfg.WaitingTimeout, a.m.cfg.PollInterval, func(ctx context.Context) (bool, error) {
		state, err := a.observe(ctx)
		if err != nil {
			return false, err
		}
		switch state {
		case StateAlreadyInSession:
			return true, nil
		case StateApprovalDenied:
			return false, a.fail(ReasonApprovalDenied)
		}
		return false, nil
	})
	if errors.Is(err, browser.ErrWaitTimeout) {
		log.Info("no admission within waiting timeout", "waitingTimeout", a.m.cfg.WaitingTimeout)
		return a.fail(ReasonApprovalDenied)
	}
	return err
}

func displayName(base string) string {
	if base == "" {
		base = "Notetaker"
	}
	return fmt.Sprintf("%s %s", base, uuid.NewString()[:4])
}
