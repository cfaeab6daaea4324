package browser

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/meetbot/internal/selectors"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateUninitialized  State = "uninitialized"
	StateAuthenticating State = "authenticating"
	StateNavigating     State = "navigating"
	StateJoining        State = "joining"
	StateJoined         State = "joined"
	StateLeaving        State = "leaving"
	StateClosed         State = "closed"
)

// Permission is a capability granted to the target origin.
type Permission string

const (
	PermissionCamera        Permission = "camera"
	PermissionMicrophone    Permission = "microphone"
	PermissionNotifications Permission = "notifications"
)

// MeetingPermissions is the grant set every meeting run asks for.
var MeetingPermissions = []Permission{PermissionCamera, PermissionMicrophone, PermissionNotifications}

// Session is one isolated browsing context with one page. It is owned by a
// single run; Close may be called any number of times from any goroutine.
type Session struct {
	target      string
	permissions []Permission
	page        Page
	teardown    func() error

	mu    sync.Mutex
	state State

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
	teardowns atomic.Int32
}

// NewSession wraps an already prepared page. teardown releases everything
// behind it and runs at most once.
func NewSession(target string, permissions []Permission, page Page, teardown func() error) *Session {
	return &Session{
		target:      target,
		permissions: slices.Clone(permissions),
		page:        page,
		teardown:    teardown,
		state:       StateUninitialized,
	}
}

func (s *Session) Target() string { return s.target }

func (s *Session) Permissions() []Permission { return slices.Clone(s.permissions) }

// Page returns the session page. After Close every call on it fails with
// ErrSessionClosed.
func (s *Session) Page() Page {
	return guardedPage{s: s}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState moves the session to next. A closed session stays closed.
func (s *Session) SetState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = next
}

// Require returns ErrInvalidState (or ErrSessionClosed) unless the session
// is in one of allowed.
func (s *Session) Require(allowed ...State) error {
	st := s.State()
	if st == StateClosed {
		return ErrSessionClosed
	}
	if slices.Contains(allowed, st) {
		return nil
	}
	return fmt.Errorf("%w: %s, want one of %v", ErrInvalidState, st, allowed)
}

// Close tears the browsing context down exactly once and returns the
// teardown error on every call.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.teardowns.Add(1)
		if s.teardown != nil {
			s.closeErr = s.teardown()
		}
	})
	return s.closeErr
}

func (s *Session) Closed() bool { return s.closed.Load() }

// Teardowns reports how many times the teardown ran (0 or 1).
func (s *Session) Teardowns() int { return int(s.teardowns.Load()) }

type guardedPage struct {
	s *Session
}

func (g guardedPage) check() error {
	if g.s.closed.Load() {
		return ErrSessionClosed
	}
	return nil
}

func (g guardedPage) Navigate(ctx context.Context, url string) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.s.page.Navigate(ctx, url)
}

func (g guardedPage) Location(ctx context.Context) (string, error) {
	if err := g.check(); err != nil {
		return "", err
	}
	return g.s.page.Location(ctx)
}

func (g guardedPage) Exists(ctx context.Context, s selectors.Strategy) (bool, error) {
	if err := g.check(); err != nil {
		return false, err
	}
	return g.s.page.Exists(ctx, s)
}

func (g guardedPage) Click(ctx context.Context, s selectors.Strategy) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.s.page.Click(ctx, s)
}

func (g guardedPage) Fill(ctx context.Context, s selectors.Strategy, value string) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.s.page.Fill(ctx, s, value)
}

func (g guardedPage) Submit(ctx context.Context, s selectors.Strategy) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.s.page.Submit(ctx, s)
}

func (g guardedPage) Evaluate(ctx context.Context, expression string, out any) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.s.page.Evaluate(ctx, expression, out)
}
