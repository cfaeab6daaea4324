package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/logging"
	"github.com/breeze-rmm/meetbot/internal/privilege"
	"github.com/breeze-rmm/meetbot/internal/selectors"
)

var log = logging.L("browser")

var permissionTypes = map[Permission]cdpbrowser.PermissionType{
	PermissionCamera:        cdpbrowser.PermissionTypeVideoCapture,
	PermissionMicrophone:    cdpbrowser.PermissionTypeAudioCapture,
	PermissionNotifications: cdpbrowser.PermissionTypeNotifications,
}

// Manager launches one Chrome per Session through chromedp.
type Manager struct {
	cfg config.BrowserConfig
}

func NewManager(cfg config.BrowserConfig) *Manager {
	return &Manager{cfg: cfg}
}

func (m *Manager) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", m.cfg.Headless),
		chromedp.Flag("use-fake-ui-for-media-stream", true),
		chromedp.Flag("disable-notifications", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
	)
	if m.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if m.cfg.FakeMediaDevice {
		opts = append(opts, chromedp.Flag("use-fake-device-for-media-stream", true))
	}
	if m.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.ExecPath))
	}
	if m.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(m.cfg.UserAgent))
	}
	if m.cfg.WindowWidth > 0 && m.cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(m.cfg.WindowWidth, m.cfg.WindowHeight))
	}
	for _, flag := range m.cfg.ExtraFlags {
		name, value, hasValue := strings.Cut(strings.TrimLeft(flag, "-"), "=")
		if hasValue {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	return opts
}

// Open launches an isolated browser, resets any permission overrides and
// grants exactly permissions to the origin of target. Any failure tears
// down what was started and returns a *SessionInitError.
func (m *Manager) Open(ctx context.Context, target string, permissions []Permission) (*Session, error) {
	if err := privilege.CheckSandbox(m.cfg.NoSandbox); err != nil {
		return nil, &SessionInitError{Step: "sandbox", Err: err}
	}
	origin, err := originOf(target)
	if err != nil {
		return nil, &SessionInitError{Step: "target", Err: err}
	}
	grant := make([]cdpbrowser.PermissionType, 0, len(permissions))
	for _, p := range permissions {
		pt, ok := permissionTypes[p]
		if !ok {
			return nil, &SessionInitError{Step: "permissions", Err: fmt.Errorf("unknown permission %q", p)}
		}
		grant = append(grant, pt)
	}

	// The browser outlives the caller's request context; Session.Close ends it.
	base := context.WithoutCancel(ctx)
	allocCtx, allocCancel := chromedp.NewExecAllocator(base, m.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...)) }),
		chromedp.WithErrorf(func(format string, args ...any) { log.Warn(fmt.Sprintf(format, args...)) }),
	)
	release := func() error {
		err := chromedp.Cancel(tabCtx)
		tabCancel()
		allocCancel()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	// The first Run starts the browser; it must use the tab context itself,
	// so the launch deadline cancels the tab instead of a derived context.
	launchTimer := time.AfterFunc(m.cfg.LaunchTimeout, tabCancel)
	err = chromedp.Run(tabCtx)
	launchTimer.Stop()
	if err != nil {
		release()
		return nil, &SessionInitError{Step: "launch", Err: err}
	}

	page := &cdpPage{tab: tabCtx}
	err = page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		exec := cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser)
		if err := cdpbrowser.ResetPermissions().Do(exec); err != nil {
			return fmt.Errorf("reset permissions: %w", err)
		}
		if len(grant) == 0 {
			return nil
		}
		return cdpbrowser.GrantPermissions(grant).WithOrigin(origin).Do(exec)
	}))
	if err != nil {
		release()
		return nil, &SessionInitError{Step: "grant permissions", Err: err}
	}

	log.Info("browser session opened", "origin", origin, "permissions", permissions)
	return NewSession(target, permissions, page, release), nil
}

func originOf(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("target %q has no origin", target)
	}
	return u.Scheme + "://" + u.Host, nil
}

// cdpPage runs actions against one chromedp tab context.
type cdpPage struct {
	tab context.Context
}

// run executes actions in a child of the tab context that also honours the
// caller's cancellation and deadline. Cancelling the child never closes the tab.
func (p *cdpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.tab)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *cdpPage) nodes(ctx context.Context, s selectors.Strategy) ([]*cdp.Node, error) {
	expr, xpath := s.Query()
	by := chromedp.ByQueryAll
	if xpath {
		by = chromedp.BySearch
	}
	var nodes []*cdp.Node
	if err := p.run(ctx, chromedp.Nodes(expr, &nodes, by, chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("query %s: %w", s, err)
	}
	return nodes, nil
}

func (p *cdpPage) first(ctx context.Context, s selectors.Strategy) (*cdp.Node, error) {
	nodes, err := p.nodes(ctx, s)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s)
	}
	return nodes[0], nil
}

func (p *cdpPage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *cdpPage) Location(ctx context.Context) (string, error) {
	var loc string
	err := p.run(ctx, chromedp.Location(&loc))
	return loc, err
}

func (p *cdpPage) Exists(ctx context.Context, s selectors.Strategy) (bool, error) {
	nodes, err := p.nodes(ctx, s)
	return len(nodes) > 0, err
}

func (p *cdpPage) Click(ctx context.Context, s selectors.Strategy) error {
	node, err := p.first(ctx, s)
	if err != nil {
		return err
	}
	return p.run(ctx, chromedp.MouseClickNode(node))
}

func (p *cdpPage) Fill(ctx context.Context, s selectors.Strategy, value string) error {
	node, err := p.first(ctx, s)
	if err != nil {
		return err
	}
	ids := []cdp.NodeID{node.NodeID}
	return p.run(ctx,
		chromedp.SetValue(ids, "", chromedp.ByNodeID),
		chromedp.SendKeys(ids, value, chromedp.ByNodeID),
	)
}

func (p *cdpPage) Submit(ctx context.Context, s selectors.Strategy) error {
	node, err := p.first(ctx, s)
	if err != nil {
		return err
	}
	return p.run(ctx, chromedp.SendKeys([]cdp.NodeID{node.NodeID}, kb.Enter, chromedp.ByNodeID))
}

func (p *cdpPage) Evaluate(ctx context.Context, expression string, out any) error {
	return p.run(ctx, chromedp.Evaluate(expression, out, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	}))
}
