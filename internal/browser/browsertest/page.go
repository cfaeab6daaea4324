// Package browsertest provides an in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/breeze-rmm/meetbot/internal/browser"
	"github.com/breeze-rmm/meetbot/internal/selectors"
)

// Page simulates a tab as a set of visible strategies. Hooks let a test
// script how the UI reacts to clicks, fills and navigation.
type Page struct {
	mu        sync.Mutex
	url       string
	visible   map[selectors.Strategy]bool
	onClick   map[selectors.Strategy]func(*Page)
	onSubmit  map[selectors.Strategy]func(*Page)
	onNav     func(p *Page, url string)
	evaluate  func(ctx context.Context, expr string, out any) error
	fault     error
	clicks    []selectors.Strategy
	fills     map[selectors.Strategy]string
	submits   []selectors.Strategy
	navs      []string
	existsHit int
}

func New() *Page {
	return &Page{
		visible:  make(map[selectors.Strategy]bool),
		onClick:  make(map[selectors.Strategy]func(*Page)),
		onSubmit: make(map[selectors.Strategy]func(*Page)),
		fills:    make(map[selectors.Strategy]string),
	}
}

// Session wraps the page in a browser.Session with a no-op teardown.
func (p *Page) Session(target string) *browser.Session {
	return browser.NewSession(target, browser.MeetingPermissions, p, func() error { return nil })
}

func (p *Page) Show(strategies ...selectors.Strategy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range strategies {
		p.visible[s] = true
	}
}

func (p *Page) Hide(strategies ...selectors.Strategy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range strategies {
		delete(p.visible, s)
	}
}

// HideAll clears every visible element.
func (p *Page) HideAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.visible)
}

func (p *Page) Visible(s selectors.Strategy) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible[s]
}

func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// Fail makes every subsequent operation return err (nil clears it).
func (p *Page) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fault = err
}

func (p *Page) OnClick(s selectors.Strategy, fn func(*Page)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClick[s] = fn
}

func (p *Page) OnSubmit(s selectors.Strategy, fn func(*Page)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSubmit[s] = fn
}

func (p *Page) OnNavigate(fn func(p *Page, url string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNav = fn
}

// OnEvaluate installs the handler for Evaluate.
func (p *Page) OnEvaluate(fn func(ctx context.Context, expr string, out any) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evaluate = fn
}

// EvaluateReturns makes Evaluate decode v into out as the page would.
func (p *Page) EvaluateReturns(v any) {
	p.OnEvaluate(func(_ context.Context, _ string, out any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, out)
	})
}

func (p *Page) Clicks() []selectors.Strategy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]selectors.Strategy(nil), p.clicks...)
}

// ClickCount counts clicks on s.
func (p *Page) ClickCount(s selectors.Strategy) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.clicks {
		if c == s {
			n++
		}
	}
	return n
}

func (p *Page) Filled(s selectors.Strategy) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.fills[s]
	return v, ok
}

func (p *Page) Submits() []selectors.Strategy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]selectors.Strategy(nil), p.submits...)
}

func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navs...)
}

// Lookups counts Exists calls.
func (p *Page) Lookups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.existsHit
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	if err := p.precheck(ctx); err != nil {
		p.mu.Unlock()
		return err
	}
	p.url = url
	p.navs = append(p.navs, url)
	hook := p.onNav
	p.mu.Unlock()

	if hook != nil {
		hook(p, url)
	}
	return nil
}

func (p *Page) Location(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.precheck(ctx); err != nil {
		return "", err
	}
	return p.url, nil
}

func (p *Page) Exists(ctx context.Context, s selectors.Strategy) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.precheck(ctx); err != nil {
		return false, err
	}
	p.existsHit++
	return p.visible[s], nil
}

func (p *Page) Click(ctx context.Context, s selectors.Strategy) error {
	p.mu.Lock()
	if err := p.precheck(ctx); err != nil {
		p.mu.Unlock()
		return err
	}
	if !p.visible[s] {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", browser.ErrNotFound, s)
	}
	p.clicks = append(p.clicks, s)
	hook := p.onClick[s]
	p.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *Page) Fill(ctx context.Context, s selectors.Strategy, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.precheck(ctx); err != nil {
		return err
	}
	if !p.visible[s] {
		return fmt.Errorf("%w: %s", browser.ErrNotFound, s)
	}
	p.fills[s] = value
	return nil
}

func (p *Page) Submit(ctx context.Context, s selectors.Strategy) error {
	p.mu.Lock()
	if err := p.precheck(ctx); err != nil {
		p.mu.Unlock()
		return err
	}
	if !p.visible[s] {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", browser.ErrNotFound, s)
	}
	p.submits = append(p.submits, s)
	hook := p.onSubmit[s]
	p.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *Page) Evaluate(ctx context.Context, expr string, out any) error {
	p.mu.Lock()
	if err := p.precheck(ctx); err != nil {
		p.mu.Unlock()
		return err
	}
	fn := p.evaluate
	p.mu.Unlock()

	if fn == nil {
		return fmt.Errorf("browsertest: no evaluate handler installed")
	}
	return fn(ctx, expr, out)
}

func (p *Page) precheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.fault
}
