package browser

import (
	"context"
	"errors"
	"time"

	"github.com/breeze-rmm/meetbot/internal/selectors"
)

// Page is the automation surface of one browser tab.
//
// Exists reports a resolvable absence as (false, nil); an error always means
// the page itself failed. Click, Fill and Submit return ErrNotFound when the
// strategy matches nothing. Evaluate awaits a returned promise and decodes
// its value into out.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	Exists(ctx context.Context, s selectors.Strategy) (bool, error)
	Click(ctx context.Context, s selectors.Strategy) error
	Fill(ctx context.Context, s selectors.Strategy, value string) error
	Submit(ctx context.Context, s selectors.Strategy) error
	Evaluate(ctx context.Context, expression string, out any) error
}

// Resolve returns the first strategy that matches an element.
func Resolve(ctx context.Context, p Page, strategies []selectors.Strategy) (selectors.Strategy, bool, error) {
	for _, s := range strategies {
		ok, err := p.Exists(ctx, s)
		if err != nil {
			return selectors.Strategy{}, false, err
		}
		if ok {
			return s, true, nil
		}
	}
	return selectors.Strategy{}, false, nil
}

// ClickFirst clicks the first matching strategy. An element that vanished
// between lookup and click counts as absent.
func ClickFirst(ctx context.Context, p Page, strategies []selectors.Strategy) (bool, error) {
	s, ok, err := Resolve(ctx, p, strategies)
	if err != nil || !ok {
		return false, err
	}
	if err := p.Click(ctx, s); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// FillFirst fills the first matching strategy with value.
func FillFirst(ctx context.Context, p Page, strategies []selectors.Strategy, value string) (selectors.Strategy, bool, error) {
	s, ok, err := Resolve(ctx, p, strategies)
	if err != nil || !ok {
		return s, false, err
	}
	if err := p.Fill(ctx, s, value); err != nil {
		if errors.Is(err, ErrNotFound) {
			return s, false, nil
		}
		return s, false, err
	}
	return s, true, nil
}

// WaitFor evaluates cond immediately and then every interval until it
// reports true. It returns ErrWaitTimeout when timeout elapses, ctx.Err()
// when ctx ends first, and any error from cond as is.
func WaitFor(ctx context.Context, timeout, interval time.Duration, cond func(context.Context) (bool, error)) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := cond(waitCtx)
		if err != nil {
			if ctx.Err() == nil && waitCtx.Err() != nil && errors.Is(err, waitCtx.Err()) {
				return ErrWaitTimeout
			}
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrWaitTimeout
		case <-ticker.C:
		}
	}
}

// Sleep pauses for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
