package browser_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/meetbot/internal/browser"
	"github.com/breeze-rmm/meetbot/internal/browser/browsertest"
	"github.com/breeze-rmm/meetbot/internal/selectors"
)

var leave = selectors.Strategy{Kind: selectors.KindAriaLabel, Value: "Leave call", Tag: "button"}

func TestCloseTearsDownExactlyOnce(t *testing.T) {
	var calls int
	var mu sync.Mutex
	sess := browser.NewSession("https://meet.google.com/abc-defg-hij", browser.MeetingPermissions, browsertest.New(), func() error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("chrome already gone")
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.Close(); err == nil {
				t.Error("Close should report the teardown error on every call")
			}
		}()
	}
	wg.Wait()

	if calls != 1 || sess.Teardowns() != 1 {
		t.Fatalf("teardown ran %d times (Teardowns=%d), want 1", calls, sess.Teardowns())
	}
	if sess.State() != browser.StateClosed || !sess.Closed() {
		t.Fatalf("state = %s, want closed", sess.State())
	}
}

func TestPageOperationsFailAfterClose(t *testing.T) {
	page := browsertest.New()
	page.Show(leave)
	sess := page.Session("https://meet.google.com/abc-defg-hij")
	p := sess.Page()

	if ok, err := p.Exists(context.Background(), leave); err != nil || !ok {
		t.Fatalf("Exists before close = %v, %v", ok, err)
	}
	sess.Close()

	ctx := context.Background()
	checks := map[string]error{
		"Exists":   func() error { _, err := p.Exists(ctx, leave); return err }(),
		"Click":    p.Click(ctx, leave),
		"Fill":     p.Fill(ctx, leave, "x"),
		"Submit":   p.Submit(ctx, leave),
		"Navigate": p.Navigate(ctx, "https://example.com"),
		"Evaluate": p.Evaluate(ctx, "1", new(int)),
	}
	for name, err := range checks {
		if !errors.Is(err, browser.ErrSessionClosed) {
			t.Fatalf("%s after close = %v, want ErrSessionClosed", name, err)
		}
	}
	if len(page.Clicks()) != 0 {
		t.Fatal("closed session reached the underlying page")
	}
}

func TestSetStateAfterCloseIsIgnored(t *testing.T) {
	sess := browsertest.New().Session("https://meet.google.com/x")
	sess.SetState(browser.StateJoining)
	sess.Close()
	sess.SetState(browser.StateJoined)
	if sess.State() != browser.StateClosed {
		t.Fatalf("state = %s, want closed", sess.State())
	}
}

func TestRequire(t *testing.T) {
	sess := browsertest.New().Session("https://meet.google.com/x")
	sess.SetState(browser.StateNavigating)

	if err := sess.Require(browser.StateNavigating, browser.StateJoining); err != nil {
		t.Fatalf("Require: %v", err)
	}
	if err := sess.Require(browser.StateJoined); !errors.Is(err, browser.ErrInvalidState) {
		t.Fatalf("Require(joined) = %v, want ErrInvalidState", err)
	}
	sess.Close()
	if err := sess.Require(browser.StateJoined); !errors.Is(err, browser.ErrSessionClosed) {
		t.Fatalf("Require after close = %v, want ErrSessionClosed", err)
	}
}

func TestClickFirstTriesStrategiesInOrder(t *testing.T) {
	primary := selectors.Strategy{Kind: selectors.KindText, Value: "Join now", Tag: "span"}
	fallback := selectors.Strategy{Kind: selectors.KindAriaLabel, Value: "Join call", Tag: "button"}
	page := browsertest.New()
	page.Show(fallback)

	ok, err := browser.ClickFirst(context.Background(), page, []selectors.Strategy{primary, fallback})
	if err != nil || !ok {
		t.Fatalf("ClickFirst = %v, %v", ok, err)
	}
	if page.ClickCount(fallback) != 1 || page.ClickCount(primary) != 0 {
		t.Fatalf("clicks = %v", page.Clicks())
	}
}

func TestClickFirstAbsentIsNotAnError(t *testing.T) {
	ok, err := browser.ClickFirst(context.Background(), browsertest.New(), []selectors.Strategy{leave})
	if err != nil || ok {
		t.Fatalf("ClickFirst on empty page = %v, %v; want false, nil", ok, err)
	}
}

func TestClickFirstPropagatesFaults(t *testing.T) {
	page := browsertest.New()
	page.Fail(errors.New("target crashed"))
	if _, err := browser.ClickFirst(context.Background(), page, []selectors.Strategy{leave}); err == nil {
		t.Fatal("expected page fault")
	}
}

func TestWaitForSucceedsWhenConditionTurnsTrue(t *testing.T) {
	page := browsertest.New()
	time.AfterFunc(30*time.Millisecond, func() { page.Show(leave) })

	err := browser.WaitFor(context.Background(), 2*time.Second, 5*time.Millisecond, func(ctx context.Context) (bool, error) {
		return page.Exists(ctx, leave)
	})
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
}

func TestWaitForTimesOut(t *testing.T) {
	start := time.Now()
	err := browser.WaitFor(context.Background(), 50*time.Millisecond, 5*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, browser.ErrWaitTimeout) {
		t.Fatalf("WaitFor = %v, want ErrWaitTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("WaitFor overran its timeout")
	}
}

func TestWaitForReportsParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	err := browser.WaitFor(ctx, time.Minute, 5*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitFor = %v, want context.Canceled", err)
	}
}

func TestWaitForPropagatesConditionError(t *testing.T) {
	boom := errors.New("boom")
	err := browser.WaitFor(context.Background(), time.Second, 5*time.Millisecond, func(context.Context) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WaitFor = %v, want boom", err)
	}
}

func TestSessionExposesGrantCopy(t *testing.T) {
	target := "https://meet.google.com/abc-defg-hij"
	sess := browsertest.New().Session(target)
	if sess.Target() != target {
		t.Fatalf("Target = %q", sess.Target())
	}
	perms := sess.Permissions()
	if len(perms) != len(browser.MeetingPermissions) {
		t.Fatalf("Permissions = %v", perms)
	}
	perms[0] = "geolocation"
	if sess.Permissions()[0] == "geolocation" {
		t.Fatal("Permissions should return a copy")
	}
}
