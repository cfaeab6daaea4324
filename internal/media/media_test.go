package media

import (
	"context"
	"errors"
	"testing"

	"github.com/breeze-rmm/meetbot/internal/browser"
	"github.com/breeze-rmm/meetbot/internal/browser/browsertest"
	"github.com/breeze-rmm/meetbot/internal/selectors"
)

var catalog = selectors.Default()

func role(r selectors.Role) selectors.Strategy {
	return catalog.Strategies(r)[0]
}

func TestApplyTogglesBoth(t *testing.T) {
	page := browsertest.New()
	page.Show(role(selectors.RoleMuteMicrophone), role(selectors.RoleDisableCamera))

	report, err := NewAdapter(catalog).Apply(context.Background(), page.Session("t"), Preferences{MuteMicrophone: true, DisableCamera: true})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if report.Microphone != OutcomeToggled || report.Camera != OutcomeToggled {
		t.Fatalf("report = %+v", report)
	}
	if report.Toggles() != 2 {
		t.Fatalf("Toggles = %d, want 2", report.Toggles())
	}
}

func TestApplyAbsentControlIsNotAnError(t *testing.T) {
	page := browsertest.New()
	page.Show(role(selectors.RoleDisableCamera))

	report, err := NewAdapter(catalog).Apply(context.Background(), page.Session("t"), Preferences{MuteMicrophone: true, DisableCamera: true})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if report.Microphone != OutcomeAbsent || report.Camera != OutcomeToggled {
		t.Fatalf("report = %+v", report)
	}
	if !report.Pending() {
		t.Fatal("absent microphone should leave the report pending")
	}
}

func TestApplySkipsUnrequestedControls(t *testing.T) {
	page := browsertest.New()
	page.Show(role(selectors.RoleMuteMicrophone), role(selectors.RoleDisableCamera))

	report, err := NewAdapter(catalog).Apply(context.Background(), page.Session("t"), Preferences{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Microphone != OutcomeSkipped || report.Camera != OutcomeSkipped {
		t.Fatalf("report = %+v", report)
	}
	if len(page.Clicks()) != 0 {
		t.Fatalf("unrequested controls clicked: %v", page.Clicks())
	}
}

func TestApplyOnClosedSessionReportsFault(t *testing.T) {
	page := browsertest.New()
	sess := page.Session("t")
	sess.Close()

	_, err := NewAdapter(catalog).Apply(context.Background(), sess, Preferences{MuteMicrophone: true, DisableCamera: true})
	if !errors.Is(err, browser.ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

func TestReapplyOnlyRetriesAbsentControls(t *testing.T) {
	page := browsertest.New()
	page.Show(role(selectors.RoleDisableCamera))
	adapter := NewAdapter(catalog)
	sess := page.Session("t")
	prefs := Preferences{MuteMicrophone: true, DisableCamera: true}

	first, err := adapter.Apply(context.Background(), sess, prefs)
	if err != nil {
		t.Fatal(err)
	}

	page.Show(role(selectors.RoleMuteMicrophone))
	merged, err := adapter.Reapply(context.Background(), sess, first, prefs)
	if err != nil {
		t.Fatal(err)
	}
	if merged.Microphone != OutcomeToggled || merged.Camera != OutcomeToggled {
		t.Fatalf("merged = %+v", merged)
	}
	if n := page.ClickCount(role(selectors.RoleDisableCamera)); n != 1 {
		t.Fatalf("camera clicked %d times, want 1", n)
	}
}
