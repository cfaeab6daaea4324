// Package media toggles the local microphone and camera controls of a call.
// Every toggle is best effort: a missing control is recorded, not fatal.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/breeze-rmm/meetbot/internal/browser"
	"github.com/breeze-rmm/meetbot/internal/logging"
	"github.com/breeze-rmm/meetbot/internal/selectors"
)

var log = logging.L("media")

// Outcome is the result of one control toggle.
type Outcome string

const (
	OutcomeToggled Outcome = "toggled"
	OutcomeAbsent  Outcome = "absent"
	OutcomeSkipped Outcome = "skipped"
)

// Control names used in reports and metrics.
const (
	ControlMicrophone = "microphone"
	ControlCamera     = "camera"
)

type Preferences struct {
	MuteMicrophone bool `json:"muteMicrophone"`
	DisableCamera  bool `json:"disableCamera"`
}

type Report struct {
	Microphone Outcome `json:"microphone"`
	Camera     Outcome `json:"camera"`
}

// Toggles counts controls that were actually clicked.
func (r Report) Toggles() int {
	n := 0
	if r.Microphone == OutcomeToggled {
		n++
	}
	if r.Camera == OutcomeToggled {
		n++
	}
	return n
}

// Pending reports whether a requested control has not been toggled yet.
func (r Report) Pending() bool {
	return r.Microphone == OutcomeAbsent || r.Camera == OutcomeAbsent
}

type Adapter struct {
	catalog *selectors.Catalog
}

func NewAdapter(catalog *selectors.Catalog) *Adapter {
	return &Adapter{catalog: catalog}
}

// Apply toggles each requested control independently. Absent controls are
// reported as OutcomeAbsent; page faults are collected with errors.Join and
// the affected control is reported as skipped.
func (a *Adapter) Apply(ctx context.Context, sess *browser.Session, prefs Preferences) (Report, error) {
	page := sess.Page()
	mic, micErr := a.toggle(ctx, page, ControlMicrophone, selectors.RoleMuteMicrophone, prefs.MuteMicrophone)
	cam, camErr := a.toggle(ctx, page, ControlCamera, selectors.RoleDisableCamera, prefs.DisableCamera)
	return Report{Microphone: mic, Camera: cam}, errors.Join(micErr, camErr)
}

// Reapply retries controls that were absent in prev and merges the results.
// A control already toggled is never clicked again.
func (a *Adapter) Reapply(ctx context.Context, sess *browser.Session, prev Report, prefs Preferences) (Report, error) {
	retry := Preferences{
		MuteMicrophone: prefs.MuteMicrophone && prev.Microphone != OutcomeToggled,
		DisableCamera:  prefs.DisableCamera && prev.Camera != OutcomeToggled,
	}
	next, err := a.Apply(ctx, sess, retry)
	return merge(prev, next), err
}

func merge(prev, next Report) Report {
	pick := func(a, b Outcome) Outcome {
		switch {
		case a == OutcomeToggled || b == OutcomeToggled:
			return OutcomeToggled
		case b == OutcomeSkipped && a != "":
			return a
		default:
			return b
		}
	}
	return Report{
		Microphone: pick(prev.Microphone, next.Microphone),
		Camera:     pick(prev.Camera, next.Camera),
	}
}

func (a *Adapter) toggle(ctx context.Context, page browser.Page, control string, role selectors.Role, wanted bool) (Outcome, error) {
	if !wanted {
		return OutcomeSkipped, nil
	}
	clicked, err := browser.ClickFirst(ctx, page, a.catalog.Strategies(role))
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("media: %s: %w", control, err)
	}
	if !clicked {
		log.Debug("control not present", "control", control)
		return OutcomeAbsent, nil
	}
	log.Debug("control toggled", "control", control)
	return OutcomeToggled, nil
}
