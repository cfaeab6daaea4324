package orchestrator

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/logging"
	"github.com/breeze-rmm/meetbot/internal/media"
)

var ErrInvalidRequest = errors.New("invalid run request")

var meetingCode = regexp.MustCompile(`^[a-z0-9-]+$`)

// Request triggers one run. Nil optional fields fall back to configuration.
type Request struct {
	MeetingID      string        `json:"meetingId,omitempty"`
	MeetingLink    string        `json:"meetingLink,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
	MuteMicrophone *bool         `json:"muteMicrophone,omitempty"`
	DisableCamera  *bool         `json:"disableCamera,omitempty"`
	Capture        *bool         `json:"capture,omitempty"`
}

// Plan is a validated request with every default applied.
type Plan struct {
	MeetingID  string
	MeetingURL string
	Duration   time.Duration
	Media      media.Preferences
	Capture    bool
}

// Resolve validates req against cfg. A bare meeting code becomes a link
// under run.meeting_base_url; an explicit link must point there too.
func Resolve(cfg *config.Config, req Request) (Plan, error) {
	base := strings.TrimSuffix(cfg.Run.MeetingBaseURL, "/")
	var code string
	switch {
	case req.MeetingLink != "":
		link := strings.TrimSpace(req.MeetingLink)
		rest, ok := strings.CutPrefix(link, base+"/")
		if !ok || !meetingCode.MatchString(rest) {
			return Plan{}, fmt.Errorf("%w: meeting link %q must look like %s/<code>", ErrInvalidRequest, link, base)
		}
		code = rest
	case req.MeetingID != "":
		code = strings.ToLower(strings.TrimSpace(req.MeetingID))
		if !meetingCode.MatchString(code) {
			return Plan{}, fmt.Errorf("%w: meeting id %q may only contain a-z, 0-9 and '-'", ErrInvalidRequest, req.MeetingID)
		}
	default:
		return Plan{}, fmt.Errorf("%w: meeting id or link is required", ErrInvalidRequest)
	}
	if req.Duration < 0 {
		return Plan{}, fmt.Errorf("%w: duration must not be negative", ErrInvalidRequest)
	}

	duration, clamped := clampDuration(req.Duration, cfg.Run)
	if clamped {
		log.Warn("requested duration out of range, clamped",
			"meetingId", code,
			"requestedMs", req.Duration.Milliseconds(),
			logging.KeyDurationMs, duration.Milliseconds(),
			"minMs", cfg.Run.MinDuration.Milliseconds(),
			"maxMs", cfg.Run.MaxDuration.Milliseconds(),
		)
	}

	target := base + "/" + url.PathEscape(code)
	return Plan{
		MeetingID:  code,
		MeetingURL: target,
		Duration:   duration,
		Media: media.Preferences{
			MuteMicrophone: orDefault(req.MuteMicrophone, cfg.Media.MuteMicrophone),
			DisableCamera:  orDefault(req.DisableCamera, cfg.Media.DisableCamera),
		},
		Capture: orDefault(req.Capture, cfg.Capture.Enabled),
	}, nil
}

// clampDuration applies the default and the run bounds. The flag reports an
// explicit request that fell outside them.
func clampDuration(d time.Duration, cfg config.RunConfig) (time.Duration, bool) {
	explicit := d != 0
	if !explicit {
		d = cfg.DefaultDuration
	}
	out := min(max(d, cfg.MinDuration), cfg.MaxDuration)
	return out, explicit && out != d
}

func orDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
