package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/breeze-rmm/meetbot/internal/orchestrator"
)

// JoinPayload is the wire form of a join request, shared by the HTTP API and
// control-plane commands. Duration is in milliseconds.
type JoinPayload struct {
	MeetingLink string `json:"meetingLink,omitempty"`
	MeetingID   string `json:"meetingId,omitempty"`
	Duration    int64  `json:"duration,omitempty"`
	AudioMuted  *bool  `json:"audioMuted,omitempty"`
	VideoOff    *bool  `json:"videoOff,omitempty"`
	Capture     *bool  `json:"capture,omitempty"`
	Wait        bool   `json:"wait,omitempty"`
}

func (p JoinPayload) Request() orchestrator.Request {
	return orchestrator.Request{
		MeetingID:      p.MeetingID,
		MeetingLink:    p.MeetingLink,
		Duration:       time.Duration(p.Duration) * time.Millisecond,
		MuteMicrophone: p.AudioMuted,
		DisableCamera:  p.VideoOff,
		Capture:        p.Capture,
	}
}

// decodePayload converts a loosely typed command payload into v.
func decodePayload(payload map[string]any, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", orchestrator.ErrInvalidRequest, err)
	}
	return nil
}
