// Package heartbeat periodically reports bot status to the control plane.
package heartbeat

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/breeze-rmm/meetbot/internal/health"
	"github.com/breeze-rmm/meetbot/internal/logging"
)

var log = logging.L("heartbeat")

// EventName is the control-plane event carrying a Payload.
const EventName = "heartbeat"

type Payload struct {
	Status        health.Status  `json:"status"`
	BotID         string         `json:"botId"`
	BotVersion    string         `json:"botVersion"`
	ActiveRuns    int            `json:"activeRuns"`
	UptimeSeconds int64          `json:"uptime,omitempty"`
	HealthStatus  map[string]any `json:"healthStatus,omitempty"`
}

// Sender delivers an event; the websocket client satisfies it.
type Sender interface {
	SendEvent(event string, payload any) error
}

// Heartbeat sends a Payload every interval until Stop.
type Heartbeat struct {
	botID    string
	version  string
	interval time.Duration
	monitor  *health.Monitor
	active   func() int
	sender   Sender

	stopOnce sync.Once
	stopChan chan struct{}
}

func New(botID, version string, interval time.Duration, monitor *health.Monitor, active func() int, sender Sender) *Heartbeat {
	return &Heartbeat{
		botID:    botID,
		version:  version,
		interval: interval,
		monitor:  monitor,
		active:   active,
		sender:   sender,
		stopChan: make(chan struct{}),
	}
}

// Start blocks until Stop. The first beat is delayed by a random jitter of
// up to one interval.
func (h *Heartbeat) Start() {
	if h.interval <= 0 {
		log.Info("heartbeat disabled")
		return
	}

	jitter := time.Duration(rand.Int64N(int64(h.interval)))
	log.Debug("initial heartbeat jitter", "delay", jitter)
	select {
	case <-time.After(jitter):
	case <-h.stopChan:
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.send()
	for {
		select {
		case <-ticker.C:
			h.send()
		case <-h.stopChan:
			return
		}
	}
}

func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

// Payload builds the current status report.
func (h *Heartbeat) Payload() Payload {
	p := Payload{
		Status:       h.monitor.Overall(),
		BotID:        h.botID,
		BotVersion:   h.version,
		HealthStatus: h.monitor.Summary(),
	}
	if h.active != nil {
		p.ActiveRuns = h.active()
	}
	if bootTime, err := host.BootTime(); err != nil {
		log.Warn("failed to read boot time for uptime calculation", logging.KeyError, err)
	} else if bootTime > 0 {
		p.UptimeSeconds = time.Now().Unix() - int64(bootTime)
	}
	return p
}

func (h *Heartbeat) send() {
	if err := h.sender.SendEvent(EventName, h.Payload()); err != nil {
		log.Debug("heartbeat not sent", logging.KeyError, err)
	}
}
