package heartbeat

import (
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/meetbot/internal/health"
)

type recordingSender struct {
	mu     sync.Mutex
	events []Payload
}

func (r *recordingSender) SendEvent(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event == EventName {
		r.events = append(r.events, payload.(Payload))
	}
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestPayloadReflectsHealthAndRuns(t *testing.T) {
	mon := health.NewMonitor()
	mon.Update(health.ComponentBrowser, health.Healthy, "")
	mon.Update(health.ComponentStorage, health.Degraded, "upload failed")

	h := New("bot-1", "1.2.3", time.Minute, mon, func() int { return 2 }, &recordingSender{})
	p := h.Payload()

	if p.Status != health.Degraded {
		t.Fatalf("status = %s, want degraded", p.Status)
	}
	if p.BotID != "bot-1" || p.BotVersion != "1.2.3" || p.ActiveRuns != 2 {
		t.Fatalf("payload = %+v", p)
	}
	if p.HealthStatus == nil {
		t.Fatal("health summary missing")
	}
}

func TestStartSendsUntilStop(t *testing.T) {
	sender := &recordingSender{}
	h := New("bot-1", "dev", 10*time.Millisecond, health.NewMonitor(), nil, sender)

	done := make(chan struct{})
	go func() {
		h.Start()
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("beats = %d after 2s, want >= 2", sender.count())
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Stop()
	h.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestZeroIntervalDisables(t *testing.T) {
	sender := &recordingSender{}
	New("bot-1", "dev", 0, health.NewMonitor(), nil, sender).Start()
	if sender.count() != 0 {
		t.Fatalf("beats = %d, want 0", sender.count())
	}
}
