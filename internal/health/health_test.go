package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/webpilot/internal/events"
)

func fastSchedule() Schedule {
	return Schedule{
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func quietMonitor() *Monitor {
	return NewMonitor(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// changes records OnChange calls.
type changes struct {
	mu  sync.Mutex
	got []bool
}

func (c *changes) record(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, s.Ready)
}

func (c *changes) list() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.got...)
}

func TestDefaultSchedule(t *testing.T) {
	s := DefaultSchedule()
	if s.InitialDelay != 2*time.Second || s.MaxDelay != time.Minute || s.MaxRetries != 10 || s.PollInterval != time.Minute {
		t.Errorf("DefaultSchedule() = %+v", s)
	}
	if got := (Schedule{}).withDefaults(); got != s {
		t.Errorf("zero schedule defaults = %+v", got)
	}
}

func TestWatcher_ReadyImmediately(t *testing.T) {
	m := quietMonitor()
	defer m.Stop()

	var ch changes
	w := m.Watch(context.Background(), WatchConfig{
		Name:     "worker",
		Probe:    func(context.Context) error { return nil },
		Schedule: fastSchedule(),
		OnChange: ch.record,
	})

	waitFor(t, "ready", w.Ready)
	if got := ch.list(); len(got) != 1 || !got[0] {
		t.Errorf("OnChange calls = %v, want [true]", got)
	}
	if s := w.Status(); s.LastError != "" || s.LastCheck.IsZero() {
		t.Errorf("status = %+v", s)
	}
}

func TestWatcher_BackoffThenRecovery(t *testing.T) {
	m := quietMonitor()
	defer m.Stop()

	var calls atomic.Int32
	var ch changes
	w := m.Watch(context.Background(), WatchConfig{
		Name: "llm",
		Probe: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
		Schedule: fastSchedule(),
		OnChange: ch.record,
	})

	waitFor(t, "ready", w.Ready)
	if got := ch.list(); len(got) != 2 || got[0] || !got[1] {
		t.Errorf("OnChange calls = %v, want [false true]", got)
	}
}

func TestWatcher_GoesDown(t *testing.T) {
	m := quietMonitor()
	defer m.Stop()

	var healthy atomic.Bool
	healthy.Store(true)
	w := m.Watch(context.Background(), WatchConfig{
		Name: "worker",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("worker exited")
		},
		Schedule: fastSchedule(),
	})

	waitFor(t, "ready", w.Ready)
	healthy.Store(false)
	waitFor(t, "down", func() bool { return !w.Ready() })

	if s := w.Status(); s.LastError != "worker exited" || s.Checks < 2 {
		t.Errorf("status = %+v", s)
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	m := quietMonitor()
	defer m.Stop()

	sched := fastSchedule()
	sched.ProbeTimeout = 5 * time.Millisecond
	w := m.Watch(context.Background(), WatchConfig{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Schedule: sched,
	})

	waitFor(t, "a failed check", func() bool { return w.Status().Checks > 0 })
	if s := w.Status(); s.Ready || s.LastError == "" {
		t.Errorf("status = %+v", s)
	}
}

func TestMonitor_StatusesAndHealthy(t *testing.T) {
	m := quietMonitor()
	defer m.Stop()

	m.Watch(context.Background(), WatchConfig{Name: "worker", Probe: func(context.Context) error { return nil }, Schedule: fastSchedule()})
	m.Watch(context.Background(), WatchConfig{Name: "llm", Probe: func(context.Context) error { return errors.New("down") }, Schedule: fastSchedule()})

	waitFor(t, "both checked", func() bool {
		for _, s := range m.Statuses() {
			if s.Checks == 0 {
				return false
			}
		}
		return true
	})

	st := m.Statuses()
	if len(st) != 2 || st[0].Name != "llm" || st[1].Name != "worker" {
		t.Fatalf("Statuses() = %+v", st)
	}
	if m.Healthy() {
		t.Error("Healthy() = true with llm down")
	}
}

func TestMonitor_StopWaits(t *testing.T) {
	m := quietMonitor()
	var calls atomic.Int32
	m.Watch(context.Background(), WatchConfig{
		Name:     "worker",
		Probe:    func(context.Context) error { calls.Add(1); return nil },
		Schedule: fastSchedule(),
	})
	waitFor(t, "first probe", func() bool { return calls.Load() > 0 })

	m.Stop()
	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != after {
		t.Error("probes continued after Stop")
	}
	if len(m.Statuses()) != 0 {
		t.Error("watchers left after Stop")
	}
}

func TestWatch_PanicsWithoutProbe(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	quietMonitor().Watch(context.Background(), WatchConfig{Name: "x"})
}

func TestPublish(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	Publish(bus)(Status{Name: "llm", Ready: false, LastError: "refused"})

	e := <-ch
	if e.Source != events.SourceHealth || e.Kind != events.KindServiceStatus {
		t.Errorf("event = %+v", e)
	}
	if e.Data["service"] != "llm" || e.Data["ready"] != false || e.Data["error"] != "refused" {
		t.Errorf("data = %v", e.Data)
	}
}
