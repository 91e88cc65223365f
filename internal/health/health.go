// Package health watches the services WebPilot depends on (the browser
// worker and the language-model backend) and reports their status to
// the /health endpoint and the event bus.
//
// A watcher probes aggressively while a service is coming up, with
// exponential backoff between failures, and then settles into periodic
// polling. Probes never restart anything; they only observe.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/webpilot/internal/events"
)

// Probe checks whether a service is reachable. nil means healthy.
type Probe func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	InitialDelay time.Duration // first startup retry delay, default 2s
	MaxDelay     time.Duration // startup delay ceiling, default 60s
	Multiplier   float64       // default 2
	MaxRetries   int           // startup probes before settling, default 10
	PollInterval time.Duration // steady-state interval, default 60s
	ProbeTimeout time.Duration // per-probe bound, default 10s
}

// DefaultSchedule returns 2s, 4s, 8s ... capped at 60s for up to ten
// startup probes, then a probe every minute.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.Multiplier < 1 {
		s.Multiplier = d.Multiplier
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = d.MaxRetries
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// Status is the health of one service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checks    int       `json:"checks"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// WatchConfig configures one watcher.
type WatchConfig struct {
	Name     string
	Probe    Probe
	Schedule Schedule

	// OnChange is called, from the watcher goroutine, whenever Ready
	// flips and once after the first probe. It must not block.
	OnChange func(Status)
}

// Watcher probes one service until stopped.
type Watcher struct {
	cfg    WatchConfig
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Status returns the current status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	sched := w.cfg.Schedule
	delay := sched.InitialDelay
	starting := true

	for attempt := 1; ; attempt++ {
		err := w.check(ctx)

		next := sched.PollInterval
		if starting {
			switch {
			case err == nil:
				w.logger.Info("service reachable", "after_attempts", attempt)
				starting = false
			case attempt >= sched.MaxRetries:
				w.logger.Warn("service still unreachable, polling in background", "attempts", attempt, "error", err)
				starting = false
			default:
				w.logger.Debug("startup probe failed", "attempt", attempt, "retry_in", delay, "error", err)
				next = delay
				delay = min(time.Duration(float64(delay)*sched.Multiplier), sched.MaxDelay)
			}
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe and records the result.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Schedule.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()

	if ctx.Err() != nil {
		// Shutting down; a canceled probe says nothing about the service.
		return err
	}

	w.mu.Lock()
	first := w.status.Checks == 0
	was := w.status.Ready
	w.status.Checks++
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	snap := w.status
	w.mu.Unlock()

	if !first && was != snap.Ready {
		if snap.Ready {
			w.logger.Info("service recovered")
		} else {
			w.logger.Warn("service became unreachable", "error", err)
		}
	}
	if (first || was != snap.Ready) && w.cfg.OnChange != nil {
		w.cfg.OnChange(snap)
	}
	return err
}

// Monitor owns a set of watchers.
type Monitor struct {
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewMonitor creates an empty monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts a watcher for cfg.Name, replacing any previous watcher
// of the same name. It panics if Name or Probe is missing.
func (m *Monitor) Watch(ctx context.Context, cfg WatchConfig) *Watcher {
	if cfg.Name == "" || cfg.Probe == nil {
		panic("health: WatchConfig needs Name and Probe")
	}
	cfg.Schedule = cfg.Schedule.withDefaults()

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		logger: m.logger.With("service", cfg.Name),
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: cfg.Name},
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(wctx)
	return w
}

// Statuses returns every watcher's status sorted by name.
func (m *Monitor) Statuses() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Monitor) Healthy() bool {
	for _, s := range m.Statuses() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop stops every watcher and waits for them.
func (m *Monitor) Stop() {
	m.mu.Lock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range ws {
		w.Stop()
	}
}

// Publish returns an OnChange callback that posts status changes to bus.
func Publish(bus *events.Bus) func(Status) {
	return func(s Status) {
		data := map[string]any{"service": s.Name, "ready": s.Ready}
		if s.LastError != "" {
			data["error"] = s.LastError
		}
		bus.Emit(events.SourceHealth, events.KindServiceStatus, data)
	}
}
