package application

import (
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/ericfisherdev/acctswitch/internal/domain/model"
)

// tickInterval is the countdown resolution.
const tickInterval = time.Second

// ExpiryEventKind identifies what an ExpiryEvent reports.
type ExpiryEventKind string

const (
	ExpiryTick    ExpiryEventKind = "tick"
	ExpiryWarn    ExpiryEventKind = "warn"
	ExpiryExpired ExpiryEventKind = "expired"
)

// ExpiryEvent is emitted by ExpiryWatcher. ExpiresAt identifies the run that
// produced it so receivers can drop events for a credential they replaced.
type ExpiryEvent struct {
	Kind      ExpiryEventKind
	ExpiresAt time.Time
	Remaining time.Duration
	Minutes   int
	Seconds   int
}

// WatcherConfig holds the countdown policy.
type WatcherConfig struct {
	// Threshold is the remaining time at or below which a single warn event
	// is emitted. Zero disables warnings.
	Threshold time.Duration
	// SkewTolerance is added to MaxLifetime before a remaining time is
	// considered impossible.
	SkewTolerance time.Duration
	// MaxLifetime is the longest lifetime the API grants a proxy credential.
	// Zero disables the upper bound check.
	MaxLifetime time.Duration
}

// ExpiryWatcher turns an absolute expiry into a once-per-second countdown.
// Each Start launches one goroutine that lives until Stop, the next Start,
// or the expired event.
type ExpiryWatcher struct {
	clock  clock.WithTicker
	cfg    WatcherConfig
	logger *slog.Logger

	mu     sync.Mutex
	notify func(ExpiryEvent)
	stop   chan struct{}
	done   chan struct{}
}

// NewExpiryWatcher creates a stopped watcher.
func NewExpiryWatcher(clk clock.WithTicker, cfg WatcherConfig, logger *slog.Logger) *ExpiryWatcher {
	return &ExpiryWatcher{
		clock:  clk,
		cfg:    cfg,
		logger: logger,
	}
}

// Notify registers the receiver of subsequent runs. It replaces any
// previous receiver.
func (w *ExpiryWatcher) Notify(fn func(ExpiryEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notify = fn
}

// Start begins counting down to expiresAt, replacing any running countdown.
// A zero expiresAt means the credential does not expire: nothing is scheduled.
func (w *ExpiryWatcher) Start(expiresAt time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()
	if expiresAt.IsZero() {
		w.logger.Debug("expiry watcher idle: credential has no expiry")
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	w.stop, w.done = stop, done

	cd := &countdown{expiresAt: expiresAt, cfg: w.cfg}
	ticker := w.clock.NewTicker(tickInterval)
	go w.run(cd, ticker, w.notify, stop, done)
}

// Stop cancels the running countdown. It is idempotent and safe to call
// from within the notify callback; use Wait to block until the goroutine exits.
func (w *ExpiryWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *ExpiryWatcher) stopLocked() {
	if w.stop == nil {
		return
	}
	close(w.stop)
	w.stop = nil
}

// Wait blocks until the most recently started countdown goroutine has exited.
func (w *ExpiryWatcher) Wait() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether a countdown is active.
func (w *ExpiryWatcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stop != nil
}

func (w *ExpiryWatcher) run(cd *countdown, ticker clock.Ticker, notify func(ExpiryEvent), stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		events, skewed := cd.observe(w.clock.Now())
		if skewed {
			w.logger.Warn("treating credential as expired",
				"error", model.ErrClockSkew,
				"expires_at", cd.expiresAt,
				"max_lifetime", w.cfg.MaxLifetime,
			)
		}

		for _, ev := range events {
			select {
			case <-stop:
				return
			default:
			}
			if notify != nil {
				notify(ev)
			}
		}

		if cd.finished {
			w.mu.Lock()
			if w.stop == stop {
				w.stop = nil
			}
			w.mu.Unlock()
			return
		}

		select {
		case <-stop:
			return
		case <-ticker.C():
		}
	}
}

// countdown is the per-run state of the watcher, kept free of goroutines so
// the threshold policy can be tested on its own.
type countdown struct {
	expiresAt time.Time
	cfg       WatcherConfig
	warned    bool
	finished  bool
}

// observe returns the events due at now. A warn event is emitted the first
// time the remaining time is at or below the threshold and never again.
// skewed reports a remaining time longer than any proxy credential can have,
// which is handled as an expiry.
func (c *countdown) observe(now time.Time) (events []ExpiryEvent, skewed bool) {
	if c.finished {
		return nil, false
	}

	remaining := c.expiresAt.Sub(now)
	if c.cfg.MaxLifetime > 0 && remaining > c.cfg.MaxLifetime+c.cfg.SkewTolerance {
		skewed = true
		remaining = 0
	}
	if remaining < 0 {
		remaining = 0
	}

	events = append(events, c.event(ExpiryTick, remaining))

	if remaining == 0 {
		c.finished = true
		events = append(events, c.event(ExpiryExpired, 0))
		return events, skewed
	}

	if !c.warned && c.cfg.Threshold > 0 && remaining <= c.cfg.Threshold {
		c.warned = true
		events = append(events, c.event(ExpiryWarn, remaining))
	}
	return events, false
}

func (c *countdown) event(kind ExpiryEventKind, remaining time.Duration) ExpiryEvent {
	secs := int(remaining / time.Second)
	return ExpiryEvent{
		Kind:      kind,
		ExpiresAt: c.expiresAt,
		Remaining: remaining,
		Minutes:   secs / 60,
		Seconds:   secs % 60,
	}
}
