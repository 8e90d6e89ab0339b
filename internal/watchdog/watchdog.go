// Package watchdog drives recovery from audio device loss.
//
// The central type is [Watchdog], an explicit two-state machine
// (healthy → reconnecting) with exponential backoff between reopen attempts.
// Reopen attempts run on the watchdog's own timer-driven goroutine, never
// inside a hardware callback, and continue indefinitely until the owning
// engine cancels the watchdog.
package watchdog

import (
	"log/slog"
	"sync"
	"time"
)

// State represents the current mode of a [Watchdog].
type State int

const (
	// StateHealthy means the monitored stream is up and no recovery is in
	// progress.
	StateHealthy State = iota

	// StateReconnecting means the stream was lost and timed reopen attempts
	// are running.
	StateReconnecting
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Watchdog].
type Config struct {
	// Name labels log messages, e.g. "capture" or "playback".
	Name string

	// InitialDelay is the wait before the first reopen attempt. Default: 250ms.
	InitialDelay time.Duration

	// MaxDelay caps the doubling backoff. Default: 8s.
	MaxDelay time.Duration

	// Reopen attempts to reopen the monitored stream on the same device.
	// Called on the watchdog goroutine, never on the audio hot path.
	Reopen func() error

	// OnRecover is invoked after a successful reopen, before the watchdog
	// returns to waiting for the next disconnect. Optional.
	OnRecover func()

	// Timer returns a channel that fires once after d. Defaults to
	// time.After; tests inject a fake so backoff is observable without
	// waiting.
	Timer func(d time.Duration) <-chan time.Time
}

// Watchdog monitors one hardware stream and runs the bounded-backoff
// reconnection loop when that stream reports a disconnect.
//
// All methods are safe for concurrent use.
type Watchdog struct {
	logger       *slog.Logger
	initialDelay time.Duration
	maxDelay     time.Duration
	reopen       func() error
	onRecover    func()
	timer        func(d time.Duration) <-chan time.Time

	mu        sync.Mutex
	state     State
	attempt   int
	nextDelay time.Duration

	disconnects chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// New creates a watchdog from cfg. cfg.Reopen is required.
func New(cfg Config, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 8 * time.Second
	}
	if cfg.Timer == nil {
		cfg.Timer = time.After
	}
	return &Watchdog{
		logger:       logger.With("watchdog", cfg.Name),
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
		reopen:       cfg.Reopen,
		onRecover:    cfg.OnRecover,
		timer:        cfg.Timer,
		disconnects:  make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start launches the watchdog goroutine.
func (w *Watchdog) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop cancels any in-progress reconnection loop and joins the watchdog
// goroutine. Safe to call more than once.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

// NotifyDisconnect reports that the monitored stream was lost. Non-blocking;
// safe to call from a stream's stop callback. Duplicate notifications while a
// reconnection loop is already running are ignored.
func (w *Watchdog) NotifyDisconnect() {
	w.mu.Lock()
	if w.state == StateReconnecting {
		w.mu.Unlock()
		return
	}
	w.state = StateReconnecting
	w.attempt = 1
	w.nextDelay = w.initialDelay
	w.mu.Unlock()

	select {
	case w.disconnects <- struct{}{}:
	default:
	}
}

// State returns the watchdog's current state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Attempt returns the current reconnect attempt count, 0 when healthy.
func (w *Watchdog) Attempt() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempt
}

func (w *Watchdog) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-w.disconnects:
		}
		w.reconnectLoop()
	}
}

// reconnectLoop retries until the stream reopens or the watchdog is stopped.
func (w *Watchdog) reconnectLoop() {
	for {
		w.mu.Lock()
		attempt := w.attempt
		delay := w.nextDelay
		w.mu.Unlock()

		w.logger.Info("waiting before reconnect attempt",
			"attempt", attempt,
			"delay", delay,
		)

		select {
		case <-w.done:
			return
		case <-w.timer(delay):
		}

		if err := w.reopen(); err != nil {
			w.logger.Warn("reconnect attempt failed",
				"attempt", attempt,
				"err", err,
			)
			w.mu.Lock()
			w.attempt++
			w.nextDelay *= 2
			if w.nextDelay > w.maxDelay {
				w.nextDelay = w.maxDelay
			}
			w.mu.Unlock()
			continue
		}

		w.mu.Lock()
		w.state = StateHealthy
		w.attempt = 0
		w.mu.Unlock()

		w.logger.Info("stream reconnected", "attempts", attempt)
		if w.onRecover != nil {
			w.onRecover()
		}
		return
	}
}
