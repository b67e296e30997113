// Package connwatch tracks whether an external service, in practice
// the model provider, is reachable.
//
// This is distinct from httpkit's transport-level retry, which absorbs
// sub-second dial errors. A Watcher covers outages measured in seconds
// to minutes: a restarting Ollama, an expired API key, a network
// partition. While the service is down it probes with exponential
// backoff; once it is up it polls at a steady interval.
//
// Turns are never blocked on the watcher. A turn against an unreachable
// provider fails with a retryable completion error as usual; the
// watcher only makes the outage visible in logs and on /health.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe checks whether the service is reachable. Return nil if healthy.
type Probe func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// Initial is the delay after the first failed probe.
	Initial time.Duration

	// Max caps the delay growth.
	Max time.Duration

	// Factor scales the delay after each consecutive failure.
	Factor float64

	// Poll is the interval between probes while the service is up.
	Poll time.Duration

	// Timeout bounds each probe call.
	Timeout time.Duration
}

// DefaultBackoff probes after 2s, 4s, 8s ... capped at 60s while down,
// and every 30s while up.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 2 * time.Second,
		Max:     60 * time.Second,
		Factor:  2.0,
		Poll:    30 * time.Second,
		Timeout: 10 * time.Second,
	}
}

// withDefaults replaces zero fields with DefaultBackoff values.
func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Factor < 1 {
		b.Factor = d.Factor
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// Status is the health of the watched service, shaped for the health
// endpoint.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures"`
}

// Watcher probes one service. Create with [New].
type Watcher struct {
	name     string
	probe    Probe
	backoff  Backoff
	logger   *slog.Logger
	onChange func(Status)
	now      func() time.Time

	mu      sync.Mutex
	status  Status
	checked bool
}

// Option configures a [Watcher].
type Option func(*Watcher)

// WithBackoff sets probe timing. Zero fields keep their defaults.
func WithBackoff(b Backoff) Option {
	return func(w *Watcher) { w.backoff = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// OnChange registers fn to run after every readiness transition,
// including the first probe result. It runs on the probing goroutine
// and must not block.
func OnChange(fn func(Status)) Option {
	return func(w *Watcher) { w.onChange = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// New returns a Watcher for the named service. It does nothing until
// [Watcher.Run] or [Watcher.Check] is called.
func New(name string, probe Probe, opts ...Option) *Watcher {
	if probe == nil {
		panic("connwatch: nil probe")
	}
	w := &Watcher{
		name:   name,
		probe:  probe,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	w.backoff = w.backoff.withDefaults()
	w.status.Name = name
	return w
}

// Status returns the latest known health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Check probes once and records the result.
func (w *Watcher) Check(ctx context.Context) Status {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.Timeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		// Shutting down; an interrupted probe says nothing about the
		// service.
		return w.Status()
	}

	now := w.now()
	w.mu.Lock()
	first := !w.checked
	w.checked = true
	was := w.status.Ready
	w.status.LastCheck = now
	if err != nil {
		w.status.Ready = false
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.Ready = true
		w.status.LastError = ""
		w.status.Failures = 0
	}
	changed := first || was != w.status.Ready
	if changed {
		w.status.Since = now
	}
	st := w.status
	w.mu.Unlock()

	switch {
	case changed && st.Ready:
		w.logger.Info("service reachable", "service", w.name)
	case changed:
		w.logger.Warn("service unreachable", "service", w.name, "error", err)
	case !st.Ready:
		w.logger.Debug("service still unreachable", "service", w.name, "failures", st.Failures, "error", err)
	}
	if changed && w.onChange != nil {
		w.onChange(st)
	}
	return st
}

// Run probes until ctx is done: with growing delays while the service
// is down, every Poll interval while it is up. It always returns nil,
// so it can run under an errgroup without ending the group.
func (w *Watcher) Run(ctx context.Context) error {
	b := w.backoff
	delay := b.Initial
	for {
		st := w.Check(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait := b.Poll
		if st.Ready {
			delay = b.Initial
		} else {
			wait = delay
			delay = min(time.Duration(float64(delay)*b.Factor), b.Max)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
