package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fastBackoff returns millisecond timings for tests.
func fastBackoff() Backoff {
	return Backoff{
		Initial: time.Millisecond,
		Max:     4 * time.Millisecond,
		Factor:  2.0,
		Poll:    2 * time.Millisecond,
		Timeout: 100 * time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// switchProbe fails while down is set and counts calls.
type switchProbe struct {
	down  atomic.Bool
	calls atomic.Int32
}

func (p *switchProbe) probe(ctx context.Context) error {
	p.calls.Add(1)
	if p.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDefaultBackoff(t *testing.T) {
	b := DefaultBackoff()
	if b.Initial != 2*time.Second || b.Max != 60*time.Second || b.Factor != 2.0 {
		t.Errorf("DefaultBackoff() = %+v", b)
	}
	if b.Poll != 30*time.Second || b.Timeout != 10*time.Second {
		t.Errorf("DefaultBackoff() = %+v", b)
	}
}

func TestBackoff_WithDefaults(t *testing.T) {
	got := Backoff{Initial: 5 * time.Second, Max: time.Second, Factor: 0.5}.withDefaults()
	if got.Max != 5*time.Second {
		t.Errorf("Max = %v, want raised to Initial", got.Max)
	}
	if got.Factor != 2.0 || got.Poll != 30*time.Second || got.Timeout != 10*time.Second {
		t.Errorf("withDefaults() = %+v", got)
	}
}

func TestCheck_Transitions(t *testing.T) {
	p := &switchProbe{}
	var changes []Status
	clock := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	w := New("ollama", p.probe,
		WithLogger(quietLogger()),
		WithClock(func() time.Time { clock = clock.Add(time.Second); return clock }),
		OnChange(func(s Status) { changes = append(changes, s) }),
	)

	if st := w.Status(); st.Ready || !st.LastCheck.IsZero() || st.Name != "ollama" {
		t.Fatalf("initial status = %+v", st)
	}

	ctx := context.Background()
	st := w.Check(ctx)
	if !st.Ready || st.Failures != 0 || st.LastError != "" {
		t.Errorf("first check = %+v", st)
	}
	upSince := st.Since

	w.Check(ctx)
	if len(changes) != 1 {
		t.Fatalf("changes after two healthy checks = %d, want 1", len(changes))
	}
	if w.Status().Since != upSince {
		t.Error("Since moved without a transition")
	}

	p.down.Store(true)
	w.Check(ctx)
	st = w.Check(ctx)
	if st.Ready || st.Failures != 2 || st.LastError != "connection refused" {
		t.Errorf("down status = %+v", st)
	}
	if len(changes) != 2 || changes[1].Ready {
		t.Fatalf("changes = %+v, want up then down", changes)
	}

	p.down.Store(false)
	st = w.Check(ctx)
	if !st.Ready || st.Failures != 0 || !st.Since.After(upSince) {
		t.Errorf("recovered status = %+v", st)
	}
	if len(changes) != 3 || !changes[2].Ready {
		t.Errorf("changes = %+v, want a recovery", changes)
	}
}

func TestCheck_FirstFailureIsAChange(t *testing.T) {
	p := &switchProbe{}
	p.down.Store(true)
	var changed atomic.Int32
	w := New("anthropic", p.probe, WithLogger(quietLogger()), OnChange(func(Status) { changed.Add(1) }))

	if st := w.Check(context.Background()); st.Ready {
		t.Fatal("Ready after failed probe")
	}
	if changed.Load() != 1 {
		t.Errorf("OnChange calls = %d, want 1", changed.Load())
	}
}

func TestCheck_ProbeTimeout(t *testing.T) {
	w := New("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithLogger(quietLogger()), WithBackoff(Backoff{Timeout: 10 * time.Millisecond}))

	start := time.Now()
	st := w.Check(context.Background())
	if st.Ready {
		t.Error("Ready after timed-out probe")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("probe took %v, timeout not applied", elapsed)
	}
}

func TestCheck_CanceledContextRecordsNothing(t *testing.T) {
	p := &switchProbe{}
	p.down.Store(true)
	w := New("ollama", p.probe, WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := w.Check(ctx)
	if st.Failures != 0 || !st.LastCheck.IsZero() {
		t.Errorf("status after canceled check = %+v", st)
	}
}

func TestRun_RecoversAfterOutage(t *testing.T) {
	p := &switchProbe{}
	p.down.Store(true)

	var mu sync.Mutex
	var changes []bool
	w := New("ollama", p.probe,
		WithLogger(quietLogger()),
		WithBackoff(fastBackoff()),
		OnChange(func(s Status) {
			mu.Lock()
			changes = append(changes, s.Ready)
			mu.Unlock()
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, "backoff retries", func() bool { return p.calls.Load() >= 3 })
	if w.Ready() {
		t.Fatal("Ready while probe fails")
	}

	p.down.Store(false)
	waitFor(t, "recovery", w.Ready)

	// Steady polling continues while up.
	calls := p.calls.Load()
	waitFor(t, "polling", func() bool { return p.calls.Load() > calls+1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || changes[0] || !changes[1] {
		t.Errorf("transitions = %v, want [false true]", changes)
	}
}

func TestRun_ReturnsOnCanceledContext(t *testing.T) {
	w := New("ollama", (&switchProbe{}).probe, WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}

func TestNew_NilProbePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New with nil probe did not panic")
		}
	}()
	New("x", nil)
}
