package watchdog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errReopenFailed = errors.New("reopen failed")

// fakeTimer records every requested delay and lets the test fire the timer
// deterministically.
type fakeTimer struct {
	requests chan time.Duration
	fire     chan time.Time
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{
		requests: make(chan time.Duration, 16),
		fire:     make(chan time.Time),
	}
}

func (ft *fakeTimer) After(d time.Duration) <-chan time.Time {
	ft.requests <- d
	return ft.fire
}

func (ft *fakeTimer) waitRequest(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-ft.requests:
		return d
	case <-time.After(time.Second):
		t.Fatal("watchdog never armed its timer")
		return 0
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "healthy", StateHealthy.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestConfigDefaults(t *testing.T) {
	w := New(Config{Name: "capture", Reopen: func() error { return nil }}, nil)
	assert.Equal(t, 250*time.Millisecond, w.initialDelay)
	assert.Equal(t, 8*time.Second, w.maxDelay)
	assert.Equal(t, StateHealthy, w.State())
	assert.Equal(t, 0, w.Attempt())
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	ft := newFakeTimer()
	reopenResults := make(chan error, 16)
	recovered := make(chan struct{}, 1)

	w := New(Config{
		Name:         "capture",
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     time.Second,
		Timer:        ft.After,
		Reopen:       func() error { return <-reopenResults },
		OnRecover:    func() { recovered <- struct{}{} },
	}, nil)
	w.Start()
	defer w.Stop()

	w.NotifyDisconnect()
	assert.Equal(t, StateReconnecting, w.State())
	assert.Equal(t, 1, w.Attempt())

	// Five failures, then success. The delay sequence must double from the
	// initial delay and saturate at the cap, never decreasing.
	wantDelays := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		time.Second,
		time.Second,
	}
	for i, want := range wantDelays {
		got := ft.waitRequest(t)
		assert.Equal(t, want, got, "delay before attempt %d", i+1)
		reopenResults <- errReopenFailed
		ft.fire <- time.Time{}
	}

	got := ft.waitRequest(t)
	assert.Equal(t, time.Second, got, "capped delay before the successful attempt")
	reopenResults <- nil
	ft.fire <- time.Time{}

	select {
	case <-recovered:
	case <-time.After(time.Second):
		t.Fatal("OnRecover was never invoked")
	}

	assert.Equal(t, StateHealthy, w.State())
	assert.Equal(t, 0, w.Attempt())
}

func TestSecondDisconnectRestartsBackoff(t *testing.T) {
	ft := newFakeTimer()
	w := New(Config{
		Name:         "playback",
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Timer:        ft.After,
		Reopen:       func() error { return nil },
	}, nil)
	w.Start()
	defer w.Stop()

	w.NotifyDisconnect()
	assert.Equal(t, 100*time.Millisecond, ft.waitRequest(t))
	ft.fire <- time.Time{}

	require.Eventually(t, func() bool { return w.State() == StateHealthy },
		time.Second, time.Millisecond)

	w.NotifyDisconnect()
	assert.Equal(t, 100*time.Millisecond, ft.waitRequest(t),
		"backoff must reset after a recovery")
	ft.fire <- time.Time{}
}

func TestDuplicateDisconnectIgnoredWhileReconnecting(t *testing.T) {
	ft := newFakeTimer()
	w := New(Config{
		Name:         "capture",
		InitialDelay: 100 * time.Millisecond,
		Timer:        ft.After,
		Reopen:       func() error { return nil },
	}, nil)
	w.Start()
	defer w.Stop()

	w.NotifyDisconnect()
	ft.waitRequest(t)

	// A second notification must not re-arm the state machine.
	w.NotifyDisconnect()
	assert.Equal(t, 1, w.Attempt())

	ft.fire <- time.Time{}
	require.Eventually(t, func() bool { return w.State() == StateHealthy },
		time.Second, time.Millisecond)

	// No second reconnect loop may have been queued.
	select {
	case d := <-ft.requests:
		t.Fatalf("unexpected timer request for %v after recovery", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopCancelsRetries(t *testing.T) {
	ft := newFakeTimer()
	reopenCalls := make(chan struct{}, 16)
	w := New(Config{
		Name:         "capture",
		InitialDelay: 100 * time.Millisecond,
		Timer:        ft.After,
		Reopen: func() error {
			reopenCalls <- struct{}{}
			return errReopenFailed
		},
	}, nil)
	w.Start()

	w.NotifyDisconnect()
	ft.waitRequest(t)

	// Stop while the watchdog waits on its timer: it must exit without
	// another reopen attempt. Stop joins the goroutine, so returning at all
	// is the assertion.
	w.Stop()
	assert.Empty(t, reopenCalls)
}

func TestStopIsIdempotent(t *testing.T) {
	w := New(Config{Name: "capture", Reopen: func() error { return nil }}, nil)
	w.Start()
	w.Stop()
	w.Stop()
}
