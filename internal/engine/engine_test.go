package engine

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noiseguard/noiseguard/internal/backend"
	"github.com/noiseguard/noiseguard/internal/denoise"
	"github.com/noiseguard/noiseguard/pkg/frame"
)

// gainEngine halves every sample. A pure linear gain commutes with the
// processor's internal rescaling, so expected outputs stay exact.
type gainEngine struct {
	gain    float32
	vad     float32
	initErr error
}

func (g *gainEngine) Init() error {
	return g.initErr
}

func (g *gainEngine) Process(buf []float32) float32 {
	for i := range buf {
		buf[i] *= g.gain
	}
	return g.vad
}

func (g *gainEngine) Destroy() {}

// fakeTimer lets a test drive the watchdog retry schedule by hand.
type fakeTimer struct {
	mu       sync.Mutex
	requests []time.Duration
	fire     chan time.Time
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{fire: make(chan time.Time)}
}

func (f *fakeTimer) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.requests = append(f.requests, d)
	f.mu.Unlock()
	return f.fire
}

func (f *fakeTimer) requested() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.requests...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *backend.DummyBackend) {
	t.Helper()
	b := backend.NewDummyBackend()
	if cfg.EngineFactory == nil {
		cfg.EngineFactory = func() denoise.Engine {
			return &gainEngine{gain: 0.5, vad: 0.9}
		}
	}
	e := New(b, cfg, testLogger())
	t.Cleanup(func() { _ = e.Stop() })
	return e, b
}

func rampFrame() []float32 {
	buf := make([]float32, frame.Size)
	for i := range buf {
		buf[i] = float32(i) / float32(frame.Size)
	}
	return buf
}

// waitForFrames blocks until the engine has processed at least n frames.
func waitForFrames(t *testing.T, e *Engine, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.Status().FramesProcessed >= n
	}, time.Second, time.Millisecond)
}

func TestStartStopLifecycle(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	st := e.Status()
	assert.False(t, st.Running)
	assert.Equal(t, "stopped", st.State)

	require.NoError(t, e.Start(0, 0))
	st = e.Status()
	assert.True(t, st.Running)
	assert.Equal(t, "running", st.State)

	require.ErrorIs(t, e.Start(0, 0), ErrNotStopped)

	require.NoError(t, e.Stop())
	assert.False(t, e.Status().Running)
	assert.Equal(t, "stopped", e.Status().State)

	require.NoError(t, e.Stop(), "stopping a stopped engine is a no-op")
}

func TestStartUnknownDeviceIndex(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	err := e.Start(7, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrNoDeviceWithIndex)
	assert.Equal(t, "stopped", e.Status().State)

	err = e.Start(0, 7)
	require.Error(t, err)
	assert.Equal(t, "stopped", e.Status().State)
}

func TestStartRestartable(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	require.NoError(t, e.Start(0, 0))
	require.NoError(t, e.Stop())
	require.NoError(t, e.Start(0, 0))
	assert.True(t, e.Status().Running)
}

func TestStartEngineAllocFailure(t *testing.T) {
	e, _ := newTestEngine(t, Config{
		EngineFactory: func() denoise.Engine {
			return &gainEngine{initErr: denoise.ErrEngineAlloc}
		},
	})

	err := e.Start(0, 0)
	require.ErrorIs(t, err, denoise.ErrEngineAlloc)
	assert.Equal(t, "stopped", e.Status().State)
}

func TestPipelineEndToEnd(t *testing.T) {
	e, b := newTestEngine(t, Config{})
	require.NoError(t, e.Start(0, 0))

	in := rampFrame()
	b.LastCapture().InjectSamples(in)
	waitForFrames(t, e, 1)

	out := b.LastPlayback().PullSamples(frame.Size)
	require.Len(t, out, frame.Size)
	for i, s := range out {
		assert.InDelta(t, in[i]*0.5, s, 1e-5, "sample %d", i)
	}
	assert.InDelta(t, 0.9, e.Status().LastVAD, 1e-6)
}

func TestSetLevelBlendsWetAndDry(t *testing.T) {
	e, b := newTestEngine(t, Config{})
	require.NoError(t, e.Start(0, 0))

	e.SetLevel(0.3)
	require.InDelta(t, 0.3, e.Level(), 1e-6)

	in := rampFrame()
	b.LastCapture().InjectSamples(in)
	waitForFrames(t, e, 1)

	out := b.LastPlayback().PullSamples(frame.Size)
	require.Len(t, out, frame.Size)
	for i, s := range out {
		want := in[i]*0.5*0.3 + in[i]*0.7
		assert.InDelta(t, want, s, 1e-5, "sample %d", i)
	}
}

func TestLevelZeroIsBitExactPassthrough(t *testing.T) {
	e, b := newTestEngine(t, Config{})
	require.NoError(t, e.Start(0, 0))

	e.SetLevel(0)

	in := rampFrame()
	b.LastCapture().InjectSamples(in)
	waitForFrames(t, e, 1)

	out := b.LastPlayback().PullSamples(frame.Size)
	require.Len(t, out, frame.Size)
	for i, s := range out {
		assert.Equal(t, in[i], s, "sample %d", i)
	}
}

func TestLevelSurvivesStopStart(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	e.SetLevel(0.4)
	require.NoError(t, e.Start(0, 0))
	require.NoError(t, e.Stop())
	assert.InDelta(t, 0.4, e.Level(), 1e-6)
}

func TestUnderflowRendersSilence(t *testing.T) {
	e, b := newTestEngine(t, Config{})
	require.NoError(t, e.Start(0, 0))

	out := b.LastPlayback().PullSamples(frame.Size)
	require.Len(t, out, frame.Size)
	for i, s := range out {
		require.Zero(t, s, "sample %d", i)
	}
	assert.Equal(t, uint64(frame.Size), e.Status().UnderflowSamples)
}

func TestOverflowDropsNewSamples(t *testing.T) {
	e, b := newTestEngine(t, Config{RingCapacity: 1024})
	require.NoError(t, e.Start(0, 0))

	// One burst of three ring capacities cannot fit whatever the consumer
	// has drained, so the tail must be discarded.
	burst := make([]float32, 3*1024)
	for i := range burst {
		burst[i] = 0.1
	}
	b.LastCapture().InjectSamples(burst)

	assert.Greater(t, e.Status().DroppedCaptureSamples, uint64(0))
	waitForFrames(t, e, 1)
}

func TestDeviceLossTriggersReconnect(t *testing.T) {
	timer := newFakeTimer()
	e, b := newTestEngine(t, Config{ReconnectTimer: timer.After})
	require.NoError(t, e.Start(0, 0))

	b.FailNextOpens(2)
	b.LastCapture().Disconnect()

	require.Eventually(t, func() bool {
		return e.Status().State == "reconnecting"
	}, time.Second, time.Millisecond)

	// Serve three retry attempts: two refused opens, then success.
	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool {
			return len(timer.requested()) >= i+1
		}, time.Second, time.Millisecond)
		timer.fire <- time.Now()
	}

	require.Eventually(t, func() bool {
		return e.Status().Running
	}, time.Second, time.Millisecond)

	delays := timer.requested()
	require.GreaterOrEqual(t, len(delays), 3)
	assert.Equal(t, 250*time.Millisecond, delays[0])
	assert.Equal(t, 500*time.Millisecond, delays[1])
	assert.Equal(t, time.Second, delays[2])

	// The reopened stream carries audio again.
	in := rampFrame()
	b.LastCapture().InjectSamples(in)
	waitForFrames(t, e, 1)
}

func TestStopWhileReconnecting(t *testing.T) {
	timer := newFakeTimer()
	e, b := newTestEngine(t, Config{ReconnectTimer: timer.After})
	require.NoError(t, e.Start(0, 0))

	b.FailNextOpens(1000)
	b.LastCapture().Disconnect()

	require.Eventually(t, func() bool {
		return e.Status().State == "reconnecting"
	}, time.Second, time.Millisecond)

	require.NoError(t, e.Stop())
	assert.Equal(t, "stopped", e.Status().State)
}

func TestStatusCounters(t *testing.T) {
	e, b := newTestEngine(t, Config{})
	require.NoError(t, e.Start(0, 0))

	b.LastCapture().InjectSamples(rampFrame())
	b.LastCapture().InjectSamples(rampFrame())
	waitForFrames(t, e, 2)

	st := e.Status()
	assert.GreaterOrEqual(t, st.FramesProcessed, uint64(2))
	assert.Equal(t, uint64(0), st.DroppedCaptureSamples)
}

func TestStartFailureClosesCaptureOnPlaybackError(t *testing.T) {
	b := backend.NewDummyBackend()
	e := New(b, Config{EngineFactory: func() denoise.Engine {
		return &gainEngine{gain: 1}
	}}, testLogger())

	err := e.Start(0, 3)
	require.Error(t, err)
	assert.Equal(t, "stopped", e.Status().State)
	require.NoError(t, e.Stop())
}

func TestErrNotStoppedWording(t *testing.T) {
	assert.True(t, errors.Is(ErrNotStopped, ErrNotStopped))
	assert.Contains(t, ErrNotStopped.Error(), "stopped")
}
