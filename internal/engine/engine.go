// Package engine orchestrates the noiseguard pipeline end to end: hardware
// capture callback → capture ring → processing goroutine (frame assembly,
// denoise, blend) → output ring → hardware playback callback.
//
// Three independently scheduled execution contexts touch audio data: the two
// hardware callbacks (real-time, highest priority) and the processing
// goroutine (normal priority). The only state shared across them is the two
// SPSC rings and the atomic suppression level; no locks exist anywhere on
// that path. Overload degrades by dropping: full rings discard new samples,
// an empty output ring plays silence, and neither case ever blocks a
// callback.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noiseguard/noiseguard/internal/backend"
	"github.com/noiseguard/noiseguard/internal/denoise"
	"github.com/noiseguard/noiseguard/internal/tap"
	"github.com/noiseguard/noiseguard/internal/watchdog"
	"github.com/noiseguard/noiseguard/pkg/frame"
	"github.com/noiseguard/noiseguard/pkg/spsc"
)

// ErrNotStopped is returned by Start when the engine is not in the stopped
// state.
var ErrNotStopped = errors.New("engine: start is only valid from the stopped state")

// State is the engine's lifecycle state. Transitions are driven by explicit
// Start/Stop calls and by watchdog events, never spontaneously.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateReconnecting
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

type direction int

const (
	directionCapture direction = iota
	directionPlayback
)

func (d direction) String() string {
	if d == directionCapture {
		return "capture"
	}
	return "playback"
}

// Config holds tuning knobs for an [Engine].
type Config struct {
	// RingCapacity is the per-direction ring size in samples, rounded up to
	// a power of two. Must hold at least 2-3 frame periods to absorb
	// scheduling jitter between the hardware callbacks and the processing
	// goroutine. Default: 2048.
	RingCapacity int

	// PeriodFrames is the hardware callback period in sample frames.
	// Default: one frame (480).
	PeriodFrames int

	// ReconnectInitialDelay and ReconnectMaxDelay bound the watchdog
	// backoff. Defaults: 250ms and 8s.
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	// ReconnectTimer overrides the watchdog timer. Tests only.
	ReconnectTimer func(d time.Duration) <-chan time.Time

	// EngineFactory overrides the denoise engine constructor. Tests only.
	EngineFactory func() denoise.Engine

	// Recorder, when non-nil, receives every processed frame. Optional
	// debug tap; it must never be the Recorder of another engine.
	Recorder *tap.Recorder
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	Running bool
	State   string
	Level   float32

	FramesProcessed       uint64
	DroppedCaptureSamples uint64
	DroppedOutputSamples  uint64
	UnderflowSamples      uint64
	LastVAD               float32
}

// Engine owns the full passthrough pipeline: both rings, both hardware
// streams, the denoise processor, the processing goroutine, and one watchdog
// per stream.
//
// Start, Stop and the watchdog reopen closures serialize on an internal
// mutex; SetLevel, Level and Status are safe from any goroutine and never
// touch that mutex. Start and Stop are not real-time safe and must never be
// invoked from a hardware callback.
type Engine struct {
	logger  *slog.Logger
	backend backend.Backend
	cfg     Config
	proc    *denoise.Processor

	// mu guards the control plane only: stream handles, watchdog handles,
	// and lifecycle transitions. Nothing on the audio path takes it.
	mu             sync.Mutex
	captureStream  backend.Stream
	playbackStream backend.Stream
	captureWatch   *watchdog.Watchdog
	playbackWatch  *watchdog.Watchdog

	state    atomic.Int32
	stopFlag atomic.Bool
	procWG   sync.WaitGroup

	captureRing  *spsc.RingBuffer[float32]
	outputRing   *spsc.RingBuffer[float32]
	captureDown  atomic.Bool
	playbackDown atomic.Bool

	framesProcessed atomic.Uint64
	droppedCapture  atomic.Uint64
	droppedOutput   atomic.Uint64
	underflow       atomic.Uint64
	lastVADBits     atomic.Uint32
}

// New creates a stopped engine on top of b. The suppression level defaults
// to 1.0 and persists across Start/Stop cycles.
func New(b backend.Backend, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 2048
	}
	if cfg.PeriodFrames <= 0 {
		cfg.PeriodFrames = frame.Size
	}
	if cfg.ReconnectInitialDelay <= 0 {
		cfg.ReconnectInitialDelay = 250 * time.Millisecond
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 8 * time.Second
	}

	e := &Engine{
		logger:  logger,
		backend: b,
		cfg:     cfg,
	}
	if cfg.EngineFactory != nil {
		e.proc = denoise.NewProcessorWithEngine(logger, cfg.EngineFactory)
	} else {
		e.proc = denoise.NewProcessor(logger)
	}
	e.state.Store(int32(StateStopped))
	return e
}

// Start opens capture and playback streams on the given device indices,
// allocates the rings and the denoise engine state, and launches the
// processing goroutine. Valid only from the stopped state. On any failure
// the engine cleans up and remains stopped; failures are reported, never
// fatal.
func (e *Engine) Start(inputIndex, outputIndex int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if State(e.state.Load()) != StateStopped {
		return ErrNotStopped
	}
	e.state.Store(int32(StateStarting))

	e.logger.Info("starting audio engine",
		"inputIndex", inputIndex,
		"outputIndex", outputIndex,
		"ringCapacity", e.cfg.RingCapacity,
		"periodFrames", e.cfg.PeriodFrames,
	)

	if err := e.proc.Initialize(); err != nil {
		e.state.Store(int32(StateStopped))
		return err
	}

	// Fully allocate all pipeline structures before any stream can invoke a
	// callback.
	e.captureRing = spsc.New[float32](e.cfg.RingCapacity)
	e.outputRing = spsc.New[float32](e.cfg.RingCapacity)
	e.stopFlag.Store(false)
	e.framesProcessed.Store(0)
	e.droppedCapture.Store(0)
	e.droppedOutput.Store(0)
	e.underflow.Store(0)
	e.lastVADBits.Store(0)

	captureStream, err := e.openStreamLocked(directionCapture, inputIndex)
	if err != nil {
		e.failStartLocked()
		return fmt.Errorf("failed to open capture device %d: %w", inputIndex, err)
	}
	e.captureStream = captureStream

	playbackStream, err := e.openStreamLocked(directionPlayback, outputIndex)
	if err != nil {
		e.captureStream.Close()
		e.captureStream = nil
		e.failStartLocked()
		return fmt.Errorf("failed to open output device %d: %w", outputIndex, err)
	}
	e.playbackStream = playbackStream

	e.captureWatch = e.newWatchdogLocked(directionCapture, inputIndex)
	e.playbackWatch = e.newWatchdogLocked(directionPlayback, outputIndex)
	e.captureWatch.Start()
	e.playbackWatch.Start()

	e.procWG.Add(1)
	go e.processLoop()

	e.state.Store(int32(StateRunning))
	e.logger.Info("audio engine running")
	return nil
}

// Stop closes both hardware streams (guaranteeing no further callbacks),
// cancels the watchdogs, joins the processing goroutine, and tears down the
// rings and the denoise state. Calling Stop when already stopped is a no-op
// success.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if State(e.state.Load()) == StateStopped {
		e.mu.Unlock()
		return nil
	}
	e.logger.Info("stopping audio engine")

	// Raised first so in-flight reopen closures become no-ops, and taken out
	// of the struct so the watchdogs can be joined without holding mu; their
	// reopen closures take the same mutex.
	e.stopFlag.Store(true)
	captureWatch, playbackWatch := e.captureWatch, e.playbackWatch
	e.captureWatch, e.playbackWatch = nil, nil
	e.mu.Unlock()

	if captureWatch != nil {
		captureWatch.Stop()
	}
	if playbackWatch != nil {
		playbackWatch.Stop()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Streams close before teardown: after Close returns, no hardware
	// callback can touch the rings.
	if e.captureStream != nil {
		e.captureStream.Close()
		e.captureStream = nil
	}
	if e.playbackStream != nil {
		e.playbackStream.Close()
		e.playbackStream = nil
	}

	e.procWG.Wait()

	e.proc.Destroy()
	e.captureRing = nil
	e.outputRing = nil
	e.captureDown.Store(false)
	e.playbackDown.Store(false)

	e.state.Store(int32(StateStopped))
	e.logger.Info("audio engine stopped")
	return nil
}

// SetLevel forwards the suppression level to the processor. Valid in any
// state; takes effect on the next processed frame once running.
func (e *Engine) SetLevel(level float32) {
	e.proc.SetSuppressionLevel(level)
}

// Level returns the current suppression level.
func (e *Engine) Level() float32 {
	return e.proc.SuppressionLevel()
}

// Status returns a snapshot of the engine. Safe from any goroutine; never
// blocks on the control plane.
func (e *Engine) Status() Status {
	s := State(e.state.Load())
	return Status{
		Running:               s == StateRunning,
		State:                 s.String(),
		Level:                 e.proc.SuppressionLevel(),
		FramesProcessed:       e.framesProcessed.Load(),
		DroppedCaptureSamples: e.droppedCapture.Load(),
		DroppedOutputSamples:  e.droppedOutput.Load(),
		UnderflowSamples:      e.underflow.Load(),
		LastVAD:               math.Float32frombits(e.lastVADBits.Load()),
	}
}

// failStartLocked unwinds a partial Start.
func (e *Engine) failStartLocked() {
	e.proc.Destroy()
	e.captureRing = nil
	e.outputRing = nil
	e.state.Store(int32(StateStopped))
}

// openStreamLocked opens and starts one stream on the given device index.
func (e *Engine) openStreamLocked(dir direction, deviceIndex int) (backend.Stream, error) {
	cfg := backend.StreamConfig{
		DeviceIndex:  deviceIndex,
		PeriodFrames: e.cfg.PeriodFrames,
	}

	var (
		stream backend.Stream
		err    error
	)
	onStop := func() { e.onStreamDown(dir) }
	if dir == directionCapture {
		stream, err = e.backend.OpenCapture(cfg, e.onCaptureData, onStop)
	} else {
		stream, err = e.backend.OpenPlayback(cfg, e.onPlaybackData, onStop)
	}
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

func (e *Engine) newWatchdogLocked(dir direction, deviceIndex int) *watchdog.Watchdog {
	return watchdog.New(watchdog.Config{
		Name:         dir.String(),
		InitialDelay: e.cfg.ReconnectInitialDelay,
		MaxDelay:     e.cfg.ReconnectMaxDelay,
		Timer:        e.cfg.ReconnectTimer,
		Reopen:       func() error { return e.reopenStream(dir, deviceIndex) },
		OnRecover:    func() { e.onStreamUp(dir) },
	}, e.logger)
}

// onCaptureData is the hardware capture callback. Hot path: push and count,
// nothing else. No allocation, no locks, no logging.
func (e *Engine) onCaptureData(samples []float32) {
	pushed := e.captureRing.PushSlice(samples)
	if pushed < len(samples) {
		e.droppedCapture.Add(uint64(len(samples) - pushed))
	}
}

// onPlaybackData is the hardware playback callback. Underflow renders as
// silence rather than blocking or repeating stale audio.
func (e *Engine) onPlaybackData(out []float32) {
	popped := e.outputRing.PopSlice(out)
	if popped < len(out) {
		e.underflow.Add(uint64(len(out) - popped))
		clear(out[popped:])
	}
}

// onStreamDown handles a stream's stop callback: device loss unless the
// engine itself is stopping. Runs off the data path.
func (e *Engine) onStreamDown(dir direction) {
	if e.stopFlag.Load() {
		return
	}
	e.downFlag(dir).Store(true)
	e.state.Store(int32(StateReconnecting))
	e.logger.Warn("stream lost, reconnecting", "direction", dir.String())

	e.mu.Lock()
	watch := e.watchFor(dir)
	e.mu.Unlock()
	if watch != nil {
		watch.NotifyDisconnect()
	}
}

// onStreamUp restores the running state once every stream is healthy again.
func (e *Engine) onStreamUp(dir direction) {
	e.downFlag(dir).Store(false)
	if !e.captureDown.Load() && !e.playbackDown.Load() && !e.stopFlag.Load() {
		e.state.Store(int32(StateRunning))
		e.logger.Info("all streams healthy, engine running")
	}
}

// reopenStream is the watchdog reopen closure: it reopens the same device
// index on the watchdog's own goroutine, never inside a hardware callback.
func (e *Engine) reopenStream(dir direction, deviceIndex int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopFlag.Load() {
		return nil
	}

	// Release the dead handle before opening a replacement. Close on an
	// already-lost device is harmless.
	if dir == directionCapture && e.captureStream != nil {
		e.captureStream.Close()
		e.captureStream = nil
	}
	if dir == directionPlayback && e.playbackStream != nil {
		e.playbackStream.Close()
		e.playbackStream = nil
	}

	stream, err := e.openStreamLocked(dir, deviceIndex)
	if err != nil {
		return err
	}
	if dir == directionCapture {
		e.captureStream = stream
	} else {
		e.playbackStream = stream
	}
	return nil
}

func (e *Engine) downFlag(dir direction) *atomic.Bool {
	if dir == directionCapture {
		return &e.captureDown
	}
	return &e.playbackDown
}

func (e *Engine) watchFor(dir direction) *watchdog.Watchdog {
	if dir == directionCapture {
		return e.captureWatch
	}
	return e.playbackWatch
}

// processLoop runs on the dedicated processing goroutine: assemble exactly
// one frame from the capture ring, denoise and blend it, push it to the
// output ring. The idle wait is short and bounded so a stop request is
// observed within roughly one frame period.
func (e *Engine) processLoop() {
	defer e.procWG.Done()

	const idleWait = time.Millisecond

	buf := make([]float32, frame.Size)
	filled := 0

	for !e.stopFlag.Load() {
		filled += e.captureRing.PopSlice(buf[filled:])
		if filled < frame.Size {
			time.Sleep(idleWait)
			continue
		}
		filled = 0

		vad, err := e.proc.ProcessFrame(buf)
		if err != nil {
			// Unreachable for assembler-built frames; drop and continue.
			continue
		}
		e.lastVADBits.Store(math.Float32bits(vad))

		pushed := e.outputRing.PushSlice(buf)
		if pushed < frame.Size {
			e.droppedOutput.Add(uint64(frame.Size - pushed))
		}

		if e.cfg.Recorder != nil {
			e.cfg.Recorder.Write(buf)
		}

		// Incremented last so a frame counted as processed is already
		// visible in the output ring.
		e.framesProcessed.Add(1)
	}
}
