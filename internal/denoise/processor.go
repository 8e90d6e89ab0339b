package denoise

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/noiseguard/noiseguard/pkg/frame"
)

var (
	// ErrFrameSize is returned when a buffer of any length other than
	// frame.Size is handed to ProcessFrame.
	ErrFrameSize = errors.New("denoise: frame must be exactly 480 samples")

	// ErrNotInitialized is returned when ProcessFrame is called before
	// Initialize or after Destroy.
	ErrNotInitialized = errors.New("denoise: engine state not initialized")
)

// engineScale maps normalized [-1.0, 1.0] samples onto the engine's expected
// amplitude domain (RNNoise wants float samples in int16 range).
const engineScale = 32767.0

// Processor owns the denoising engine's per-session state and performs the
// allocation-free frame work: rescale into the engine domain, denoise in
// place, rescale back, and blend denoised against original according to the
// live suppression level.
//
// ProcessFrame, SetSuppressionLevel and SuppressionLevel are safe to call
// concurrently with each other. Initialize and Destroy are not real-time safe
// and must never overlap an in-flight ProcessFrame call; the engine
// orchestrator guarantees this by fully stopping the processing thread before
// teardown.
type Processor struct {
	logger    *slog.Logger
	newEngine func() Engine
	engine    Engine

	// Suppression level bit pattern held in a uint32 so the float can be
	// read and written with single lock-free atomic instructions.
	levelBits atomic.Uint32

	// Scratch copy of the dry signal, reused every frame so ProcessFrame
	// never allocates.
	original [frame.Size]float32
}

// NewProcessor creates a Processor backed by the default engine. The
// suppression level starts at 1.0 (fully denoised).
func NewProcessor(logger *slog.Logger) *Processor {
	return NewProcessorWithEngine(logger, NewEngine)
}

// NewProcessorWithEngine creates a Processor with an injected engine
// constructor. Used by tests to substitute a deterministic engine.
func NewProcessorWithEngine(logger *slog.Logger, newEngine func() Engine) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		logger:    logger,
		newEngine: newEngine,
	}
	p.levelBits.Store(math.Float32bits(1.0))
	return p
}

// Initialize allocates the engine's internal state. Not real-time safe; call
// only during engine start, never from an audio callback.
func (p *Processor) Initialize() error {
	if p.engine != nil {
		p.Destroy()
	}
	engine := p.newEngine()
	if err := engine.Init(); err != nil {
		return fmt.Errorf("failed to initialize denoise engine: %w", err)
	}
	p.engine = engine
	p.logger.Debug("denoise engine initialized")
	return nil
}

// Destroy releases the engine state. Not real-time safe; call only once no
// ProcessFrame call can be concurrently in flight.
func (p *Processor) Destroy() {
	if p.engine == nil {
		return
	}
	p.engine.Destroy()
	p.engine = nil
	p.logger.Debug("denoise engine destroyed")
}

// Initialized reports whether engine state currently exists.
func (p *Processor) Initialized() bool {
	return p.engine != nil
}

// ProcessFrame transforms exactly frame.Size samples in place and returns the
// engine's voice activity probability. No allocation, no locks, no I/O.
//
// The suppression level is read once at the start of the call, so a
// concurrent SetSuppressionLevel never changes the blend mid-frame. At level
// 0 the frame is left untouched and the engine is not invoked at all; at
// level 1 the denoised result stands as-is with no blend arithmetic.
func (p *Processor) ProcessFrame(buf []float32) (float32, error) {
	if len(buf) != frame.Size {
		return 0, ErrFrameSize
	}
	if p.engine == nil {
		return 0, ErrNotInitialized
	}

	level := math.Float32frombits(p.levelBits.Load())

	// Fast path: suppression fully off, zero engine cost.
	if level <= 0 {
		return 0, nil
	}

	for i := range buf {
		p.original[i] = buf[i]
		buf[i] *= engineScale
	}

	vad := p.engine.Process(buf)

	const invScale = 1.0 / engineScale
	for i := range buf {
		buf[i] *= invScale
	}

	if level < 1 {
		dry := 1 - level
		for i := range buf {
			buf[i] = buf[i]*level + p.original[i]*dry
		}
	}

	return vad, nil
}

// SetSuppressionLevel clamps level to [0.0, 1.0] and stores it with a single
// atomic write. Callable from any goroutine at any time; never blocks a
// concurrent ProcessFrame.
func (p *Processor) SetSuppressionLevel(level float32) {
	if level < 0 {
		level = 0
	} else if level > 1 {
		level = 1
	}
	p.levelBits.Store(math.Float32bits(level))
}

// SuppressionLevel returns the current suppression level.
func (p *Processor) SuppressionLevel() float32 {
	return math.Float32frombits(p.levelBits.Load())
}
