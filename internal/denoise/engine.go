// Package denoise wraps the neural denoising engine and performs the
// per-frame wet/dry blend under real-time constraints.
//
// The engine itself is opaque: it consumes exactly one frame in place and
// reports a voice activity probability. The real implementation binds RNNoise
// through cgo and is selected with the `rnnoise` build tag; without the tag a
// pass-through engine is used so the pipeline remains buildable and testable
// on machines without the C library.
package denoise

import "errors"

// ErrEngineAlloc is returned when the engine's internal state cannot be
// allocated.
var ErrEngineAlloc = errors.New("denoise: engine state allocation failed")

// Engine is the opaque denoising engine contract.
//
// Init and Destroy are not real-time safe and must never overlap a Process
// call. Process operates in place on exactly one frame of samples already
// rescaled to the engine's amplitude domain, must not allocate, lock, or
// perform I/O, and returns the voice activity probability in [0.0, 1.0].
//
// An Engine owns its state exclusively and must not be copied.
type Engine interface {
	Init() error
	Process(frame []float32) float32
	Destroy()
}
