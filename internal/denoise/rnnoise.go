//go:build rnnoise

package denoise

/*
#cgo pkg-config: rnnoise
#include <rnnoise.h>
*/
import "C"

import "unsafe"

// rnnoiseEngine owns a single RNNoise DenoiseState. RNNoise is
// allocation-free per frame, so Process is safe on the processing thread.
type rnnoiseEngine struct {
	state *C.DenoiseState
}

// NewEngine returns the RNNoise-backed denoising engine.
func NewEngine() Engine {
	return &rnnoiseEngine{}
}

func (e *rnnoiseEngine) Init() error {
	if e.state != nil {
		e.Destroy()
	}
	e.state = C.rnnoise_create(nil)
	if e.state == nil {
		return ErrEngineAlloc
	}
	return nil
}

// Process denoises one frame in place. The samples must already be in
// RNNoise's expected range, float values spanning [-32768, 32767].
func (e *rnnoiseEngine) Process(frame []float32) float32 {
	if e.state == nil {
		return 0
	}
	p := (*C.float)(unsafe.Pointer(&frame[0]))
	return float32(C.rnnoise_process_frame(e.state, p, p))
}

func (e *rnnoiseEngine) Destroy() {
	if e.state != nil {
		C.rnnoise_destroy(e.state)
		e.state = nil
	}
}
