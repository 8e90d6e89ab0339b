//go:build !rnnoise

package denoise

import "log/slog"

// passthroughEngine is used when building without the rnnoise tag. Frames
// pass through untouched and voice activity always reads 0. The rest of the
// pipeline (rings, blend, device handling) behaves identically.
type passthroughEngine struct {
	initialized bool
}

// NewEngine returns the pass-through engine. Build with -tags rnnoise for
// actual noise suppression.
func NewEngine() Engine {
	return &passthroughEngine{}
}

func (e *passthroughEngine) Init() error {
	slog.Warn("denoising disabled: built without the rnnoise tag, audio passes through unmodified")
	e.initialized = true
	return nil
}

func (e *passthroughEngine) Process(frame []float32) float32 {
	return 0
}

func (e *passthroughEngine) Destroy() {
	e.initialized = false
}
