// Package frame defines the fixed audio frame contract shared by every stage
// of the noiseguard pipeline.
//
// The denoising engine operates on exactly 480 mono samples at 48 kHz (10 ms),
// so every boundary in the pipeline exchanges audio in that unit. No
// variable-length frame is ever constructed or accepted.
package frame

import "time"

const (
	// SampleRate is the pipeline sample rate in Hz.
	SampleRate = 48000

	// Size is the number of samples in one frame.
	Size = 480

	// Period is the wall-clock duration of one frame.
	Period = Size * time.Second / SampleRate
)

// PCMFrame is raw normalized audio data, each sample in [-1.0, 1.0].
type PCMFrame []float32
