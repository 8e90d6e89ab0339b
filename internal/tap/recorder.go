// Package tap records processed pipeline audio to a WAV file for offline
// inspection, e.g. comparing suppression levels by ear.
package tap

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/noiseguard/noiseguard/pkg/frame"
)

// Recorder persists frames to a 48 kHz mono 16-bit WAV file.
//
// Write never blocks the caller: frames are copied and handed to the writer
// goroutine through a buffered channel, and dropped when the writer lags
// behind. The recorder therefore may be fed from the processing thread
// without affecting pipeline latency.
type Recorder struct {
	logger *slog.Logger
	file   *os.File
	enc    *wav.Encoder

	frames  chan frame.PCMFrame
	dropped atomic.Uint64

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewRecorder creates path and starts the writer goroutine.
func NewRecorder(path string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}

	r := &Recorder{
		logger: logger.With("recordFile", path),
		file:   file,
		enc:    wav.NewEncoder(file, frame.SampleRate, 16, 1, 1),
		frames: make(chan frame.PCMFrame, 32),
	}

	r.wg.Add(1)
	go r.run()

	r.logger.Info("recording processed audio")
	return r, nil
}

// Write queues one frame of normalized samples for recording. Non-blocking;
// the frame is dropped if the writer is behind.
func (r *Recorder) Write(samples []float32) {
	buf := make(frame.PCMFrame, len(samples))
	copy(buf, samples)
	select {
	case r.frames <- buf:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	intBuf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: 1,
			SampleRate:  frame.SampleRate,
		},
		Data:           make([]int, frame.Size),
		SourceBitDepth: 16,
	}

	for pcm := range r.frames {
		if len(pcm) != len(intBuf.Data) {
			intBuf.Data = make([]int, len(pcm))
		}
		for i, s := range pcm {
			if s > 1 {
				s = 1
			} else if s < -1 {
				s = -1
			}
			intBuf.Data[i] = int(s * 32767)
		}
		if err := r.enc.Write(intBuf); err != nil {
			r.logger.Error("failed to write recording frame", "err", err)
			return
		}
	}
}

// Close stops the writer, finalizes the WAV header, and closes the file.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.frames)
		r.wg.Wait()

		if err := r.enc.Close(); err != nil {
			r.closeErr = fmt.Errorf("failed to finalize recording: %w", err)
		}
		if err := r.file.Close(); err != nil && r.closeErr == nil {
			r.closeErr = fmt.Errorf("failed to close recording file: %w", err)
		}

		if n := r.dropped.Load(); n > 0 {
			r.logger.Warn("recording dropped frames", "frames", n)
		}
		r.logger.Info("recording closed")
	})
	return r.closeErr
}
