package backend

import (
	"errors"
	"sync"
)

var errOpenRefused = errors.New("backend: device open refused")

// DummyBackend is an in-memory Backend that lists one input and one output
// device. Tests drive the pipeline by injecting samples into capture streams
// and pulling samples from playback streams, and simulate device loss by
// disconnecting a stream.
//
// This backend is intended to be used in testing only.
type DummyBackend struct {
	mu        sync.Mutex
	inputs    []DeviceInfo
	outputs   []DeviceInfo
	captures  []*DummyStream
	playbacks []*DummyStream
	failOpens int
}

// NewDummyBackend creates a dummy backend with a single default input device
// and a single default output device, both at index 0.
func NewDummyBackend() *DummyBackend {
	return &DummyBackend{
		inputs:  []DeviceInfo{{Index: 0, Name: "DummyInput", IsDefault: true}},
		outputs: []DeviceInfo{{Index: 0, Name: "DummyOutput", IsDefault: true}},
	}
}

func (b *DummyBackend) InputDevices() ([]DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeviceInfo(nil), b.inputs...), nil
}

func (b *DummyBackend) OutputDevices() ([]DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeviceInfo(nil), b.outputs...), nil
}

func (b *DummyBackend) OpenCapture(cfg StreamConfig, onData func([]float32), onStop func()) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOpens > 0 {
		b.failOpens--
		return nil, errOpenRefused
	}
	if cfg.DeviceIndex < 0 || cfg.DeviceIndex >= len(b.inputs) {
		return nil, ErrNoDeviceWithIndex
	}
	stream := &DummyStream{onData: onData, onStop: onStop}
	b.captures = append(b.captures, stream)
	return stream, nil
}

func (b *DummyBackend) OpenPlayback(cfg StreamConfig, onData func([]float32), onStop func()) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOpens > 0 {
		b.failOpens--
		return nil, errOpenRefused
	}
	if cfg.DeviceIndex < 0 || cfg.DeviceIndex >= len(b.outputs) {
		return nil, ErrNoDeviceWithIndex
	}
	stream := &DummyStream{onData: onData, onStop: onStop}
	b.playbacks = append(b.playbacks, stream)
	return stream, nil
}

func (b *DummyBackend) Close() error {
	return nil
}

// FailNextOpens makes the next n OpenCapture/OpenPlayback calls fail, for
// exercising reconnect backoff.
func (b *DummyBackend) FailNextOpens(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOpens = n
}

// LastCapture returns the most recently opened capture stream, nil if none.
func (b *DummyBackend) LastCapture() *DummyStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.captures) == 0 {
		return nil
	}
	return b.captures[len(b.captures)-1]
}

// LastPlayback returns the most recently opened playback stream, nil if none.
func (b *DummyBackend) LastPlayback() *DummyStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.playbacks) == 0 {
		return nil
	}
	return b.playbacks[len(b.playbacks)-1]
}

// CaptureOpens returns how many capture streams were opened.
func (b *DummyBackend) CaptureOpens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.captures)
}

// DummyStream is the stream type produced by [DummyBackend].
type DummyStream struct {
	mu      sync.Mutex
	started bool
	closed  bool
	onData  func([]float32)
	onStop  func()
}

func (s *DummyStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("backend: stream already closed")
	}
	s.started = true
	return nil
}

func (s *DummyStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.closed = true
	return nil
}

// InjectSamples delivers samples as if the hardware capture callback fired.
// No-op unless the stream is started.
func (s *DummyStream) InjectSamples(samples []float32) {
	s.mu.Lock()
	onData := s.onData
	live := s.started && !s.closed
	s.mu.Unlock()
	if live && onData != nil {
		onData(samples)
	}
}

// PullSamples invokes the playback data callback for n samples and returns
// what the pipeline rendered. Unstarted or closed streams return silence.
func (s *DummyStream) PullSamples(n int) []float32 {
	out := make([]float32, n)
	s.mu.Lock()
	onData := s.onData
	live := s.started && !s.closed
	s.mu.Unlock()
	if live && onData != nil {
		onData(out)
	}
	return out
}

// Disconnect simulates device loss: the stream halts and the stop callback
// fires, exactly once. No-op on closed streams.
func (s *DummyStream) Disconnect() {
	s.mu.Lock()
	if s.closed || !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	onStop := s.onStop
	s.mu.Unlock()
	if onStop != nil {
		onStop()
	}
}
