// Package backend abstracts the platform audio subsystem.
//
// Intended to be an abstract way to:
//   - Query existing devices (input and output)
//   - Open capture and playback streams bound to a device index
//
// The production implementation is [MalgoBackend], a thin wrapper over
// miniaudio. [DummyBackend] is an in-memory implementation for tests that can
// inject captured samples, observe playback requests, and simulate device
// loss.
package backend

import "errors"

var (
	// ErrNoDeviceWithIndex is returned when a stream is opened against a
	// device index the platform does not report.
	ErrNoDeviceWithIndex = errors.New("backend: no device with specified index")
)

// DeviceInfo describes one hardware device as reported by the platform audio
// subsystem. The index is the canonical way to reference the device when
// opening streams; the name is human-readable and not canonical.
type DeviceInfo struct {
	Index     int
	Name      string
	IsDefault bool
}

// StreamConfig selects the device and callback granularity for a stream. All
// streams run mono float32 at the pipeline sample rate.
type StreamConfig struct {
	// DeviceIndex identifies the device within the backend's current
	// enumeration order.
	DeviceIndex int

	// PeriodFrames is the number of sample frames delivered or requested per
	// hardware callback.
	PeriodFrames int
}

// Stream is an open hardware stream. Close guarantees that no data or stop
// callback fires after it returns; it is safe to call more than once.
type Stream interface {
	Start() error
	Close() error
}

// Backend enumerates devices and opens streams bound to them.
//
// Data callbacks run on the platform's real-time audio thread: they must not
// allocate, lock, log, or block, and must complete well within one callback
// period. The stop callback fires when a stream halts for any reason other
// than Close (device disconnects included) and runs off the data path, so
// it may take locks and log.
type Backend interface {
	InputDevices() ([]DeviceInfo, error)
	OutputDevices() ([]DeviceInfo, error)

	// OpenCapture opens an input stream. onData receives each block of
	// captured samples, valid only for the duration of the call.
	OpenCapture(cfg StreamConfig, onData func(samples []float32), onStop func()) (Stream, error)

	// OpenPlayback opens an output stream. onData must fill out completely;
	// samples it leaves untouched play as written (callers emit silence by
	// zeroing the remainder).
	OpenPlayback(cfg StreamConfig, onData func(out []float32), onStop func()) (Stream, error)

	Close() error
}
