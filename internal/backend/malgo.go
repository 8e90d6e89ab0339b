package backend

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gen2brain/malgo"
	"github.com/google/uuid"

	"github.com/noiseguard/noiseguard/pkg/frame"
)

// MalgoBackend drives the platform audio subsystem through miniaudio.
//
// Streams are opened mono float32 at the pipeline sample rate; any
// device-side format or rate conversion is handled by the OS mixer, keeping
// the pipeline itself on the single normalized-float representation.
// Exclusive (low-latency) share mode is attempted first and shared mode is
// used as the fallback when the device refuses exclusive access.
type MalgoBackend struct {
	logger *slog.Logger
	ctx    *malgo.AllocatedContext
}

// NewMalgoBackend initializes the miniaudio context.
func NewMalgoBackend(logger *slog.Logger) (*MalgoBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	return &MalgoBackend{
		logger: logger,
		ctx:    ctx,
	}, nil
}

// Close releases the miniaudio context. Streams opened from this backend must
// be closed first.
func (b *MalgoBackend) Close() error {
	if err := b.ctx.Uninit(); err != nil {
		return fmt.Errorf("failed to uninitialize audio context: %w", err)
	}
	b.ctx.Free()
	return nil
}

// InputDevices lists the capture devices currently visible to the platform.
func (b *MalgoBackend) InputDevices() ([]DeviceInfo, error) {
	return b.devices(malgo.Capture)
}

// OutputDevices lists the playback devices currently visible to the platform.
func (b *MalgoBackend) OutputDevices() ([]DeviceInfo, error) {
	return b.devices(malgo.Playback)
}

func (b *MalgoBackend) devices(kind malgo.DeviceType) ([]DeviceInfo, error) {
	infos, err := b.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for i, info := range infos {
		devices = append(devices, DeviceInfo{
			Index:     i,
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return devices, nil
}

// OpenCapture opens an input stream on the device at cfg.DeviceIndex.
func (b *MalgoBackend) OpenCapture(cfg StreamConfig, onData func([]float32), onStop func()) (Stream, error) {
	return b.openStream(malgo.Capture, cfg, func(stream *malgoStream) malgo.DeviceCallbacks {
		return malgo.DeviceCallbacks{
			Data: func(_, input []byte, frameCount uint32) {
				if frameCount == 0 {
					return
				}
				onData(floatSlice(input, int(frameCount)))
			},
			Stop: stream.onDeviceStop,
		}
	}, onStop)
}

// OpenPlayback opens an output stream on the device at cfg.DeviceIndex.
func (b *MalgoBackend) OpenPlayback(cfg StreamConfig, onData func([]float32), onStop func()) (Stream, error) {
	return b.openStream(malgo.Playback, cfg, func(stream *malgoStream) malgo.DeviceCallbacks {
		return malgo.DeviceCallbacks{
			Data: func(output, _ []byte, frameCount uint32) {
				if frameCount == 0 {
					return
				}
				onData(floatSlice(output, int(frameCount)))
			},
			Stop: stream.onDeviceStop,
		}
	}, onStop)
}

func (b *MalgoBackend) openStream(
	kind malgo.DeviceType,
	cfg StreamConfig,
	callbacks func(*malgoStream) malgo.DeviceCallbacks,
	onStop func(),
) (Stream, error) {
	infos, err := b.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	if cfg.DeviceIndex < 0 || cfg.DeviceIndex >= len(infos) {
		return nil, fmt.Errorf("%w: %d", ErrNoDeviceWithIndex, cfg.DeviceIndex)
	}
	info := infos[cfg.DeviceIndex]

	uuid := uuid.New()
	logger := b.logger.With(
		"stream uuid", uuid,
		"device", info.Name(),
		"direction", directionName(kind),
	)

	stream := &malgoStream{
		logger: logger,
		onStop: onStop,
	}

	deviceConfig := b.deviceConfig(kind, cfg)
	if kind == malgo.Capture {
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
	} else {
		deviceConfig.Playback.DeviceID = info.ID.Pointer()
	}

	// Prefer exclusive access for the lowest latency; shared mode is the
	// fallback, recovered locally and never surfaced as a failure.
	setShareMode(&deviceConfig, kind, malgo.Exclusive)
	device, err := malgo.InitDevice(b.ctx.Context, deviceConfig, callbacks(stream))
	if err != nil {
		logger.Info("exclusive mode unavailable, falling back to shared mode",
			"err", err,
		)
		setShareMode(&deviceConfig, kind, malgo.Shared)
		device, err = malgo.InitDevice(b.ctx.Context, deviceConfig, callbacks(stream))
		if err != nil {
			return nil, fmt.Errorf("failed to open %s stream on device %q: %w", directionName(kind), info.Name(), err)
		}
	}

	stream.device = device
	logger.Debug("stream opened",
		"sampleRate", deviceConfig.SampleRate,
		"periodFrames", deviceConfig.PeriodSizeInFrames,
	)
	return stream, nil
}

func (b *MalgoBackend) deviceConfig(kind malgo.DeviceType, cfg StreamConfig) malgo.DeviceConfig {
	deviceConfig := malgo.DefaultDeviceConfig(kind)
	deviceConfig.SampleRate = frame.SampleRate
	deviceConfig.PeriodSizeInFrames = uint32(cfg.PeriodFrames)
	deviceConfig.PerformanceProfile = malgo.LowLatency
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = 1
	return deviceConfig
}

func directionName(kind malgo.DeviceType) string {
	if kind == malgo.Capture {
		return "capture"
	}
	return "playback"
}

func setShareMode(deviceConfig *malgo.DeviceConfig, kind malgo.DeviceType, mode malgo.ShareMode) {
	if kind == malgo.Capture {
		deviceConfig.Capture.ShareMode = mode
	} else {
		deviceConfig.Playback.ShareMode = mode
	}
}

// floatSlice reinterprets miniaudio's raw byte buffer as float32 samples
// without copying. Callback-context only: the slice aliases memory owned by
// miniaudio and is invalid once the callback returns.
func floatSlice(raw []byte, frames int) []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), frames)
}

// malgoStream wraps one miniaudio device.
type malgoStream struct {
	logger  *slog.Logger
	device  *malgo.Device
	onStop  func()
	closing atomic.Bool

	closeOnce sync.Once
}

func (s *malgoStream) Start() error {
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}
	s.logger.Info("stream started")
	return nil
}

// Close stops the device and releases it. After Close returns no callback of
// this stream can fire again.
func (s *malgoStream) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.device.Uninit()
		s.logger.Info("stream closed")
	})
	return nil
}

// onDeviceStop is miniaudio's stop callback. It also fires on an orderly
// Close, so the closing flag filters those out; what remains is device loss.
func (s *malgoStream) onDeviceStop() {
	if s.closing.Load() {
		return
	}
	s.logger.Warn("stream stopped unexpectedly, reporting device loss")
	if s.onStop != nil {
		s.onStop()
	}
}
