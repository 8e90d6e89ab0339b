// Package control is the application-facing boundary of noiseguard. It wraps
// the backend and the engine behind a handful of request/response methods
// whose result structs serialize cleanly to JSON, so any outer surface (the
// CLI's command reader today, an IPC layer tomorrow) can drive the pipeline
// without touching engine internals.
package control

import (
	"log/slog"

	"github.com/noiseguard/noiseguard/internal/backend"
	"github.com/noiseguard/noiseguard/internal/engine"
)

// DeviceEntry describes one selectable device.
type DeviceEntry struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// DevicesResult is the response to a device enumeration request.
type DevicesResult struct {
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Inputs  []DeviceEntry `json:"inputs"`
	Outputs []DeviceEntry `json:"outputs"`
}

// OpResult is the response to a state-changing request.
type OpResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StatusResult is the response to a status request.
type StatusResult struct {
	Running          bool    `json:"running"`
	State            string  `json:"state"`
	Level            float64 `json:"level"`
	FramesProcessed  uint64  `json:"framesProcessed"`
	DroppedCapture   uint64  `json:"droppedCaptureSamples"`
	DroppedOutput    uint64  `json:"droppedOutputSamples"`
	UnderflowSamples uint64  `json:"underflowSamples"`
	LastVAD          float64 `json:"lastVad"`
}

// Controller translates outer-surface requests into backend and engine
// calls. All methods are safe for concurrent use; none of them block on the
// audio path, though Start and Stop block briefly on device open and close.
type Controller struct {
	logger  *slog.Logger
	backend backend.Backend
	engine  *engine.Engine
}

func New(b backend.Backend, e *engine.Engine, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		logger:  logger,
		backend: b,
		engine:  e,
	}
}

// GetDevices enumerates input and output devices. An enumeration failure is
// reported in the result, never as a panic or a crash.
func (c *Controller) GetDevices() DevicesResult {
	inputs, err := c.backend.InputDevices()
	if err != nil {
		c.logger.Error("input device enumeration failed", "error", err)
		return DevicesResult{Error: err.Error()}
	}
	outputs, err := c.backend.OutputDevices()
	if err != nil {
		c.logger.Error("output device enumeration failed", "error", err)
		return DevicesResult{Error: err.Error()}
	}

	return DevicesResult{
		Success: true,
		Inputs:  deviceEntries(inputs),
		Outputs: deviceEntries(outputs),
	}
}

// Start brings the pipeline up on the given device indices.
func (c *Controller) Start(inputIndex, outputIndex int) OpResult {
	if err := c.engine.Start(inputIndex, outputIndex); err != nil {
		c.logger.Error("engine start failed",
			"inputIndex", inputIndex,
			"outputIndex", outputIndex,
			"error", err,
		)
		return OpResult{Error: err.Error()}
	}
	return OpResult{Success: true}
}

// Stop tears the pipeline down. Stopping an already stopped pipeline
// succeeds.
func (c *Controller) Stop() OpResult {
	if err := c.engine.Stop(); err != nil {
		c.logger.Error("engine stop failed", "error", err)
		return OpResult{Error: err.Error()}
	}
	return OpResult{Success: true}
}

// SetLevel updates the suppression level. Out-of-range values are clamped
// to [0, 1] rather than rejected, so this always succeeds.
func (c *Controller) SetLevel(level float64) OpResult {
	c.engine.SetLevel(float32(level))
	c.logger.Info("suppression level set", "level", c.engine.Level())
	return OpResult{Success: true}
}

// GetStatus snapshots the engine.
func (c *Controller) GetStatus() StatusResult {
	st := c.engine.Status()
	return StatusResult{
		Running:          st.Running,
		State:            st.State,
		Level:            float64(st.Level),
		FramesProcessed:  st.FramesProcessed,
		DroppedCapture:   st.DroppedCaptureSamples,
		DroppedOutput:    st.DroppedOutputSamples,
		UnderflowSamples: st.UnderflowSamples,
		LastVAD:          float64(st.LastVAD),
	}
}

func deviceEntries(infos []backend.DeviceInfo) []DeviceEntry {
	entries := make([]DeviceEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, DeviceEntry{
			Index:     info.Index,
			Name:      info.Name,
			IsDefault: info.IsDefault,
		})
	}
	return entries
}
