// Package hardware talks to physical SDR devices. Backend is the only
// surface the rest of cellscan uses; ExecBackend implements it by driving
// the vendor command-line tools and reading the USB bus from sysfs.
package hardware

import (
	"context"

	"github.com/shortontech/cellscan/internal/radio"
)

// Presence is the outcome of a USB presence probe.
type Presence struct {
	Matched    bool
	ID         radio.USBID
	Diagnostic string
}

// CapabilityResult is the outcome of a lightweight device command.
type CapabilityResult struct {
	Success   bool
	RawOutput string
}

// Backend exposes the per-device primitives the gate and the capture
// orchestrator are allowed to use.
type Backend interface {
	ProbePresence(ctx context.Context, d radio.Descriptor) (Presence, error)
	TestCapability(ctx context.Context, d radio.Descriptor) (CapabilityResult, error)
	Capture(ctx context.Context, d radio.Descriptor, job radio.CaptureJob) (radio.RawCapture, error)
	// ReadPower returns a calibrated dBm reading at freqHz. ok is false when
	// the device produced no usable measurement.
	ReadPower(ctx context.Context, d radio.Descriptor, freqHz float64) (dbm float64, ok bool, err error)
}
