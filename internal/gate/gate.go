// Package gate decides, once per scan cycle, which capture devices are
// genuinely attached and working. Nothing downstream may touch a device
// without an available verdict from the current cycle.
package gate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shortontech/cellscan/internal/hardware"
	"github.com/shortontech/cellscan/internal/metrics"
	"github.com/shortontech/cellscan/internal/radio"
)

// Verdict reasons, in check order.
const (
	ReasonUSBProbeFailed        = "usb_probe_failed"
	ReasonUSBIdentityMismatch   = "usb_identity_mismatch"
	ReasonCapabilityProbeFailed = "capability_probe_failed"
	ReasonPowerTrialFailed      = "power_trial_failed"
)

// DefaultCommandTimeout bounds each individual check.
const DefaultCommandTimeout = 10 * time.Second

type Gate struct {
	backend hardware.Backend
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(backend hardware.Backend, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Gate {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{backend: backend, timeout: timeout, logger: logger, metrics: m, now: time.Now}
}

// Check runs the USB identity, capability and power checks in order and
// stops at the first failure.
func (g *Gate) Check(ctx context.Context, d radio.Descriptor) radio.Verdict {
	reason, detail := g.check(ctx, d)
	v := radio.Verdict{
		DeviceID:  d.ID,
		Family:    d.Family,
		Available: reason == "",
		Reason:    reason,
		CheckedAt: g.now(),
	}

	result := reason
	if v.Available {
		result = "available"
		g.logger.Info("device available", zap.String("device", d.ID), zap.String("family", string(d.Family)))
	} else {
		g.logger.Warn("device unavailable",
			zap.String("device", d.ID),
			zap.String("family", string(d.Family)),
			zap.String("reason", reason),
			zap.String("detail", detail))
	}
	g.metrics.IncrementVerdicts(string(d.Family), result)
	return v
}

func (g *Gate) check(ctx context.Context, d radio.Descriptor) (reason, detail string) {
	presence, err := g.presence(ctx, d)
	if err != nil {
		return ReasonUSBProbeFailed, err.Error()
	}
	if !presence.Matched || !d.Recognizes(presence.ID) {
		return ReasonUSBIdentityMismatch, presence.Diagnostic
	}

	if !d.Capabilities.Has(radio.CapRawIQ) {
		return ReasonCapabilityProbeFailed, "descriptor declares no raw IQ capture"
	}
	capability, err := g.capability(ctx, d)
	if err != nil {
		return ReasonCapabilityProbeFailed, err.Error()
	}
	if !capability.Success {
		return ReasonCapabilityProbeFailed, capability.RawOutput
	}

	if !d.Capabilities.Has(radio.CapPowerSweep) {
		return ReasonPowerTrialFailed, "descriptor declares no power sweep"
	}
	dbm, ok, err := g.power(ctx, d)
	if err != nil {
		return ReasonPowerTrialFailed, err.Error()
	}
	if !ok {
		return ReasonPowerTrialFailed, fmt.Sprintf("no reading at %.0f Hz", d.ReferenceHz)
	}
	if _, valid := radio.ValidPower(dbm); !valid {
		return ReasonPowerTrialFailed, fmt.Sprintf("reading %.1f dBm outside window", dbm)
	}
	return "", ""
}

func (g *Gate) presence(ctx context.Context, d radio.Descriptor) (hardware.Presence, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.backend.ProbePresence(ctx, d)
}

func (g *Gate) capability(ctx context.Context, d radio.Descriptor) (hardware.CapabilityResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.backend.TestCapability(ctx, d)
}

func (g *Gate) power(ctx context.Context, d radio.Descriptor) (float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.backend.ReadPower(ctx, d, d.ReferenceHz)
}

// CheckAll checks every descriptor concurrently and freezes the verdicts
// into the cycle's Availability. An empty descriptor list is fatal.
func (g *Gate) CheckAll(ctx context.Context, cycleID string, descs []radio.Descriptor) (radio.Availability, error) {
	if len(descs) == 0 {
		return radio.Availability{}, radio.ErrNoHardwareConfigured
	}
	verdicts := make([]radio.Verdict, len(descs))
	var eg errgroup.Group
	for i, d := range descs {
		eg.Go(func() error {
			verdicts[i] = g.Check(ctx, d)
			return nil
		})
	}
	_ = eg.Wait()
	return radio.NewAvailability(cycleID, descs, verdicts), nil
}
