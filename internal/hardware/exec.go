package hardware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shortontech/cellscan/internal/radio"
)

// ExecBackend implements Backend with vendor command-line tools.
type ExecBackend struct {
	runner   Runner
	usb      Enumerator
	commands map[radio.Family]Commands
	logger   *zap.Logger
	now      func() time.Time
}

// NewExecBackend overlays overrides on DefaultCommands.
func NewExecBackend(runner Runner, usb Enumerator, overrides map[radio.Family]Commands, logger *zap.Logger) *ExecBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	cmds := make(map[radio.Family]Commands, len(DefaultCommands))
	for f, c := range DefaultCommands {
		cmds[f] = c.merge(overrides[f])
	}
	return &ExecBackend{runner: runner, usb: usb, commands: cmds, logger: logger, now: time.Now}
}

func (b *ExecBackend) ProbePresence(ctx context.Context, d radio.Descriptor) (Presence, error) {
	if err := ctx.Err(); err != nil {
		return Presence{}, err
	}
	devs, err := b.usb.List()
	if err != nil {
		return Presence{}, fmt.Errorf("probe %s: %w", d.ID, err)
	}
	return matchPresence(devs, d), nil
}

// TestCapability runs the family's probe command. A command that ran and
// failed is an unsuccessful result; a command that could not run at all is
// an error.
func (b *ExecBackend) TestCapability(ctx context.Context, d radio.Descriptor) (CapabilityResult, error) {
	argv, err := b.argv(d, b.commands[d.Family].Probe, params{})
	if err != nil {
		return CapabilityResult{}, err
	}
	out, err := b.runner.Run(ctx, argv[0], argv[1:]...)
	var cerr *CommandError
	switch {
	case err == nil:
		return CapabilityResult{Success: true, RawOutput: string(out)}, nil
	case errors.As(err, &cerr):
		return CapabilityResult{Success: false, RawOutput: cerr.Stderr}, nil
	default:
		return CapabilityResult{}, fmt.Errorf("capability probe %s: %w", d.ID, err)
	}
}

func (b *ExecBackend) Capture(ctx context.Context, d radio.Descriptor, job radio.CaptureJob) (radio.RawCapture, error) {
	p := params{freq: job.CenterHz, rate: job.SampleRate, bw: job.Bandwidth, samples: job.ExpectedSamples()}
	argv, err := b.argv(d, b.commands[d.Family].Capture, p)
	if err != nil {
		return radio.RawCapture{}, fmt.Errorf("%w: %v", radio.ErrHardwareUnavailable, err)
	}
	started := b.now()
	out, err := b.runner.Run(ctx, argv[0], argv[1:]...)
	if errors.Is(err, context.DeadlineExceeded) {
		return radio.RawCapture{}, fmt.Errorf("capture %s on %s: %w", job.ID, d.ID, radio.ErrCaptureTimeout)
	}
	if err != nil {
		return radio.RawCapture{}, fmt.Errorf("capture %s on %s: %w", job.ID, d.ID, err)
	}
	if bps := d.Format.BytesPerSample(); bps > 0 {
		out = out[:len(out)-len(out)%bps]
	}
	b.logger.Debug("capture finished",
		zap.String("device", d.ID),
		zap.String("job", job.ID),
		zap.Int("bytes", len(out)),
		zap.Duration("elapsed", b.now().Sub(started)))
	return radio.RawCapture{
		JobID:         job.ID,
		Device:        d.ID,
		Family:        d.Family,
		Format:        d.Format,
		SampleRate:    job.SampleRate,
		CenterHz:      job.CenterHz,
		CapturedAt:    started,
		Samples:       out,
		CalibrationDB: d.CalibrationDB,
	}, nil
}

// ReadPower runs a one-shot sweep around freqHz and applies the
// descriptor's calibration offset. Out-of-window readings are absent.
func (b *ExecBackend) ReadPower(ctx context.Context, d radio.Descriptor, freqHz float64) (float64, bool, error) {
	argv, err := b.argv(d, b.commands[d.Family].Power, params{freq: freqHz})
	if err != nil {
		return 0, false, err
	}
	out, err := b.runner.Run(ctx, argv[0], argv[1:]...)
	if err != nil {
		return 0, false, fmt.Errorf("power read %s: %w", d.ID, err)
	}
	level, err := sweepLevel(out, freqHz)
	if err != nil {
		b.logger.Debug("power read unusable", zap.String("device", d.ID), zap.Error(err))
		return 0, false, nil
	}
	dbm, ok := radio.ValidPower(level + d.CalibrationDB)
	return dbm, ok, nil
}

func (b *ExecBackend) argv(d radio.Descriptor, tmpl []string, p params) ([]string, error) {
	if needsSerial(tmpl) {
		devs, err := b.usb.List()
		if err != nil {
			return nil, err
		}
		dev, _, _ := nth(devs, d)
		p.serial = dev.Serial
	}
	return expand(tmpl, d, p)
}
