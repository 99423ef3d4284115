// Package capture plans and runs capture jobs across the devices that passed
// this cycle's hardware gate. Jobs on one device run strictly in order;
// different devices run concurrently.
package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shortontech/cellscan/internal/band"
	"github.com/shortontech/cellscan/internal/hardware"
	"github.com/shortontech/cellscan/internal/metrics"
	"github.com/shortontech/cellscan/internal/radio"
)

const (
	DefaultDwell           = 2 * time.Second
	DefaultCommandTimeout  = 10 * time.Second
	DefaultMinCompleteness = 0.9
	maxAttempts            = 2
)

type Config struct {
	Dwell          time.Duration
	CommandTimeout time.Duration
	// MinCompleteness is the fraction of expected samples a capture must
	// return to count as complete.
	MinCompleteness float64
	// ArchiveDir, when set, receives every successful capture.
	ArchiveDir string
}

func (c Config) withDefaults() Config {
	if c.Dwell <= 0 {
		c.Dwell = DefaultDwell
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.MinCompleteness <= 0 || c.MinCompleteness > 1 {
		c.MinCompleteness = DefaultMinCompleteness
	}
	return c
}

// Result is delivered to the handler once per job. Capture is nil when Err
// is set; the handler owns a non-nil Capture.
type Result struct {
	Job      radio.CaptureJob
	Capture  *radio.RawCapture
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// Handler consumes results as jobs finish. It is called from the device's
// goroutine, so a slow handler delays only that device's next job.
type Handler func(ctx context.Context, r Result)

type Orchestrator struct {
	backend hardware.Backend
	cfg     Config
	leases  *leases
	archive *Archive
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(backend hardware.Backend, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	o := &Orchestrator{backend: backend, cfg: cfg, leases: newLeases(), logger: logger, metrics: m}
	if cfg.ArchiveDir != "" {
		o.archive = NewArchive(cfg.ArchiveDir)
	}
	return o
}

// Plan builds one job per (available device, band) pair, interleaving
// devices round-robin. Bands a device cannot tune are skipped.
func (o *Orchestrator) Plan(avail radio.Availability, targets []band.Target) []radio.CaptureJob {
	devices := avail.Available()
	var jobs []radio.CaptureJob
	for _, t := range targets {
		span, ok := band.Span(t.Band)
		if !ok {
			o.logger.Warn("unknown band skipped", zap.String("band", t.Band))
			continue
		}
		for _, d := range devices {
			job, ok := o.job(d, t, span)
			if !ok {
				continue
			}
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func (o *Orchestrator) job(d radio.Descriptor, t band.Target, span band.SubRange) (radio.CaptureJob, bool) {
	width := span.HighHz() - span.LowHz() + span.SpacingHz
	center := t.CenterHz
	if center == 0 {
		center = (span.LowHz() + span.HighHz()) / 2
	}
	if !span.Contains(center) {
		o.logger.Warn("center outside band", zap.String("band", t.Band), zap.Float64("center_hz", center))
		return radio.CaptureJob{}, false
	}
	bw := math.Min(d.MaxBandwidth, width)
	if !d.Covers(center-bw/2, center+bw/2) {
		o.logger.Info("band outside device range",
			zap.String("device", d.ID),
			zap.String("band", t.Band),
			zap.Float64("center_hz", center))
		return radio.CaptureJob{}, false
	}
	return radio.CaptureJob{
		ID:         uuid.NewString(),
		Band:       t.Band,
		CenterHz:   center,
		Bandwidth:  bw,
		SampleRate: d.SampleRate,
		Dwell:      o.cfg.Dwell,
		Device:     d,
	}, true
}

// Run executes jobs and calls handle for each one. It returns once every
// device queue has drained or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, jobs []radio.CaptureJob, handle Handler) error {
	var order []string
	queues := make(map[string][]radio.CaptureJob)
	for _, j := range jobs {
		id := j.Device.ID
		if _, ok := queues[id]; !ok {
			order = append(order, id)
		}
		queues[id] = append(queues[id], j)
	}

	var eg errgroup.Group
	for _, id := range order {
		queue := queues[id]
		eg.Go(func() error {
			for _, job := range queue {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				handle(ctx, o.runJob(ctx, job))
			}
			return nil
		})
	}
	return eg.Wait()
}

func (o *Orchestrator) runJob(ctx context.Context, job radio.CaptureJob) Result {
	start := time.Now()
	res := Result{Job: job}
	log := o.logger.With(zap.String("device", job.Device.ID), zap.String("job", job.ID), zap.String("band", job.Band))

	if err := o.leases.acquire(job.Device.ID, job.ID); err != nil {
		res.Err = fmt.Errorf("job %s: %w", job.ID, err)
		o.metrics.IncrementJobs(job.Device.ID, "busy")
		return res
	}
	defer o.leases.release(job.Device.ID, job.ID)

	for res.Attempts < maxAttempts {
		res.Attempts++
		c, err := o.attempt(ctx, job)
		if err == nil {
			res.Capture = c
			res.Err = nil
			break
		}
		res.Err = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		if res.Attempts < maxAttempts {
			log.Warn("capture attempt failed, retrying", zap.Int("attempt", res.Attempts), zap.Error(err))
		}
	}
	res.Elapsed = time.Since(start)
	o.metrics.ObserveJobDuration(string(job.Device.Family), res.Elapsed)

	if res.Err != nil {
		log.Warn("capture job failed", zap.Int("attempts", res.Attempts), zap.Error(res.Err))
		o.metrics.IncrementJobs(job.Device.ID, radio.FailureKind(res.Err))
		return res
	}
	o.metrics.IncrementJobs(job.Device.ID, "ok")
	log.Info("capture complete", zap.Int("samples", res.Capture.SampleCount()), zap.Int("attempts", res.Attempts))

	if o.archive != nil {
		if path, err := o.archive.Write(job, res.Capture); err != nil {
			log.Error("archive capture", zap.Error(err))
		} else {
			log.Debug("capture archived", zap.String("path", path))
		}
	}
	return res
}

// attempt runs one bounded capture. Running past dwell plus the command
// timeout is a timeout regardless of what the backend reports.
func (o *Orchestrator) attempt(ctx context.Context, job radio.CaptureJob) (*radio.RawCapture, error) {
	actx, cancel := context.WithTimeout(ctx, job.Dwell+o.cfg.CommandTimeout)
	defer cancel()

	c, err := o.backend.Capture(actx, job.Device, job)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && !errors.Is(err, radio.ErrCaptureTimeout) {
			return nil, fmt.Errorf("job %s: %w: %v", job.ID, radio.ErrCaptureTimeout, err)
		}
		return nil, err
	}
	want := job.ExpectedSamples()
	if got := c.SampleCount(); float64(got) < o.cfg.MinCompleteness*float64(want) {
		c.Release()
		return nil, fmt.Errorf("job %s: %d of %d samples: %w", job.ID, got, want, radio.ErrCaptureIncomplete)
	}
	return &c, nil
}

func retryable(err error) bool {
	return errors.Is(err, radio.ErrCaptureTimeout) || errors.Is(err, radio.ErrCaptureIncomplete)
}
