// Package pipeline runs scan cycles end to end. Each cycle proves the
// configured hardware, captures every target band on the devices that passed,
// and carries each capture through spectrum analysis, GSM demodulation,
// identifier extraction and validation. Stage failures are counted in the
// cycle's report and never stop the remaining work.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shortontech/cellscan/internal/authn"
	"github.com/shortontech/cellscan/internal/band"
	"github.com/shortontech/cellscan/internal/capture"
	"github.com/shortontech/cellscan/internal/gate"
	"github.com/shortontech/cellscan/internal/gsm"
	"github.com/shortontech/cellscan/internal/hardware"
	"github.com/shortontech/cellscan/internal/ident"
	"github.com/shortontech/cellscan/internal/metrics"
	"github.com/shortontech/cellscan/internal/radio"
	"github.com/shortontech/cellscan/internal/record"
	"github.com/shortontech/cellscan/internal/spectrum"
)

// EmitFunc receives every record the pipeline produces. It reports whether
// the record was sent on.
type EmitFunc func(record.Record) bool

type Config struct {
	Capture         capture.Config
	Spectrum        spectrum.Config
	MinSpeechBursts int
}

type Pipeline struct {
	gate      *gate.Gate
	capture   *capture.Orchestrator
	analyzer  *spectrum.Analyzer
	frames    *gsm.Extractor
	ident     *ident.Extractor
	validator *authn.Validator
	emit      EmitFunc
	logger    *zap.Logger
	metrics   *metrics.Metrics

	now        func() time.Time
	newCycleID func() string
}

func New(backend hardware.Backend, cfg Config, emit EmitFunc, logger *zap.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emit == nil {
		emit = func(record.Record) bool { return false }
	}
	analyzer, err := spectrum.New(cfg.Spectrum, logger.Named("spectrum"))
	if err != nil {
		return nil, err
	}
	validator, err := authn.New(logger.Named("authn"), m)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		gate:       gate.New(backend, cfg.Capture.CommandTimeout, logger.Named("gate"), m),
		capture:    capture.New(backend, cfg.Capture, logger.Named("capture"), m),
		analyzer:   analyzer,
		frames:     gsm.New(logger.Named("gsm")),
		ident:      ident.New(logger.Named("ident"), cfg.MinSpeechBursts),
		validator:  validator,
		emit:       emit,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		newCycleID: uuid.NewString,
	}, nil
}

// RunCycle runs one scan cycle. The only error that aborts a cycle before
// device work is radio.ErrNoHardwareConfigured; cancellation of ctx stops
// the cycle early and returns the partial report along with ctx's error.
func (p *Pipeline) RunCycle(ctx context.Context, descs []radio.Descriptor, targets []band.Target) (*CycleReport, error) {
	cycleID := p.newCycleID()
	log := p.logger.With(zap.String("cycle_id", cycleID))

	avail, err := p.gate.CheckAll(ctx, cycleID, descs)
	if err != nil {
		p.metrics.IncrementCycles("aborted")
		p.metrics.IncrementFailures(radio.FailureKind(err))
		log.Error("cycle aborted", zap.Error(err))
		return nil, err
	}

	report := newReport(cycleID, p.now())
	before := p.validator.Stats()
	report.Verdicts = avail.Verdicts()
	for _, v := range report.Verdicts {
		p.emit(record.NewVerdict(cycleID, v))
		if !v.Available {
			report.fail(radio.FailureKind(radio.ErrHardwareUnavailable))
			p.metrics.IncrementFailures(radio.FailureKind(radio.ErrHardwareUnavailable))
		}
	}

	jobs := p.capture.Plan(avail, targets)
	report.Jobs = len(jobs)
	log.Info("cycle started",
		zap.Int("devices", len(descs)),
		zap.Int("available", len(avail.Available())),
		zap.Int("jobs", len(jobs)))

	runErr := p.capture.Run(ctx, jobs, func(ctx context.Context, res capture.Result) {
		if res.Err != nil {
			p.fail(report, res.Err, zap.String("job", res.Job.ID), zap.String("device", res.Job.Device.ID))
			return
		}
		defer res.Capture.Release()
		report.update(func(r *CycleReport) { r.Captures++ })
		p.process(ctx, cycleID, res.Capture, report)
	})

	p.finish(report, before)
	result := "ok"
	if runErr != nil {
		result = "cancelled"
	}
	p.metrics.IncrementCycles(result)
	log.Info("cycle finished",
		zap.String("result", result),
		zap.Int("captures", report.Captures),
		zap.Int("candidates", report.Candidates),
		zap.Int("frames", report.Frames),
		zap.Int("identifiers", report.Identifiers),
		zap.Int("messages", report.Messages),
		zap.Any("failures", report.Failures),
		zap.Any("rejected", report.RejectedKinds()))
	return report, runErr
}

// Decode runs an already captured buffer through analysis, demodulation,
// extraction and validation. Records carry the capture's Replay flag; no
// hardware verdict is produced.
func (p *Pipeline) Decode(ctx context.Context, c *radio.RawCapture) (*CycleReport, error) {
	cycleID := p.newCycleID()
	report := newReport(cycleID, p.now())
	before := p.validator.Stats()
	report.Jobs = 1
	report.Captures = 1

	p.process(ctx, cycleID, c, report)
	c.Release()

	p.finish(report, before)
	p.metrics.IncrementCycles("replay")
	p.logger.Info("capture decoded",
		zap.String("cycle_id", cycleID),
		zap.String("job", c.JobID),
		zap.Int("candidates", report.Candidates),
		zap.Int("frames", report.Frames),
		zap.Int("identifiers", report.Identifiers),
		zap.Int("messages", report.Messages))
	return report, ctx.Err()
}

func (p *Pipeline) finish(report *CycleReport, before authn.Stats) {
	after := p.validator.Stats()
	report.update(func(r *CycleReport) {
		r.FinishedAt = p.now()
		for k, n := range after.Rejected {
			if d := n - before.Rejected[k]; d > 0 {
				r.Rejected[k] = d
			}
		}
	})
	p.emit(record.NewCycleSummary(report.CycleID, report.Summary()))
}

// process carries one capture through every stage after capture. The caller
// releases the buffer.
func (p *Pipeline) process(ctx context.Context, cycleID string, c *radio.RawCapture, report *CycleReport) {
	defer func() {
		if n := p.ident.Flush(c.Device); n > 0 {
			p.logger.Debug("partial messages dropped at end of capture",
				zap.String("job", c.JobID),
				zap.String("device", c.Device),
				zap.Int("partial", n))
		}
	}()

	est, err := p.analyzer.Estimate(c)
	if err != nil {
		p.fail(report, err, zap.String("job", c.JobID), zap.String("device", c.Device))
		return
	}
	cands := p.analyzer.Candidates(est)
	report.update(func(r *CycleReport) { r.Candidates += len(cands) })

	for _, cand := range cands {
		p.metrics.IncrementCandidates(string(cand.Technology))
		p.emit(record.NewBTS(cycleID, cand, c.Replay))
		if cand.Technology != radio.TechGSM {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		frames, err := p.frames.Extract(cand, c)
		if err != nil {
			p.fail(report, err,
				zap.String("job", c.JobID),
				zap.String("device", c.Device),
				zap.Int("arfcn", cand.Channel))
			continue
		}
		report.update(func(r *CycleReport) { r.Frames += len(frames) })
		for _, f := range frames {
			p.metrics.AddFrames(string(f.Channel), 1)
			p.frame(cycleID, f, c.Replay, report)
		}
	}
}

func (p *Pipeline) frame(cycleID string, f radio.GSMFrame, replay bool, report *CycleReport) {
	ids, msgs, err := p.ident.Extract(f)
	if err != nil {
		p.fail(report, err, zap.Stringer("frame", f.Ref()))
	}
	for _, id := range ids {
		valid, ok := p.validator.Identifier(id)
		if !ok {
			continue
		}
		rec, err := record.NewIdentifier(cycleID, valid, replay)
		if err != nil {
			p.fail(report, err, zap.Stringer("frame", f.Ref()))
			continue
		}
		report.update(func(r *CycleReport) { r.Identifiers++ })
		p.emit(rec)
	}
	for _, m := range msgs {
		valid, ok := p.validator.Message(m)
		if !ok {
			continue
		}
		rec, err := record.NewMessage(cycleID, valid, replay)
		if err != nil {
			p.fail(report, err, zap.Stringer("frame", f.Ref()))
			continue
		}
		report.update(func(r *CycleReport) { r.Messages++ })
		p.emit(rec)
	}
}

func (p *Pipeline) fail(report *CycleReport, err error, fields ...zap.Field) {
	kind := radio.FailureKind(err)
	report.fail(kind)
	p.metrics.IncrementFailures(kind)
	p.logger.Debug("stage failed", append(fields, zap.String("kind", kind), zap.Error(err))...)
}

// CycleReport collects what one cycle produced and what failed along the
// way. Counts cover validated items, before emission de-duplication.
type CycleReport struct {
	CycleID     string
	StartedAt   time.Time
	FinishedAt  time.Time
	Verdicts    []radio.Verdict
	Jobs        int
	Captures    int
	Candidates  int
	Frames      int
	Identifiers int
	Messages    int

	// Failures counts stage failures by taxonomy label.
	Failures map[string]int

	// Rejected counts validator rejections by "kind/reason".
	Rejected map[string]int

	mu sync.Mutex
}

func newReport(cycleID string, started time.Time) *CycleReport {
	return &CycleReport{
		CycleID:   cycleID,
		StartedAt: started,
		Failures:  make(map[string]int),
		Rejected:  make(map[string]int),
	}
}

func (r *CycleReport) update(fn func(*CycleReport)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func (r *CycleReport) fail(kind string) {
	r.update(func(r *CycleReport) { r.Failures[kind]++ })
}

// Available lists the devices that passed the gate this cycle.
func (r *CycleReport) Available() []string {
	var ids []string
	for _, v := range r.Verdicts {
		if v.Available {
			ids = append(ids, v.DeviceID)
		}
	}
	return ids
}

// RejectedKinds sums rejections per item kind.
func (r *CycleReport) RejectedKinds() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for k, n := range r.Rejected {
		kind, _, _ := strings.Cut(k, "/")
		out[kind] += n
	}
	return out
}

// Summary converts the report into the cycle_summary record payload.
func (r *CycleReport) Summary() record.CycleSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := record.CycleSummary{
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Devices:     len(r.Verdicts),
		Jobs:        r.Jobs,
		Captures:    r.Captures,
		Candidates:  r.Candidates,
		Frames:      r.Frames,
		Identifiers: r.Identifiers,
		Messages:    r.Messages,
		Failures:    make(map[string]int, len(r.Failures)),
		Rejected:    make(map[string]int, len(r.Rejected)),
	}
	for _, v := range r.Verdicts {
		if v.Available {
			s.Available++
		}
	}
	for k, n := range r.Failures {
		s.Failures[k] = n
	}
	for k, n := range r.Rejected {
		s.Rejected[k] = n
	}
	return s
}
