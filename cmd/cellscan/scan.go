package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shortontech/cellscan/internal/capture"
	"github.com/shortontech/cellscan/internal/hardware"
	"github.com/shortontech/cellscan/internal/metrics"
	"github.com/shortontech/cellscan/internal/pipeline"
	"github.com/shortontech/cellscan/internal/radio"
	"github.com/shortontech/cellscan/internal/spectrum"
)

func newScanCmd(a *app) *cobra.Command {
	var cycles int
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run scan cycles against the configured devices and bands",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("cycles") {
				a.cfg.Cycles = cycles
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.scan(ctx)
		},
	}
	cmd.Flags().IntVar(&cycles, "cycles", 1, "number of cycles to run, 0 runs until interrupted")
	return cmd
}

func (a *app) backend() hardware.Backend {
	return hardware.NewExecBackend(
		hardware.ExecRunner{},
		hardware.NewSysfsEnumerator(a.cfg.USBSysfsRoot),
		a.cfg.Commands,
		a.logger.Named("hardware"),
	)
}

func (a *app) pipelineConfig() pipeline.Config {
	return pipeline.Config{
		Capture: capture.Config{
			Dwell:          a.cfg.Dwell,
			CommandTimeout: a.cfg.CommandTimeout,
			ArchiveDir:     a.cfg.ArchiveDir,
		},
		Spectrum: spectrum.Config{
			FFTSize:     a.cfg.FFTSize,
			ThresholdDB: a.cfg.PeakThresholdDB,
		},
		MinSpeechBursts: a.cfg.MinSpeechBursts,
	}
}

// outputs starts the configured sinks behind a de-duplicating emitter.
func (a *app) outputs(ctx context.Context, m *metrics.Metrics) (*pipeline.Emitter, error) {
	sinks := initializeSinks(ctx, a.cfg.Outputs, a.logger, m)
	if len(sinks) == 0 {
		a.logger.Warn("no outputs started; records will be dropped")
	}
	return pipeline.NewEmitter(sinks, a.cfg.DedupeSize, a.logger.Named("emitter"), m)
}

func (a *app) scan(ctx context.Context) error {
	descs, err := a.cfg.Descriptors()
	if err != nil {
		return err
	}
	targets, err := a.cfg.Targets()
	if err != nil {
		return err
	}

	m := metrics.InitMetrics()
	metricsServer, err := metrics.NewServer(metrics.LoadConfig(), a.logger.Named("metrics"))
	if err != nil {
		return err
	}
	if err := metricsServer.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	emitter, err := a.outputs(ctx, m)
	if err != nil {
		return err
	}
	defer emitter.Close()

	p, err := pipeline.New(a.backend(), a.pipelineConfig(), emitter.Emit, a.logger, m)
	if err != nil {
		return err
	}

	a.logger.Info("scan starting",
		zap.Int("devices", len(descs)),
		zap.Int("bands", len(targets)),
		zap.Int("cycles", a.cfg.Cycles),
		zap.Strings("outputs", a.cfg.Outputs))

	for n := 1; a.cfg.Cycles == 0 || n <= a.cfg.Cycles; n++ {
		_, err := p.RunCycle(ctx, descs, targets)
		switch {
		case errors.Is(err, radio.ErrNoHardwareConfigured):
			return err
		case ctx.Err() != nil:
			a.logger.Info("scan interrupted", zap.Int("cycle", n))
			return nil
		case err != nil:
			a.logger.Warn("cycle ended with error", zap.Int("cycle", n), zap.Error(err))
		}

		if a.cfg.Cycles != 0 && n == a.cfg.Cycles {
			break
		}
		select {
		case <-ctx.Done():
			a.logger.Info("scan interrupted", zap.Int("cycle", n))
			return nil
		case <-time.After(a.cfg.CycleInterval):
		}
	}
	a.logger.Info("scan finished")
	return nil
}
