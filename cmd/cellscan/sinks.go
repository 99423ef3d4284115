package main

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/shortontech/cellscan/internal/metrics"
	"github.com/shortontech/cellscan/internal/sink"
)

// initializeSinks builds and starts the sinks named in outputs. Unknown
// names and sinks that fail to start are logged and skipped.
func initializeSinks(ctx context.Context, outputs []string, logger *zap.Logger, m *metrics.Metrics) []sink.Sink {
	var sinks []sink.Sink
	for _, output := range outputs {
		var s sink.Sink
		switch strings.ToLower(strings.TrimSpace(output)) {
		case "log":
			s = sink.NewLogSink()
		case "kafka":
			s = sink.NewKafkaSinkFromEnv(logger.Named("kafka"), m)
		case "postgres", "pg":
			s = sink.NewPGSinkFromEnv(logger.Named("postgres"), m)
		case "nats":
			s = sink.NewNATSSinkFromEnv(logger.Named("nats"), m)
		case "sqlite":
			s = sink.NewSQLiteSinkFromEnv(logger.Named("sqlite"))
		default:
			logger.Warn("unknown output type", zap.String("output", output))
			continue
		}
		if err := s.Start(ctx); err != nil {
			logger.Error("failed to start sink", zap.String("sink", s.Name()), zap.Error(err))
			continue
		}
		logger.Info("sink started", zap.String("sink", s.Name()))
		sinks = append(sinks, s)
	}
	return sinks
}
