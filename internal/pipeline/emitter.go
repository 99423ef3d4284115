package pipeline

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/shortontech/cellscan/internal/metrics"
	"github.com/shortontech/cellscan/internal/record"
	"github.com/shortontech/cellscan/internal/sink"
)

// DefaultDedupeSize bounds the set of recently emitted observations.
const DefaultDedupeSize = 4096

// Emitter fans records out to every sink. Records that repeat a recent
// observation (same DedupeKey) are dropped before reaching any sink.
type Emitter struct {
	sinks   []sink.Sink
	seen    *lru.Cache[string, struct{}]
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewEmitter(sinks []sink.Sink, dedupeSize int, logger *zap.Logger, m *metrics.Metrics) (*Emitter, error) {
	if dedupeSize <= 0 {
		dedupeSize = DefaultDedupeSize
	}
	seen, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{sinks: sinks, seen: seen, logger: logger, metrics: m}, nil
}

// Emit hands r to every sink and reports whether it was sent. A failing
// sink is logged and counted; the others still receive the record.
func (e *Emitter) Emit(r record.Record) bool {
	if key := r.DedupeKey(); key != "" {
		if found, _ := e.seen.ContainsOrAdd(key, struct{}{}); found {
			return false
		}
	}
	for _, s := range e.sinks {
		if err := s.Enqueue(r); err != nil {
			e.logger.Error("sink enqueue failed",
				zap.String("sink", s.Name()),
				zap.String("record_id", r.RecordID),
				zap.String("type", string(r.Type)),
				zap.Error(err))
			e.metrics.IncrementSinkErrors(s.Name(), "enqueue")
			continue
		}
		e.metrics.IncrementRecordsEmitted(s.Name())
	}
	return true
}

// Close closes every sink and joins their errors.
func (e *Emitter) Close() error {
	var errs []error
	for _, s := range e.sinks {
		if err := s.Close(); err != nil {
			e.logger.Error("sink close failed", zap.String("sink", s.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
