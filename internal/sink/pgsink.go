package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/shortontech/cellscan/internal/metrics"
	"github.com/shortontech/cellscan/internal/record"
)

// PGConfig holds configuration for the PostgreSQL sink.
type PGConfig struct {
	DSN       string
	Table     string
	BatchSize int
	FlushMS   int
	UseCopy   bool
}

// PGSink batches records into a JSONB table, flushing on size or interval.
type PGSink struct {
	config  PGConfig
	db      *sql.DB
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	batch []record.Record

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// validateTableName guards the table name, which is interpolated into SQL.
func validateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// NewPGSinkFromEnv creates a PGSink from PG_* environment variables.
func NewPGSinkFromEnv(logger *zap.Logger, m *metrics.Metrics) *PGSink {
	return &PGSink{
		config: PGConfig{
			DSN:       getEnvOr("PG_DSN", ""),
			Table:     getEnvOr("PG_TABLE", "cellscan_records"),
			BatchSize: getIntEnv("PG_BATCH_SIZE", 500),
			FlushMS:   getIntEnv("PG_FLUSH_MS", 500),
			UseCopy:   getBoolEnv("PG_COPY", true),
		},
		logger:  orNop(logger),
		metrics: m,
	}
}

// NewPGSink creates a PGSink with default batching for dsn.
func NewPGSink(dsn string) *PGSink {
	return &PGSink{
		config: PGConfig{
			DSN:       dsn,
			Table:     "cellscan_records",
			BatchSize: 500,
			FlushMS:   500,
			UseCopy:   true,
		},
		logger: zap.NewNop(),
	}
}

func (s *PGSink) Name() string { return "postgres" }

func (s *PGSink) Start(ctx context.Context) error {
	if s.config.DSN == "" {
		return errors.New("PG_DSN is required for the postgres sink")
	}
	if err := validateTableName(s.config.Table); err != nil {
		return err
	}
	if s.config.BatchSize <= 0 {
		s.config.BatchSize = 500
	}
	if s.config.FlushMS <= 0 {
		s.config.FlushMS = 500
	}

	db, err := sql.Open("postgres", s.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s.db = db
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.ensureSchema(); err != nil {
		s.cancel()
		db.Close()
		s.db = nil
		return err
	}

	s.done = make(chan struct{})
	go s.flushRoutine()
	s.logger.Info("postgres sink started", zap.String("table", s.config.Table), zap.Bool("copy", s.config.UseCopy))
	return nil
}

func (s *PGSink) ensureSchema() error {
	t := s.config.Table
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  record_id TEXT PRIMARY KEY,
  ts        TIMESTAMPTZ NOT NULL,
  type      TEXT NOT NULL,
  cycle_id  TEXT,
  device    TEXT,
  payload   JSONB NOT NULL
)`, t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (ts)", t, t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_gin ON %s USING GIN (payload)", t, t),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(s.ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// Enqueue buffers r and flushes once the batch is full.
func (s *PGSink) Enqueue(r record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = append(s.batch, r)
	s.metrics.SetQueueDepth(s.Name(), float64(len(s.batch)))
	if s.config.BatchSize > 0 && len(s.batch) >= s.config.BatchSize {
		return s.flushLocked()
	}
	return nil
}

func (s *PGSink) flushRoutine() {
	defer close(s.done)
	ticker := time.NewTicker(time.Duration(s.config.FlushMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.flushBatch(); err != nil {
				s.logger.Warn("postgres flush failed", zap.Error(err))
			}
		}
	}
}

func (s *PGSink) flushBatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// flushLocked writes the batch; on error the batch is kept for the next try.
func (s *PGSink) flushLocked() error {
	if len(s.batch) == 0 {
		return nil
	}
	if s.db == nil {
		return errors.New("postgres sink not started")
	}
	start := time.Now()
	var err error
	if s.config.UseCopy {
		err = s.flushWithCopy()
	} else {
		err = s.flushWithInsert()
	}
	if err != nil {
		s.metrics.IncrementSinkErrors(s.Name(), "flush")
		return err
	}
	s.metrics.ObserveBatchFlushLatency(s.Name(), time.Since(start))
	s.batch = s.batch[:0]
	s.metrics.SetQueueDepth(s.Name(), 0)
	return nil
}

type pgRow struct {
	id, ts, typ, cycle, device string
	payload                    []byte
}

func rows(batch []record.Record) ([]pgRow, error) {
	out := make([]pgRow, 0, len(batch))
	for _, r := range batch {
		payload, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize record: %w", err)
		}
		out = append(out, pgRow{id: r.RecordID, ts: r.TS, typ: string(r.Type), cycle: r.CycleID, device: r.Device, payload: payload})
	}
	return out, nil
}

func (s *PGSink) flushWithInsert() error {
	if len(s.batch) == 0 {
		return nil
	}
	rs, err := rows(s.batch)
	if err != nil {
		return err
	}
	var (
		sb   strings.Builder
		args = make([]interface{}, 0, 6*len(rs))
	)
	fmt.Fprintf(&sb, "INSERT INTO %s (record_id, ts, type, cycle_id, device, payload) VALUES ", s.config.Table)
	for i, r := range rs {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := 6 * i
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)
		args = append(args, r.id, r.ts, r.typ, r.cycle, r.device, string(r.payload))
	}
	sb.WriteString(" ON CONFLICT (record_id) DO NOTHING")

	if _, err := s.db.ExecContext(s.ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

func (s *PGSink) flushWithCopy() (err error) {
	if len(s.batch) == 0 {
		return nil
	}
	rs, err := rows(s.batch)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(s.ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(pq.CopyIn(s.config.Table, "record_id", "ts", "type", "cycle_id", "device", "payload"))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}
	for _, r := range rs {
		if _, err = stmt.Exec(r.id, r.ts, r.typ, r.cycle, r.device, string(r.payload)); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to copy row: %w", err)
		}
	}
	if _, err = stmt.Exec(); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to finish copy: %w", err)
	}
	if err = stmt.Close(); err != nil {
		return fmt.Errorf("failed to close copy: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit copy: %w", err)
	}
	return nil
}

// Close stops the flush routine, writes what is left and closes the pool.
func (s *PGSink) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	if s.db == nil {
		return nil
	}

	// The sink context is cancelled; flush the tail on a fresh one.
	s.mu.Lock()
	s.ctx = context.Background()
	err := s.flushLocked()
	s.mu.Unlock()

	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	s.db = nil
	return err
}
