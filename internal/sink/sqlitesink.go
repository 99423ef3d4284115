package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/shortontech/cellscan/internal/record"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS scan_sessions (
  cycle_id    TEXT PRIMARY KEY,
  started_at  DATETIME NOT NULL,
  finished_at DATETIME NOT NULL,
  devices     INTEGER NOT NULL,
  available   INTEGER NOT NULL,
  jobs        INTEGER NOT NULL,
  captures    INTEGER NOT NULL,
  candidates  INTEGER NOT NULL,
  frames      INTEGER NOT NULL,
  identifiers INTEGER NOT NULL,
  messages    INTEGER NOT NULL,
  failures    TEXT,
  rejected    TEXT
);
CREATE TABLE IF NOT EXISTS scan_records (
  record_id TEXT PRIMARY KEY,
  cycle_id  TEXT,
  ts        TEXT NOT NULL,
  type      TEXT NOT NULL,
  device    TEXT,
  replay    INTEGER NOT NULL CHECK (replay IN (0,1)),
  payload   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_cycle ON scan_records(cycle_id);
CREATE INDEX IF NOT EXISTS idx_records_type ON scan_records(type, ts);
`

// SQLiteSink keeps a local session database: every record in scan_records
// and one scan_sessions row per cycle summary.
type SQLiteSink struct {
	path   string
	logger *zap.Logger

	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteSinkFromEnv(logger *zap.Logger) *SQLiteSink {
	return NewSQLiteSink(getEnvOr("SQLITE_PATH", "cellscan.db"), logger)
}

func NewSQLiteSink(path string, logger *zap.Logger) *SQLiteSink {
	return &SQLiteSink{path: path, logger: orNop(logger)}
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) Start(ctx context.Context) error {
	dsn := "file:" + s.path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite %s: %w", s.path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to open sqlite %s: %w", s.path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to ensure sqlite schema: %w", err)
	}
	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	s.logger.Info("sqlite sink started", zap.String("path", s.path))
	return nil
}

func (s *SQLiteSink) Enqueue(r record.Record) (err error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("sqlite sink not started")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.Exec(`INSERT OR IGNORE INTO scan_records (record_id, cycle_id, ts, type, device, replay, payload)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RecordID, r.CycleID, r.TS, string(r.Type), r.Device, r.Replay, string(payload)); err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	if r.Type == record.TypeCycleSummary && r.Summary != nil {
		if err = upsertSession(tx, r.CycleID, r.Summary); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertSession(tx *sql.Tx, cycleID string, sum *record.CycleSummary) error {
	failures, err := json.Marshal(sum.Failures)
	if err != nil {
		return err
	}
	rejected, err := json.Marshal(sum.Rejected)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO scan_sessions
  (cycle_id, started_at, finished_at, devices, available, jobs, captures, candidates, frames, identifiers, messages, failures, rejected)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(cycle_id) DO UPDATE SET
  finished_at = excluded.finished_at,
  devices = excluded.devices,
  available = excluded.available,
  jobs = excluded.jobs,
  captures = excluded.captures,
  candidates = excluded.candidates,
  frames = excluded.frames,
  identifiers = excluded.identifiers,
  messages = excluded.messages,
  failures = excluded.failures,
  rejected = excluded.rejected`,
		cycleID, sum.StartedAt.UTC(), sum.FinishedAt.UTC(), sum.Devices, sum.Available, sum.Jobs, sum.Captures,
		sum.Candidates, sum.Frames, sum.Identifiers, sum.Messages, string(failures), string(rejected))
	if err != nil {
		return fmt.Errorf("failed to upsert scan session: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
