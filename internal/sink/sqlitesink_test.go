package sink

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortontech/cellscan/internal/radio"
	"github.com/shortontech/cellscan/internal/record"
)

func TestSQLiteSinkPersistsSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cellscan.db")
	sink := NewSQLiteSink(path, nil)
	require.NoError(t, sink.Start(context.Background()))

	id := radio.ExtractedIdentifier{ID: "i1", Kind: radio.KindIMSI, Value: "262011234567890", Validated: true,
		Source: radio.FrameRef{Device: "rtlsdr-0", ARFCN: 63, Channel: radio.ChannelCCCH}}
	idRec, err := record.NewIdentifier("cycle-7", id, true)
	require.NoError(t, err)

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	summary := record.NewCycleSummary("cycle-7", record.CycleSummary{
		StartedAt: started, FinishedAt: started.Add(time.Minute),
		Devices: 2, Available: 1, Jobs: 3, Identifiers: 1,
		Failures: map[string]int{"capture_timeout": 2},
	})

	require.NoError(t, sink.Enqueue(testRecord("v1")))
	require.NoError(t, sink.Enqueue(idRec))
	require.NoError(t, sink.Enqueue(idRec), "duplicate record ids are ignored")
	require.NoError(t, sink.Enqueue(summary))
	require.NoError(t, sink.Close())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM scan_records`).Scan(&n))
	assert.Equal(t, 3, n)

	var replay bool
	require.NoError(t, db.QueryRow(`SELECT replay FROM scan_records WHERE type = 'identifier'`).Scan(&replay))
	assert.True(t, replay)

	var devices, available, jobs int
	var failures string
	require.NoError(t, db.QueryRow(`SELECT devices, available, jobs, failures FROM scan_sessions WHERE cycle_id = ?`, "cycle-7").
		Scan(&devices, &available, &jobs, &failures))
	assert.Equal(t, 2, devices)
	assert.Equal(t, 1, available)
	assert.Equal(t, 3, jobs)
	assert.JSONEq(t, `{"capture_timeout":2}`, failures)
}

func TestSQLiteSinkReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cellscan.db")
	for _, id := range []string{"a", "b"} {
		sink := NewSQLiteSink(path, nil)
		require.NoError(t, sink.Start(context.Background()))
		require.NoError(t, sink.Enqueue(testRecord(id)))
		require.NoError(t, sink.Close())
	}

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM scan_records`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestSQLiteSinkNotStarted(t *testing.T) {
	sink := NewSQLiteSink(filepath.Join(t.TempDir(), "x.db"), nil)
	assert.Error(t, sink.Enqueue(testRecord("x")))
	assert.NoError(t, sink.Close())
	assert.Equal(t, "sqlite", sink.Name())
}

func TestNewSQLiteSinkFromEnv(t *testing.T) {
	t.Setenv("SQLITE_PATH", "/var/lib/cellscan/sessions.db")
	assert.Equal(t, "/var/lib/cellscan/sessions.db", NewSQLiteSinkFromEnv(nil).path)
}
