package capture

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/shortontech/cellscan/internal/radio"
)

// Archive stores captures as zstd-compressed GNU Radio .cfile data with a
// JSON sidecar describing the capture.
type Archive struct {
	dir string
}

const (
	dataSuffix    = ".cfile.zst"
	sidecarSuffix = ".json"
)

// Sidecar is written next to each archived capture.
type Sidecar struct {
	JobID         string             `json:"job_id"`
	Band          string             `json:"band"`
	Device        string             `json:"device"`
	Family        radio.Family       `json:"family"`
	CenterHz      float64            `json:"center_hz"`
	Bandwidth     float64            `json:"bandwidth_hz"`
	SampleRate    float64            `json:"sample_rate"`
	Samples       int                `json:"samples"`
	Format        radio.SampleFormat `json:"format"`
	CalibrationDB float64            `json:"calibration_db"`
	CapturedAt    time.Time          `json:"captured_at"`
}

func NewArchive(dir string) *Archive { return &Archive{dir: dir} }

// Write converts c to complex float32 and stores it under the job ID.
func (a *Archive) Write(job radio.CaptureJob, c *radio.RawCapture) (string, error) {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	iq, err := c.IQ()
	if err != nil {
		return "", err
	}
	base := filepath.Join(a.dir, job.ID)

	file, err := os.Create(base + dataSuffix)
	if err != nil {
		return "", fmt.Errorf("failed to create capture file: %w", err)
	}
	defer file.Close()

	zw, err := zstd.NewWriter(file)
	if err != nil {
		return "", fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if _, err := zw.Write(radio.EncodeF32LE(iq)); err != nil {
		zw.Close()
		return "", fmt.Errorf("failed to write capture: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to flush capture: %w", err)
	}

	meta := Sidecar{
		JobID:         job.ID,
		Band:          job.Band,
		Device:        c.Device,
		Family:        c.Family,
		CenterHz:      c.CenterHz,
		Bandwidth:     job.Bandwidth,
		SampleRate:    c.SampleRate,
		Samples:       len(iq),
		Format:        radio.FormatF32LE,
		CalibrationDB: c.CalibrationDB,
		CapturedAt:    c.CapturedAt,
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(base+sidecarSuffix, b, 0o644); err != nil {
		return "", fmt.Errorf("failed to write sidecar: %w", err)
	}
	return base + dataSuffix, nil
}

// ReadArchived loads an archived capture. path may name either the data
// file or its sidecar. The result is marked as a replay.
func ReadArchived(path string) (*radio.RawCapture, Sidecar, error) {
	base := strings.TrimSuffix(strings.TrimSuffix(path, sidecarSuffix), dataSuffix)

	var meta Sidecar
	b, err := os.ReadFile(base + sidecarSuffix)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to read sidecar: %w", err)
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, meta, fmt.Errorf("invalid sidecar: %w", err)
	}

	file, err := os.Open(base + dataSuffix)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to open capture: %w", err)
	}
	defer file.Close()

	zr, err := zstd.NewReader(file)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	samples, err := io.ReadAll(zr)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to decompress capture: %w", err)
	}
	c := &radio.RawCapture{
		JobID:         meta.JobID,
		Device:        meta.Device,
		Family:        meta.Family,
		Format:        meta.Format,
		SampleRate:    meta.SampleRate,
		CenterHz:      meta.CenterHz,
		CapturedAt:    meta.CapturedAt,
		Samples:       samples,
		CalibrationDB: meta.CalibrationDB,
		Replay:        true,
	}
	if c.SampleCount() != meta.Samples {
		return nil, meta, fmt.Errorf("capture holds %d samples, sidecar says %d", c.SampleCount(), meta.Samples)
	}
	return c, meta, nil
}
