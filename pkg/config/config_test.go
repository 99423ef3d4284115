package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortontech/cellscan/internal/radio"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for k := range defaults {
		t.Setenv(strings.ToUpper(k), "")
	}
	for _, f := range families {
		for _, op := range commandOps {
			t.Setenv(strings.ToUpper(string(f)+"_"+op+"_cmd"), "")
		}
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cellscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"log"}, cfg.Outputs)
	assert.Equal(t, []string{"rtlsdr"}, cfg.Devices)
	assert.Equal(t, []string{"GSM900"}, cfg.Bands)
	assert.Equal(t, 2*time.Second, cfg.Dwell)
	assert.Equal(t, 10*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 1, cfg.Cycles)
	assert.Equal(t, 30*time.Second, cfg.CycleInterval)
	assert.Equal(t, 10.0, cfg.PeakThresholdDB)
	assert.Equal(t, 4096, cfg.DedupeSize)
	assert.Equal(t, 8, cfg.MinSpeechBursts)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.ArchiveDir)
	assert.Empty(t, cfg.Commands)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OUTPUTS", "log, kafka ,,postgres")
	t.Setenv("DEVICES", "rtlsdr,hackrf:1")
	t.Setenv("BANDS", "GSM900,DCS1800")
	t.Setenv("DWELL_MS", "500")
	t.Setenv("CYCLES", "0")
	t.Setenv("REFERENCE_FREQ_HZ", "935.2e6")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RTLSDR_CAPTURE_CMD", "my_rtl -d {index} -f {freq}")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"log", "kafka", "postgres"}, cfg.Outputs)
	assert.Equal(t, 500*time.Millisecond, cfg.Dwell)
	assert.Equal(t, 0, cfg.Cycles)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"my_rtl", "-d", "{index}", "-f", "{freq}"}, cfg.Commands[radio.FamilyRTLSDR].Capture)
	assert.Empty(t, cfg.Commands[radio.FamilyRTLSDR].Probe)
	_, ok := cfg.Commands[radio.FamilyHackRF]
	assert.False(t, ok, "families without overrides are left out")

	descs, err := cfg.Descriptors()
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, "rtlsdr-0", descs[0].ID)
	assert.Equal(t, "hackrf-1", descs[1].ID)
	assert.Equal(t, 935.2e6, descs[0].ReferenceHz)

	targets, err := cfg.Targets()
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "DCS1800", targets[1].Band)
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
outputs: [log, sqlite]
devices:
  - hackrf
bands: "GSM900:947.4e6"
dwell_ms: 750
capture_archive_dir: /var/lib/cellscan
commands:
  bb60c:
    capture: [bb60_capture, --freq, "{freq}", --samples, "{samples}"]
    probe: "bb60_probe --serial {serial}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"log", "sqlite"}, cfg.Outputs)
	assert.Equal(t, []string{"hackrf"}, cfg.Devices)
	assert.Equal(t, 750*time.Millisecond, cfg.Dwell)
	assert.Equal(t, "/var/lib/cellscan", cfg.ArchiveDir)

	bb := cfg.Commands[radio.FamilyBB60C]
	assert.Equal(t, []string{"bb60_capture", "--freq", "{freq}", "--samples", "{samples}"}, bb.Capture)
	assert.Equal(t, []string{"bb60_probe", "--serial", "{serial}"}, bb.Probe)

	targets, err := cfg.Targets()
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 947.4e6, targets[0].CenterHz)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "dwell_ms: 750\nbands: DCS1800\n")
	t.Setenv("DWELL_MS", "1200")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1200*time.Millisecond, cfg.Dwell)
	assert.Equal(t, []string{"DCS1800"}, cfg.Bands)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown device family", env: map[string]string{"DEVICES": "usrp"}},
		{name: "duplicate device", env: map[string]string{"DEVICES": "rtlsdr,rtlsdr:0"}},
		{name: "unknown band", env: map[string]string{"BANDS": "GSM450"}},
		{name: "zero dwell", env: map[string]string{"DWELL_MS": "0"}},
		{name: "negative cycles", env: map[string]string{"CYCLES": "-1"}},
		{name: "zero dedupe cache", env: map[string]string{"DEDUPE_SIZE": "0"}},
		{name: "zero speech threshold", env: map[string]string{"MIN_SPEECH_BURSTS": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		clearEnv(t)
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}
