// Package config loads scanner settings from defaults, environment variables
// and an optional YAML file. Sinks and the metrics server read their own
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shortontech/cellscan/internal/band"
	"github.com/shortontech/cellscan/internal/hardware"
	"github.com/shortontech/cellscan/internal/radio"
)

type Config struct {
	Outputs         []string // enabled sinks: log, kafka, postgres, nats, sqlite
	Devices         []string // "rtlsdr", "hackrf:1", ...
	Bands           []string // "GSM900", "DCS1800:1842.6e6", ...
	Dwell           time.Duration
	CommandTimeout  time.Duration
	ReferenceHz     float64 // power-trial frequency; 0 keeps the catalog value
	Cycles          int     // 0 runs until interrupted
	CycleInterval   time.Duration
	PeakThresholdDB float64
	FFTSize         int
	ArchiveDir      string // empty disables the capture archive
	DedupeSize      int
	MinSpeechBursts int
	USBSysfsRoot    string
	LogLevel        string
	LogFormat       string
	Commands        map[radio.Family]hardware.Commands
}

var defaults = map[string]interface{}{
	"outputs":             "log",
	"devices":             "rtlsdr",
	"bands":               "GSM900",
	"dwell_ms":            2000,
	"command_timeout_ms":  10000,
	"reference_freq_hz":   0.0,
	"cycles":              1,
	"cycle_interval_ms":   30000,
	"peak_threshold_db":   10.0,
	"fft_size":            1024,
	"capture_archive_dir": "",
	"dedupe_size":         4096,
	"min_speech_bursts":   8,
	"usb_sysfs_root":      hardware.DefaultSysfsRoot,
	"log_level":           "info",
	"log_format":          "json",
}

var commandOps = []string{"probe", "capture", "power"}

var families = []radio.Family{radio.FamilyRTLSDR, radio.FamilyHackRF, radio.FamilyBB60C}

// Load reads defaults, then path (if non-empty), then the environment, with
// later sources winning. A named file that cannot be read is an error.
func Load(path string) (Config, error) {
	v := viper.New()
	for k, def := range defaults {
		v.SetDefault(k, def)
	}
	v.AutomaticEnv()
	for _, f := range families {
		for _, op := range commandOps {
			// RTLSDR_CAPTURE_CMD, HACKRF_POWER_CMD, ...
			key := fmt.Sprintf("commands.%s.%s", f, op)
			env := strings.ToUpper(fmt.Sprintf("%s_%s_CMD", f, op))
			if err := v.BindEnv(key, env); err != nil {
				return Config{}, err
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := Config{
		Outputs:         stringSlice(v, "outputs"),
		Devices:         stringSlice(v, "devices"),
		Bands:           stringSlice(v, "bands"),
		Dwell:           millis(v, "dwell_ms"),
		CommandTimeout:  millis(v, "command_timeout_ms"),
		ReferenceHz:     v.GetFloat64("reference_freq_hz"),
		Cycles:          v.GetInt("cycles"),
		CycleInterval:   millis(v, "cycle_interval_ms"),
		PeakThresholdDB: v.GetFloat64("peak_threshold_db"),
		FFTSize:         v.GetInt("fft_size"),
		ArchiveDir:      v.GetString("capture_archive_dir"),
		DedupeSize:      v.GetInt("dedupe_size"),
		MinSpeechBursts: v.GetInt("min_speech_bursts"),
		USBSysfsRoot:    v.GetString("usb_sysfs_root"),
		LogLevel:        v.GetString("log_level"),
		LogFormat:       v.GetString("log_format"),
		Commands:        make(map[radio.Family]hardware.Commands),
	}
	for _, f := range families {
		c := hardware.Commands{
			Probe:   command(v, fmt.Sprintf("commands.%s.probe", f)),
			Capture: command(v, fmt.Sprintf("commands.%s.capture", f)),
			Power:   command(v, fmt.Sprintf("commands.%s.power", f)),
		}
		if len(c.Probe)+len(c.Capture)+len(c.Power) > 0 {
			cfg.Commands[f] = c
		}
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.Dwell <= 0:
		return fmt.Errorf("dwell_ms must be positive")
	case c.CommandTimeout <= 0:
		return fmt.Errorf("command_timeout_ms must be positive")
	case c.Cycles < 0:
		return fmt.Errorf("cycles must not be negative")
	case c.CycleInterval < 0:
		return fmt.Errorf("cycle_interval_ms must not be negative")
	case c.DedupeSize <= 0:
		return fmt.Errorf("dedupe_size must be positive")
	case c.MinSpeechBursts <= 0:
		return fmt.Errorf("min_speech_bursts must be positive")
	}
	if _, err := c.Descriptors(); err != nil {
		return err
	}
	if _, err := c.Targets(); err != nil {
		return err
	}
	return nil
}

// Descriptors resolves Devices against the hardware catalog.
func (c Config) Descriptors() ([]radio.Descriptor, error) {
	descs, err := hardware.ParseDevices(c.Devices)
	if err != nil {
		return nil, err
	}
	return hardware.WithReference(descs, c.ReferenceHz), nil
}

// Targets resolves Bands against the band table.
func (c Config) Targets() ([]band.Target, error) {
	return band.ParseTargets(c.Bands)
}

// stringSlice accepts a comma separated string (environment) or a YAML list.
func stringSlice(v *viper.Viper, key string) []string {
	var parts []string
	switch val := v.Get(key).(type) {
	case string:
		parts = strings.Split(val, ",")
	case []string:
		parts = val
	case []interface{}:
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
	}
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// command reads an argv template given either as one string, split on
// whitespace, or as a YAML list kept element for element.
func command(v *viper.Viper, key string) []string {
	switch val := v.Get(key).(type) {
	case []interface{}:
		argv := make([]string, 0, len(val))
		for _, item := range val {
			argv = append(argv, fmt.Sprint(item))
		}
		return argv
	case []string:
		return val
	}
	return hardware.ParseCommand(v.GetString(key))
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}
