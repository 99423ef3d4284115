package hardware

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shortontech/cellscan/internal/radio"
)

// Commands are argv templates for one device family. Placeholders in braces
// are substituted per call: {index} {serial} {freq} {rate} {bw} {samples} {lo} {hi}
// {lo_mhz} {hi_mhz} {step}.
type Commands struct {
	Probe   []string `mapstructure:"probe"`
	Capture []string `mapstructure:"capture"`
	Power   []string `mapstructure:"power"`
}

// DefaultCommands drive the stock librtlsdr and libhackrf tools. The BB60C
// has no stock command-line capture tool, so it must be configured.
var DefaultCommands = map[radio.Family]Commands{
	radio.FamilyRTLSDR: {
		Probe:   []string{"rtl_test", "-d", "{index}", "-t"},
		Capture: []string{"rtl_sdr", "-d", "{index}", "-f", "{freq}", "-s", "{rate}", "-n", "{samples}", "-"},
		Power:   []string{"rtl_power", "-d", "{index}", "-f", "{lo}:{hi}:{step}", "-i", "1", "-1"},
	},
	radio.FamilyHackRF: {
		Probe:   []string{"hackrf_info"},
		Capture: []string{"hackrf_transfer", "-d", "{serial}", "-f", "{freq}", "-s", "{rate}", "-b", "{bw}", "-n", "{samples}", "-r", "-"},
		Power:   []string{"hackrf_sweep", "-d", "{serial}", "-f", "{lo_mhz}:{hi_mhz}", "-w", "{step}", "-1"},
	},
	radio.FamilyBB60C: {},
}

// ParseCommand splits a configured command line on whitespace.
func ParseCommand(s string) []string { return strings.Fields(s) }

// merge overlays non-empty fields of o onto c.
func (c Commands) merge(o Commands) Commands {
	if len(o.Probe) > 0 {
		c.Probe = o.Probe
	}
	if len(o.Capture) > 0 {
		c.Capture = o.Capture
	}
	if len(o.Power) > 0 {
		c.Power = o.Power
	}
	return c
}

const (
	powerSpanHz = 200e3
	powerStepHz = 10e3
)

type params struct {
	freq, rate, bw float64
	samples        int
	serial         string
}

func expand(tmpl []string, d radio.Descriptor, p params) ([]string, error) {
	if len(tmpl) == 0 {
		return nil, fmt.Errorf("no command configured for %s", d.Family)
	}
	hz := func(v float64) string { return strconv.FormatFloat(math.Round(v), 'f', 0, 64) }
	lo, hi := p.freq-powerSpanHz/2, p.freq+powerSpanHz/2
	if p.serial == "" && needsSerial(tmpl) {
		return nil, fmt.Errorf("%s: device serial unknown", d.ID)
	}
	r := strings.NewReplacer(
		"{index}", strconv.Itoa(d.Index),
		"{serial}", p.serial,
		"{freq}", hz(p.freq),
		"{rate}", hz(p.rate),
		"{bw}", hz(p.bw),
		"{samples}", strconv.Itoa(p.samples),
		"{lo}", hz(lo),
		"{hi}", hz(hi),
		"{lo_mhz}", strconv.Itoa(int(math.Floor(lo/1e6))),
		"{hi_mhz}", strconv.Itoa(int(math.Ceil(hi/1e6))),
		"{step}", hz(powerStepHz),
	)
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = r.Replace(a)
	}
	return out, nil
}

func needsSerial(tmpl []string) bool {
	for _, a := range tmpl {
		if strings.Contains(a, "{serial}") {
			return true
		}
	}
	return false
}
