// Package band holds the fixed cellular band tables: frequency sub-ranges,
// linear channel-number formulas and the technology classification table.
// The tables are protocol constants and are not configurable.
package band

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shortontech/cellscan/internal/radio"
)

// Direction of a sub-range.
type Direction string

const (
	Downlink Direction = "DL"
	Uplink   Direction = "UL"
)

// SubRange is one contiguous run of channels with a linear mapping:
//
//	f(n) = BaseHz + (n - FirstChannel) * SpacingHz, n in [FirstChannel, LastChannel]
type SubRange struct {
	Band         string
	Technology   radio.Technology
	Direction    Direction
	FirstChannel int
	LastChannel  int
	BaseHz       float64
	SpacingHz    float64
}

// LowHz is the frequency of the first channel.
func (s SubRange) LowHz() float64 { return s.BaseHz }

// HighHz is the frequency of the last channel.
func (s SubRange) HighHz() float64 {
	return s.BaseHz + float64(s.LastChannel-s.FirstChannel)*s.SpacingHz
}

// Contains reports whether f falls within half a channel of the sub-range.
func (s SubRange) Contains(f float64) bool {
	half := s.SpacingHz / 2
	return f >= s.LowHz()-half && f < s.HighHz()+half
}

// Frequency returns the center frequency of channel n.
func (s SubRange) Frequency(n int) (float64, bool) {
	if n < s.FirstChannel || n > s.LastChannel {
		return 0, false
	}
	return s.BaseHz + float64(n-s.FirstChannel)*s.SpacingHz, true
}

// Channel snaps f to the nearest channel of the sub-range.
func (s SubRange) Channel(f float64) (int, bool) {
	if !s.Contains(f) {
		return 0, false
	}
	n := s.FirstChannel + int(math.Round((f-s.BaseHz)/s.SpacingHz))
	if n < s.FirstChannel || n > s.LastChannel {
		return 0, false
	}
	return n, true
}

const gsmSpacing = 200e3

// GSM sub-ranges (3GPP TS 45.005 §2). ARFCN 0 belongs to the E-GSM
// extension, not to P-GSM. DCS 1800 and PCS 1900 reuse ARFCN 512..810 and
// are told apart only by frequency.
var gsmRanges = []SubRange{
	{Band: "GSM850", Technology: radio.TechGSM, Direction: Downlink, FirstChannel: 128, LastChannel: 251, BaseHz: 869.2e6, SpacingHz: gsmSpacing},
	{Band: "GSM850", Technology: radio.TechGSM, Direction: Uplink, FirstChannel: 128, LastChannel: 251, BaseHz: 824.2e6, SpacingHz: gsmSpacing},
	{Band: "EGSM900", Technology: radio.TechGSM, Direction: Downlink, FirstChannel: 975, LastChannel: 1023, BaseHz: 925.2e6, SpacingHz: gsmSpacing},
	{Band: "EGSM900", Technology: radio.TechGSM, Direction: Uplink, FirstChannel: 975, LastChannel: 1023, BaseHz: 880.2e6, SpacingHz: gsmSpacing},
	{Band: "EGSM900", Technology: radio.TechGSM, Direction: Downlink, FirstChannel: 0, LastChannel: 0, BaseHz: 935.0e6, SpacingHz: gsmSpacing},
	{Band: "EGSM900", Technology: radio.TechGSM, Direction: Uplink, FirstChannel: 0, LastChannel: 0, BaseHz: 890.0e6, SpacingHz: gsmSpacing},
	{Band: "GSM900", Technology: radio.TechGSM, Direction: Downlink, FirstChannel: 1, LastChannel: 124, BaseHz: 935.2e6, SpacingHz: gsmSpacing},
	{Band: "GSM900", Technology: radio.TechGSM, Direction: Uplink, FirstChannel: 1, LastChannel: 124, BaseHz: 890.2e6, SpacingHz: gsmSpacing},
	{Band: "DCS1800", Technology: radio.TechGSM, Direction: Downlink, FirstChannel: 512, LastChannel: 885, BaseHz: 1805.2e6, SpacingHz: gsmSpacing},
	{Band: "DCS1800", Technology: radio.TechGSM, Direction: Uplink, FirstChannel: 512, LastChannel: 885, BaseHz: 1710.2e6, SpacingHz: gsmSpacing},
	{Band: "PCS1900", Technology: radio.TechGSM, Direction: Downlink, FirstChannel: 512, LastChannel: 810, BaseHz: 1930.2e6, SpacingHz: gsmSpacing},
	{Band: "PCS1900", Technology: radio.TechGSM, Direction: Uplink, FirstChannel: 512, LastChannel: 810, BaseHz: 1850.2e6, SpacingHz: gsmSpacing},
}

// Wideband rasters used when a carrier is classified as UMTS, LTE or NR.
// UARFCN = 5*f[MHz]; EARFCN offset + 10*(f - base)[MHz]; NR-ARFCN 15 kHz raster.
var widebandRanges = []SubRange{
	{Band: "UMTS-B1", Technology: radio.TechUMTS, Direction: Downlink, FirstChannel: 10562, LastChannel: 10838, BaseHz: 2112.4e6, SpacingHz: 200e3},
	{Band: "UMTS-B8", Technology: radio.TechUMTS, Direction: Downlink, FirstChannel: 2937, LastChannel: 3088, BaseHz: 927.4e6, SpacingHz: 200e3},
	{Band: "LTE-B20", Technology: radio.TechLTE, Direction: Downlink, FirstChannel: 6150, LastChannel: 6449, BaseHz: 791.0e6, SpacingHz: 100e3},
	{Band: "LTE-B8", Technology: radio.TechLTE, Direction: Downlink, FirstChannel: 3450, LastChannel: 3799, BaseHz: 925.0e6, SpacingHz: 100e3},
	{Band: "LTE-B3", Technology: radio.TechLTE, Direction: Downlink, FirstChannel: 1200, LastChannel: 1949, BaseHz: 1805.0e6, SpacingHz: 100e3},
	{Band: "LTE-B7", Technology: radio.TechLTE, Direction: Downlink, FirstChannel: 2750, LastChannel: 3449, BaseHz: 2620.0e6, SpacingHz: 100e3},
	{Band: "NR-n78", Technology: radio.TechNR, Direction: Downlink, FirstChannel: 620000, LastChannel: 653333, BaseHz: 3300.0e6, SpacingHz: 15e3},
}

// All returns every sub-range, GSM first.
func All() []SubRange {
	out := append([]SubRange(nil), gsmRanges...)
	return append(out, widebandRanges...)
}

// Lookup finds the sub-range of technology tech and direction dir that
// contains f and returns its channel number. No sub-range means no channel.
// Scoping by direction keeps overlapping raw ranges (PCS uplink against DCS
// downlink) apart.
func Lookup(tech radio.Technology, dir Direction, f float64) (SubRange, int, bool) {
	for _, r := range All() {
		if r.Technology != tech || r.Direction != dir {
			continue
		}
		if n, ok := r.Channel(f); ok {
			return r, n, true
		}
	}
	return SubRange{}, 0, false
}

// Frequency returns the frequency of channel n in whichever of bandName's
// sub-ranges for dir holds it.
func Frequency(bandName string, dir Direction, n int) (float64, bool) {
	for _, r := range All() {
		if r.Band != bandName || r.Direction != dir {
			continue
		}
		if f, ok := r.Frequency(n); ok {
			return f, true
		}
	}
	return 0, false
}

// Target is a band selected for scanning. CenterHz of zero means the
// downlink midpoint.
type Target struct {
	Band     string
	CenterHz float64
}

// Span returns the main downlink sub-range of band, or false if unknown.
func Span(bandName string) (SubRange, bool) {
	for _, r := range All() {
		if r.Band == bandName && r.Direction == Downlink {
			return r, true
		}
	}
	return SubRange{}, false
}

// ParseTargets parses "GSM900,DCS1800:1842.6e6" style lists.
func ParseTargets(items []string) ([]Target, error) {
	out := make([]Target, 0, len(items))
	for _, item := range items {
		name, center, hasCenter := strings.Cut(strings.TrimSpace(item), ":")
		name = strings.ToUpper(name)
		if _, ok := Span(name); !ok {
			return nil, fmt.Errorf("unknown band %q (known: %s)", name, strings.Join(Names(), ", "))
		}
		t := Target{Band: name}
		if hasCenter {
			var f float64
			if _, err := fmt.Sscanf(center, "%g", &f); err != nil {
				return nil, fmt.Errorf("band %s: invalid center %q: %w", name, center, err)
			}
			t.CenterHz = f
		}
		out = append(out, t)
	}
	return out, nil
}

// Names lists distinct band names in table order.
func Names() []string {
	seen := map[string]bool{}
	var names []string
	for _, r := range All() {
		if !seen[r.Band] {
			seen[r.Band] = true
			names = append(names, r.Band)
		}
	}
	return names
}

// SortedByFrequency returns every sub-range ordered by LowHz.
func SortedByFrequency() []SubRange {
	out := All()
	sort.SliceStable(out, func(i, j int) bool { return out[i].LowHz() < out[j].LowHz() })
	return out
}
