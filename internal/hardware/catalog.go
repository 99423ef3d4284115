package hardware

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shortontech/cellscan/internal/radio"
)

// catalog holds the built-in description of each supported family. Index and
// ID are filled in by Descriptor.
var catalog = map[radio.Family]radio.Descriptor{
	radio.FamilyRTLSDR: {
		Family:        radio.FamilyRTLSDR,
		USBIDs:        []radio.USBID{{Vendor: 0x0bda, Product: 0x2838}, {Vendor: 0x0bda, Product: 0x2832}},
		MinHz:         24e6,
		MaxHz:         1766e6,
		MaxBandwidth:  2.4e6,
		SampleRate:    2.048e6,
		Format:        radio.FormatU8,
		CalibrationDB: -30,
		ReferenceHz:   947.4e6,
		Capabilities:  radio.CapRawIQ | radio.CapPowerSweep,
	},
	radio.FamilyHackRF: {
		Family:        radio.FamilyHackRF,
		USBIDs:        []radio.USBID{{Vendor: 0x1d50, Product: 0x6089}},
		MinHz:         1e6,
		MaxHz:         6000e6,
		MaxBandwidth:  20e6,
		SampleRate:    8e6,
		Format:        radio.FormatS8,
		CalibrationDB: -40,
		ReferenceHz:   947.4e6,
		Capabilities:  radio.CapRawIQ | radio.CapPowerSweep,
	},
	radio.FamilyBB60C: {
		Family: radio.FamilyBB60C,
		USBIDs: []radio.USBID{
			{Vendor: 0x2eb8, Product: 0x0012},
			{Vendor: 0x2eb8, Product: 0x0013},
			{Vendor: 0x2eb8, Product: 0x0014},
			{Vendor: 0x2eb8, Product: 0x0015},
		},
		MinHz:         9e3,
		MaxHz:         6000e6,
		MaxBandwidth:  27e6,
		SampleRate:    40e6,
		Format:        radio.FormatS16LE,
		CalibrationDB: 0,
		ReferenceHz:   947.4e6,
		Capabilities:  radio.CapRawIQ | radio.CapPowerSweep,
	},
}

// Descriptor returns the catalog entry for family with a stable ID such as
// "rtlsdr-0".
func Descriptor(family radio.Family, index int) (radio.Descriptor, error) {
	base, ok := catalog[family]
	if !ok {
		return radio.Descriptor{}, fmt.Errorf("no catalog entry for family %q", family)
	}
	if index < 0 {
		return radio.Descriptor{}, fmt.Errorf("negative device index %d", index)
	}
	d := base
	d.USBIDs = append([]radio.USBID(nil), base.USBIDs...)
	d.Index = index
	d.ID = fmt.Sprintf("%s-%d", family, index)
	return d, nil
}

// ParseDevices turns "rtlsdr,hackrf:1" style lists into descriptors. A bare
// family means index 0.
func ParseDevices(items []string) ([]radio.Descriptor, error) {
	var out []radio.Descriptor
	seen := make(map[string]bool)
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, idx, hasIdx := strings.Cut(item, ":")
		family, err := radio.ParseFamily(name)
		if err != nil {
			return nil, err
		}
		index := 0
		if hasIdx {
			if index, err = strconv.Atoi(idx); err != nil {
				return nil, fmt.Errorf("device %q: invalid index: %w", item, err)
			}
		}
		d, err := Descriptor(family, index)
		if err != nil {
			return nil, err
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("device %s listed twice", d.ID)
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out, nil
}

// WithReference overrides the power-trial reference frequency of every
// descriptor that can tune to it.
func WithReference(descs []radio.Descriptor, hz float64) []radio.Descriptor {
	if hz <= 0 {
		return descs
	}
	out := make([]radio.Descriptor, len(descs))
	for i, d := range descs {
		if d.Covers(hz, hz) {
			d.ReferenceHz = hz
		}
		out[i] = d
	}
	return out
}
