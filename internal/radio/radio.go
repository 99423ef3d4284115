// Package radio holds the value types shared by every scan stage: hardware
// descriptors, per-cycle verdicts, capture jobs and buffers, BTS candidates,
// demodulated GSM frames and the identifiers and messages extracted from them.
package radio

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Family is the closed set of supported SDR device types.
type Family string

const (
	FamilyRTLSDR Family = "rtlsdr"
	FamilyHackRF Family = "hackrf"
	FamilyBB60C  Family = "bb60c"
)

// ParseFamily maps a config token to a Family.
func ParseFamily(s string) (Family, error) {
	switch Family(strings.ToLower(strings.TrimSpace(s))) {
	case FamilyRTLSDR:
		return FamilyRTLSDR, nil
	case FamilyHackRF:
		return FamilyHackRF, nil
	case FamilyBB60C:
		return FamilyBB60C, nil
	}
	return "", fmt.Errorf("unknown device family %q", s)
}

// USBID is a vendor:product pair as reported by the USB bus.
type USBID struct {
	Vendor  uint16
	Product uint16
}

func (u USBID) String() string { return fmt.Sprintf("%04x:%04x", u.Vendor, u.Product) }

// ParseUSBID parses "0bda:2838".
func ParseUSBID(s string) (USBID, error) {
	var id USBID
	if _, err := fmt.Sscanf(strings.ToLower(strings.TrimSpace(s)), "%04x:%04x", &id.Vendor, &id.Product); err != nil {
		return USBID{}, fmt.Errorf("invalid usb id %q: %w", s, err)
	}
	return id, nil
}

// SampleFormat describes how IQ pairs are packed in a capture buffer.
type SampleFormat string

const (
	FormatU8    SampleFormat = "u8"    // interleaved unsigned 8-bit, bias 127.5
	FormatS8    SampleFormat = "s8"    // interleaved signed 8-bit
	FormatS16LE SampleFormat = "s16le" // interleaved signed 16-bit little endian
	FormatF32LE SampleFormat = "f32le" // interleaved float32 little endian (gnuradio cfile)
)

// BytesPerSample returns the size of one complex sample.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatU8, FormatS8:
		return 2
	case FormatS16LE:
		return 4
	case FormatF32LE:
		return 8
	}
	return 0
}

// Capability flags declared by a descriptor.
type Capability uint8

const (
	CapRawIQ Capability = 1 << iota
	CapPowerSweep
)

func (c Capability) Has(flag Capability) bool { return c&flag != 0 }

// Descriptor is the immutable description of one physical capture device.
type Descriptor struct {
	ID            string
	Family        Family
	Index         int // position among attached devices of the same family
	USBIDs        []USBID
	MinHz         float64
	MaxHz         float64
	MaxBandwidth  float64
	SampleRate    float64
	Format        SampleFormat
	CalibrationDB float64 // dBFS -> dBm offset
	ReferenceHz   float64 // known-good frequency for the power trial
	Capabilities  Capability
}

// Covers reports whether [lo, hi] lies inside the declared tuning range.
func (d Descriptor) Covers(lo, hi float64) bool {
	return lo >= d.MinHz && hi <= d.MaxHz
}

// Recognizes reports whether id is one of the descriptor's USB identities.
func (d Descriptor) Recognizes(id USBID) bool {
	for _, known := range d.USBIDs {
		if known == id {
			return true
		}
	}
	return false
}

// Verdict is the per-cycle availability result for one device. A verdict is
// never reused in a later cycle.
type Verdict struct {
	DeviceID  string    `json:"device_id"`
	Family    Family    `json:"family"`
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Availability is the immutable set of verdicts computed at cycle start.
type Availability struct {
	cycleID  string
	verdicts []Verdict
	devices  map[string]Descriptor
}

// NewAvailability freezes verdicts for one cycle. Descriptors are indexed so
// that only devices with an available verdict can be resolved.
func NewAvailability(cycleID string, descs []Descriptor, verdicts []Verdict) Availability {
	byID := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		byID[d.ID] = d
	}
	devices := make(map[string]Descriptor)
	vs := make([]Verdict, len(verdicts))
	copy(vs, verdicts)
	for _, v := range vs {
		if d, ok := byID[v.DeviceID]; ok && v.Available {
			devices[v.DeviceID] = d
		}
	}
	return Availability{cycleID: cycleID, verdicts: vs, devices: devices}
}

func (a Availability) CycleID() string { return a.cycleID }

// Verdicts returns a copy of every verdict in check order.
func (a Availability) Verdicts() []Verdict {
	out := make([]Verdict, len(a.verdicts))
	copy(out, a.verdicts)
	return out
}

// Available returns the descriptors that passed every check, in verdict order.
func (a Availability) Available() []Descriptor {
	out := make([]Descriptor, 0, len(a.devices))
	for _, v := range a.verdicts {
		if d, ok := a.devices[v.DeviceID]; ok {
			out = append(out, d)
		}
	}
	return out
}

// IsAvailable reports whether deviceID may be used this cycle.
func (a Availability) IsAvailable(deviceID string) bool {
	_, ok := a.devices[deviceID]
	return ok
}

// CaptureJob is one dwell on one band by one device.
type CaptureJob struct {
	ID         string        `json:"id"`
	Band       string        `json:"band"`
	CenterHz   float64       `json:"center_hz"`
	Bandwidth  float64       `json:"bandwidth_hz"`
	SampleRate float64       `json:"sample_rate"`
	Dwell      time.Duration `json:"dwell"`
	Device     Descriptor    `json:"-"`
}

// ExpectedSamples is the complex sample count a full dwell should yield.
func (j CaptureJob) ExpectedSamples() int {
	return int(math.Round(j.SampleRate * j.Dwell.Seconds()))
}

// RawCapture owns a sample buffer until Release is called.
type RawCapture struct {
	JobID      string
	Device     string
	Family     Family
	Format     SampleFormat
	SampleRate float64
	CenterHz   float64
	CapturedAt time.Time
	Samples    []byte
	// CalibrationDB converts dBFS to dBm for this device.
	CalibrationDB float64
	// Replay marks buffers read back from an archive rather than a device.
	Replay bool
}

// SampleCount returns the number of complete complex samples in the buffer.
func (c *RawCapture) SampleCount() int {
	bps := c.Format.BytesPerSample()
	if bps == 0 {
		return 0
	}
	return len(c.Samples) / bps
}

// Release drops the sample buffer once the last stage has consumed it.
func (c *RawCapture) Release() { c.Samples = nil }

// Technology is the radio access technology assigned to a candidate.
type Technology string

const (
	TechGSM  Technology = "GSM"
	TechUMTS Technology = "UMTS"
	TechLTE  Technology = "LTE"
	TechNR   Technology = "NR"
)

// Peak is one detected spectral maximum.
type Peak struct {
	FrequencyHz  float64 `json:"frequency_hz"`
	PowerDBm     float64 `json:"power_dbm"`
	SNRDB        float64 `json:"snr_db"`
	OccupiedBWHz float64 `json:"occupied_bw_hz"`
}

// SpectrumEstimate is the averaged power spectrum of one capture.
type SpectrumEstimate struct {
	Device     string
	CenterHz   float64
	BinWidthHz float64
	BinsDBFS   []float64 // ascending frequency, DC at len/2
	NoiseDBFS  float64
	Peaks      []Peak
}

// BinFrequency returns the absolute frequency of bin i.
func (s SpectrumEstimate) BinFrequency(i int) float64 {
	return s.CenterHz + float64(i-len(s.BinsDBFS)/2)*s.BinWidthHz
}

// BTSCandidate is a detected base station carrier.
type BTSCandidate struct {
	Channel     int        `json:"channel"`
	Band        string     `json:"band"`
	FrequencyHz float64    `json:"frequency_hz"`
	PowerDBm    float64    `json:"power_dbm"`
	SNRDB       float64    `json:"snr_db"`
	Technology  Technology `json:"technology"`
	Confidence  float64    `json:"confidence"`
	Device      string     `json:"device"`
}

// ChannelType is the logical channel class of a demultiplexed frame.
type ChannelType string

const (
	ChannelBCCH    ChannelType = "BCCH"
	ChannelCCCH    ChannelType = "CCCH"
	ChannelControl ChannelType = "CONTROL"
	ChannelTraffic ChannelType = "TRAFFIC"
)

// GSMFrame is one decoded logical-channel block.
type GSMFrame struct {
	Bits        []uint8
	Channel     ChannelType
	Timeslot    int
	FrameNumber int
	ARFCN       int
	BSIC        int
	Device      string
	// Bursts and SpeechBursts are only set on traffic frames.
	Bursts       int
	SpeechBursts int
}

// Ref returns the frame reference attached to anything extracted from f.
func (f GSMFrame) Ref() FrameRef {
	return FrameRef{
		Device:      f.Device,
		ARFCN:       f.ARFCN,
		FrameNumber: f.FrameNumber,
		Timeslot:    f.Timeslot,
		Channel:     f.Channel,
	}
}

// FrameRef points back at the frame an item was extracted from.
type FrameRef struct {
	Device      string      `json:"device"`
	ARFCN       int         `json:"arfcn"`
	FrameNumber int         `json:"frame_number"`
	Timeslot    int         `json:"timeslot"`
	Channel     ChannelType `json:"channel"`
}

func (r FrameRef) String() string {
	return fmt.Sprintf("%s/arfcn=%d/fn=%d/ts=%d/%s", r.Device, r.ARFCN, r.FrameNumber, r.Timeslot, r.Channel)
}

// IdentifierKind distinguishes subscriber from equipment identities.
type IdentifierKind string

const (
	KindIMSI IdentifierKind = "IMSI"
	KindIMEI IdentifierKind = "IMEI"
)

// ExtractedIdentifier is an identity recovered from a frame.
type ExtractedIdentifier struct {
	ID          string         `json:"id"`
	Kind        IdentifierKind `json:"kind"`
	Value       string         `json:"value"`
	Source      FrameRef       `json:"source"`
	ExtractedAt time.Time      `json:"extracted_at"`
	Validated   bool           `json:"validated"`
}

// MessageKind distinguishes short messages from voice-bearer presence.
type MessageKind string

const (
	KindSMS   MessageKind = "SMS"
	KindVoice MessageKind = "VOICE"
)

// ExtractedMessage is a message payload recovered from one or more frames.
type ExtractedMessage struct {
	ID          string      `json:"id"`
	Kind        MessageKind `json:"kind"`
	Payload     string      `json:"payload"`
	Source      FrameRef    `json:"source"`
	ExtractedAt time.Time   `json:"extracted_at"`
	Validated   bool        `json:"validated"`
}
