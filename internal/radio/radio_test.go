package radio

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidPower(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		ok   bool
	}{
		{"floor", -120, true},
		{"ceiling", 0, true},
		{"typical", -67.5, true},
		{"below floor", -120.01, false},
		{"above ceiling", 0.5, false},
		{"nan", math.NaN(), false},
		{"inf", math.Inf(-1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ValidPower(tt.in)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.in, got)
			} else {
				assert.Zero(t, got, "out-of-range readings must not be clamped")
			}
		})
	}
}

func TestParseUSBID(t *testing.T) {
	id, err := ParseUSBID("0BDA:2838")
	require.NoError(t, err)
	assert.Equal(t, USBID{Vendor: 0x0bda, Product: 0x2838}, id)
	assert.Equal(t, "0bda:2838", id.String())

	_, err = ParseUSBID("not-an-id")
	assert.Error(t, err)
}

func TestParseFamily(t *testing.T) {
	f, err := ParseFamily(" HackRF ")
	require.NoError(t, err)
	assert.Equal(t, FamilyHackRF, f)

	_, err = ParseFamily("airspy")
	assert.Error(t, err)
}

func TestAvailabilityOnlyExposesAvailableDevices(t *testing.T) {
	descs := []Descriptor{{ID: "rtlsdr-0"}, {ID: "hackrf-0"}}
	now := time.Now()
	verdicts := []Verdict{
		{DeviceID: "rtlsdr-0", Available: true, CheckedAt: now},
		{DeviceID: "hackrf-0", Available: false, Reason: "capability_probe_failed", CheckedAt: now},
	}
	a := NewAvailability("cycle-1", descs, verdicts)

	// Mutating the input after freezing must not leak into the cycle set.
	verdicts[1].Available = true

	assert.True(t, a.IsAvailable("rtlsdr-0"))
	assert.False(t, a.IsAvailable("hackrf-0"))
	require.Len(t, a.Available(), 1)
	assert.Equal(t, "rtlsdr-0", a.Available()[0].ID)
	assert.Len(t, a.Verdicts(), 2)
	assert.Equal(t, "cycle-1", a.CycleID())
}

func TestRawCaptureRelease(t *testing.T) {
	c := &RawCapture{Format: FormatU8, Samples: make([]byte, 10)}
	assert.Equal(t, 5, c.SampleCount())
	c.Release()
	assert.Nil(t, c.Samples)
	assert.Zero(t, c.SampleCount())
}

func TestFailureKind(t *testing.T) {
	wrapped := fmt.Errorf("job 7: %w", ErrCaptureTimeout)
	assert.Equal(t, "capture_timeout", FailureKind(wrapped))
	assert.Equal(t, "demodulation_failure", FailureKind(ErrDemodulationFailure))
	assert.Equal(t, "other", FailureKind(errors.New("boom")))
}

func TestDescriptorCoversAndRecognizes(t *testing.T) {
	d := Descriptor{MinHz: 24e6, MaxHz: 1766e6, USBIDs: []USBID{{0x0bda, 0x2838}}}
	assert.True(t, d.Covers(935e6, 960e6))
	assert.False(t, d.Covers(1805e6, 1880e6))
	assert.True(t, d.Recognizes(USBID{0x0bda, 0x2838}))
	assert.False(t, d.Recognizes(USBID{0x1d50, 0x6089}))
}

func TestIQDecodesEveryFormat(t *testing.T) {
	tests := []struct {
		name   string
		format SampleFormat
		raw    []byte
		want   []complex128
	}{
		{"u8 bias", FormatU8, []byte{255, 0, 127, 128}, []complex128{complex(1, -1), complex(-0.5/127.5, 0.5/127.5)}},
		{"s8", FormatS8, []byte{0x80, 0x40}, []complex128{complex(-1, 0.5)}},
		{"s16le", FormatS16LE, []byte{0x00, 0x40, 0x00, 0xc0}, []complex128{complex(0.5, -0.5)}},
		{"f32le", FormatF32LE, EncodeF32LE([]complex128{complex(0.25, -0.75)}), []complex128{complex(0.25, -0.75)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &RawCapture{Format: tt.format, Samples: tt.raw}
			got, err := c.IQ()
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i := range got {
				assert.InDelta(t, real(tt.want[i]), real(got[i]), 1e-9)
				assert.InDelta(t, imag(tt.want[i]), imag(got[i]), 1e-9)
			}
		})
	}

	_, err := (&RawCapture{Format: "cs4"}).IQ()
	assert.Error(t, err)
}
