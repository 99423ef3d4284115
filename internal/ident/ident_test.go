package ident

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortontech/cellscan/internal/radio"
)

const (
	testIMSI = "262011234567890"
	testIMEI = "490154203237518"
)

func bitsOf(o []byte) []uint8 {
	block := make([]byte, blockOctets)
	for i := range block {
		block[i] = 0x2b
	}
	copy(block, o)
	bits := make([]uint8, 0, 8*blockOctets)
	for _, b := range block {
		for i := 0; i < 8; i++ {
			bits = append(bits, b>>i&1)
		}
	}
	return bits
}

func encodeMI(typ byte, digits string) []byte {
	d := []byte(digits)
	for i := range d {
		d[i] -= '0'
	}
	odd := byte(0)
	if len(d)%2 == 1 {
		odd = 0x08
	}
	out := []byte{d[0]<<4 | odd | typ}
	for i := 1; i < len(d); i += 2 {
		hi := byte(0x0f)
		if i+1 < len(d) {
			hi = d[i+1]
		}
		out = append(out, hi<<4|d[i])
	}
	return out
}

func withLen(v []byte) []byte { return append([]byte{byte(len(v))}, v...) }

func ccch(l3 []byte) radio.GSMFrame {
	o := append([]byte{byte(len(l3))<<2 | 0x01}, l3...)
	return radio.GSMFrame{Bits: bitsOf(o), Channel: radio.ChannelCCCH, FrameNumber: 6, ARFCN: 63, BSIC: 21, Device: "rtlsdr-0"}
}

// sdcch wraps info in an I frame with send sequence ns on SDCCH/8.
func sdcch(fn, sapi, ns int, info []byte, more bool) radio.GSMFrame {
	length := byte(len(info))<<2 | 0x01
	if more {
		length |= 0x02
	}
	o := append([]byte{byte(sapi)<<2 | 0x01, byte(ns%8) << 1, length}, info...)
	return radio.GSMFrame{Bits: bitsOf(o), Channel: radio.ChannelControl, Timeslot: 1, FrameNumber: fn, ARFCN: 63, Device: "rtlsdr-0"}
}

func newTestExtractor() *Extractor {
	e := New(nil, 0)
	e.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func TestOctetsAreLeastSignificantBitFirst(t *testing.T) {
	bits := make([]uint8, 184)
	bits[0] = 1
	bits[9] = 1
	bits[15] = 1
	o, err := octets(bits)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), o[0])
	assert.Equal(t, byte(0x82), o[1])

	_, err = octets(bits[:100])
	assert.ErrorIs(t, err, radio.ErrExtractionFormatInvalid)
}

func TestMobileIdentity(t *testing.T) {
	tests := []struct {
		name    string
		value   []byte
		kind    radio.IdentifierKind
		digits  string
		ok      bool
		invalid bool
	}{
		{name: "imsi", value: encodeMI(miIMSI, testIMSI), kind: radio.KindIMSI, digits: testIMSI, ok: true},
		{name: "imei", value: encodeMI(miIMEI, testIMEI), kind: radio.KindIMEI, digits: testIMEI, ok: true},
		{name: "tmsi is skipped", value: []byte{0xf4, 0x12, 0x34, 0x56, 0x78}},
		{name: "imeisv is skipped", value: encodeMI(miIMEISV, "4901542032375181")},
		{name: "five digits", value: encodeMI(miIMSI, "12345"), invalid: true},
		{name: "fourteen digits", value: encodeMI(miIMSI, "26201123456789"), invalid: true},
		{name: "non bcd digit", value: []byte{0x29, 0x26, 0xa1, 0x32, 0x54, 0x76, 0x98, 0x00}, invalid: true},
		{name: "even without filler", value: []byte{0x21, 0x62, 0x10, 0x32, 0x54, 0x76, 0x98, 0x00}, invalid: true},
		{name: "empty", value: nil, invalid: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, digits, ok, err := mobileIdentity(tt.value)
			if tt.invalid {
				assert.ErrorIs(t, err, radio.ErrExtractionFormatInvalid)
				assert.False(t, ok)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.digits, digits)
		})
	}
}

func TestPagingRequestType1(t *testing.T) {
	l3 := []byte{0x06, rrPagingRequest1, 0x00}
	l3 = append(l3, withLen(encodeMI(miIMSI, testIMSI))...)
	l3 = append(l3, ieiMobileIdentity)
	l3 = append(l3, withLen(encodeMI(miIMEI, testIMEI))...)
	f := ccch(l3)

	ids, msgs, err := newTestExtractor().Extract(f)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	require.Len(t, ids, 2)
	assert.Equal(t, radio.KindIMSI, ids[0].Kind)
	assert.Equal(t, testIMSI, ids[0].Value)
	assert.Equal(t, radio.KindIMEI, ids[1].Kind)
	assert.Equal(t, testIMEI, ids[1].Value)
	for _, id := range ids {
		assert.NotEmpty(t, id.ID)
		assert.False(t, id.Validated)
		assert.Equal(t, f.Ref(), id.Source)
	}
}

func TestPagingRequestWithTMSIOnly(t *testing.T) {
	l3 := []byte{0x06, rrPagingRequest1, 0x00, 0x05, 0xf4, 0xde, 0xad, 0xbe, 0xef}
	ids, _, err := newTestExtractor().Extract(ccch(l3))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPagingRequestType2OptionalIdentity(t *testing.T) {
	l3 := []byte{0x06, rrPagingRequest2, 0x00, 1, 2, 3, 4, 5, 6, 7, 8, ieiMobileIdentity}
	l3 = append(l3, withLen(encodeMI(miIMSI, testIMSI))...)
	ids, _, err := newTestExtractor().Extract(ccch(l3))
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, testIMSI, ids[0].Value)
}

func TestShortIdentityYieldsNothing(t *testing.T) {
	l3 := []byte{0x06, rrPagingRequest1, 0x00}
	l3 = append(l3, withLen(encodeMI(miIMSI, "12345"))...)
	ids, msgs, err := newTestExtractor().Extract(ccch(l3))
	assert.ErrorIs(t, err, radio.ErrExtractionFormatInvalid)
	assert.Empty(t, ids)
	assert.Empty(t, msgs)
}

func TestFillFrameYieldsNothing(t *testing.T) {
	f := radio.GSMFrame{Bits: bitsOf(nil), Channel: radio.ChannelBCCH}
	ids, msgs, err := newTestExtractor().Extract(f)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, msgs)
}

func TestControlChannelIdentities(t *testing.T) {
	classmark2 := []byte{0x03, 0x57, 0x58, 0xa6}
	tests := []struct {
		name string
		l3   []byte
		kind radio.IdentifierKind
		want string
	}{
		{
			name: "identity response",
			l3:   append([]byte{0x05, 0x40 | mmIdentityResponse}, withLen(encodeMI(miIMEI, testIMEI))...),
			kind: radio.KindIMEI,
			want: testIMEI,
		},
		{
			name: "location updating request",
			l3: append([]byte{0x05, mmLocationUpdatingRequest, 0x70, 0x62, 0xf2, 0x10, 0x03, 0xe8, 0x57},
				withLen(encodeMI(miIMSI, testIMSI))...),
			kind: radio.KindIMSI,
			want: testIMSI,
		},
		{
			name: "cm service request",
			l3:   append(append([]byte{0x05, mmCMServiceRequest, 0x71}, classmark2...), withLen(encodeMI(miIMSI, testIMSI))...),
			kind: radio.KindIMSI,
			want: testIMSI,
		},
		{
			name: "paging response",
			l3:   append(append([]byte{0x06, rrPagingResponse, 0x00}, classmark2...), withLen(encodeMI(miIMEI, testIMEI))...),
			kind: radio.KindIMEI,
			want: testIMEI,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := sdcch(4, 0, 0, tt.l3, false)
			ids, msgs, err := newTestExtractor().Extract(f)
			require.NoError(t, err)
			assert.Empty(t, msgs)
			require.Len(t, ids, 1)
			assert.Equal(t, tt.kind, ids[0].Kind)
			assert.Equal(t, tt.want, ids[0].Value)
			assert.Equal(t, radio.ChannelControl, ids[0].Source.Channel)
		})
	}
}

func TestLAPDmOverrunIsMalformed(t *testing.T) {
	o := []byte{0x01, 0x00, 30<<2 | 0x01}
	f := radio.GSMFrame{Bits: bitsOf(o), Channel: radio.ChannelControl, Timeslot: 1}
	_, _, err := newTestExtractor().Extract(f)
	assert.ErrorIs(t, err, radio.ErrExtractionFormatInvalid)
}

func TestSupervisoryFrameYieldsNothing(t *testing.T) {
	o := []byte{0x01, 0x01, 0x01} // RR, no information field
	f := radio.GSMFrame{Bits: bitsOf(o), Channel: radio.ChannelControl, Timeslot: 1}
	ids, msgs, err := newTestExtractor().Extract(f)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, msgs)
}

func TestSACCHSkipsL1Header(t *testing.T) {
	l3 := append([]byte{0x05, mmIdentityResponse}, withLen(encodeMI(miIMSI, testIMSI))...)
	info := append([]byte{0x01, 0x00, byte(len(l3))<<2 | 0x01}, l3...)
	o := append([]byte{0x05, 0x00}, info...)
	f := radio.GSMFrame{Bits: bitsOf(o), Channel: radio.ChannelControl, Timeslot: 1, FrameNumber: 32}

	ids, _, err := newTestExtractor().Extract(f)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, testIMSI, ids[0].Value)
}

func TestVoicePresence(t *testing.T) {
	e := newTestExtractor()
	busy := radio.GSMFrame{Channel: radio.ChannelTraffic, Timeslot: 3, FrameNumber: 2054, Bursts: 24, SpeechBursts: 22}
	_, msgs, err := e.Extract(busy)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, radio.KindVoice, msgs[0].Kind)
	assert.Equal(t, "tch/f speech bursts 22/24", msgs[0].Payload)
	assert.Equal(t, radio.ChannelTraffic, msgs[0].Source.Channel)

	quiet := busy
	quiet.SpeechBursts = 3
	_, msgs, err = e.Extract(quiet)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// identitySegments splits an Identity Response carrying testIMEI into four
// I frames with N(S) 0 to 3, one per 51-multiframe.
func identitySegments(firstFN int) []radio.GSMFrame {
	l3 := append([]byte{0x05, mmIdentityResponse}, withLen(encodeMI(miIMEI, testIMEI))...)
	parts := [][]byte{l3[:3], l3[3:6], l3[6:9], l3[9:]}
	var frames []radio.GSMFrame
	for i, part := range parts {
		frames = append(frames, sdcch(firstFN+51*i, 0, i, part, i < len(parts)-1))
	}
	return frames
}

func TestSegmentedIdentity(t *testing.T) {
	e := newTestExtractor()
	var ids []radio.ExtractedIdentifier
	for _, f := range identitySegments(2040) {
		got, _, err := e.Extract(f)
		require.NoError(t, err)
		ids = append(ids, got...)
	}
	require.Len(t, ids, 1)
	assert.Equal(t, testIMEI, ids[0].Value)
	assert.Equal(t, 2040, ids[0].Source.FrameNumber)
}

func TestSegmentSequenceBreakDropsPartialMessage(t *testing.T) {
	frames := identitySegments(2040)
	tests := []struct {
		name string
		feed []radio.GSMFrame
	}{
		{name: "lost segment", feed: []radio.GSMFrame{frames[0], frames[2], frames[3]}},
		{name: "lost segment before the last", feed: []radio.GSMFrame{frames[0], frames[1], frames[3]}},
		{name: "repeated segment", feed: []radio.GSMFrame{frames[0], frames[0], frames[1], frames[2], frames[3]}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExtractor()
			var ids []radio.ExtractedIdentifier
			var breaks int
			for _, f := range tt.feed {
				got, _, err := e.Extract(f)
				if err != nil {
					assert.ErrorIs(t, err, radio.ErrDemodulationFailure)
					breaks++
				}
				ids = append(ids, got...)
			}
			assert.Empty(t, ids, "segments around a sequence break are never joined")
			assert.Equal(t, 1, breaks)
			assert.Zero(t, e.Pending())
		})
	}
}

func TestUIFrameBetweenSegments(t *testing.T) {
	e := newTestExtractor()
	frames := identitySegments(2040)
	l3 := append([]byte{0x05, mmIdentityResponse}, withLen(encodeMI(miIMSI, testIMSI))...)
	ui := sdcch(2041, 0, 0, l3, false)
	ui.Bits = bitsOf(append([]byte{0x01, 0x03, byte(len(l3))<<2 | 0x01}, l3...))

	var values []string
	for _, f := range []radio.GSMFrame{frames[0], ui, frames[1], frames[2], frames[3]} {
		ids, _, err := e.Extract(f)
		require.NoError(t, err)
		for _, id := range ids {
			values = append(values, id.Value)
		}
	}
	assert.Equal(t, []string{testIMSI, testIMEI}, values)
}

func TestSegmentedUIFrameIsMalformed(t *testing.T) {
	o := []byte{0x01, 0x03, 2<<2 | 0x03, 0x05, 0x19}
	f := radio.GSMFrame{Bits: bitsOf(o), Channel: radio.ChannelControl, Timeslot: 1}
	_, _, err := newTestExtractor().Extract(f)
	assert.ErrorIs(t, err, radio.ErrExtractionFormatInvalid)
}

func TestFlushScopesSegmentsToOneCapture(t *testing.T) {
	e := newTestExtractor()
	frames := identitySegments(2040)

	// First capture ends after the first two segments.
	for _, f := range frames[:2] {
		_, _, err := e.Extract(f)
		require.NoError(t, err)
	}
	other := sdcch(714, 0, 0, []byte{0x05, mmIdentityResponse}, true)
	other.Device = "hackrf-0"
	_, _, err := e.Extract(other)
	require.NoError(t, err)
	require.Equal(t, 2, e.Pending())

	assert.Equal(t, 1, e.Flush("rtlsdr-0"))
	assert.Equal(t, 1, e.Pending(), "other devices keep their partial messages")

	// The tail heard in the next capture has nothing to complete.
	ids, _, err := e.Extract(frames[3])
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 0, e.Flush("rtlsdr-0"))
}
