package authn

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortontech/cellscan/internal/metrics"
	"github.com/shortontech/cellscan/internal/radio"
)

var (
	controlRef = radio.FrameRef{Device: "rtlsdr-0", ARFCN: 63, FrameNumber: 102, Timeslot: 1, Channel: radio.ChannelControl}
	trafficRef = radio.FrameRef{Device: "rtlsdr-0", ARFCN: 63, FrameNumber: 2054, Timeslot: 3, Channel: radio.ChannelTraffic}
)

func newValidator(t *testing.T) (*Validator, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	v, err := New(nil, m)
	require.NoError(t, err)
	return v, m
}

func TestIdentifierRules(t *testing.T) {
	tests := []struct {
		name   string
		kind   radio.IdentifierKind
		value  string
		reason string
	}{
		{"imsi two digit mnc", radio.KindIMSI, "262011234567890", ""},
		{"imsi three digit mnc", radio.KindIMSI, "310260123456789", ""},
		{"imsi test network", radio.KindIMSI, "001010000000001", ""},
		{"imsi unknown network", radio.KindIMSI, "999991234567890", ReasonUnknownMCC},
		{"imsi short", radio.KindIMSI, "26201123456789", ReasonLength},
		{"imsi long", radio.KindIMSI, "2620112345678901", ReasonLength},
		{"imsi non digit", radio.KindIMSI, "26201123456789a", ReasonNonDigit},
		{"imei luhn", radio.KindIMEI, "490154203237518", ""},
		{"imei bad check digit", radio.KindIMEI, "490154203237519", ReasonLuhn},
		{"imei short", radio.KindIMEI, "12345", ReasonLength},
		{"unknown kind", radio.IdentifierKind("TMSI"), "123456789012345", ReasonUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := newValidator(t)
			got, ok := v.Identifier(radio.ExtractedIdentifier{ID: "x", Kind: tt.kind, Value: tt.value, Source: controlRef})
			if tt.reason == "" {
				require.True(t, ok)
				assert.True(t, got.Validated)
				assert.Equal(t, tt.value, got.Value)
				return
			}
			assert.False(t, ok)
			assert.Equal(t, radio.ExtractedIdentifier{}, got, "rejected values are never returned")
			rej := v.Rejections()
			require.Len(t, rej, 1)
			assert.Equal(t, tt.reason, rej[0].Reason)
			assert.Equal(t, controlRef, rej[0].Frame)
		})
	}
}

func TestSingleDigitMutationBreaksIMEI(t *testing.T) {
	valid := []string{"490154203237518", "356938035643809", "353918057817229"}
	for _, imei := range valid {
		require.True(t, Luhn(imei), imei)
		for pos := 0; pos < len(imei); pos++ {
			for d := byte('0'); d <= '9'; d++ {
				if imei[pos] == d {
					continue
				}
				mutated := imei[:pos] + string(d) + imei[pos+1:]
				assert.False(t, Luhn(mutated), "%s -> %s", imei, mutated)
			}
		}
	}
	assert.False(t, Luhn(""))
	assert.False(t, Luhn("49015420323751x"))
}

func TestMessageRules(t *testing.T) {
	tests := []struct {
		name   string
		msg    radio.ExtractedMessage
		reason string
	}{
		{"sms", radio.ExtractedMessage{Kind: radio.KindSMS, Payload: "hello world", Source: controlRef}, ""},
		{"sms 160 runes", radio.ExtractedMessage{Kind: radio.KindSMS, Payload: strings.Repeat("ä", 160), Source: controlRef}, ""},
		{"sms too long", radio.ExtractedMessage{Kind: radio.KindSMS, Payload: strings.Repeat("a", 161), Source: controlRef}, ReasonTooLong},
		{"sms empty", radio.ExtractedMessage{Kind: radio.KindSMS, Source: controlRef}, ReasonEmpty},
		{"sms invalid utf8", radio.ExtractedMessage{Kind: radio.KindSMS, Payload: "ab\xffcd", Source: controlRef}, ReasonInvalidUTF8},
		{"sms on traffic", radio.ExtractedMessage{Kind: radio.KindSMS, Payload: "hi", Source: trafficRef}, ReasonWrongChannel},
		{"voice", radio.ExtractedMessage{Kind: radio.KindVoice, Payload: "tch/f speech bursts 22/24", Source: trafficRef}, ""},
		{"voice on control", radio.ExtractedMessage{Kind: radio.KindVoice, Payload: "x", Source: controlRef}, ReasonWrongChannel},
		{"unknown", radio.ExtractedMessage{Kind: radio.MessageKind("MMS"), Payload: "x", Source: controlRef}, ReasonUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := newValidator(t)
			got, ok := v.Message(tt.msg)
			if tt.reason == "" {
				require.True(t, ok)
				assert.True(t, got.Validated)
				return
			}
			assert.False(t, ok)
			assert.Empty(t, got.Payload)
			assert.Equal(t, tt.reason, v.Rejections()[0].Reason)
		})
	}
}

func TestValidationIsIdempotent(t *testing.T) {
	v, m := newValidator(t)
	id := radio.ExtractedIdentifier{ID: "a", Kind: radio.KindIMSI, Value: "262011234567890", Source: controlRef}

	first, ok := v.Identifier(id)
	require.True(t, ok)
	second, ok := v.Identifier(first)
	require.True(t, ok)
	assert.Equal(t, first, second)

	assert.Equal(t, 1, v.Stats().Accepted["IMSI"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Extracted.WithLabelValues("IMSI")))

	// A forged validated flag does not bypass the checks.
	forged := radio.ExtractedIdentifier{Kind: radio.KindIMEI, Value: "490154203237519", Validated: true}
	_, ok = v.Identifier(forged)
	assert.False(t, ok)
}

func TestRejectionsNeverCarryValues(t *testing.T) {
	v, m := newValidator(t)
	_, ok := v.Identifier(radio.ExtractedIdentifier{Kind: radio.KindIMSI, Value: "999991234567890", Source: controlRef})
	require.False(t, ok)
	_, ok = v.Message(radio.ExtractedMessage{Kind: radio.KindSMS, Payload: "secret text", Source: trafficRef})
	require.False(t, ok)

	raw, err := json.Marshal(v.Rejections())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "999991234567890")
	assert.NotContains(t, string(raw), "secret text")

	stats := v.Stats()
	assert.Equal(t, 1, stats.Rejected["IMSI/unknown_mcc_mnc"])
	assert.Equal(t, 1, stats.Rejected["SMS/wrong_channel"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rejected.WithLabelValues("IMSI", ReasonUnknownMCC)))
}

func TestRejectionLogIsBounded(t *testing.T) {
	v, _ := newValidator(t)
	for i := 0; i < maxRejections+10; i++ {
		v.Message(radio.ExtractedMessage{Kind: radio.KindSMS, Source: controlRef})
	}
	assert.Len(t, v.Rejections(), maxRejections)
	assert.Equal(t, maxRejections+10, v.Stats().Rejected["SMS/empty"])
}

func TestLoadNetworksRejectsBadRows(t *testing.T) {
	_, err := loadNetworks([]byte("mcc,mnc,country,operator\n26,01,DE,x\n"))
	assert.Error(t, err)

	n, err := loadNetworks([]byte("mcc,mnc,country,operator\n262,01,DE,x\n"))
	require.NoError(t, err)
	assert.True(t, n["26201"])
}

func TestEmbeddedTableCoversAssignedNetworks(t *testing.T) {
	v, _ := newValidator(t)
	assert.Greater(t, len(v.networks), 2000)

	for _, imsi := range []string{
		"311270123456789", // Verizon, 3-digit MNC block
		"313100123456789", // FirstNet
		"302490123456789", // Freedom Mobile
		"402771234567890", // TashiCell
		"655191234567890", // Rain
		"732123123456789", // Movistar Colombia
		"901281234567890", // international shared code
	} {
		_, ok := v.Identifier(radio.ExtractedIdentifier{Kind: radio.KindIMSI, Value: imsi, Source: controlRef})
		assert.True(t, ok, imsi)
	}
	assert.Empty(t, v.Rejections())
}
