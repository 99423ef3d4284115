// Package authn is the last gate before anything leaves the scanner: it
// checks extracted identities and messages against their format and range
// rules and drops whatever fails, keeping only the reason.
package authn

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/shortontech/cellscan/internal/assets"
	"github.com/shortontech/cellscan/internal/metrics"
	"github.com/shortontech/cellscan/internal/radio"
)

// Rejection reasons.
const (
	ReasonLength       = "length"
	ReasonNonDigit     = "non_digit"
	ReasonUnknownMCC   = "unknown_mcc_mnc"
	ReasonLuhn         = "luhn"
	ReasonEmpty        = "empty"
	ReasonInvalidUTF8  = "invalid_utf8"
	ReasonTooLong      = "too_long"
	ReasonWrongChannel = "wrong_channel"
	ReasonUnknownKind  = "unknown_kind"
)

const (
	identityDigits = 15
	maxSMSRunes    = 160
	// maxRejections bounds the retained rejection log.
	maxRejections = 1024
)

// Rejection records why an item was dropped. It never holds the value.
type Rejection struct {
	Kind   string         `json:"kind"`
	Reason string         `json:"reason"`
	Frame  radio.FrameRef `json:"frame"`
	At     time.Time      `json:"at"`
}

// Stats counts outcomes per kind, and rejections per kind and reason.
type Stats struct {
	Accepted map[string]int `json:"accepted"`
	Rejected map[string]int `json:"rejected"` // "kind/reason"
}

type Validator struct {
	networks map[string]bool // mcc+mnc
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu         sync.Mutex
	accepted   map[string]int
	rejected   map[string]int
	rejections []Rejection
}

// New loads the embedded MCC/MNC table.
func New(logger *zap.Logger, m *metrics.Metrics) (*Validator, error) {
	networks, err := loadNetworks(assets.MCCMNC)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		networks: networks,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		accepted: make(map[string]int),
		rejected: make(map[string]int),
	}, nil
}

func loadNetworks(table []byte) (map[string]bool, error) {
	r := csv.NewReader(bytes.NewReader(table))
	r.FieldsPerRecord = 4
	out := make(map[string]bool)
	header := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("mcc/mnc table: %w", err)
		}
		if header {
			header = false
			continue
		}
		mcc, mnc := rec[0], rec[1]
		if len(mcc) != 3 || len(mnc) < 2 || len(mnc) > 3 || !allDigits(mcc+mnc) {
			return nil, fmt.Errorf("mcc/mnc table: bad row %q", rec)
		}
		out[mcc+mnc] = true
	}
	return out, nil
}

// Identifier returns id with Validated set, or false if it fails the rules
// for its kind. Re-validating an accepted identifier repeats the checks but
// is not counted again.
func (v *Validator) Identifier(id radio.ExtractedIdentifier) (radio.ExtractedIdentifier, bool) {
	reason := v.identifierReason(id)
	if reason != "" {
		v.reject(string(id.Kind), reason, id.Source)
		return radio.ExtractedIdentifier{}, false
	}
	if !id.Validated {
		v.accept(string(id.Kind))
	}
	id.Validated = true
	return id, true
}

func (v *Validator) identifierReason(id radio.ExtractedIdentifier) string {
	if len(id.Value) != identityDigits {
		return ReasonLength
	}
	if !allDigits(id.Value) {
		return ReasonNonDigit
	}
	switch id.Kind {
	case radio.KindIMSI:
		if !v.knownNetwork(id.Value) {
			return ReasonUnknownMCC
		}
	case radio.KindIMEI:
		if !Luhn(id.Value) {
			return ReasonLuhn
		}
	default:
		return ReasonUnknownKind
	}
	return ""
}

// knownNetwork matches the IMSI prefix against 2- and 3-digit MNCs.
func (v *Validator) knownNetwork(imsi string) bool {
	return v.networks[imsi[:5]] || v.networks[imsi[:6]]
}

// Message returns m with Validated set, or false if it fails the rules for
// its kind.
func (v *Validator) Message(m radio.ExtractedMessage) (radio.ExtractedMessage, bool) {
	reason := messageReason(m)
	if reason != "" {
		v.reject(string(m.Kind), reason, m.Source)
		return radio.ExtractedMessage{}, false
	}
	if !m.Validated {
		v.accept(string(m.Kind))
	}
	m.Validated = true
	return m, true
}

func messageReason(m radio.ExtractedMessage) string {
	switch m.Kind {
	case radio.KindSMS:
		if m.Source.Channel != radio.ChannelControl {
			return ReasonWrongChannel
		}
		if m.Payload == "" {
			return ReasonEmpty
		}
		if !utf8.ValidString(m.Payload) {
			return ReasonInvalidUTF8
		}
		if utf8.RuneCountInString(m.Payload) > maxSMSRunes {
			return ReasonTooLong
		}
	case radio.KindVoice:
		if m.Source.Channel != radio.ChannelTraffic {
			return ReasonWrongChannel
		}
		if m.Payload == "" {
			return ReasonEmpty
		}
	default:
		return ReasonUnknownKind
	}
	return ""
}

func (v *Validator) accept(kind string) {
	v.mu.Lock()
	v.accepted[kind]++
	v.mu.Unlock()
	v.metrics.IncrementExtracted(kind)
}

func (v *Validator) reject(kind, reason string, frame radio.FrameRef) {
	v.mu.Lock()
	v.rejected[kind+"/"+reason]++
	v.rejections = append(v.rejections, Rejection{Kind: kind, Reason: reason, Frame: frame, At: v.now()})
	if len(v.rejections) > maxRejections {
		v.rejections = v.rejections[len(v.rejections)-maxRejections:]
	}
	v.mu.Unlock()

	v.metrics.IncrementRejected(kind, reason)
	v.logger.Debug("extraction rejected",
		zap.String("kind", kind),
		zap.String("reason", reason),
		zap.Stringer("frame", frame))
}

// Stats returns a snapshot of the counters.
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := Stats{Accepted: make(map[string]int, len(v.accepted)), Rejected: make(map[string]int, len(v.rejected))}
	for k, n := range v.accepted {
		s.Accepted[k] = n
	}
	for k, n := range v.rejected {
		s.Rejected[k] = n
	}
	return s
}

// Rejections returns the most recent rejections, oldest first.
func (v *Validator) Rejections() []Rejection {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Rejection(nil), v.rejections...)
}

// Luhn reports whether s, a string of decimal digits, carries a valid
// Luhn check digit in its last position.
func Luhn(s string) bool {
	if s == "" || !allDigits(s) {
		return false
	}
	sum := 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		d := int(s[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
