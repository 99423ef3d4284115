// Package ident parses decoded GSM frames for mobile identities, short
// messages and speech-bearer activity.
package ident

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shortontech/cellscan/internal/radio"
)

// Protocol discriminators (TS 24.007 §11.2.3.1.1).
const (
	pdMM  = 0x05
	pdRR  = 0x06
	pdSMS = 0x09
)

// Message types carrying a mobile identity.
const (
	rrPagingRequest1 = 0x21
	rrPagingRequest2 = 0x22
	rrPagingResponse = 0x27

	mmLocationUpdatingRequest = 0x08
	mmIdentityResponse        = 0x19
	mmCMServiceRequest        = 0x24

	// IEI of the optional mobile identity in paging requests.
	ieiMobileIdentity = 0x17
)

const (
	blockOctets = 23
	// DefaultMinSpeechBursts is the speech burst count a 26-multiframe
	// needs before a voice bearer is reported.
	DefaultMinSpeechBursts = 8
)

type Extractor struct {
	logger          *zap.Logger
	minSpeechBursts int
	now             func() time.Time
	newID           func() string

	mu       sync.Mutex
	segments map[segmentKey]*segment
}

func New(logger *zap.Logger, minSpeechBursts int) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if minSpeechBursts <= 0 {
		minSpeechBursts = DefaultMinSpeechBursts
	}
	return &Extractor{
		logger:          logger,
		minSpeechBursts: minSpeechBursts,
		now:             time.Now,
		newID:           uuid.NewString,
		segments:        make(map[segmentKey]*segment),
	}
}

// Extract returns what frame carries. A frame without a recognised message
// yields nothing; a recognised message with a malformed element yields
// nothing and an error wrapping radio.ErrExtractionFormatInvalid.
func (e *Extractor) Extract(f radio.GSMFrame) ([]radio.ExtractedIdentifier, []radio.ExtractedMessage, error) {
	switch f.Channel {
	case radio.ChannelBCCH, radio.ChannelCCCH:
		ids, err := e.paging(f)
		return ids, nil, err
	case radio.ChannelControl:
		return e.control(f)
	case radio.ChannelTraffic:
		return nil, e.voice(f), nil
	}
	return nil, nil, nil
}

// octets packs a 184-bit block into 23 octets, least significant bit first.
func octets(bits []uint8) ([]byte, error) {
	if len(bits) != 8*blockOctets {
		return nil, fmt.Errorf("%w: block has %d bits", radio.ErrExtractionFormatInvalid, len(bits))
	}
	out := make([]byte, blockOctets)
	for i, b := range bits {
		out[i/8] |= (b & 1) << (i % 8)
	}
	return out, nil
}

// paging handles CCCH blocks: L2 pseudo length, then RR paging requests.
func (e *Extractor) paging(f radio.GSMFrame) ([]radio.ExtractedIdentifier, error) {
	o, err := octets(f.Bits)
	if err != nil {
		return nil, err
	}
	if o[0]&0x03 != 0x01 {
		return nil, nil // fill frame
	}
	end := 1 + int(o[0]>>2)
	if end > len(o) || end < 3 || o[1]&0x0f != pdRR {
		return nil, nil
	}
	msg := o[:end]

	var fields [][]byte
	switch msg[2] {
	case rrPagingRequest1:
		mi, next, err := lv(msg, 4)
		if err != nil {
			return nil, err
		}
		fields = append(fields, mi)
		if next+1 < len(msg) && msg[next] == ieiMobileIdentity {
			mi, _, err := lv(msg, next+1)
			if err != nil {
				return nil, err
			}
			fields = append(fields, mi)
		}
	case rrPagingRequest2:
		// page mode, two TMSIs, optional third identity
		if next := 12; next+1 < len(msg) && msg[next] == ieiMobileIdentity {
			mi, _, err := lv(msg, next+1)
			if err != nil {
				return nil, err
			}
			fields = append(fields, mi)
		}
	default:
		return nil, nil
	}
	return e.identities(f, fields)
}

func (e *Extractor) identities(f radio.GSMFrame, fields [][]byte) ([]radio.ExtractedIdentifier, error) {
	var out []radio.ExtractedIdentifier
	for _, v := range fields {
		kind, digits, ok, err := mobileIdentity(v)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, radio.ExtractedIdentifier{
			ID:          e.newID(),
			Kind:        kind,
			Value:       digits,
			Source:      f.Ref(),
			ExtractedAt: e.now(),
		})
	}
	return out, nil
}

// control handles SDCCH and SACCH blocks.
func (e *Extractor) control(f radio.GSMFrame) ([]radio.ExtractedIdentifier, []radio.ExtractedMessage, error) {
	o, err := octets(f.Bits)
	if err != nil {
		return nil, nil, err
	}
	sub := (f.FrameNumber % 51) / 4
	if sub >= sdcchSubchannels {
		o = o[sacchHeader:]
	}
	fr, err := parseLAPDm(o)
	if err != nil || len(fr.info) == 0 {
		return nil, nil, err
	}

	key := segmentKey{device: f.Device, arfcn: f.ARFCN, timeslot: f.Timeslot, sub: sub, sapi: fr.sapi}
	l3, src, complete, err := e.reassemble(key, f, fr)
	if err != nil || !complete {
		return nil, nil, err
	}

	switch l3[0] & 0x0f {
	case pdSMS:
		msg, err := e.sms(src, l3)
		if err != nil || msg == nil {
			return nil, nil, err
		}
		return nil, []radio.ExtractedMessage{*msg}, nil
	case pdMM, pdRR:
		mi, err := identityField(l3)
		if err != nil || mi == nil {
			return nil, nil, err
		}
		ids, err := e.identities(src, [][]byte{mi})
		return ids, nil, err
	}
	return nil, nil, nil
}

// identityField locates the mobile identity of the MM and RR messages that
// carry one. It returns nil for any other message.
func identityField(l3 []byte) ([]byte, error) {
	if len(l3) < 2 {
		return nil, nil
	}
	pd := l3[0] & 0x0f
	mt := l3[1]
	if pd == pdMM {
		mt &= 0x3f // N(SD)
	}
	var at int
	switch {
	case pd == pdMM && mt == mmIdentityResponse:
		at = 2
	case pd == pdMM && mt == mmLocationUpdatingRequest:
		at = 9 // type/CKSN, LAI(5), classmark 1
	case pd == pdMM && mt == mmCMServiceRequest, pd == pdRR && mt == rrPagingResponse:
		_, next, err := lv(l3, 3) // after type/CKSN: classmark 2
		if err != nil {
			return nil, err
		}
		at = next
	default:
		return nil, nil
	}
	mi, _, err := lv(l3, at)
	return mi, err
}

func (e *Extractor) sms(src radio.GSMFrame, l3 []byte) (*radio.ExtractedMessage, error) {
	rp, err := cpUserData(l3)
	if err != nil || rp == nil {
		return nil, err
	}
	tp, err := rpUserData(rp)
	if err != nil || tp == nil {
		return nil, err
	}
	text, err := tpText(tp)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}
	return &radio.ExtractedMessage{
		ID:          e.newID(),
		Kind:        radio.KindSMS,
		Payload:     text,
		Source:      src.Ref(),
		ExtractedAt: e.now(),
	}, nil
}

// voice reports a speech bearer when enough bursts of the multiframe had
// both stealing flags clear. Speech content is never decoded.
func (e *Extractor) voice(f radio.GSMFrame) []radio.ExtractedMessage {
	if f.SpeechBursts < e.minSpeechBursts {
		return nil
	}
	return []radio.ExtractedMessage{{
		ID:          e.newID(),
		Kind:        radio.KindVoice,
		Payload:     fmt.Sprintf("tch/f speech bursts %d/%d", f.SpeechBursts, f.Bursts),
		Source:      f.Ref(),
		ExtractedAt: e.now(),
	}}
}
