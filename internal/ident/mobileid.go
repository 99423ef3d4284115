package ident

import (
	"fmt"

	"github.com/shortontech/cellscan/internal/radio"
)

// Type of identity field (3GPP TS 24.008 §10.5.1.4).
const (
	miNone   = 0
	miIMSI   = 1
	miIMEI   = 2
	miIMEISV = 3
	miTMSI   = 4
)

// identityDigits is the exact length of an emitted IMSI or IMEI.
const identityDigits = 15

// mobileIdentity decodes a mobile identity value. It returns ok=false for
// identity types that are never emitted (TMSI, IMEISV, none). BCD digits
// must be 0-9; 0xF is accepted only as the filler of the final octet of an
// even-length identity.
func mobileIdentity(v []byte) (kind radio.IdentifierKind, digits string, ok bool, err error) {
	if len(v) == 0 {
		return "", "", false, fmt.Errorf("%w: empty mobile identity", radio.ErrExtractionFormatInvalid)
	}
	switch v[0] & 0x07 {
	case miIMSI:
		kind = radio.KindIMSI
	case miIMEI:
		kind = radio.KindIMEI
	default:
		// IMEISV, TMSI and empty identities carry nothing to report.
		return "", "", false, nil
	}
	odd := v[0]&0x08 != 0

	nibbles := make([]byte, 0, 2*len(v)-1)
	nibbles = append(nibbles, v[0]>>4)
	for _, b := range v[1:] {
		nibbles = append(nibbles, b&0x0f, b>>4)
	}
	if !odd {
		if nibbles[len(nibbles)-1] != 0x0f {
			return "", "", false, fmt.Errorf("%w: %s without filler", radio.ErrExtractionFormatInvalid, kind)
		}
		nibbles = nibbles[:len(nibbles)-1]
	}
	buf := make([]byte, len(nibbles))
	for i, n := range nibbles {
		if n > 9 {
			return "", "", false, fmt.Errorf("%w: %s has non-bcd digit", radio.ErrExtractionFormatInvalid, kind)
		}
		buf[i] = '0' + n
	}
	if len(buf) != identityDigits {
		return "", "", false, fmt.Errorf("%w: %s has %d digits", radio.ErrExtractionFormatInvalid, kind, len(buf))
	}
	return kind, string(buf), true, nil
}

// lv reads a length-value element at b[i].
func lv(b []byte, i int) (value []byte, next int, err error) {
	if i >= len(b) {
		return nil, 0, fmt.Errorf("%w: missing length at octet %d", radio.ErrExtractionFormatInvalid, i)
	}
	n := int(b[i])
	if i+1+n > len(b) {
		return nil, 0, fmt.Errorf("%w: element at octet %d overruns message", radio.ErrExtractionFormatInvalid, i)
	}
	return b[i+1 : i+1+n], i + 1 + n, nil
}
