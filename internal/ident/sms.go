package ident

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/shortontech/cellscan/internal/radio"
)

// Short message transfer layers (3GPP TS 24.011, TS 23.040).
const (
	cpData = 0x01

	rpDataMSToNet = 0x00
	rpDataNetToMS = 0x01

	tpMTIDeliver = 0x00
	tpMTISubmit  = 0x01

	tpUDHI = 0x40
)

type alphabet int

const (
	alphabetGSM7 alphabet = iota
	alphabet8Bit
	alphabetUCS2
)

// cpUserData unwraps a CP-DATA message. Other CP message types carry no
// payload and return nil.
func cpUserData(l3 []byte) ([]byte, error) {
	if len(l3) < 2 || l3[1] != cpData {
		return nil, nil
	}
	rpdu, _, err := lv(l3, 2)
	return rpdu, err
}

// rpUserData returns the TPDU of an RP-DATA message in either direction.
func rpUserData(rp []byte) ([]byte, error) {
	if len(rp) < 2 {
		return nil, fmt.Errorf("%w: short rp message", radio.ErrExtractionFormatInvalid)
	}
	switch rp[0] & 0x07 {
	case rpDataMSToNet, rpDataNetToMS:
	default:
		return nil, nil
	}
	i := 2
	for _, name := range []string{"originator", "destination"} {
		_, next, err := lv(rp, i)
		if err != nil {
			return nil, fmt.Errorf("rp %s address: %w", name, err)
		}
		i = next
	}
	tpdu, _, err := lv(rp, i)
	return tpdu, err
}

// tpText decodes the user data of an SMS-DELIVER or SMS-SUBMIT TPDU.
func tpText(tp []byte) (string, error) {
	if len(tp) == 0 {
		return "", fmt.Errorf("%w: empty tpdu", radio.ErrExtractionFormatInvalid)
	}
	first := tp[0]
	i := 1
	switch first & 0x03 {
	case tpMTIDeliver:
	case tpMTISubmit:
		i++ // TP-MR
	default:
		return "", nil
	}

	// TP-OA or TP-DA: digit count, type of address, packed digits.
	if i >= len(tp) {
		return "", fmt.Errorf("%w: tpdu truncated before address", radio.ErrExtractionFormatInvalid)
	}
	i += 2 + (int(tp[i])+1)/2
	if i+2 > len(tp) {
		return "", fmt.Errorf("%w: tpdu truncated before dcs", radio.ErrExtractionFormatInvalid)
	}
	dcs := tp[i+1]
	i += 2 // TP-PID, TP-DCS

	if first&0x03 == tpMTIDeliver {
		i += 7 // TP-SCTS
	} else {
		switch (first >> 3) & 0x03 {
		case 0x02:
			i++
		case 0x01, 0x03:
			i += 7
		}
	}
	if i >= len(tp) {
		return "", fmt.Errorf("%w: tpdu truncated before user data", radio.ErrExtractionFormatInvalid)
	}
	udl := int(tp[i])
	ud := tp[i+1:]
	udh := first&tpUDHI != 0

	switch dataCoding(dcs) {
	case alphabetUCS2:
		return ucs2(ud, udl, udh)
	case alphabet8Bit:
		return octets8(ud, udl, udh)
	default:
		return gsm7(ud, udl, udh)
	}
}

// dataCoding reads the alphabet from TP-DCS (TS 23.038 §4).
func dataCoding(dcs byte) alphabet {
	switch {
	case dcs&0xc0 == 0x00, dcs&0xc0 == 0x40:
		switch (dcs >> 2) & 0x03 {
		case 0x01:
			return alphabet8Bit
		case 0x02:
			return alphabetUCS2
		}
	case dcs&0xf0 == 0xe0:
		return alphabetUCS2
	case dcs&0xf0 == 0xf0:
		if dcs&0x04 != 0 {
			return alphabet8Bit
		}
	}
	return alphabetGSM7
}

func headerLen(ud []byte) (int, error) {
	if len(ud) == 0 || 1+int(ud[0]) > len(ud) {
		return 0, fmt.Errorf("%w: user data header overruns", radio.ErrExtractionFormatInvalid)
	}
	return 1 + int(ud[0]), nil
}

func ucs2(ud []byte, udl int, udh bool) (string, error) {
	if udl > len(ud) || udl%2 != 0 {
		return "", fmt.Errorf("%w: ucs2 length %d", radio.ErrExtractionFormatInvalid, udl)
	}
	ud = ud[:udl]
	if udh {
		n, err := headerLen(ud)
		if err != nil {
			return "", err
		}
		ud = ud[n:]
	}
	units := make([]uint16, len(ud)/2)
	for i := range units {
		units[i] = uint16(ud[2*i])<<8 | uint16(ud[2*i+1])
	}
	return string(utf16.Decode(units)), nil
}

func octets8(ud []byte, udl int, udh bool) (string, error) {
	if udl > len(ud) {
		return "", fmt.Errorf("%w: 8-bit length %d", radio.ErrExtractionFormatInvalid, udl)
	}
	ud = ud[:udl]
	if udh {
		n, err := headerLen(ud)
		if err != nil {
			return "", err
		}
		ud = ud[n:]
	}
	return string(ud), nil
}

func gsm7(ud []byte, septets int, udh bool) (string, error) {
	if (septets*7+7)/8 > len(ud) {
		return "", fmt.Errorf("%w: gsm 7-bit length %d", radio.ErrExtractionFormatInvalid, septets)
	}
	skip := 0
	if udh {
		n, err := headerLen(ud)
		if err != nil {
			return "", err
		}
		skip = (n*8 + 6) / 7
	}
	var sb strings.Builder
	escaped := false
	for s := skip; s < septets; s++ {
		bit := 7 * s
		v := uint16(ud[bit/8]) >> (bit % 8)
		if bit%8 > 1 && bit/8+1 < len(ud) {
			v |= uint16(ud[bit/8+1]) << (8 - bit%8)
		}
		c := byte(v & 0x7f)
		switch {
		case escaped:
			if r, ok := gsm7Extension[c]; ok {
				sb.WriteRune(r)
			} else {
				sb.WriteRune(gsm7Default[c])
			}
			escaped = false
		case c == 0x1b:
			escaped = true
		default:
			sb.WriteRune(gsm7Default[c])
		}
	}
	return sb.String(), nil
}

// GSM 7-bit default alphabet (TS 23.038 §6.2.1); 0x1B is the escape.
var gsm7Default = []rune("@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞ\x1bÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
	"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà")

var gsm7Extension = map[byte]rune{
	0x0a: '\f',
	0x14: '^',
	0x28: '{',
	0x29: '}',
	0x2f: '\\',
	0x3c: '[',
	0x3d: '~',
	0x3e: ']',
	0x40: '|',
	0x65: '€',
}
