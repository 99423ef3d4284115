package ident

import (
	"fmt"

	"github.com/shortontech/cellscan/internal/gsm"
	"github.com/shortontech/cellscan/internal/radio"
)

const (
	// SDCCH/8 sub-channels occupy the first eight 4-frame blocks of the
	// 51-multiframe; later blocks are their SACCH.
	sdcchSubchannels = 8
	// sacchHeader is the L1 header (power, timing advance) in SACCH blocks.
	sacchHeader = 2
	// maxSegmented bounds a reassembled L3 message.
	maxSegmented = 251
	// maxSegmentGap drops a partial message once its sub-channel has been
	// silent this many frames.
	maxSegmentGap = 4 * 51
	// sequenceModulus is the LAPDm N(S) range.
	sequenceModulus = 8
)

// lapdmFrame is a format B LAPDm frame (TS 44.006 §2).
type lapdmFrame struct {
	sapi int
	more bool
	// numbered is set for I frames, which carry the send sequence ns.
	numbered bool
	ns       int
	info     []byte
}

func parseLAPDm(o []byte) (lapdmFrame, error) {
	if len(o) < 3 {
		return lapdmFrame{}, fmt.Errorf("%w: short lapdm frame", radio.ErrExtractionFormatInvalid)
	}
	addr, ctrl, length := o[0], o[1], o[2]
	if addr&0x01 == 0 || length&0x01 == 0 {
		return lapdmFrame{}, nil // not format B; no information field
	}
	fr := lapdmFrame{sapi: int(addr>>2) & 0x07, more: length&0x02 != 0}

	// Only I frames and UI frames carry layer 3 information.
	isI := ctrl&0x01 == 0
	isUI := ctrl&0xef == 0x03
	if !isI && !isUI {
		return fr, nil
	}
	if isI {
		fr.numbered = true
		fr.ns = int(ctrl>>1) & 0x07
	} else if fr.more {
		return lapdmFrame{}, fmt.Errorf("%w: segmented ui frame", radio.ErrExtractionFormatInvalid)
	}
	n := int(length >> 2)
	if 3+n > len(o) {
		return lapdmFrame{}, fmt.Errorf("%w: lapdm length %d overruns block", radio.ErrExtractionFormatInvalid, n)
	}
	fr.info = o[3 : 3+n]
	return fr, nil
}

type segmentKey struct {
	device   string
	arfcn    int
	timeslot int
	sub      int
	sapi     int
}

type segment struct {
	first  radio.GSMFrame
	lastFN int
	nextNS int
	data   []byte
	// broken is set after a sequence break; segments are discarded until
	// the one that ends the message.
	broken bool
}

// reassemble joins the I frame segments of one logical link. The returned
// frame is the one that carried the first segment. A segment whose N(S) does
// not follow the previous one (lost or repeated) discards the partial
// message through to its final segment. UI frames are never segmented and
// pass straight through.
func (e *Extractor) reassemble(key segmentKey, f radio.GSMFrame, fr lapdmFrame) ([]byte, radio.GSMFrame, bool, error) {
	if !fr.numbered {
		return fr.info, f, true, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	seg, ok := e.segments[key]
	if ok && gap(seg.lastFN, f.FrameNumber) > maxSegmentGap {
		delete(e.segments, key)
		ok = false
	}
	if ok && seg.broken {
		seg.lastFN = f.FrameNumber
		if !fr.more {
			delete(e.segments, key)
		}
		return nil, f, false, nil
	}
	if ok && fr.ns != seg.nextNS {
		seg.data, seg.broken, seg.lastFN = nil, true, f.FrameNumber
		if !fr.more {
			delete(e.segments, key)
		}
		return nil, f, false, fmt.Errorf("%w: lapdm N(S) %d where %d was expected, partial message dropped",
			radio.ErrDemodulationFailure, fr.ns, seg.nextNS)
	}
	if !ok {
		if !fr.more {
			return fr.info, f, true, nil
		}
		seg = &segment{first: f}
		e.segments[key] = seg
	}
	seg.data = append(seg.data, fr.info...)
	seg.lastFN = f.FrameNumber
	seg.nextNS = (fr.ns + 1) % sequenceModulus
	if len(seg.data) > maxSegmented {
		delete(e.segments, key)
		return nil, f, false, fmt.Errorf("%w: segmented message exceeds %d octets", radio.ErrExtractionFormatInvalid, maxSegmented)
	}
	if fr.more {
		return nil, f, false, nil
	}
	delete(e.segments, key)
	return seg.data, seg.first, true, nil
}

// gap is the forward frame distance from a to b on the hyperframe.
func gap(a, b int) int {
	return ((b-a)%gsm.HyperframeLen + gsm.HyperframeLen) % gsm.HyperframeLen
}

// Flush drops the partial messages of device and reports how many there
// were. Frame numbers of separate captures are unrelated, so segments never
// outlive the capture they came from.
func (e *Extractor) Flush(device string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for key := range e.segments {
		if key.device == device {
			delete(e.segments, key)
			n++
		}
	}
	return n
}

// Pending reports how many partial messages are waiting for more segments.
func (e *Extractor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.segments)
}
