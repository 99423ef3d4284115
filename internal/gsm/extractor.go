// Package gsm demodulates GSM carriers found in raw captures and turns
// their bursts into logical-channel frames.
package gsm

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/shortontech/cellscan/internal/radio"
)

// ErrNotGSM rejects candidates classified as another technology.
var ErrNotGSM = errors.New("candidate is not a gsm carrier")

// edgeGuardHz keeps the carrier's own bandwidth inside the capture.
const edgeGuardHz = 100e3

type Extractor struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract demodulates the candidate's carrier out of c and returns the
// control blocks that pass their checks and the traffic bursts grouped per
// 26-multiframe. A carrier with no decodable SCH yields ErrDemodulationFailure
// and no frames.
func (e *Extractor) Extract(cand radio.BTSCandidate, c *radio.RawCapture) ([]radio.GSMFrame, error) {
	if cand.Technology != radio.TechGSM {
		return nil, fmt.Errorf("%w: %s", ErrNotGSM, cand.Technology)
	}
	offset := cand.FrequencyHz - c.CenterHz
	if c.SampleRate <= 0 || math.Abs(offset) > c.SampleRate/2-edgeGuardHz {
		return nil, fmt.Errorf("%w: arfcn %d outside capture %s", radio.ErrDemodulationFailure, cand.Channel, c.JobID)
	}
	iq, err := c.IQ()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", radio.ErrDemodulationFailure, err)
	}

	bb := newBaseband(iq, c.SampleRate, offset)
	hits := bb.findSync()
	bb.correct(bb.estimateDrift(hits))

	var decoded []schRef
	for _, h := range hits {
		if ref, ok := bb.decodeSyncBurst(h); ok {
			decoded = append(decoded, ref)
		}
	}
	frameLen := frameSymbols * bb.sps
	refs := consistentRefs(decoded, frameLen, bb.sps)
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: arfcn %d: no synchronisation burst in %d sync candidates",
			radio.ErrDemodulationFailure, cand.Channel, len(hits))
	}

	d := &demuxer{
		bb:       bb,
		refs:     refs,
		frameLen: frameLen,
		tsc:      refs[0].bsic & 7,
		base: radio.GSMFrame{
			ARFCN:  cand.Channel,
			BSIC:   refs[0].bsic,
			Device: c.Device,
		},
	}
	frames := d.run()

	e.logger.Debug("carrier demodulated",
		zap.String("job_id", c.JobID),
		zap.Int("arfcn", cand.Channel),
		zap.Int("bsic", refs[0].bsic),
		zap.Int("sch", len(refs)),
		zap.Int("frames", len(frames)),
		zap.Int("blocks_failed", d.failedBlocks),
	)
	return frames, nil
}

// demuxer walks the TDMA timeline anchored on the decoded SCH bursts.
type demuxer struct {
	bb       *baseband
	refs     []schRef
	frameLen float64
	tsc      int
	base     radio.GSMFrame

	failedBlocks int
}

// frameStart places unwrapped frame u relative to the nearest reference.
func (d *demuxer) frameStart(u int) float64 {
	best := d.refs[0]
	for _, r := range d.refs[1:] {
		if abs(u-r.u) < abs(u-best.u) {
			best = r
		}
	}
	return best.start + float64(u-best.u)*d.frameLen
}

func (d *demuxer) slotStart(u, tn int) float64 {
	return d.frameStart(u) + float64(tn)*slotSymbols*d.bb.sps
}

func (d *demuxer) run() []radio.GSMFrame {
	first, last := d.refs[0], d.refs[len(d.refs)-1]
	uLo := first.u - int(math.Ceil(first.start/d.frameLen))
	uHi := last.u + int(math.Ceil((float64(len(d.bb.phase))-last.start)/d.frameLen))

	type trafficKey struct{ tn, u int }
	traffic := make(map[trafficKey]*radio.GSMFrame)
	var order []trafficKey

	var frames []radio.GSMFrame
	for u := uLo; u <= uHi; u++ {
		fn := mod(u, HyperframeLen)
		for tn := 0; tn < 2; tn++ {
			ch, ok := controlBlockStart(tn, fn)
			if !ok {
				continue
			}
			if f, ok := d.controlBlock(u, tn, ch); ok {
				frames = append(frames, f)
			}
		}
		for tn := 2; tn < timeslots; tn++ {
			if !isTrafficFrame(tn, fn) {
				continue
			}
			bits, ok := d.normalBurst(d.slotStart(u, tn))
			if !ok {
				continue
			}
			key := trafficKey{tn: tn, u: u - fn%26}
			f, seen := traffic[key]
			if !seen {
				f = &radio.GSMFrame{}
				*f = d.base
				f.Channel = radio.ChannelTraffic
				f.Timeslot = tn
				f.FrameNumber = mod(key.u, HyperframeLen)
				traffic[key] = f
				order = append(order, key)
			}
			f.Bursts++
			f.Bits = append(f.Bits, bits[stealLow], bits[stealHigh])
			if bits[stealLow] == 0 && bits[stealHigh] == 0 {
				f.SpeechBursts++
			}
		}
	}
	for _, k := range order {
		frames = append(frames, *traffic[k])
	}
	return frames
}

// controlBlock decodes the four bursts of a block starting at frame u.
func (d *demuxer) controlBlock(u, tn int, ch radio.ChannelType) (radio.GSMFrame, bool) {
	var data [4][]uint8
	for i := range data {
		bits, ok := d.normalBurst(d.slotStart(u+i, tn))
		if !ok {
			return radio.GSMFrame{}, false
		}
		data[i] = burstData(bits)
	}
	block, ok := decodeXCCH(data)
	if !ok {
		d.failedBlocks++
		return radio.GSMFrame{}, false
	}
	f := d.base
	f.Bits = block
	f.Channel = ch
	f.Timeslot = tn
	f.FrameNumber = mod(u, HyperframeLen)
	return f, true
}

// normalBurst aligns a normal burst near t on the cell's training sequence
// and reads it. Bursts with more than maxTSCErrors training mismatches are
// rejected.
func (d *demuxer) normalBurst(t float64) ([]uint8, bool) {
	tsc := trainingSequences[d.tsc]
	best, bestScore := 0.0, math.Inf(-1)
	for step := -8; step <= 8; step++ {
		tt := t + float64(step)*0.25*d.bb.sps
		if !d.bb.fits(tt, burstLen) {
			continue
		}
		var score float64
		for j := 1; j < trainingLen; j++ {
			score += sign(tsc[j]^tsc[j-1]) * d.bb.delta(tt, trainingStart+j)
		}
		if score > bestScore {
			best, bestScore = tt, score
		}
	}
	if math.IsInf(bestScore, -1) {
		return nil, false
	}
	bits := d.bb.burstBits(best)
	errs := 0
	for i, want := range tsc {
		if bits[trainingStart+i] != want {
			errs++
		}
	}
	return bits, errs <= maxTSCErrors
}

// burstData returns the 114 data bits of a normal burst, stealing flags
// excluded.
func burstData(bits []uint8) []uint8 {
	out := make([]uint8, 0, 2*halfDataLen)
	out = append(out, bits[tailLen:tailLen+halfDataLen]...)
	return append(out, bits[secondDataStart:secondDataStart+halfDataLen]...)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
