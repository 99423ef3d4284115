package gsm

import (
	"math"
	"math/bits"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// schDiff holds the differential form of the sync sequence: schDiff[j] is
// the decision expected on symbol j of the sequence. Position 0 depends on
// the preceding data bit and is never compared.
var schDiff = func() (d [schSyncLen]uint8) {
	for j := 1; j < schSyncLen; j++ {
		d[j] = schSync[j] ^ schSync[j-1]
	}
	return d
}()

// schPattern packs schDiff[1..63] with position 1 in bit 62.
var schPattern = func() (p uint64) {
	for j := 1; j < schSyncLen; j++ {
		p = p<<1 | uint64(schDiff[j])
	}
	return p
}()

const syncWindowMask = 1<<(schSyncLen-1) - 1

// Drift is measured between these sync symbol boundaries, both inside runs
// of equal decisions where filtering leaves the phase undisturbed.
const (
	driftFrom = 2
	driftTo   = 62
)

type syncHit struct {
	pos   float64 // start of sync symbol 0
	score float64
}

// sign maps a differential bit to the rotation direction it produces.
func sign(d uint8) float64 { return 1 - 2*float64(d) }

// findSync slides the sync pattern over hard decisions taken on round(sps)
// timing phases. Chains of hits less than a symbol apart are merged,
// keeping the one with the strongest soft correlation.
func (b *baseband) findSync() []syncHit {
	phases := int(math.Round(b.sps))
	if phases < 1 {
		phases = 1
	}
	var hits []syncHit
	for j := 0; j < phases; j++ {
		tau := float64(j) * b.sps / float64(phases)
		nsym := int((float64(len(b.phase)-1) - tau) / b.sps)
		if nsym <= 0 {
			continue
		}
		soft := make([]float64, nsym)
		var win uint64
		for k := 0; k < nsym; k++ {
			soft[k] = b.delta(tau, k)
			win = win << 1 & syncWindowMask
			if soft[k] < 0 {
				win |= 1
			}
			if k < schSyncLen-1 {
				continue
			}
			if bits.OnesCount64(win^schPattern) > schSyncLen-1-minSyncMatches {
				continue
			}
			k0 := k - (schSyncLen - 1)
			var score float64
			for i := 1; i < schSyncLen; i++ {
				score += sign(schDiff[i]) * soft[k0+i]
			}
			hits = append(hits, syncHit{pos: tau + float64(k0)*b.sps, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	var merged []syncHit
	prev := math.Inf(-1)
	for _, h := range hits {
		near := h.pos-prev < b.sps
		prev = h.pos
		if near {
			if last := &merged[len(merged)-1]; h.score > last.score {
				*last = h
			}
			continue
		}
		merged = append(merged, h)
	}
	return merged
}

// syncDrift returns the rotation per symbol left over after removing the
// known sync modulation around a hit.
func (b *baseband) syncDrift(h syncHit) float64 {
	var expected float64
	for j := driftFrom; j < driftTo; j++ {
		expected += sign(schDiff[j]) * math.Pi / 2
	}
	measured := b.at(h.pos+driftTo*b.sps) - b.at(h.pos+driftFrom*b.sps)
	return (measured - expected) / (driftTo - driftFrom)
}

// estimateDrift is the median drift over all hits.
func (b *baseband) estimateDrift(hits []syncHit) float64 {
	if len(hits) == 0 {
		return 0
	}
	d := make([]float64, len(hits))
	for i, h := range hits {
		d[i] = b.syncDrift(h)
	}
	sort.Float64s(d)
	return stat.Quantile(0.5, stat.Empirical, d, nil)
}

// schRef is a decoded synchronisation burst.
type schRef struct {
	start float64 // burst start, which is also the start of its TDMA frame
	bsic  int
	fn    int
	u     int // frame number unwrapped against the first reference
}

// decodeSyncBurst reads and decodes the SCH burst whose sync sequence
// starts at h.pos.
func (b *baseband) decodeSyncBurst(h syncHit) (schRef, bool) {
	t := h.pos - schSyncStart*b.sps
	if !b.fits(t, burstLen) {
		return schRef{}, false
	}
	bb := b.burstBits(t)
	coded := make([]uint8, 0, 2*schCodedHalfLen)
	coded = append(coded, bb[tailLen:tailLen+schCodedHalfLen]...)
	second := schSyncStart + schSyncLen
	coded = append(coded, bb[second:second+schCodedHalfLen]...)
	info, ok := decodeSCH(coded)
	if !ok {
		return schRef{}, false
	}
	bsic, fn, ok := parseSCH(info)
	if !ok {
		return schRef{}, false
	}
	return schRef{start: t, bsic: bsic, fn: fn}, true
}

// parseSCH unpacks BSIC(6) T1(11) T2(5) T3'(3), most significant bit first.
func parseSCH(info []uint8) (bsic, fn int, ok bool) {
	bsic = field(info[0:6])
	t1 := field(info[6:17])
	t2 := field(info[17:22])
	t3p := field(info[22:25])
	if t2 > 25 || t3p > 4 {
		return 0, 0, false
	}
	return bsic, frameNumber(t1, t2, t3p), true
}

func field(b []uint8) int {
	v := 0
	for _, x := range b {
		v = v<<1 | int(x)
	}
	return v
}

// frameNumber rebuilds FN from the reduced frame number carried on SCH.
func frameNumber(t1, t2, t3p int) int {
	t3 := 10*t3p + 1
	return 51*mod(t3-t2, 26) + t3 + 51*26*t1
}

func mod(a, m int) int { return (a%m + m) % m }

// wrapDelta returns b-a on the hyperframe circle in (-H/2, H/2].
func wrapDelta(a, b int) int {
	d := mod(b-a, HyperframeLen)
	if d > HyperframeLen/2 {
		d -= HyperframeLen
	}
	return d
}

// consistentRefs keeps the largest group of references that agree on BSIC
// and on frame timing within two symbols. The result is ordered by start.
func consistentRefs(refs []schRef, frameLen, sps float64) []schRef {
	var best []schRef
	for _, r := range refs {
		var group []schRef
		for _, o := range refs {
			if o.bsic != r.bsic {
				continue
			}
			d := wrapDelta(r.fn, o.fn)
			if math.Abs(o.start-r.start-float64(d)*frameLen) > 2*sps {
				continue
			}
			o.u = r.fn + d
			group = append(group, o)
		}
		if len(group) > len(best) {
			best = group
		}
	}
	sort.Slice(best, func(i, j int) bool { return best[i].start < best[j].start })
	return best
}
