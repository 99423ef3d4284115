package gsm

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
)

// cutoffSymbols is the low-pass corner as a fraction of the symbol rate.
const cutoffSymbols = 0.6

// baseband is the unwrapped instantaneous phase of one carrier, mixed to
// zero frequency, low-pass filtered and decimated to a few samples per
// symbol. Positions are fractional sample indices on the decimated grid.
type baseband struct {
	phase []float64
	sps   float64
}

// newBaseband mixes the carrier at offsetHz from the capture center down to
// zero, filters it and tracks its phase.
func newBaseband(iq []complex128, fs, offsetHz float64) *baseband {
	sps := fs / SymbolRate
	decim := int(math.Floor(sps / 4))
	if decim < 1 {
		decim = 1
	}
	taps := lowpass(16*decim+1, cutoffSymbols*SymbolRate/fs)
	half := len(taps) / 2

	mixed := make([]complex128, len(iq))
	step := -2 * math.Pi * offsetHz / fs
	for n, x := range iq {
		s, c := math.Sincos(math.Mod(step*float64(n), 2*math.Pi))
		mixed[n] = x * complex(c, s)
	}

	out := len(iq) / decim
	phase := make([]float64, out)
	var prev complex128
	for m := 0; m < out; m++ {
		center := m * decim
		var y complex128
		for i, h := range taps {
			n := center + i - half
			if n < 0 || n >= len(mixed) {
				continue
			}
			y += complex(h, 0) * mixed[n]
		}
		if m > 0 {
			phase[m] = phase[m-1] + cmplx.Phase(y*cmplx.Conj(prev))
		}
		prev = y
	}
	return &baseband{phase: phase, sps: sps / float64(decim)}
}

// lowpass returns a Hamming-windowed sinc filter with unit DC gain. cutoff
// is normalised to the sample rate.
func lowpass(n int, cutoff float64) []float64 {
	if n < 33 {
		n = 33
	}
	h := make([]float64, n)
	mid := float64(n-1) / 2
	for i := range h {
		x := float64(i) - mid
		if x == 0 {
			h[i] = 2 * cutoff
			continue
		}
		h[i] = math.Sin(2*math.Pi*cutoff*x) / (math.Pi * x)
	}
	window.Hamming(h)
	floats.Scale(1/floats.Sum(h), h)
	return h
}

// at interpolates the phase at fractional position x.
func (b *baseband) at(x float64) float64 {
	last := len(b.phase) - 1
	if x <= 0 {
		return b.phase[0]
	}
	i := int(x)
	if i >= last {
		return b.phase[last]
	}
	f := x - float64(i)
	return b.phase[i] + f*(b.phase[i+1]-b.phase[i])
}

// fits reports whether symbols symbols starting at t lie inside the buffer.
func (b *baseband) fits(t float64, symbols int) bool {
	return t >= 0 && t+float64(symbols)*b.sps <= float64(len(b.phase)-1)
}

// delta is the phase rotation over symbol k of a burst starting at t. A
// positive rotation decodes as differential bit 0.
func (b *baseband) delta(t float64, k int) float64 {
	return b.at(t+float64(k+1)*b.sps) - b.at(t+float64(k)*b.sps)
}

// correct removes a constant rotation of drift radians per symbol.
func (b *baseband) correct(drift float64) {
	w := drift / b.sps
	for i := range b.phase {
		b.phase[i] -= w * float64(i)
	}
}

// Tail bits are zero on both ends of every burst used here and serve as
// phase anchors.
var tailAnchors = [2]int{tailLen - 1, burstLen - tailLen}

// burstBits reads the 148 bits of a burst starting at t. Each bit comes
// from the net rotation between its symbol boundary and the nearer tail
// anchor: every quarter turn in the negative direction toggles the bit.
func (b *baseband) burstBits(t float64) []uint8 {
	bits := make([]uint8, burstLen)
	for k := range bits {
		a := tailAnchors[0]
		if k-tailAnchors[0] > tailAnchors[1]-k {
			a = tailAnchors[1]
		}
		lo, hi := a, k
		if k < a {
			lo, hi = k, a
		}
		if lo == hi {
			continue
		}
		n := float64(hi - lo)
		q := (b.at(t+float64(hi+1)*b.sps) - b.at(t+float64(lo+1)*b.sps)) / (math.Pi / 2)
		toggles := int(math.Round((n - q) / 2))
		bits[k] = uint8(toggles & 1)
	}
	return bits
}
