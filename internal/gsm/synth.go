package gsm

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"
)

// Transmit side of the air interface. It builds synthetic carriers that the
// receiver decodes offline.

const (
	SynthSamplesPerSymbol = 4
	SynthSampleRate       = SynthSamplesPerSymbol * SymbolRate

	synthSlotSamples  = 625
	synthFrameSamples = 5000
	synthAmplitude    = 0.5
	// blockFill pads unused octets of a control block.
	blockFill = 0x2b
)

// Carrier is one MSK-modulated GSM carrier sampled at SynthSampleRate.
// Timeslot 0 of frame FirstFN starts Lead samples into the buffer and the
// carrier sits OffsetHz from the buffer's center frequency.
type Carrier struct {
	Lead     int
	FirstFN  int
	Frames   int
	BSIC     int
	OffsetHz float64

	bursts []placedBurst
}

type placedBurst struct {
	start int
	bits  []uint8
}

func (c *Carrier) add(fn, tn int, bits []uint8) {
	start := c.Lead + (fn-c.FirstFN)*synthFrameSamples + tn*synthSlotSamples
	c.bursts = append(c.bursts, placedBurst{start: start, bits: bits})
}

// Sync places a synchronisation burst for frame fn on timeslot 0.
func (c *Carrier) Sync(fn int) {
	c.add(fn, 0, syncBurstBits(c.BSIC, fn))
}

// Normal places a normal burst carrying 114 data bits with the cell's
// training sequence and the given stealing flags.
func (c *Carrier) Normal(fn, tn int, data []uint8, hl, hu uint8) {
	c.add(fn, tn, normalBurstBits(data, c.BSIC&7, hl, hu))
}

// Block channel-codes a 184-bit control block onto timeslot tn of frames
// fn to fn+3.
func (c *Carrier) Block(fn, tn int, data []uint8) error {
	if len(data) != xcchDataBits {
		return fmt.Errorf("control block has %d bits, want %d", len(data), xcchDataBits)
	}
	for i, p := range encodeXCCH(data) {
		c.Normal(fn+i, tn, p, 1, 1)
	}
	return nil
}

// BlockOctets places a control block given as octets, each sent least
// significant bit first. Short blocks are padded with fill octets.
func (c *Carrier) BlockOctets(fn, tn int, o []byte) error {
	if len(o) > xcchDataBits/8 {
		return fmt.Errorf("control block has %d octets, want at most %d", len(o), xcchDataBits/8)
	}
	block := make([]byte, xcchDataBits/8)
	for i := range block {
		block[i] = blockFill
	}
	copy(block, o)
	bits := make([]uint8, 0, xcchDataBits)
	for _, b := range block {
		for i := 0; i < 8; i++ {
			bits = append(bits, b>>i&1)
		}
	}
	return c.Block(fn, tn, bits)
}

// IQ modulates every placed burst over Frames TDMA frames.
func (c *Carrier) IQ() []complex128 {
	total := c.Lead + c.Frames*synthFrameSamples + 2000
	return modulate(total, c.bursts, c.OffsetHz)
}

// modulate produces an MSK carrier at offsetHz: each symbol turns the phase
// by a quarter turn, positive for differential bit 0. The phase holds still
// between bursts.
func modulate(total int, bursts []placedBurst, offsetHz float64) []complex128 {
	bursts = append([]placedBurst(nil), bursts...)
	sort.Slice(bursts, func(i, j int) bool { return bursts[i].start < bursts[j].start })
	out := make([]complex128, total)
	phase := 0.0
	n := 0
	emit := func(p float64) {
		if n < total {
			out[n] = cmplx.Rect(synthAmplitude, p+2*math.Pi*offsetHz*float64(n)/SynthSampleRate)
		}
		n++
	}
	for _, b := range bursts {
		for n < b.start {
			emit(phase)
		}
		prev := uint8(1)
		for _, bit := range b.bits {
			alpha := 1 - 2*float64(bit^prev)
			prev = bit
			for i := 0; i < SynthSamplesPerSymbol; i++ {
				emit(phase + alpha*math.Pi/2*float64(i)/SynthSamplesPerSymbol)
			}
			phase += alpha * math.Pi / 2
		}
	}
	for n < total {
		emit(phase)
	}
	return out
}

func normalBurstBits(data []uint8, tsc int, hl, hu uint8) []uint8 {
	b := make([]uint8, burstLen)
	copy(b[tailLen:], data[:halfDataLen])
	b[stealLow] = hl
	copy(b[trainingStart:], trainingSequences[tsc][:])
	b[stealHigh] = hu
	copy(b[secondDataStart:], data[halfDataLen:])
	return b
}

func syncBurstBits(bsic, fn int) []uint8 {
	coded := encodeSCH(bsic, fn)
	b := make([]uint8, burstLen)
	copy(b[tailLen:], coded[:schCodedHalfLen])
	copy(b[schSyncStart:], schSync[:])
	copy(b[schSyncStart+schSyncLen:], coded[schCodedHalfLen:])
	return b
}

func convEncode(u []uint8) []uint8 {
	out := make([]uint8, 0, 2*len(u))
	s := 0
	for _, x := range u {
		o0, o1 := convOutput(s, x)
		out = append(out, o0, o1)
		s = nextState(s, x)
	}
	return out
}

// encodeXCCH produces the four bursts' data bits for a 184-bit block.
func encodeXCCH(data []uint8) [4][]uint8 {
	u := append([]uint8{}, data...)
	u = append(u, parity(data, firePoly)...)
	u = append(u, 0, 0, 0, 0)
	var bursts [4][]uint8
	for i := range bursts {
		bursts[i] = make([]uint8, 2*halfDataLen)
	}
	for k, bit := range convEncode(u) {
		b, j := xcchInterleave(k)
		bursts[b][j] = bit
	}
	return bursts
}

func encodeSCHInfo(bsic, fn int) []uint8 {
	t1, t2, t3 := fn/1326, fn%26, fn%51
	info := make([]uint8, 0, schInfoBits)
	put := func(v, width int) {
		for i := width - 1; i >= 0; i-- {
			info = append(info, uint8(v>>i&1))
		}
	}
	put(bsic, 6)
	put(t1, 11)
	put(t2, 5)
	put((t3-1)/10, 3)
	return info
}

func encodeSCH(bsic, fn int) []uint8 {
	info := encodeSCHInfo(bsic, fn)
	u := append([]uint8{}, info...)
	u = append(u, parity(info, schPoly)...)
	u = append(u, 0, 0, 0, 0)
	return convEncode(u)
}
