package gsm

import "math/bits"

// Rate 1/2, constraint length 5 code shared by SCH and xCCH:
//
//	G0 = 1 + D^3 + D^4
//	G1 = 1 + D + D^3 + D^4
const (
	convStates = 16
	convG0     = 0x19 // bit i taps u(k-i): 0, 3, 4
	convG1     = 0x1b // 0, 1, 3, 4
)

// convOutput returns the two coded bits for input u leaving state s, where
// bit j of s holds u(k-1-j).
func convOutput(s int, u uint8) (uint8, uint8) {
	reg := uint(s)<<1 | uint(u) // bit i = u(k-i)
	return uint8(bits.OnesCount(reg&convG0) & 1), uint8(bits.OnesCount(reg&convG1) & 1)
}

func nextState(s int, u uint8) int { return (s<<1 | int(u)) & (convStates - 1) }

// viterbi decodes len(coded)/2 input bits with hard-decision Hamming
// metrics. The encoder starts and, through its tail bits, ends in state 0.
// It returns the decoded bits and the number of corrected channel errors.
func viterbi(coded []uint8) ([]uint8, int) {
	n := len(coded) / 2
	const inf = 1 << 30
	metric := make([]int, convStates)
	for s := 1; s < convStates; s++ {
		metric[s] = inf
	}
	prev := make([][convStates]int8, n)
	input := make([][convStates]uint8, n)

	next := make([]int, convStates)
	for k := 0; k < n; k++ {
		for s := range next {
			next[s] = inf
		}
		c0, c1 := coded[2*k], coded[2*k+1]
		for s := 0; s < convStates; s++ {
			if metric[s] == inf {
				continue
			}
			for u := uint8(0); u < 2; u++ {
				o0, o1 := convOutput(s, u)
				m := metric[s]
				if o0 != c0 {
					m++
				}
				if o1 != c1 {
					m++
				}
				ns := nextState(s, u)
				if m < next[ns] {
					next[ns] = m
					prev[k][ns] = int8(s)
					input[k][ns] = u
				}
			}
		}
		metric, next = next, metric
	}

	out := make([]uint8, n)
	s := 0
	for k := n - 1; k >= 0; k-- {
		out[k] = input[k][s]
		s = int(prev[k][s])
	}
	return out, metric[0]
}

// parity computes the inverted remainder of data(D)*D^len(poly)-1 divided by
// poly, the systematic cyclic check used on SCH and xCCH. poly lists
// coefficients from the highest degree term down.
func parity(data []uint8, poly []uint8) []uint8 {
	deg := len(poly) - 1
	reg := make([]uint8, len(data)+deg)
	copy(reg, data)
	for i := 0; i < len(data); i++ {
		if reg[i] == 0 {
			continue
		}
		for j, p := range poly {
			reg[i+j] ^= p
		}
	}
	out := make([]uint8, deg)
	for i := range out {
		out[i] = reg[len(data)+i] ^ 1
	}
	return out
}

// schPoly is D^10 + D^8 + D^6 + D^5 + D^4 + D^2 + 1.
var schPoly = poly(10, 8, 6, 5, 4, 2, 0)

// firePoly is (D^23 + 1)(D^17 + D^3 + 1).
var firePoly = polyMul(poly(23, 0), poly(17, 3, 0))

// poly builds a GF(2) polynomial from its exponents, highest degree first
// in the returned coefficients.
func poly(exps ...int) []uint8 {
	deg := exps[0]
	p := make([]uint8, deg+1)
	for _, e := range exps {
		p[deg-e] = 1
	}
	return p
}

func polyMul(a, b []uint8) []uint8 {
	out := make([]uint8, len(a)+len(b)-1)
	for i, x := range a {
		if x == 0 {
			continue
		}
		for j, y := range b {
			out[i+j] ^= y
		}
	}
	return out
}

func checkParity(data, got, poly []uint8) bool {
	want := parity(data, poly)
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}

// xcchInterleave returns the burst and bit position of coded bit k of a
// 456-bit xCCH block (block rectangular interleaving over 4 bursts).
func xcchInterleave(k int) (burst, pos int) {
	return k % 4, 2*((49*k)%57) + (k%8)/4
}

// deinterleaveXCCH rebuilds the 456 coded bits from the 114 data bits of
// each of 4 bursts.
func deinterleaveXCCH(bursts [4][]uint8) []uint8 {
	coded := make([]uint8, 456)
	for k := range coded {
		b, j := xcchInterleave(k)
		coded[k] = bursts[b][j]
	}
	return coded
}

const (
	xcchDataBits   = 184
	xcchParityBits = 40
	schInfoBits    = 25
	schParityBits  = 10
	convTailBits   = 4
)

// decodeXCCH turns four bursts into the 184-bit L2 block, or false if the
// fire code check fails.
func decodeXCCH(bursts [4][]uint8) ([]uint8, bool) {
	u, _ := viterbi(deinterleaveXCCH(bursts))
	data := u[:xcchDataBits]
	if !checkParity(data, u[xcchDataBits:xcchDataBits+xcchParityBits], firePoly) {
		return nil, false
	}
	return data, true
}

// decodeSCH turns the 78 coded SCH bits into the 25 information bits.
func decodeSCH(coded []uint8) ([]uint8, bool) {
	u, _ := viterbi(coded)
	info := u[:schInfoBits]
	if !checkParity(info, u[schInfoBits:schInfoBits+schParityBits], schPoly) {
		return nil, false
	}
	return info, true
}
