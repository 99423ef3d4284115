package radio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// IQ decodes the sample buffer into complex samples scaled so that full
// scale has magnitude 1.
func (c *RawCapture) IQ() ([]complex128, error) {
	bps := c.Format.BytesPerSample()
	if bps == 0 {
		return nil, fmt.Errorf("unsupported sample format %q", c.Format)
	}
	n := len(c.Samples) / bps
	out := make([]complex128, n)
	b := c.Samples
	switch c.Format {
	case FormatU8:
		for i := 0; i < n; i++ {
			out[i] = complex((float64(b[2*i])-127.5)/127.5, (float64(b[2*i+1])-127.5)/127.5)
		}
	case FormatS8:
		for i := 0; i < n; i++ {
			out[i] = complex(float64(int8(b[2*i]))/128, float64(int8(b[2*i+1]))/128)
		}
	case FormatS16LE:
		for i := 0; i < n; i++ {
			re := int16(binary.LittleEndian.Uint16(b[4*i:]))
			im := int16(binary.LittleEndian.Uint16(b[4*i+2:]))
			out[i] = complex(float64(re)/32768, float64(im)/32768)
		}
	case FormatF32LE:
		for i := 0; i < n; i++ {
			re := math.Float32frombits(binary.LittleEndian.Uint32(b[8*i:]))
			im := math.Float32frombits(binary.LittleEndian.Uint32(b[8*i+4:]))
			out[i] = complex(float64(re), float64(im))
		}
	}
	return out, nil
}

// EncodeF32LE packs samples as interleaved little-endian float32, the
// layout of a GNU Radio .cfile.
func EncodeF32LE(iq []complex128) []byte {
	out := make([]byte, 8*len(iq))
	for i, s := range iq {
		binary.LittleEndian.PutUint32(out[8*i:], math.Float32bits(float32(real(s))))
		binary.LittleEndian.PutUint32(out[8*i+4:], math.Float32bits(float32(imag(s))))
	}
	return out
}
