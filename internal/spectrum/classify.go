package spectrum

import (
	"math"

	"go.uber.org/zap"

	"github.com/shortontech/cellscan/internal/band"
	"github.com/shortontech/cellscan/internal/radio"
)

// rule assigns a technology to a peak whose occupied bandwidth falls in
// [MinBW, MaxBW] and whose frequency lies in one of the technology's
// downlink sub-ranges. Rules are tried in order.
type rule struct {
	Technology radio.Technology
	MinBW      float64
	MaxBW      float64
}

var classification = []rule{
	{Technology: radio.TechGSM, MinBW: 0, MaxBW: 400e3},
	{Technology: radio.TechUMTS, MinBW: 3.5e6, MaxBW: 5.5e6},
	{Technology: radio.TechLTE, MinBW: 1.0e6, MaxBW: 20.5e6},
	{Technology: radio.TechNR, MinBW: 5e6, MaxBW: 100e6},
}

// Classify returns the first matching technology with its channel number.
func Classify(p radio.Peak) (radio.Technology, band.SubRange, int, bool) {
	for _, r := range classification {
		if p.OccupiedBWHz < r.MinBW || p.OccupiedBWHz > r.MaxBW {
			continue
		}
		if sub, n, ok := band.Lookup(r.Technology, band.Downlink, p.FrequencyHz); ok {
			return r.Technology, sub, n, true
		}
	}
	return "", band.SubRange{}, 0, false
}

// Confidence maps SNR in dB to [0,1]. It is strictly increasing for
// positive SNR and zero otherwise.
func Confidence(snrDB float64) float64 {
	if !(snrDB > 0) {
		return 0
	}
	return math.Min(1, math.Max(0, 1-math.Exp(-snrDB/10)))
}

// Candidates turns peaks into base-station candidates. Peaks that match no
// sub-range of any technology are dropped, not extrapolated.
func (a *Analyzer) Candidates(est radio.SpectrumEstimate) []radio.BTSCandidate {
	var out []radio.BTSCandidate
	for _, p := range est.Peaks {
		tech, sub, n, ok := Classify(p)
		if !ok {
			a.logger.Debug("peak matches no band",
				zap.Float64("frequency_hz", p.FrequencyHz),
				zap.Float64("occupied_bw_hz", p.OccupiedBWHz))
			continue
		}
		f, _ := sub.Frequency(n)
		out = append(out, radio.BTSCandidate{
			Channel:     n,
			Band:        sub.Band,
			FrequencyHz: f,
			PowerDBm:    p.PowerDBm,
			SNRDB:       p.SNRDB,
			Technology:  tech,
			Confidence:  Confidence(p.SNRDB),
			Device:      est.Device,
		})
	}
	return out
}
