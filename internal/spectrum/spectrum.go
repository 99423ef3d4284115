// Package spectrum turns raw captures into averaged power spectra and the
// spectra into base-station candidates.
package spectrum

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/shortontech/cellscan/internal/radio"
)

const (
	DefaultFFTSize         = 1024
	DefaultThresholdDB     = 10.0
	DefaultMinSeparationHz = 12.5e3
	DefaultMaxSegments     = 512
	// occupiedDB is the level above the noise floor that bounds a carrier.
	occupiedDB = 3.0
	// dcGuardBins around the tuned center are excluded from peak search.
	dcGuardBins = 1
)

// ErrShortCapture means the buffer holds less than one FFT segment.
var ErrShortCapture = errors.New("capture shorter than one fft segment")

type Config struct {
	FFTSize         int
	ThresholdDB     float64
	MinSeparationHz float64
	MaxSegments     int
}

type Analyzer struct {
	cfg    Config
	window []float64
	enbw   float64
	gain   float64
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Analyzer, error) {
	if cfg.FFTSize == 0 {
		cfg.FFTSize = DefaultFFTSize
	}
	if cfg.FFTSize < 16 || cfg.FFTSize&(cfg.FFTSize-1) != 0 {
		return nil, fmt.Errorf("fft size %d must be a power of two >= 16", cfg.FFTSize)
	}
	if cfg.ThresholdDB <= 0 {
		cfg.ThresholdDB = DefaultThresholdDB
	}
	if cfg.MinSeparationHz <= 0 {
		cfg.MinSeparationHz = DefaultMinSeparationHz
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = DefaultMaxSegments
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := make([]float64, cfg.FFTSize)
	for i := range w {
		w[i] = 1
	}
	window.Hann(w)
	sum := floats.Sum(w)
	sumSq := floats.Dot(w, w)

	return &Analyzer{
		cfg:    cfg,
		window: w,
		gain:   sum * sum,
		enbw:   float64(cfg.FFTSize) * sumSq / (sum * sum),
		logger: logger,
	}, nil
}

// Estimate computes a Welch averaged periodogram of c. A full-scale complex
// tone reads 0 dBFS. Peaks are reported in dBm using the capture's
// calibration offset; peaks outside the valid power window are dropped.
func (a *Analyzer) Estimate(c *radio.RawCapture) (radio.SpectrumEstimate, error) {
	iq, err := c.IQ()
	if err != nil {
		return radio.SpectrumEstimate{}, err
	}
	n := a.cfg.FFTSize
	if len(iq) < n {
		return radio.SpectrumEstimate{}, fmt.Errorf("%d samples: %w", len(iq), ErrShortCapture)
	}

	step := n / 2
	segments := (len(iq)-n)/step + 1
	if segments > a.cfg.MaxSegments {
		segments = a.cfg.MaxSegments
		step = 0
		if segments > 1 {
			step = (len(iq) - n) / (segments - 1)
		}
	}

	fft := fourier.NewCmplxFFT(n)
	seg := make([]complex128, n)
	coeffs := make([]complex128, n)
	acc := make([]float64, n)
	for s := 0; s < segments; s++ {
		off := s * step
		for i := 0; i < n; i++ {
			seg[i] = iq[off+i] * complex(a.window[i], 0)
		}
		coeffs = fft.Coefficients(coeffs, seg)
		for k, x := range coeffs {
			re, im := real(x), imag(x)
			acc[(k+n/2)%n] += re*re + im*im
		}
	}

	bins := make([]float64, n)
	for i, p := range acc {
		bins[i] = toDB(p / float64(segments) / a.gain)
	}
	est := radio.SpectrumEstimate{
		Device:     c.Device,
		CenterHz:   c.CenterHz,
		BinWidthHz: c.SampleRate / float64(n),
		BinsDBFS:   bins,
		NoiseDBFS:  median(bins),
	}
	est.Peaks = a.peaks(est, c.CalibrationDB)
	a.logger.Debug("spectrum estimated",
		zap.String("device", c.Device),
		zap.Float64("center_hz", c.CenterHz),
		zap.Int("segments", segments),
		zap.Float64("noise_dbfs", est.NoiseDBFS),
		zap.Int("peaks", len(est.Peaks)))
	return est, nil
}

// peaks finds local maxima at least ThresholdDB above the floor. The
// strongest maximum claims its occupied region; weaker maxima inside that
// region or closer than MinSeparationHz are merged into it.
func (a *Analyzer) peaks(est radio.SpectrumEstimate, calibration float64) []radio.Peak {
	bins := est.BinsDBFS
	n := len(bins)
	var maxima []int
	for i := 1; i < n-1; i++ {
		if i >= n/2-dcGuardBins && i <= n/2+dcGuardBins {
			continue
		}
		if bins[i]-est.NoiseDBFS < a.cfg.ThresholdDB {
			continue
		}
		if bins[i] >= bins[i-1] && bins[i] > bins[i+1] {
			maxima = append(maxima, i)
		}
	}
	sort.SliceStable(maxima, func(x, y int) bool { return bins[maxima[x]] > bins[maxima[y]] })

	claimed := make([]bool, n)
	var accepted []radio.Peak
	for _, i := range maxima {
		if claimed[i] {
			continue
		}
		f := est.BinFrequency(i)
		tooClose := false
		for _, p := range accepted {
			if math.Abs(p.FrequencyHz-f) < a.cfg.MinSeparationHz {
				tooClose = true
				break
			}
		}
		if tooClose {
			continue
		}

		lo, hi := i, i
		edge := est.NoiseDBFS + occupiedDB
		for lo > 0 && bins[lo-1] > edge {
			lo--
		}
		for hi < n-1 && bins[hi+1] > edge {
			hi++
		}
		var linear, weighted float64
		for k := lo; k <= hi; k++ {
			claimed[k] = true
			p := fromDB(bins[k])
			linear += p
			weighted += p * est.BinFrequency(k)
		}

		dbm, ok := radio.ValidPower(toDB(linear/a.enbw) + calibration)
		if !ok {
			a.logger.Debug("peak outside power window dropped", zap.Float64("frequency_hz", f))
			continue
		}
		accepted = append(accepted, radio.Peak{
			FrequencyHz:  weighted / linear,
			PowerDBm:     dbm,
			SNRDB:        bins[i] - est.NoiseDBFS,
			OccupiedBWHz: float64(hi-lo+1) * est.BinWidthHz,
		})
	}
	sort.Slice(accepted, func(x, y int) bool { return accepted[x].FrequencyHz < accepted[y].FrequencyHz })
	return accepted
}

func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

const minPower = 1e-20

func toDB(p float64) float64 { return 10 * math.Log10(math.Max(p, minPower)) }

func fromDB(db float64) float64 { return math.Pow(10, db/10) }
