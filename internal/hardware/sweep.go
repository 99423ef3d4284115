package hardware

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"strconv"
)

// errNoBin means the sweep output never covered the requested frequency.
var errNoBin = errors.New("sweep output does not cover frequency")

// sweepLevel extracts the level at freqHz from rtl_power / hackrf_sweep CSV:
//
//	date, time, hz_low, hz_high, hz_step, samples, db, db, ...
//
// Bins covering freqHz across all rows are averaged in linear power. Rows
// that cannot be parsed are skipped; a non-finite bin makes the whole
// reading unusable.
func sweepLevel(out []byte, freqHz float64) (float64, error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	var sum float64
	var n int
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		if len(rec) < 7 {
			continue
		}
		low, err1 := strconv.ParseFloat(rec[2], 64)
		high, err2 := strconv.ParseFloat(rec[3], 64)
		step, err3 := strconv.ParseFloat(rec[4], 64)
		if err1 != nil || err2 != nil || err3 != nil || step <= 0 {
			continue
		}
		if freqHz < low || freqHz >= high {
			continue
		}
		i := 6 + int((freqHz-low)/step)
		if i >= len(rec) {
			continue
		}
		db, err := strconv.ParseFloat(rec[i], 64)
		if err != nil {
			continue
		}
		if math.IsNaN(db) || math.IsInf(db, 0) {
			return 0, errNoBin
		}
		sum += math.Pow(10, db/10)
		n++
	}
	if n == 0 {
		return 0, errNoBin
	}
	return 10 * math.Log10(sum/float64(n)), nil
}
