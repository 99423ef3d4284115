package radio

import "math"

// Valid measurement window in dBm. Readings outside are absent, never clamped.
const (
	MinPowerDBm = -120.0
	MaxPowerDBm = 0.0
)

// ValidPower returns (dbm, true) only when dbm is a finite reading inside
// [MinPowerDBm, MaxPowerDBm].
func ValidPower(dbm float64) (float64, bool) {
	if math.IsNaN(dbm) || math.IsInf(dbm, 0) {
		return 0, false
	}
	if dbm < MinPowerDBm || dbm > MaxPowerDBm {
		return 0, false
	}
	return dbm, true
}
