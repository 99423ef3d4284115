package gsm

import "github.com/shortontech/cellscan/internal/radio"

// Air-interface constants (3GPP TS 45.002, 45.003).
const (
	SymbolRate = 1625000.0 / 6

	burstLen        = 148
	slotSymbols     = 156.25
	frameSymbols    = 1250
	timeslots       = 8
	HyperframeLen   = 2715648
	tailLen         = 3
	halfDataLen     = 57
	trainingStart   = 61
	trainingLen     = 26
	stealLow        = 60
	stealHigh       = 87
	secondDataStart = 88

	schSyncStart    = 42
	schSyncLen      = 64
	schCodedHalfLen = 39

	// Minimum agreeing bits out of the 63 usable SCH sync decisions.
	minSyncMatches = 60
	// Maximum mismatching bits accepted against the cell's training sequence.
	maxTSCErrors = 3
)

// schSync is the extended training sequence of the synchronisation burst.
var schSync = [schSyncLen]uint8{
	1, 0, 1, 1, 1, 0, 0, 1, 0, 1, 1, 0, 0, 0, 1, 0,
	0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1,
	0, 0, 1, 0, 1, 1, 0, 1, 0, 1, 0, 0, 0, 1, 0, 1,
	0, 1, 1, 1, 0, 1, 1, 0, 0, 0, 0, 1, 1, 0, 1, 1,
}

// trainingSequences are the normal-burst midambles indexed by TSC.
var trainingSequences = [8][trainingLen]uint8{
	{0, 0, 1, 0, 0, 1, 0, 1, 1, 1, 0, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 1, 0, 1, 1, 1},
	{0, 0, 1, 0, 1, 1, 0, 1, 1, 1, 0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 1, 1, 0, 1, 1, 1},
	{0, 1, 0, 0, 0, 0, 1, 1, 1, 0, 1, 1, 1, 0, 1, 0, 0, 1, 0, 0, 0, 0, 1, 1, 1, 0},
	{0, 1, 0, 0, 0, 1, 1, 1, 1, 0, 1, 1, 0, 1, 0, 0, 0, 1, 0, 0, 0, 1, 1, 1, 1, 0},
	{0, 0, 0, 1, 1, 0, 1, 0, 1, 1, 1, 0, 0, 1, 0, 0, 0, 0, 0, 1, 1, 0, 1, 0, 1, 1},
	{0, 1, 0, 0, 1, 1, 1, 0, 1, 0, 1, 1, 0, 0, 0, 0, 0, 1, 0, 0, 1, 1, 1, 0, 1, 0},
	{1, 0, 1, 0, 0, 1, 1, 1, 1, 1, 0, 1, 1, 0, 0, 0, 1, 0, 1, 0, 0, 1, 1, 1, 1, 1},
	{1, 1, 1, 0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1, 0, 1, 1, 1, 0, 1, 1, 1, 1, 0, 0},
}

// Carrier layout assumed for the scanned ARFCN: TS0 carries BCCH/CCCH on the
// 51-multiframe, TS1 carries SDCCH/8 with its SACCH, TS2..7 carry TCH/F on
// the 26-multiframe.
const (
	bcchStart = 2
	sdcchLast = 44 // blocks at 0,4,...,44; 48..50 idle
	tchSACCH  = 12
	tchIdle   = 25
)

var ccchStarts = []int{6, 12, 16, 22, 26, 32, 36, 42, 46}

// controlBlockStart reports whether a 4-burst control block on timeslot tn
// starts at fn and which channel type it carries.
func controlBlockStart(tn, fn int) (radio.ChannelType, bool) {
	fn51 := fn % 51
	switch tn {
	case 0:
		if fn51 == bcchStart {
			return radio.ChannelBCCH, true
		}
		for _, s := range ccchStarts {
			if fn51 == s {
				return radio.ChannelCCCH, true
			}
		}
	case 1:
		if fn51%4 == 0 && fn51 <= sdcchLast {
			return radio.ChannelControl, true
		}
	}
	return "", false
}

// isTrafficFrame reports whether fn carries a TCH/F burst on TS2..7.
func isTrafficFrame(tn, fn int) bool {
	if tn < 2 {
		return false
	}
	fn26 := fn % 26
	return fn26 != tchSACCH && fn26 != tchIdle
}
