package radio

import "errors"

// Failure taxonomy. Stages wrap these with context; callers match with errors.Is.
var (
	ErrHardwareUnavailable     = errors.New("hardware unavailable")
	ErrCaptureTimeout          = errors.New("capture timeout")
	ErrCaptureIncomplete       = errors.New("capture incomplete")
	ErrDemodulationFailure     = errors.New("demodulation failure")
	ErrExtractionFormatInvalid = errors.New("extraction format invalid")
	ErrValidationRejected      = errors.New("validation rejected")

	// ErrNoHardwareConfigured aborts a cycle before any device work starts.
	ErrNoHardwareConfigured = errors.New("no hardware descriptor configured")
)

// FailureKind returns the taxonomy label for err, or "other".
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrHardwareUnavailable):
		return "hardware_unavailable"
	case errors.Is(err, ErrCaptureTimeout):
		return "capture_timeout"
	case errors.Is(err, ErrCaptureIncomplete):
		return "capture_incomplete"
	case errors.Is(err, ErrDemodulationFailure):
		return "demodulation_failure"
	case errors.Is(err, ErrExtractionFormatInvalid):
		return "extraction_format_invalid"
	case errors.Is(err, ErrValidationRejected):
		return "validation_rejected"
	case errors.Is(err, ErrNoHardwareConfigured):
		return "no_hardware_configured"
	}
	return "other"
}
