// Package record defines the envelope handed to sinks. Records are built only
// from gate verdicts, detected carriers, cycle summaries and items that have
// passed the authenticity validator.
package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shortontech/cellscan/internal/radio"
)

// Type is the record discriminator carried in every envelope.
type Type string

const (
	TypeVerdict      Type = "verdict"
	TypeBTS          Type = "bts"
	TypeIdentifier   Type = "identifier"
	TypeMessage      Type = "message"
	TypeCycleSummary Type = "cycle_summary"
)

// SchemaVersion is sent alongside records on transports with headers.
const SchemaVersion = "v1"

// High-level envelope. Exactly one payload field is set, matching Type.
type Record struct {
	RecordID string `json:"record_id"`
	TS       string `json:"ts"` // RFC3339Nano, UTC
	Type     Type   `json:"type"`
	CycleID  string `json:"cycle_id,omitempty"`
	Device   string `json:"device,omitempty"`

	// Replay marks records decoded from an archived capture.
	Replay bool `json:"replay,omitempty"`

	Verdict    *radio.Verdict             `json:"verdict,omitempty"`
	BTS        *radio.BTSCandidate        `json:"bts,omitempty"`
	Identifier *radio.ExtractedIdentifier `json:"identifier,omitempty"`
	Message    *radio.ExtractedMessage    `json:"message,omitempty"`
	Summary    *CycleSummary              `json:"summary,omitempty"`
}

// CycleSummary is the closing record of a scan cycle.
type CycleSummary struct {
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Devices     int            `json:"devices"`
	Available   int            `json:"available"`
	Jobs        int            `json:"jobs"`
	Captures    int            `json:"captures"`
	Candidates  int            `json:"candidates"`
	Frames      int            `json:"frames"`
	Identifiers int            `json:"identifiers"`
	Messages    int            `json:"messages"`
	Failures    map[string]int `json:"failures,omitempty"`
	Rejected    map[string]int `json:"rejected,omitempty"`
}

var (
	newID = uuid.NewString
	now   = time.Now
)

func envelope(t Type, cycleID, device string) Record {
	return Record{
		RecordID: newID(),
		TS:       now().UTC().Format(time.RFC3339Nano),
		Type:     t,
		CycleID:  cycleID,
		Device:   device,
	}
}

func NewVerdict(cycleID string, v radio.Verdict) Record {
	r := envelope(TypeVerdict, cycleID, v.DeviceID)
	r.Verdict = &v
	return r
}

func NewBTS(cycleID string, c radio.BTSCandidate, replay bool) Record {
	r := envelope(TypeBTS, cycleID, c.Device)
	r.BTS = &c
	r.Replay = replay
	return r
}

// NewIdentifier wraps a validated identifier. Unvalidated input is refused.
func NewIdentifier(cycleID string, id radio.ExtractedIdentifier, replay bool) (Record, error) {
	if !id.Validated {
		return Record{}, fmt.Errorf("identifier %s: %w", id.ID, radio.ErrValidationRejected)
	}
	r := envelope(TypeIdentifier, cycleID, id.Source.Device)
	r.Identifier = &id
	r.Replay = replay
	return r, nil
}

// NewMessage wraps a validated message. Unvalidated input is refused.
func NewMessage(cycleID string, m radio.ExtractedMessage, replay bool) (Record, error) {
	if !m.Validated {
		return Record{}, fmt.Errorf("message %s: %w", m.ID, radio.ErrValidationRejected)
	}
	r := envelope(TypeMessage, cycleID, m.Source.Device)
	r.Message = &m
	r.Replay = replay
	return r, nil
}

func NewCycleSummary(cycleID string, s CycleSummary) Record {
	r := envelope(TypeCycleSummary, cycleID, "")
	r.Summary = &s
	return r
}

// DedupeKey identifies records that carry the same observation. Verdicts and
// summaries are never deduplicated and return "".
func (r Record) DedupeKey() string {
	switch {
	case r.Identifier != nil:
		id := r.Identifier
		return fmt.Sprintf("identifier/%s/%s/%d", id.Kind, id.Value, id.Source.ARFCN)
	case r.Message != nil:
		m := r.Message
		return fmt.Sprintf("message/%s/%s/%s", m.Kind, m.Source, m.Payload)
	case r.BTS != nil:
		c := r.BTS
		return fmt.Sprintf("bts/%s/%s/%s/%d", r.CycleID, c.Device, c.Band, c.Channel)
	}
	return ""
}
