package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/archivegrove/sourcepipe/internal/research"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported progress event kinds.
const (
	KindQueryStart    Kind = "QUERY_START"
	KindStageAdvance  Kind = "STAGE_ADVANCE"
	KindQueryDone     Kind = "QUERY_DONE"
	KindQueryError    Kind = "QUERY_ERROR"
	KindConnectorDone Kind = "CONNECTOR_DONE"
	KindDocAccepted   Kind = "DOC_ACCEPTED"
	KindDocRejected   Kind = "DOC_REJECTED"
)

// Event captures a single component of pipeline progress.
type Event struct {
	// QueryID identifies the research query run.
	QueryID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which lifecycle milestone occurred.
	Kind Kind
	// Stage is the pipeline stage at emission time.
	Stage research.Stage
	// Connector scopes connector events to one source.
	Connector string
	// Outcome is "succeeded" or "failed" for connector and query completions.
	Outcome string
	// Reason carries quality-gate rejection reasons and failure text.
	Reason string
	// Progress is the blended query progress at emission time.
	Progress float64
	// Docs carries the document count delta for the event.
	Docs int64
	// Dur captures execution latency for connector and query completions.
	Dur time.Duration
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.QueryID == "" {
		return errors.New("query id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindQueryStart, KindStageAdvance, KindQueryDone, KindQueryError:
	case KindConnectorDone:
		if e.Connector == "" {
			return errors.New("connector done requires connector")
		}
		if e.Outcome == "" {
			return errors.New("connector done requires outcome")
		}
	case KindDocAccepted, KindDocRejected:
		if e.Connector == "" {
			return errors.New("document events require connector")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Progress < 0 || e.Progress > 1 {
		return errors.New("progress must be within [0,1]")
	}
	return nil
}
