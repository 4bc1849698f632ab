// Package progress defines the history events emitted by the crawl pipeline.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind denotes the type of action represented by an Event.
type Kind string

// Supported history kinds.
const (
	KindRunStart     Kind = "RUN_START"
	KindRunDone      Kind = "RUN_DONE"
	KindStageStart   Kind = "STAGE_START"
	KindStageDone    Kind = "STAGE_DONE"
	KindStageFailed  Kind = "STAGE_FAILED"
	KindStageSkipped Kind = "STAGE_SKIPPED"
	KindStageStopped Kind = "STAGE_STOPPED"
	KindFetch        Kind = "FETCH"
	KindRetry        Kind = "RETRY"
	KindItemWritten  Kind = "ITEM_WRITTEN"
	KindItemSkipped  Kind = "ITEM_SKIPPED"
	KindCheckpoint   Kind = "CHECKPOINT"
	KindExport       Kind = "EXPORT"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch attempts.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one immutable history entry.
type Event struct {
	// RunID identifies the pipeline run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which action occurred.
	Kind Kind
	// Stage and Scope label the pipeline unit; both may be empty for run events.
	Stage string
	Scope string
	// Entity is the collection entity or work code being processed.
	Entity string
	// URL is the fetched page, if any.
	URL string
	// Attempt is the 1-based fetch attempt.
	Attempt int
	// StatusCode is the HTTP status for fetch events (0 when no response).
	StatusCode int
	// Bytes carries the response size for fetch events.
	Bytes int64
	// Dur captures fetch or stage latency.
	Dur time.Duration
	// Note carries low-volume context such as an error text or cursor.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRunStart, KindRunDone:
	case KindStageStart, KindStageDone, KindStageFailed, KindStageSkipped, KindStageStopped,
		KindItemWritten, KindItemSkipped, KindCheckpoint, KindExport:
		if e.Stage == "" {
			return fmt.Errorf("%s requires stage", e.Kind)
		}
	case KindFetch, KindRetry:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// StatusClass groups the event's status code.
func (e Event) StatusClass() StatusClass {
	return ClassifyStatus(e.StatusCode)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
