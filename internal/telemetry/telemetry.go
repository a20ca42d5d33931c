package telemetry

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("telemetry store record not found")

// ErrProjectMismatch is returned when a write targets an entity id that is
// already owned by a different project. The authorizer normally rejects these
// before the store is reached; the store guard closes the race where the
// entity appears between the access check and the write.
var ErrProjectMismatch = errors.New("telemetry store entity belongs to a different project")

// ObservationType enumerates the kinds of observations nested under a trace.
const (
	ObservationTypeSpan       = "SPAN"
	ObservationTypeGeneration = "GENERATION"
	ObservationTypeEvent      = "EVENT"
)

// Usage units.
const (
	UnitTokens     = "TOKENS"
	UnitCharacters = "CHARACTERS"
)

// Trace is one recorded execution of an LLM application, the root of an
// observation tree. JSON-valued fields (Input, Output, Metadata,
// ModelParameters on observations) are stored as raw JSON text.
type Trace struct {
	ID        string
	ProjectID string
	Name      string
	UserID    string
	SessionID string
	Input     string
	Output    string
	Metadata  string
	Release   string
	Version   string
	Public    bool
	Timestamp time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TraceUpsert is a sparse trace write. Nil fields keep whatever the stored
// row already has; the distinction between "not sent" and a zero value is
// what makes retried SDK submissions merge instead of clobber.
type TraceUpsert struct {
	ID        string
	ProjectID string
	Name      *string
	UserID    *string
	SessionID *string
	Input     *string
	Output    *string
	Metadata  *string
	Release   *string
	Version   *string
	Public    *bool
	Timestamp *time.Time
}

type Observation struct {
	ID                  string
	ProjectID           string
	TraceID             string
	Type                string
	Name                string
	StartTime           time.Time
	EndTime             time.Time
	CompletionStartTime time.Time
	Model               string
	ModelParameters     string
	Input               string
	Output              string
	Metadata            string
	ParentObservationID string
	Level               string
	StatusMessage       string
	Version             string
	PromptTokens        *int
	CompletionTokens    *int
	TotalTokens         *int
	Unit                string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ObservationUpsert is a sparse observation write, same presence semantics
// as TraceUpsert.
type ObservationUpsert struct {
	ID                  string
	ProjectID           string
	TraceID             *string
	Type                *string
	Name                *string
	StartTime           *time.Time
	EndTime             *time.Time
	CompletionStartTime *time.Time
	Model               *string
	ModelParameters     *string
	Input               *string
	Output              *string
	Metadata            *string
	ParentObservationID *string
	Level               *string
	StatusMessage       *string
	Version             *string
	PromptTokens        *int
	CompletionTokens    *int
	TotalTokens         *int
	Unit                *string
}

// Score is an immutable evaluation fact attached to a trace and optionally
// one observation within it. Scores are inserted once and never merged.
type Score struct {
	ID            string
	ProjectID     string
	TraceID       string
	ObservationID string
	Name          string
	Value         float64
	Comment       string
	Timestamp     time.Time
	CreatedAt     time.Time
}

// EventRecord is one raw ingestion envelope persisted to the journal.
type EventRecord struct {
	ID         string
	ProjectID  string
	Type       string
	EntityID   string
	EmittedAt  time.Time
	Body       string
	ReceivedAt time.Time
}

// EntityCounts summarizes stored entity volume for health reporting.
type EntityCounts struct {
	Traces       int64
	Observations int64
	Scores       int64
}

// Store is the persistence boundary of the ingestion pipeline. Upserts are
// keyed by entity id with a project guard; sparse fields merge at the column
// level so concurrent writers land last-writer-wins per field, not per row.
type Store interface {
	GetTrace(ctx context.Context, id string) (*Trace, error)
	UpsertTrace(ctx context.Context, upsert *TraceUpsert) (*Trace, error)
	// EnsureTrace atomically creates a trace if no row with the id exists
	// and returns the stored row either way. It is the backing primitive
	// for implicit trace creation during observation processing.
	EnsureTrace(ctx context.Context, id, projectID, name string) (*Trace, error)

	GetObservation(ctx context.Context, id string) (*Observation, error)
	UpsertObservation(ctx context.Context, upsert *ObservationUpsert) (*Observation, error)

	InsertScore(ctx context.Context, score *Score) (*Score, error)
	GetScoresByTrace(ctx context.Context, traceID, projectID string) ([]*Score, error)

	WriteEvents(ctx context.Context, records []*EventRecord) error

	CountEntities(ctx context.Context) (EntityCounts, error)
	Close() error
}
