// Package event defines the ingestion wire format: the batch envelope, the
// per-type event bodies, and the structural validation gate that admits or
// rejects a submitted batch as a whole.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	TypeTraceCreate       = "trace-create"
	TypeObservationCreate = "observation-create"
	TypeObservationUpdate = "observation-update"
	TypeScoreCreate       = "score-create"
)

const (
	ObservationTypeSpan       = "SPAN"
	ObservationTypeGeneration = "GENERATION"
	ObservationTypeEvent      = "EVENT"
)

// ValidationError reports a structural failure that rejects the whole batch.
type ValidationError struct {
	Index  int
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid batch: %s", e.Detail)
	}
	return fmt.Sprintf("invalid batch: event %d: %s", e.Index, e.Detail)
}

func batchError(index int, format string, args ...any) error {
	return &ValidationError{Index: index, Detail: fmt.Sprintf(format, args...)}
}

// Envelope is one validated batch entry. Exactly one body field is non-nil,
// matching Type.
type Envelope struct {
	ID        string
	Type      string
	Timestamp time.Time

	Trace       *TraceBody
	Observation *ObservationBody
	Score       *ScoreBody

	// Raw is the original envelope JSON, kept for the ingestion journal.
	Raw json.RawMessage
}

// EntityID returns the entity identifier carried by the body, if any.
func (e *Envelope) EntityID() string {
	switch {
	case e.Trace != nil && e.Trace.ID != nil:
		return *e.Trace.ID
	case e.Observation != nil && e.Observation.ID != nil:
		return *e.Observation.ID
	case e.Score != nil && e.Score.ID != nil:
		return *e.Score.ID
	default:
		return ""
	}
}

// TraceBody carries the sparse fields of a trace-create event. Nil pointers
// mean the field was not sent and must leave any stored value untouched.
type TraceBody struct {
	ID        *string         `json:"id"`
	Name      *string         `json:"name"`
	UserID    *string         `json:"userId"`
	SessionID *string         `json:"sessionId"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output"`
	Metadata  json.RawMessage `json:"metadata"`
	Release   *string         `json:"release"`
	Version   *string         `json:"version"`
	Public    *bool           `json:"public"`
}

// ObservationBody carries the sparse fields shared by observation-create and
// observation-update events.
type ObservationBody struct {
	ID                  *string         `json:"id"`
	TraceID             *string         `json:"traceId"`
	Type                *string         `json:"type"`
	Name                *string         `json:"name"`
	StartTime           *string         `json:"startTime"`
	EndTime             *string         `json:"endTime"`
	CompletionStartTime *string         `json:"completionStartTime"`
	Model               *string         `json:"model"`
	ModelParameters     json.RawMessage `json:"modelParameters"`
	Input               json.RawMessage `json:"input"`
	Output              json.RawMessage `json:"output"`
	Usage               *Usage          `json:"usage"`
	Metadata            json.RawMessage `json:"metadata"`
	ParentObservationID *string         `json:"parentObservationId"`
	Level               *string         `json:"level"`
	StatusMessage       *string         `json:"statusMessage"`
	Version             *string         `json:"version"`
}

// ScoreBody carries a score-create event. Name, value, and traceId are
// required on the wire.
type ScoreBody struct {
	ID            *string  `json:"id"`
	Name          *string  `json:"name"`
	Value         *float64 `json:"value"`
	TraceID       *string  `json:"traceId"`
	ObservationID *string  `json:"observationId"`
	Comment       *string  `json:"comment"`
}

type wireEnvelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Body      json.RawMessage `json:"body"`
}

type wireBatch struct {
	Batch []json.RawMessage `json:"batch"`
}

// ParseBatch validates a raw request payload into typed envelopes. Any
// structural failure rejects the entire batch before any event is processed.
func ParseBatch(raw []byte, maxBatchSize int) ([]*Envelope, error) {
	var batch wireBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, batchError(-1, "body is not a batch object: %v", err)
	}
	if batch.Batch == nil {
		return nil, batchError(-1, "missing batch array")
	}
	if len(batch.Batch) == 0 {
		return nil, batchError(-1, "batch array is empty")
	}
	if maxBatchSize > 0 && len(batch.Batch) > maxBatchSize {
		return nil, batchError(-1, "batch size %d exceeds limit %d", len(batch.Batch), maxBatchSize)
	}

	envelopes := make([]*Envelope, 0, len(batch.Batch))
	for index, rawEvent := range batch.Batch {
		envelope, err := parseEnvelope(index, rawEvent)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, envelope)
	}
	return envelopes, nil
}

func parseEnvelope(index int, raw json.RawMessage) (*Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, batchError(index, "envelope is not an object: %v", err)
	}
	if strings.TrimSpace(wire.ID) == "" {
		return nil, batchError(index, "envelope id is required")
	}
	if strings.TrimSpace(wire.Timestamp) == "" {
		return nil, batchError(index, "envelope timestamp is required")
	}
	timestamp, err := ParseTimestamp(wire.Timestamp)
	if err != nil {
		return nil, batchError(index, "envelope timestamp %q is not a valid time", wire.Timestamp)
	}
	if len(wire.Body) == 0 || string(wire.Body) == "null" {
		return nil, batchError(index, "envelope body is required")
	}

	envelope := &Envelope{
		ID:        wire.ID,
		Type:      wire.Type,
		Timestamp: timestamp,
		Raw:       raw,
	}

	switch wire.Type {
	case TypeTraceCreate:
		var body TraceBody
		if err := json.Unmarshal(wire.Body, &body); err != nil {
			return nil, batchError(index, "trace body: %v", err)
		}
		envelope.Trace = &body
	case TypeObservationCreate, TypeObservationUpdate:
		var body ObservationBody
		if err := json.Unmarshal(wire.Body, &body); err != nil {
			return nil, batchError(index, "observation body: %v", err)
		}
		if err := validateObservationBody(&body, wire.Type); err != nil {
			return nil, batchError(index, "observation body: %v", err)
		}
		envelope.Observation = &body
	case TypeScoreCreate:
		var body ScoreBody
		if err := json.Unmarshal(wire.Body, &body); err != nil {
			return nil, batchError(index, "score body: %v", err)
		}
		if err := validateScoreBody(&body); err != nil {
			return nil, batchError(index, "score body: %v", err)
		}
		envelope.Score = &body
	case "":
		return nil, batchError(index, "envelope type is required")
	default:
		return nil, batchError(index, "unknown event type %q", wire.Type)
	}

	return envelope, nil
}

func validateObservationBody(body *ObservationBody, eventType string) error {
	if eventType == TypeObservationCreate && body.Type == nil {
		return fmt.Errorf("type is required for %s", TypeObservationCreate)
	}
	if body.Type != nil {
		switch *body.Type {
		case ObservationTypeSpan, ObservationTypeGeneration, ObservationTypeEvent:
		default:
			return fmt.Errorf("unknown observation type %q", *body.Type)
		}
	}
	for _, field := range []struct {
		name  string
		value *string
	}{
		{"startTime", body.StartTime},
		{"endTime", body.EndTime},
		{"completionStartTime", body.CompletionStartTime},
	} {
		if field.value == nil {
			continue
		}
		if _, err := ParseTimestamp(*field.value); err != nil {
			return fmt.Errorf("%s %q is not a valid time", field.name, *field.value)
		}
	}
	if body.Usage != nil {
		if err := body.Usage.validate(); err != nil {
			return err
		}
	}
	return nil
}

func validateScoreBody(body *ScoreBody) error {
	if body.Name == nil || strings.TrimSpace(*body.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if body.Value == nil {
		return fmt.Errorf("value is required")
	}
	if body.TraceID == nil || strings.TrimSpace(*body.TraceID) == "" {
		return fmt.Errorf("traceId is required")
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp accepts the ISO-8601 variants SDKs emit.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// ParseTimePtr converts an optional wire timestamp into an optional time.
// Callers validate first; parse failures map to nil.
func ParseTimePtr(value *string) *time.Time {
	if value == nil {
		return nil
	}
	parsed, err := ParseTimestamp(*value)
	if err != nil {
		return nil
	}
	return &parsed
}
