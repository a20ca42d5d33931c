package api

import (
	"encoding/json"
	"time"

	"github.com/tracepoint-dev/tracepoint/internal/ingest"
	"github.com/tracepoint-dev/tracepoint/internal/telemetry"
)

// TraceView is the wire rendering of a stored trace. JSON-valued columns
// are emitted verbatim so clients see the structures they submitted.
type TraceView struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	Name      string          `json:"name,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Release   string          `json:"release,omitempty"`
	Version   string          `json:"version,omitempty"`
	Public    bool            `json:"public"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	CreatedAt *time.Time      `json:"createdAt,omitempty"`
	UpdatedAt *time.Time      `json:"updatedAt,omitempty"`
}

type ObservationView struct {
	ID                  string          `json:"id"`
	ProjectID           string          `json:"projectId"`
	TraceID             string          `json:"traceId"`
	Type                string          `json:"type,omitempty"`
	Name                string          `json:"name,omitempty"`
	StartTime           *time.Time      `json:"startTime,omitempty"`
	EndTime             *time.Time      `json:"endTime,omitempty"`
	CompletionStartTime *time.Time      `json:"completionStartTime,omitempty"`
	Model               string          `json:"model,omitempty"`
	ModelParameters     json.RawMessage `json:"modelParameters,omitempty"`
	Input               json.RawMessage `json:"input,omitempty"`
	Output              json.RawMessage `json:"output,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	ParentObservationID string          `json:"parentObservationId,omitempty"`
	Level               string          `json:"level,omitempty"`
	StatusMessage       string          `json:"statusMessage,omitempty"`
	Version             string          `json:"version,omitempty"`
	PromptTokens        *int            `json:"promptTokens,omitempty"`
	CompletionTokens    *int            `json:"completionTokens,omitempty"`
	TotalTokens         *int            `json:"totalTokens,omitempty"`
	Unit                string          `json:"unit,omitempty"`
	CreatedAt           *time.Time      `json:"createdAt,omitempty"`
	UpdatedAt           *time.Time      `json:"updatedAt,omitempty"`
}

type ScoreView struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"projectId"`
	TraceID       string     `json:"traceId"`
	ObservationID string     `json:"observationId,omitempty"`
	Name          string     `json:"name"`
	Value         float64    `json:"value"`
	Comment       string     `json:"comment,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
}

func renderTrace(trace *telemetry.Trace) *TraceView {
	if trace == nil {
		return nil
	}
	return &TraceView{
		ID:        trace.ID,
		ProjectID: trace.ProjectID,
		Name:      trace.Name,
		UserID:    trace.UserID,
		SessionID: trace.SessionID,
		Input:     rawOrNil(trace.Input),
		Output:    rawOrNil(trace.Output),
		Metadata:  rawOrNil(trace.Metadata),
		Release:   trace.Release,
		Version:   trace.Version,
		Public:    trace.Public,
		Timestamp: timeOrNil(trace.Timestamp),
		CreatedAt: timeOrNil(trace.CreatedAt),
		UpdatedAt: timeOrNil(trace.UpdatedAt),
	}
}

func renderObservation(observation *telemetry.Observation) *ObservationView {
	if observation == nil {
		return nil
	}
	return &ObservationView{
		ID:                  observation.ID,
		ProjectID:           observation.ProjectID,
		TraceID:             observation.TraceID,
		Type:                observation.Type,
		Name:                observation.Name,
		StartTime:           timeOrNil(observation.StartTime),
		EndTime:             timeOrNil(observation.EndTime),
		CompletionStartTime: timeOrNil(observation.CompletionStartTime),
		Model:               observation.Model,
		ModelParameters:     rawOrNil(observation.ModelParameters),
		Input:               rawOrNil(observation.Input),
		Output:              rawOrNil(observation.Output),
		Metadata:            rawOrNil(observation.Metadata),
		ParentObservationID: observation.ParentObservationID,
		Level:               observation.Level,
		StatusMessage:       observation.StatusMessage,
		Version:             observation.Version,
		PromptTokens:        observation.PromptTokens,
		CompletionTokens:    observation.CompletionTokens,
		TotalTokens:         observation.TotalTokens,
		Unit:                observation.Unit,
		CreatedAt:           timeOrNil(observation.CreatedAt),
		UpdatedAt:           timeOrNil(observation.UpdatedAt),
	}
}

func renderScore(score *telemetry.Score) *ScoreView {
	if score == nil {
		return nil
	}
	return &ScoreView{
		ID:            score.ID,
		ProjectID:     score.ProjectID,
		TraceID:       score.TraceID,
		ObservationID: score.ObservationID,
		Name:          score.Name,
		Value:         score.Value,
		Comment:       score.Comment,
		Timestamp:     timeOrNil(score.Timestamp),
		CreatedAt:     timeOrNil(score.CreatedAt),
	}
}

// renderOutcome replaces raw store entities in dispatcher successes with
// their wire views.
func renderOutcome(outcome *ingest.BatchOutcome) *ingest.BatchOutcome {
	if outcome == nil {
		return nil
	}
	for i, success := range outcome.Successes {
		switch entity := success.Result.(type) {
		case *telemetry.Trace:
			outcome.Successes[i].Result = renderTrace(entity)
		case *telemetry.Observation:
			outcome.Successes[i].Result = renderObservation(entity)
		case *telemetry.Score:
			outcome.Successes[i].Result = renderScore(entity)
		}
	}
	return outcome
}

func rawOrNil(stored string) json.RawMessage {
	if stored == "" || stored == "null" {
		return nil
	}
	return json.RawMessage(stored)
}

func timeOrNil(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}
