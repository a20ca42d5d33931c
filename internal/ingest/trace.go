package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/tracepoint-dev/tracepoint/internal/auth"
	"github.com/tracepoint-dev/tracepoint/internal/event"
	"github.com/tracepoint-dev/tracepoint/internal/telemetry"
)

// TraceProcessor turns trace-create events into sparse trace upserts.
type TraceProcessor struct {
	store telemetry.Store
}

func NewTraceProcessor(store telemetry.Store) *TraceProcessor {
	return &TraceProcessor{store: store}
}

func (p *TraceProcessor) Process(ctx context.Context, envelope *event.Envelope, scope *auth.AccessScope) (*telemetry.Trace, error) {
	body := envelope.Trace
	if body == nil {
		return nil, storagef("event %q carries no trace body", envelope.ID)
	}
	if scope.AccessLevel != auth.AccessAll {
		return nil, deniedf("access level %q cannot create traces", scope.AccessLevel)
	}

	id := ""
	if body.ID != nil {
		id = *body.ID
	}
	if id == "" {
		id = uuid.NewString()
	}

	timestamp := envelope.Timestamp
	upsert := &telemetry.TraceUpsert{
		ID:        id,
		ProjectID: scope.ProjectID,
		Name:      body.Name,
		UserID:    body.UserID,
		SessionID: body.SessionID,
		Input:     rawToString(body.Input),
		Output:    rawToString(body.Output),
		Metadata:  rawToString(body.Metadata),
		Release:   body.Release,
		Version:   body.Version,
		Public:    body.Public,
		Timestamp: &timestamp,
	}

	stored, err := p.store.UpsertTrace(ctx, upsert)
	if err != nil {
		if errors.Is(err, telemetry.ErrProjectMismatch) {
			return nil, deniedf("trace %q is not accessible for trace creation", id)
		}
		return nil, storagef("upsert trace %q: %v", id, err)
	}
	return stored, nil
}

// rawToString converts an optional raw JSON value into the string form the
// store persists. JSON null counts as not-sent.
func rawToString(raw json.RawMessage) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	value := string(raw)
	return &value
}
