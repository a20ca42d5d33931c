package ingest

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/tracepoint-dev/tracepoint/internal/auth"
	"github.com/tracepoint-dev/tracepoint/internal/event"
	"github.com/tracepoint-dev/tracepoint/internal/telemetry"
)

// ScoreProcessor appends evaluation scores. Unlike traces and observations,
// score-only credentials are sufficient, and writes are inserts that never
// merge.
type ScoreProcessor struct {
	store      telemetry.Store
	authorizer *Authorizer
}

func NewScoreProcessor(store telemetry.Store, authorizer *Authorizer) *ScoreProcessor {
	return &ScoreProcessor{store: store, authorizer: authorizer}
}

func (p *ScoreProcessor) Process(ctx context.Context, envelope *event.Envelope, scope *auth.AccessScope) (*telemetry.Score, error) {
	body := envelope.Score
	if body == nil {
		return nil, storagef("event %q carries no score body", envelope.ID)
	}

	refs := []EntityRef{{Kind: RefTrace, ID: *body.TraceID}}
	if body.ObservationID != nil && *body.ObservationID != "" {
		refs = append(refs, EntityRef{Kind: RefObservation, ID: *body.ObservationID})
	}
	if err := p.authorizer.CheckAccess(ctx, scope, refs, "score ingestion"); err != nil {
		return nil, err
	}

	id := ""
	if body.ID != nil {
		id = *body.ID
	}
	if id == "" {
		id = uuid.NewString()
	}

	score := &telemetry.Score{
		ID:        id,
		ProjectID: scope.ProjectID,
		TraceID:   *body.TraceID,
		Name:      *body.Name,
		Value:     *body.Value,
		Timestamp: envelope.Timestamp,
	}
	if body.ObservationID != nil {
		score.ObservationID = *body.ObservationID
	}
	if body.Comment != nil {
		score.Comment = *body.Comment
	}

	stored, err := p.store.InsertScore(ctx, score)
	if err != nil {
		if errors.Is(err, telemetry.ErrProjectMismatch) {
			return nil, deniedf("score %q is not accessible for score ingestion", id)
		}
		return nil, storagef("insert score %q: %v", id, err)
	}
	return stored, nil
}
