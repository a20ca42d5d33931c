package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/tracepoint-dev/tracepoint/internal/auth"
	"github.com/tracepoint-dev/tracepoint/internal/event"
	"github.com/tracepoint-dev/tracepoint/internal/telemetry"
	"github.com/tracepoint-dev/tracepoint/internal/tokens"
)

// ObservationProcessor handles observation-create and observation-update
// through one code path with different preconditions. It resolves the
// owning trace (creating one when the event references none), merges
// metadata onto any stored row, and fills in token counts from estimates
// when the SDK did not report usage.
type ObservationProcessor struct {
	store      telemetry.Store
	authorizer *Authorizer
	estimator  *tokens.Estimator
}

func NewObservationProcessor(store telemetry.Store, authorizer *Authorizer, estimator *tokens.Estimator) *ObservationProcessor {
	return &ObservationProcessor{
		store:      store,
		authorizer: authorizer,
		estimator:  estimator,
	}
}

func (p *ObservationProcessor) Process(ctx context.Context, envelope *event.Envelope, scope *auth.AccessScope) (*telemetry.Observation, error) {
	body := envelope.Observation
	if body == nil {
		return nil, storagef("event %q carries no observation body", envelope.ID)
	}
	if scope.AccessLevel != auth.AccessAll {
		return nil, deniedf("access level %q cannot write observations", scope.AccessLevel)
	}

	existing, err := p.findExisting(ctx, body)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ProjectID != scope.ProjectID {
		return nil, deniedf("observation %q is not accessible for %s", existing.ID, envelope.Type)
	}
	if envelope.Type == event.TypeObservationUpdate && existing == nil {
		id := ""
		if body.ID != nil {
			id = *body.ID
		}
		return nil, notFoundf("observation %q does not exist and cannot be updated", id)
	}

	if body.ParentObservationID != nil {
		refs := []EntityRef{{Kind: RefObservation, ID: *body.ParentObservationID}}
		if err := p.authorizer.CheckAccess(ctx, scope, refs, envelope.Type); err != nil {
			return nil, err
		}
	}

	traceID, err := p.resolveTrace(ctx, body, existing, scope)
	if err != nil {
		return nil, err
	}

	id := ""
	if body.ID != nil {
		id = *body.ID
	}
	if id == "" {
		id = uuid.NewString()
	}

	var metadata *string
	if existing != nil {
		metadata = mergeMetadata(existing.Metadata, body.Metadata)
	} else {
		metadata = rawToString(body.Metadata)
	}

	promptTokens, completionTokens, totalTokens, unit := p.resolveUsage(body, existing)

	upsert := &telemetry.ObservationUpsert{
		ID:                  id,
		ProjectID:           scope.ProjectID,
		TraceID:             &traceID,
		Type:                body.Type,
		Name:                body.Name,
		StartTime:           event.ParseTimePtr(body.StartTime),
		EndTime:             event.ParseTimePtr(body.EndTime),
		CompletionStartTime: event.ParseTimePtr(body.CompletionStartTime),
		Model:               body.Model,
		ModelParameters:     rawToString(body.ModelParameters),
		Input:               rawToString(body.Input),
		Output:              rawToString(body.Output),
		Metadata:            metadata,
		ParentObservationID: body.ParentObservationID,
		Level:               body.Level,
		StatusMessage:       body.StatusMessage,
		Version:             body.Version,
		PromptTokens:        promptTokens,
		CompletionTokens:    completionTokens,
		TotalTokens:         totalTokens,
		Unit:                unit,
	}

	stored, err := p.store.UpsertObservation(ctx, upsert)
	if err != nil {
		if errors.Is(err, telemetry.ErrProjectMismatch) {
			return nil, deniedf("observation %q is not accessible for %s", id, envelope.Type)
		}
		return nil, storagef("upsert observation %q: %v", id, err)
	}
	return stored, nil
}

func (p *ObservationProcessor) findExisting(ctx context.Context, body *event.ObservationBody) (*telemetry.Observation, error) {
	if body.ID == nil || *body.ID == "" {
		return nil, nil
	}
	existing, err := p.store.GetObservation(ctx, *body.ID)
	if err != nil {
		if errors.Is(err, telemetry.ErrNotFound) {
			return nil, nil
		}
		return nil, storagef("look up observation %q: %v", *body.ID, err)
	}
	return existing, nil
}

// resolveTrace returns the trace id the observation belongs to, creating
// the trace when the event references one that does not exist yet or none
// at all. Creation is a conditional insert keyed by id, so two concurrent
// observations referencing the same trace id converge on one row.
func (p *ObservationProcessor) resolveTrace(ctx context.Context, body *event.ObservationBody, existing *telemetry.Observation, scope *auth.AccessScope) (string, error) {
	traceID := ""
	if body.TraceID != nil {
		traceID = *body.TraceID
	}
	if traceID == "" && existing != nil {
		traceID = existing.TraceID
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}

	traceName := ""
	if body.Name != nil {
		traceName = *body.Name
	} else if existing != nil {
		traceName = existing.Name
	}

	trace, err := p.store.EnsureTrace(ctx, traceID, scope.ProjectID, traceName)
	if err != nil {
		if errors.Is(err, telemetry.ErrProjectMismatch) {
			return "", deniedf("trace %q is not accessible for observation ingestion", traceID)
		}
		return "", storagef("ensure trace %q: %v", traceID, err)
	}
	return trace.ID, nil
}

// resolveUsage picks token counts in priority order: reported usage, then
// an estimate from available text and a resolvable model, then nothing.
func (p *ObservationProcessor) resolveUsage(body *event.ObservationBody, existing *telemetry.Observation) (promptTokens, completionTokens, totalTokens *int, unit *string) {
	usage := body.Usage.Normalize()
	if usage != nil {
		promptTokens = usage.Input
		completionTokens = usage.Output
		totalTokens = usage.Total
		unitValue := usage.Unit
		unit = &unitValue
	}

	model := ""
	if body.Model != nil {
		model = *body.Model
	} else if existing != nil {
		model = existing.Model
	}

	// Reported token counts paired with measurable content calibrate the
	// estimator's family ratios for later events that omit usage.
	if model != "" && usage != nil && usage.Unit == event.UnitTokens {
		if usage.Input != nil {
			if text := pickContent(body.Input, existing, func(o *telemetry.Observation) string { return o.Input }); len(text) > 0 {
				p.estimator.RecordUsage(model, tokens.ContentCharacters(text), *usage.Input)
			}
		}
		if usage.Output != nil {
			if text := pickContent(body.Output, existing, func(o *telemetry.Observation) string { return o.Output }); len(text) > 0 {
				p.estimator.RecordUsage(model, tokens.ContentCharacters(text), *usage.Output)
			}
		}
	}

	canEstimate := model != "" && (usage == nil || usage.Unit == event.UnitTokens)
	if canEstimate && promptTokens == nil {
		if text := pickContent(body.Input, existing, func(o *telemetry.Observation) string { return o.Input }); len(text) > 0 {
			estimated := p.estimator.EstimateContent(model, text)
			promptTokens = &estimated
		}
	}
	if canEstimate && completionTokens == nil {
		if text := pickContent(body.Output, existing, func(o *telemetry.Observation) string { return o.Output }); len(text) > 0 {
			estimated := p.estimator.EstimateContent(model, text)
			completionTokens = &estimated
		}
	}

	if totalTokens == nil && (promptTokens != nil || completionTokens != nil) {
		total := 0
		if promptTokens != nil {
			total += *promptTokens
		}
		if completionTokens != nil {
			total += *completionTokens
		}
		totalTokens = &total
	}
	if unit == nil && (promptTokens != nil || completionTokens != nil || totalTokens != nil) {
		unitValue := event.UnitTokens
		unit = &unitValue
	}
	return promptTokens, completionTokens, totalTokens, unit
}

func pickContent(incoming json.RawMessage, existing *telemetry.Observation, field func(*telemetry.Observation) string) json.RawMessage {
	if len(incoming) > 0 && string(incoming) != "null" {
		return incoming
	}
	if existing == nil {
		return nil
	}
	stored := field(existing)
	if stored == "" || stored == "null" {
		return nil
	}
	return json.RawMessage(stored)
}
