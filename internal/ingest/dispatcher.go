package ingest

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tracepoint-dev/tracepoint/internal/auth"
	"github.com/tracepoint-dev/tracepoint/internal/event"
	"github.com/tracepoint-dev/tracepoint/internal/telemetry"
	"github.com/tracepoint-dev/tracepoint/internal/tokens"
)

// Success reports one persisted event, keyed by its envelope id.
type Success struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
}

// Failure reports one failed event with the per-event status.
type Failure struct {
	ID      string `json:"id"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// BatchOutcome aggregates per-event results for the multi-status response.
type BatchOutcome struct {
	Successes []Success `json:"successes"`
	Errors    []Failure `json:"errors"`
}

// Dispatcher fans a validated batch out to the per-type processors. Events
// run concurrently up to a bound; a failing event never aborts its
// siblings.
type Dispatcher struct {
	traces       *TraceProcessor
	observations *ObservationProcessor
	scores       *ScoreProcessor
	journal      *telemetry.Journal
	concurrency  int
	logger       *slog.Logger
}

// DispatcherOptions wires the dispatcher's collaborators.
type DispatcherOptions struct {
	Store       telemetry.Store
	Estimator   *tokens.Estimator
	Journal     *telemetry.Journal
	Concurrency int
	Logger      *slog.Logger
}

func NewDispatcher(options DispatcherOptions) *Dispatcher {
	concurrency := options.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	estimator := options.Estimator
	if estimator == nil {
		estimator = tokens.NewEstimator()
	}
	authorizer := NewAuthorizer(options.Store)
	return &Dispatcher{
		traces:       NewTraceProcessor(options.Store),
		observations: NewObservationProcessor(options.Store, authorizer, estimator),
		scores:       NewScoreProcessor(options.Store, authorizer),
		journal:      options.Journal,
		concurrency:  concurrency,
		logger:       logger,
	}
}

// Dispatch processes every envelope independently and aggregates the
// results in batch order.
func (d *Dispatcher) Dispatch(ctx context.Context, envelopes []*event.Envelope, scope *auth.AccessScope) *BatchOutcome {
	type slot struct {
		success *Success
		failure *Failure
	}

	slots := make([]slot, len(envelopes))
	group := &errgroup.Group{}
	group.SetLimit(d.concurrency)

	for index, envelope := range envelopes {
		group.Go(func() error {
			// Every envelope that reached dispatch was structurally valid
			// and authenticated; the journal records it whether or not
			// processing succeeds, so retried failures leave a trail.
			d.journalEvent(envelope, scope)
			result, err := d.processOne(ctx, envelope, scope)
			if err != nil {
				d.logger.Warn("ingestion event failed",
					"event_id", envelope.ID,
					"event_type", envelope.Type,
					"project_id", scope.ProjectID,
					"failure_kind", string(err.Kind),
					"error", err.Message,
				)
				slots[index] = slot{failure: &Failure{
					ID:      envelope.ID,
					Status:  err.Status(),
					Message: err.Message,
				}}
				return nil
			}
			slots[index] = slot{success: &Success{ID: envelope.ID, Result: result}}
			return nil
		})
	}
	_ = group.Wait()

	outcome := &BatchOutcome{
		Successes: make([]Success, 0, len(envelopes)),
		Errors:    make([]Failure, 0),
	}
	for _, s := range slots {
		switch {
		case s.success != nil:
			outcome.Successes = append(outcome.Successes, *s.success)
		case s.failure != nil:
			outcome.Errors = append(outcome.Errors, *s.failure)
		}
	}
	return outcome
}

func (d *Dispatcher) processOne(ctx context.Context, envelope *event.Envelope, scope *auth.AccessScope) (any, *EventError) {
	if !scope.CanIngest(envelope.Type) {
		return nil, deniedf("access level %q cannot ingest %s events", scope.AccessLevel, envelope.Type)
	}

	switch envelope.Type {
	case event.TypeTraceCreate:
		stored, err := d.traces.Process(ctx, envelope, scope)
		if err != nil {
			return nil, asEventError(err)
		}
		return stored, nil
	case event.TypeObservationCreate, event.TypeObservationUpdate:
		stored, err := d.observations.Process(ctx, envelope, scope)
		if err != nil {
			return nil, asEventError(err)
		}
		return stored, nil
	case event.TypeScoreCreate:
		stored, err := d.scores.Process(ctx, envelope, scope)
		if err != nil {
			return nil, asEventError(err)
		}
		return stored, nil
	default:
		// The schema validator admits only known types; an unknown type
		// here is a programming error, not a client error.
		return nil, storagef("no processor for event type %q", envelope.Type)
	}
}

func (d *Dispatcher) journalEvent(envelope *event.Envelope, scope *auth.AccessScope) {
	if d.journal == nil {
		return
	}
	accepted := d.journal.Enqueue(&telemetry.EventRecord{
		ID:        envelope.ID,
		ProjectID: scope.ProjectID,
		Type:      envelope.Type,
		EntityID:  envelope.EntityID(),
		EmittedAt: envelope.Timestamp,
		Body:      string(envelope.Raw),
	})
	if !accepted {
		d.logger.Warn("ingestion journal queue full, event record dropped",
			"event_id", envelope.ID,
			"project_id", scope.ProjectID,
		)
	}
}

func asEventError(err error) *EventError {
	if eventErr, ok := err.(*EventError); ok {
		return eventErr
	}
	return &EventError{Kind: FailureStorage, Message: err.Error()}
}
