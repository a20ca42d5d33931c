package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/tracepoint-dev/tracepoint/internal/event"
	"github.com/tracepoint-dev/tracepoint/internal/telemetry"
)

func parseBatch(t *testing.T, payload string) []*event.Envelope {
	t.Helper()
	envelopes, err := event.ParseBatch([]byte(payload), 0)
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	return envelopes
}

func newTestDispatcher(store telemetry.Store, journal *telemetry.Journal) *Dispatcher {
	return NewDispatcher(DispatcherOptions{
		Store:   store,
		Journal: journal,
		Logger:  slog.New(slog.DiscardHandler),
	})
}

func TestDispatchIsolatesFailures(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.traces["trace-theirs"] = &telemetry.Trace{ID: "trace-theirs", ProjectID: "proj-other"}
	dispatcher := newTestDispatcher(store, nil)

	envelopes := parseBatch(t, `{"batch":[
		{"id":"evt-1","type":"trace-create","timestamp":"2026-08-30T12:00:00Z","body":{"id":"trace-1","name":"first"}},
		{"id":"evt-2","type":"score-create","timestamp":"2026-08-30T12:00:01Z","body":{"name":"accuracy","value":1,"traceId":"trace-theirs"}},
		{"id":"evt-3","type":"trace-create","timestamp":"2026-08-30T12:00:02Z","body":{"id":"trace-2","name":"third"}}
	]}`)

	outcome := dispatcher.Dispatch(context.Background(), envelopes, fullScope("proj-1"))

	if len(outcome.Successes) != 2 {
		t.Fatalf("successes = %d, want 2", len(outcome.Successes))
	}
	if outcome.Successes[0].ID != "evt-1" || outcome.Successes[1].ID != "evt-3" {
		t.Errorf("success order = %q,%q, want batch order evt-1,evt-3",
			outcome.Successes[0].ID, outcome.Successes[1].ID)
	}
	if len(outcome.Errors) != 1 {
		t.Fatalf("errors = %d, want 1", len(outcome.Errors))
	}
	if outcome.Errors[0].ID != "evt-2" {
		t.Errorf("failed event = %q, want evt-2", outcome.Errors[0].ID)
	}
	if outcome.Errors[0].Status != http.StatusForbidden {
		t.Errorf("failure status = %d, want %d", outcome.Errors[0].Status, http.StatusForbidden)
	}

	// Both sibling traces landed despite the failure between them.
	counts, _ := store.CountEntities(context.Background())
	if counts.Traces != 3 {
		t.Errorf("trace rows = %d, want 3 (two written plus the seeded one)", counts.Traces)
	}
}

func TestDispatchScopeGating(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dispatcher := newTestDispatcher(store, nil)

	envelopes := parseBatch(t, `{"batch":[
		{"id":"evt-1","type":"trace-create","timestamp":"2026-08-30T12:00:00Z","body":{"id":"trace-1"}},
		{"id":"evt-2","type":"score-create","timestamp":"2026-08-30T12:00:01Z","body":{"name":"vote","value":1,"traceId":"trace-1"}}
	]}`)

	outcome := dispatcher.Dispatch(context.Background(), envelopes, scoresScope("proj-1"))

	if len(outcome.Successes) != 1 || outcome.Successes[0].ID != "evt-2" {
		t.Fatalf("successes = %+v, want only the score event", outcome.Successes)
	}
	if len(outcome.Errors) != 1 || outcome.Errors[0].ID != "evt-1" {
		t.Fatalf("errors = %+v, want only the trace event", outcome.Errors)
	}
	if outcome.Errors[0].Status != http.StatusForbidden {
		t.Errorf("failure status = %d, want %d", outcome.Errors[0].Status, http.StatusForbidden)
	}
}

func TestDispatchStorageFailureStatus(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.failNextWrite = context.DeadlineExceeded
	dispatcher := newTestDispatcher(store, nil)

	envelopes := parseBatch(t, `{"batch":[
		{"id":"evt-1","type":"trace-create","timestamp":"2026-08-30T12:00:00Z","body":{"id":"trace-1"}}
	]}`)

	outcome := dispatcher.Dispatch(context.Background(), envelopes, fullScope("proj-1"))
	if len(outcome.Errors) != 1 {
		t.Fatalf("errors = %d, want 1", len(outcome.Errors))
	}
	if outcome.Errors[0].Status != http.StatusInternalServerError {
		t.Errorf("failure status = %d, want %d", outcome.Errors[0].Status, http.StatusInternalServerError)
	}
}

func TestDispatchResultsCarryStoredEntities(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dispatcher := newTestDispatcher(store, nil)

	envelopes := parseBatch(t, `{"batch":[
		{"id":"evt-1","type":"trace-create","timestamp":"2026-08-30T12:00:00Z","body":{"id":"trace-1","name":"checkout"}}
	]}`)

	outcome := dispatcher.Dispatch(context.Background(), envelopes, fullScope("proj-1"))
	if len(outcome.Successes) != 1 {
		t.Fatalf("successes = %d, want 1", len(outcome.Successes))
	}
	trace, ok := outcome.Successes[0].Result.(*telemetry.Trace)
	if !ok {
		t.Fatalf("result is %T, want *telemetry.Trace", outcome.Successes[0].Result)
	}
	if trace.ID != "trace-1" || trace.Name != "checkout" {
		t.Errorf("stored trace = %+v", trace)
	}
}

func TestDispatchJournalsEveryAdmittedEvent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.traces["trace-theirs"] = &telemetry.Trace{ID: "trace-theirs", ProjectID: "proj-other"}
	journal := telemetry.NewJournal(store, 16)
	journal.Start(context.Background())
	dispatcher := newTestDispatcher(store, journal)

	envelopes := parseBatch(t, `{"batch":[
		{"id":"evt-1","type":"trace-create","timestamp":"2026-08-30T12:00:00Z","body":{"id":"trace-1"}},
		{"id":"evt-2","type":"score-create","timestamp":"2026-08-30T12:00:01Z","body":{"name":"accuracy","value":1,"traceId":"trace-theirs"}}
	]}`)

	outcome := dispatcher.Dispatch(context.Background(), envelopes, fullScope("proj-1"))
	if len(outcome.Errors) != 1 || outcome.Errors[0].ID != "evt-2" {
		t.Fatalf("errors = %+v, want the cross-project score to fail", outcome.Errors)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := journal.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("journal shutdown: %v", err)
	}

	// The journal is the audit trail: the failed event is recorded
	// alongside the successful one.
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.events) != 2 {
		t.Fatalf("journaled records = %d, want both admitted events", len(store.events))
	}
	byID := map[string]*telemetry.EventRecord{}
	for _, record := range store.events {
		byID[record.ID] = record
	}
	created := byID["evt-1"]
	if created == nil || created.Type != event.TypeTraceCreate || created.ProjectID != "proj-1" {
		t.Errorf("journaled record for evt-1 = %+v", created)
	}
	if created != nil && created.EntityID != "trace-1" {
		t.Errorf("journaled entity id = %q, want trace-1", created.EntityID)
	}
	failed := byID["evt-2"]
	if failed == nil || failed.Type != event.TypeScoreCreate {
		t.Fatalf("failed event missing from journal: %+v", store.events)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(failed.Body), &body); err != nil {
		t.Errorf("journaled body is not the original envelope JSON: %v", err)
	}
}

func TestDispatchJournalsFailedUpdateOfMissingObservation(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	journal := telemetry.NewJournal(store, 16)
	journal.Start(context.Background())
	dispatcher := newTestDispatcher(store, journal)

	envelopes := parseBatch(t, `{"batch":[
		{"id":"evt-1","type":"observation-update","timestamp":"2026-08-30T12:00:00Z","body":{"id":"obs-missing","output":"late"}}
	]}`)

	outcome := dispatcher.Dispatch(context.Background(), envelopes, fullScope("proj-1"))
	if len(outcome.Errors) != 1 || outcome.Errors[0].Status != http.StatusNotFound {
		t.Fatalf("errors = %+v, want one not-found failure", outcome.Errors)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := journal.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("journal shutdown: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.events) != 1 || store.events[0].ID != "evt-1" {
		t.Fatalf("journaled records = %+v, want the failed update recorded", store.events)
	}
}
