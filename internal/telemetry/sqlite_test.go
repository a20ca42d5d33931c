package telemetry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "telemetry.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func str(s string) *string { return &s }

func intp(v int) *int { return &v }

func TestUpsertTraceMergesSparseFields(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	timestamp := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	first, err := store.UpsertTrace(ctx, &TraceUpsert{
		ID:        "trace-1",
		ProjectID: "proj-1",
		Name:      str("checkout"),
		Input:     str(`{"query":"hi"}`),
		Timestamp: &timestamp,
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.Name != "checkout" || first.Input != `{"query":"hi"}` {
		t.Fatalf("stored trace = %+v", first)
	}

	second, err := store.UpsertTrace(ctx, &TraceUpsert{
		ID:        "trace-1",
		ProjectID: "proj-1",
		UserID:    str("user-7"),
		Output:    str(`{"answer":"hello"}`),
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if second.Name != "checkout" {
		t.Errorf("name = %q, want the earlier value kept", second.Name)
	}
	if second.UserID != "user-7" {
		t.Errorf("userId = %q, want %q", second.UserID, "user-7")
	}
	if second.Input != `{"query":"hi"}` {
		t.Errorf("input = %q, want the earlier value kept", second.Input)
	}
	if second.Output != `{"answer":"hello"}` {
		t.Errorf("output = %q", second.Output)
	}
	if !second.Timestamp.Equal(timestamp) {
		t.Errorf("timestamp = %v, want %v", second.Timestamp, timestamp)
	}
}

func TestUpsertTraceProjectGuard(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.UpsertTrace(ctx, &TraceUpsert{ID: "trace-1", ProjectID: "proj-1", Name: str("mine")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := store.UpsertTrace(ctx, &TraceUpsert{ID: "trace-1", ProjectID: "proj-2", Name: str("stolen")})
	if !errors.Is(err, ErrProjectMismatch) {
		t.Fatalf("cross-project upsert error = %v, want ErrProjectMismatch", err)
	}

	stored, err := store.GetTrace(ctx, "trace-1")
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if stored.Name != "mine" || stored.ProjectID != "proj-1" {
		t.Errorf("stored trace mutated by the rejected write: %+v", stored)
	}
}

func TestEnsureTrace(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.EnsureTrace(ctx, "trace-1", "proj-1", "implicit")
	if err != nil {
		t.Fatalf("EnsureTrace: %v", err)
	}
	if created.Name != "implicit" {
		t.Errorf("name = %q, want %q", created.Name, "implicit")
	}

	// A second ensure with a different name returns the original row.
	again, err := store.EnsureTrace(ctx, "trace-1", "proj-1", "other-name")
	if err != nil {
		t.Fatalf("second EnsureTrace: %v", err)
	}
	if again.Name != "implicit" {
		t.Errorf("name = %q, existing row must win", again.Name)
	}

	if _, err := store.EnsureTrace(ctx, "trace-1", "proj-2", ""); !errors.Is(err, ErrProjectMismatch) {
		t.Errorf("cross-project ensure error = %v, want ErrProjectMismatch", err)
	}
}

func TestUpsertObservationMergesSparseFields(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Second)

	if _, err := store.UpsertObservation(ctx, &ObservationUpsert{
		ID:        "obs-1",
		ProjectID: "proj-1",
		TraceID:   str("trace-1"),
		Type:      str(ObservationTypeGeneration),
		Name:      str("answer"),
		Model:     str("gpt-4"),
		StartTime: &start,
		Input:     str(`{"q":"hi"}`),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := store.UpsertObservation(ctx, &ObservationUpsert{
		ID:               "obs-1",
		ProjectID:        "proj-1",
		TraceID:          str("trace-1"),
		EndTime:          &end,
		Output:           str(`{"text":"Paris"}`),
		PromptTokens:     intp(12),
		CompletionTokens: intp(5),
		TotalTokens:      intp(17),
		Unit:             str(UnitTokens),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if updated.Name != "answer" || updated.Model != "gpt-4" || updated.Input != `{"q":"hi"}` {
		t.Errorf("created fields lost on update: %+v", updated)
	}
	if !updated.StartTime.Equal(start) || !updated.EndTime.Equal(end) {
		t.Errorf("times = %v/%v, want %v/%v", updated.StartTime, updated.EndTime, start, end)
	}
	if updated.PromptTokens == nil || *updated.PromptTokens != 12 {
		t.Errorf("promptTokens = %v, want 12", updated.PromptTokens)
	}
	if updated.TotalTokens == nil || *updated.TotalTokens != 17 {
		t.Errorf("totalTokens = %v, want 17", updated.TotalTokens)
	}
	if updated.Unit != UnitTokens {
		t.Errorf("unit = %q, want %q", updated.Unit, UnitTokens)
	}
}

func TestUpsertObservationProjectGuard(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.UpsertObservation(ctx, &ObservationUpsert{ID: "obs-1", ProjectID: "proj-1", Type: str(ObservationTypeSpan)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := store.UpsertObservation(ctx, &ObservationUpsert{ID: "obs-1", ProjectID: "proj-2", Name: str("stolen")})
	if !errors.Is(err, ErrProjectMismatch) {
		t.Fatalf("cross-project upsert error = %v, want ErrProjectMismatch", err)
	}
}

func TestInsertScoreIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	score := &Score{
		ID:        "score-1",
		ProjectID: "proj-1",
		TraceID:   "trace-1",
		Name:      "accuracy",
		Value:     0.92,
		Comment:   "looks right",
		Timestamp: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	first, err := store.InsertScore(ctx, score)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first.Value != 0.92 || first.Comment != "looks right" {
		t.Fatalf("stored score = %+v", first)
	}

	// Replaying the same id with a different value must not mutate the row.
	replay := &Score{ID: "score-1", ProjectID: "proj-1", TraceID: "trace-1", Name: "accuracy", Value: 0.1}
	second, err := store.InsertScore(ctx, replay)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Value != 0.92 {
		t.Errorf("value after replay = %v, want the original 0.92", second.Value)
	}

	scores, err := store.GetScoresByTrace(ctx, "trace-1", "proj-1")
	if err != nil {
		t.Fatalf("GetScoresByTrace: %v", err)
	}
	if len(scores) != 1 {
		t.Errorf("score rows = %d, want 1", len(scores))
	}
}

func TestInsertScoreProjectGuard(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.InsertScore(ctx, &Score{ID: "score-1", ProjectID: "proj-1", TraceID: "trace-1", Name: "a", Value: 1}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := store.InsertScore(ctx, &Score{ID: "score-1", ProjectID: "proj-2", TraceID: "trace-1", Name: "a", Value: 1})
	if !errors.Is(err, ErrProjectMismatch) {
		t.Fatalf("cross-project insert error = %v, want ErrProjectMismatch", err)
	}
}

func TestGetScoresByTraceScopedToProject(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	for _, score := range []*Score{
		{ID: "score-1", ProjectID: "proj-1", TraceID: "trace-1", Name: "a", Value: 1},
		{ID: "score-2", ProjectID: "proj-1", TraceID: "trace-1", Name: "b", Value: 2},
		{ID: "score-3", ProjectID: "proj-2", TraceID: "trace-1", Name: "c", Value: 3},
		{ID: "score-4", ProjectID: "proj-1", TraceID: "trace-2", Name: "d", Value: 4},
	} {
		if _, err := store.InsertScore(ctx, score); err != nil {
			t.Fatalf("insert %s: %v", score.ID, err)
		}
	}

	scores, err := store.GetScoresByTrace(ctx, "trace-1", "proj-1")
	if err != nil {
		t.Fatalf("GetScoresByTrace: %v", err)
	}
	if len(scores) != 2 {
		t.Fatalf("scores = %d, want 2", len(scores))
	}
	for _, score := range scores {
		if score.ProjectID != "proj-1" || score.TraceID != "trace-1" {
			t.Errorf("score %s leaked across scope: %+v", score.ID, score)
		}
	}
}

func TestWriteEventsDeduplicates(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	records := []*EventRecord{
		{ID: "evt-1", ProjectID: "proj-1", Type: "trace-create", EntityID: "trace-1", EmittedAt: time.Now().UTC(), Body: `{"id":"evt-1"}`},
		{ID: "evt-2", ProjectID: "proj-1", Type: "score-create", EntityID: "score-1", Body: `{"id":"evt-2"}`},
	}
	if err := store.WriteEvents(ctx, records); err != nil {
		t.Fatalf("first write: %v", err)
	}
	// A journal replay after a crash writes the same ids again.
	if err := store.WriteEvents(ctx, records); err != nil {
		t.Fatalf("replay write: %v", err)
	}

	var count int
	if err := store.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM ingestion_events").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("journal rows = %d, want 2", count)
	}
}

func TestCountEntities(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.UpsertTrace(ctx, &TraceUpsert{ID: "trace-1", ProjectID: "proj-1"}); err != nil {
		t.Fatalf("trace: %v", err)
	}
	if _, err := store.UpsertObservation(ctx, &ObservationUpsert{ID: "obs-1", ProjectID: "proj-1", TraceID: str("trace-1"), Type: str(ObservationTypeSpan)}); err != nil {
		t.Fatalf("observation: %v", err)
	}
	if _, err := store.InsertScore(ctx, &Score{ID: "score-1", ProjectID: "proj-1", TraceID: "trace-1", Name: "a", Value: 1}); err != nil {
		t.Fatalf("score: %v", err)
	}

	counts, err := store.CountEntities(ctx)
	if err != nil {
		t.Fatalf("CountEntities: %v", err)
	}
	if counts.Traces != 1 || counts.Observations != 1 || counts.Scores != 1 {
		t.Errorf("counts = %+v, want 1/1/1", counts)
	}
}

func TestGetTraceNotFound(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	if _, err := store.GetTrace(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetObservation(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
