package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/tracepoint-dev/tracepoint/internal/telemetry"
)

// fakeStore is an in-memory telemetry.Store with the same sparse-merge and
// project-guard semantics as the SQL stores.
type fakeStore struct {
	mu           sync.Mutex
	traces       map[string]*telemetry.Trace
	observations map[string]*telemetry.Observation
	scores       map[string]*telemetry.Score
	events       []*telemetry.EventRecord

	failNextWrite error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		traces:       make(map[string]*telemetry.Trace),
		observations: make(map[string]*telemetry.Observation),
		scores:       make(map[string]*telemetry.Score),
	}
}

func (s *fakeStore) takeWriteError() error {
	err := s.failNextWrite
	s.failNextWrite = nil
	return err
}

func (s *fakeStore) GetTrace(_ context.Context, id string) (*telemetry.Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trace, ok := s.traces[id]
	if !ok {
		return nil, telemetry.ErrNotFound
	}
	copied := *trace
	return &copied, nil
}

func (s *fakeStore) UpsertTrace(_ context.Context, upsert *telemetry.TraceUpsert) (*telemetry.Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeWriteError(); err != nil {
		return nil, err
	}

	trace, ok := s.traces[upsert.ID]
	if !ok {
		trace = &telemetry.Trace{ID: upsert.ID, ProjectID: upsert.ProjectID, CreatedAt: time.Now().UTC()}
		s.traces[upsert.ID] = trace
	}
	if trace.ProjectID != upsert.ProjectID {
		return nil, telemetry.ErrProjectMismatch
	}
	setString(&trace.Name, upsert.Name)
	setString(&trace.UserID, upsert.UserID)
	setString(&trace.SessionID, upsert.SessionID)
	setString(&trace.Input, upsert.Input)
	setString(&trace.Output, upsert.Output)
	setString(&trace.Metadata, upsert.Metadata)
	setString(&trace.Release, upsert.Release)
	setString(&trace.Version, upsert.Version)
	if upsert.Public != nil {
		trace.Public = *upsert.Public
	}
	if upsert.Timestamp != nil {
		trace.Timestamp = *upsert.Timestamp
	}
	trace.UpdatedAt = time.Now().UTC()
	copied := *trace
	return &copied, nil
}

func (s *fakeStore) EnsureTrace(_ context.Context, id, projectID, name string) (*telemetry.Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeWriteError(); err != nil {
		return nil, err
	}

	trace, ok := s.traces[id]
	if !ok {
		trace = &telemetry.Trace{
			ID:        id,
			ProjectID: projectID,
			Name:      name,
			CreatedAt: time.Now().UTC(),
		}
		s.traces[id] = trace
	}
	if trace.ProjectID != projectID {
		return nil, telemetry.ErrProjectMismatch
	}
	copied := *trace
	return &copied, nil
}

func (s *fakeStore) GetObservation(_ context.Context, id string) (*telemetry.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	observation, ok := s.observations[id]
	if !ok {
		return nil, telemetry.ErrNotFound
	}
	copied := *observation
	return &copied, nil
}

func (s *fakeStore) UpsertObservation(_ context.Context, upsert *telemetry.ObservationUpsert) (*telemetry.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeWriteError(); err != nil {
		return nil, err
	}

	observation, ok := s.observations[upsert.ID]
	if !ok {
		observation = &telemetry.Observation{ID: upsert.ID, ProjectID: upsert.ProjectID, CreatedAt: time.Now().UTC()}
		s.observations[upsert.ID] = observation
	}
	if observation.ProjectID != upsert.ProjectID {
		return nil, telemetry.ErrProjectMismatch
	}
	setString(&observation.TraceID, upsert.TraceID)
	setString(&observation.Type, upsert.Type)
	setString(&observation.Name, upsert.Name)
	setTime(&observation.StartTime, upsert.StartTime)
	setTime(&observation.EndTime, upsert.EndTime)
	setTime(&observation.CompletionStartTime, upsert.CompletionStartTime)
	setString(&observation.Model, upsert.Model)
	setString(&observation.ModelParameters, upsert.ModelParameters)
	setString(&observation.Input, upsert.Input)
	setString(&observation.Output, upsert.Output)
	setString(&observation.Metadata, upsert.Metadata)
	setString(&observation.ParentObservationID, upsert.ParentObservationID)
	setString(&observation.Level, upsert.Level)
	setString(&observation.StatusMessage, upsert.StatusMessage)
	setString(&observation.Version, upsert.Version)
	setIntPtr(&observation.PromptTokens, upsert.PromptTokens)
	setIntPtr(&observation.CompletionTokens, upsert.CompletionTokens)
	setIntPtr(&observation.TotalTokens, upsert.TotalTokens)
	setString(&observation.Unit, upsert.Unit)
	observation.UpdatedAt = time.Now().UTC()
	copied := *observation
	return &copied, nil
}

func (s *fakeStore) InsertScore(_ context.Context, score *telemetry.Score) (*telemetry.Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeWriteError(); err != nil {
		return nil, err
	}

	stored, ok := s.scores[score.ID]
	if !ok {
		copied := *score
		copied.CreatedAt = time.Now().UTC()
		s.scores[score.ID] = &copied
		stored = &copied
	}
	if stored.ProjectID != score.ProjectID {
		return nil, telemetry.ErrProjectMismatch
	}
	copied := *stored
	return &copied, nil
}

func (s *fakeStore) GetScoresByTrace(_ context.Context, traceID, projectID string) ([]*telemetry.Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*telemetry.Score, 0)
	for _, score := range s.scores {
		if score.TraceID == traceID && score.ProjectID == projectID {
			copied := *score
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) WriteEvents(_ context.Context, records []*telemetry.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeWriteError(); err != nil {
		return err
	}
	s.events = append(s.events, records...)
	return nil
}

func (s *fakeStore) CountEntities(context.Context) (telemetry.EntityCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return telemetry.EntityCounts{
		Traces:       int64(len(s.traces)),
		Observations: int64(len(s.observations)),
		Scores:       int64(len(s.scores)),
	}, nil
}

func (s *fakeStore) Close() error { return nil }

func setString(target *string, value *string) {
	if value != nil {
		*target = *value
	}
}

func setTime(target *time.Time, value *time.Time) {
	if value != nil {
		*target = *value
	}
}

func setIntPtr(target **int, value *int) {
	if value != nil {
		copied := *value
		*target = &copied
	}
}
