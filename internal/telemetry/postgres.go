package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tracepoint-dev/tracepoint/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres database: %w", err)
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle so the API-key store can share the pool.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+traceSelectColumns+" FROM traces WHERE id = $1 LIMIT 1", id)
	item, err := scanTraceRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}
	return item, nil
}

func (s *PostgresStore) UpsertTrace(ctx context.Context, upsert *TraceUpsert) (*Trace, error) {
	if upsert == nil {
		return nil, fmt.Errorf("trace upsert cannot be nil")
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO traces (
    id, project_id, name, user_id, session_id, input, output, metadata,
    release, version, public, timestamp, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
    name = COALESCE(excluded.name, traces.name),
    user_id = COALESCE(excluded.user_id, traces.user_id),
    session_id = COALESCE(excluded.session_id, traces.session_id),
    input = COALESCE(excluded.input, traces.input),
    output = COALESCE(excluded.output, traces.output),
    metadata = COALESCE(excluded.metadata, traces.metadata),
    release = COALESCE(excluded.release, traces.release),
    version = COALESCE(excluded.version, traces.version),
    public = COALESCE(excluded.public, traces.public),
    timestamp = COALESCE(excluded.timestamp, traces.timestamp),
    updated_at = excluded.updated_at
WHERE traces.project_id = excluded.project_id`,
		upsert.ID,
		upsert.ProjectID,
		nullableString(upsert.Name),
		nullableString(upsert.UserID),
		nullableString(upsert.SessionID),
		nullableString(upsert.Input),
		nullableString(upsert.Output),
		nullableString(upsert.Metadata),
		nullableString(upsert.Release),
		nullableString(upsert.Version),
		nullableBool(upsert.Public),
		nullableTime(upsert.Timestamp),
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert trace %q: %w", upsert.ID, err)
	}

	stored, err := s.GetTrace(ctx, upsert.ID)
	if err != nil {
		return nil, err
	}
	if stored.ProjectID != upsert.ProjectID {
		return nil, ErrProjectMismatch
	}
	return stored, nil
}

func (s *PostgresStore) EnsureTrace(ctx context.Context, id, projectID, name string) (*Trace, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO traces (id, project_id, name, timestamp, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`,
		id, projectID, nullableString(&name), now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure trace %q: %w", id, err)
	}

	stored, err := s.GetTrace(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored.ProjectID != projectID {
		return nil, ErrProjectMismatch
	}
	return stored, nil
}

func (s *PostgresStore) GetObservation(ctx context.Context, id string) (*Observation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+observationSelectColumns+" FROM observations WHERE id = $1 LIMIT 1", id)
	item, err := scanObservationRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get observation %q: %w", id, err)
	}
	return item, nil
}

func (s *PostgresStore) UpsertObservation(ctx context.Context, upsert *ObservationUpsert) (*Observation, error) {
	if upsert == nil {
		return nil, fmt.Errorf("observation upsert cannot be nil")
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO observations (
    id, project_id, trace_id, type, name, start_time, end_time,
    completion_start_time, model, model_parameters, input, output, metadata,
    parent_observation_id, level, status_message, version,
    prompt_tokens, completion_tokens, total_tokens, unit,
    created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
ON CONFLICT (id) DO UPDATE SET
    trace_id = COALESCE(excluded.trace_id, observations.trace_id),
    type = COALESCE(excluded.type, observations.type),
    name = COALESCE(excluded.name, observations.name),
    start_time = COALESCE(excluded.start_time, observations.start_time),
    end_time = COALESCE(excluded.end_time, observations.end_time),
    completion_start_time = COALESCE(excluded.completion_start_time, observations.completion_start_time),
    model = COALESCE(excluded.model, observations.model),
    model_parameters = COALESCE(excluded.model_parameters, observations.model_parameters),
    input = COALESCE(excluded.input, observations.input),
    output = COALESCE(excluded.output, observations.output),
    metadata = COALESCE(excluded.metadata, observations.metadata),
    parent_observation_id = COALESCE(excluded.parent_observation_id, observations.parent_observation_id),
    level = COALESCE(excluded.level, observations.level),
    status_message = COALESCE(excluded.status_message, observations.status_message),
    version = COALESCE(excluded.version, observations.version),
    prompt_tokens = COALESCE(excluded.prompt_tokens, observations.prompt_tokens),
    completion_tokens = COALESCE(excluded.completion_tokens, observations.completion_tokens),
    total_tokens = COALESCE(excluded.total_tokens, observations.total_tokens),
    unit = COALESCE(excluded.unit, observations.unit),
    updated_at = excluded.updated_at
WHERE observations.project_id = excluded.project_id`,
		upsert.ID,
		upsert.ProjectID,
		nullableString(upsert.TraceID),
		nullableString(upsert.Type),
		nullableString(upsert.Name),
		nullableTime(upsert.StartTime),
		nullableTime(upsert.EndTime),
		nullableTime(upsert.CompletionStartTime),
		nullableString(upsert.Model),
		nullableString(upsert.ModelParameters),
		nullableString(upsert.Input),
		nullableString(upsert.Output),
		nullableString(upsert.Metadata),
		nullableString(upsert.ParentObservationID),
		nullableString(upsert.Level),
		nullableString(upsert.StatusMessage),
		nullableString(upsert.Version),
		nullableInt(upsert.PromptTokens),
		nullableInt(upsert.CompletionTokens),
		nullableInt(upsert.TotalTokens),
		nullableString(upsert.Unit),
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert observation %q: %w", upsert.ID, err)
	}

	stored, err := s.GetObservation(ctx, upsert.ID)
	if err != nil {
		return nil, err
	}
	if stored.ProjectID != upsert.ProjectID {
		return nil, ErrProjectMismatch
	}
	return stored, nil
}

func (s *PostgresStore) InsertScore(ctx context.Context, score *Score) (*Score, error) {
	if score == nil {
		return nil, fmt.Errorf("score cannot be nil")
	}

	now := time.Now().UTC()
	timestamp := score.Timestamp
	if timestamp.IsZero() {
		timestamp = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scores (id, project_id, trace_id, observation_id, name, value, comment, timestamp, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`,
		score.ID,
		score.ProjectID,
		score.TraceID,
		emptyAsNull(score.ObservationID),
		score.Name,
		score.Value,
		emptyAsNull(score.Comment),
		timestamp,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert score %q: %w", score.ID, err)
	}

	stored, err := s.getScore(ctx, score.ID)
	if err != nil {
		return nil, err
	}
	if stored.ProjectID != score.ProjectID {
		return nil, ErrProjectMismatch
	}
	return stored, nil
}

func (s *PostgresStore) getScore(ctx context.Context, id string) (*Score, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+scoreSelectColumns+" FROM scores WHERE id = $1 LIMIT 1", id)
	item, err := scanScoreRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get score %q: %w", id, err)
	}
	return item, nil
}

func (s *PostgresStore) GetScoresByTrace(ctx context.Context, traceID, projectID string) ([]*Score, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+scoreSelectColumns+" FROM scores WHERE trace_id = $1 AND project_id = $2 ORDER BY created_at ASC, id ASC",
		traceID, projectID)
	if err != nil {
		return nil, fmt.Errorf("query scores for trace %q: %w", traceID, err)
	}
	defer rows.Close()

	items := make([]*Score, 0)
	for rows.Next() {
		item, err := scanScoreRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan score row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate score rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) WriteEvents(ctx context.Context, records []*EventRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres journal transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO ingestion_events (id, project_id, type, entity_id, emitted_at, body, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (project_id, id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare journal insert: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if record == nil {
			continue
		}
		receivedAt := record.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			record.ID,
			record.ProjectID,
			record.Type,
			record.EntityID,
			nullableTime(timePtrOrNil(record.EmittedAt)),
			emptyAsNull(record.Body),
			receivedAt,
		); err != nil {
			return fmt.Errorf("write journal event %q: %w", record.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountEntities(ctx context.Context) (EntityCounts, error) {
	var counts EntityCounts
	row := s.db.QueryRowContext(ctx, `
SELECT
    (SELECT COUNT(*) FROM traces),
    (SELECT COUNT(*) FROM observations),
    (SELECT COUNT(*) FROM scores)`)
	if err := row.Scan(&counts.Traces, &counts.Observations, &counts.Scores); err != nil {
		return EntityCounts{}, fmt.Errorf("count entities: %w", err)
	}
	return counts, nil
}
