package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tracepoint-dev/tracepoint/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when batch events upsert concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle so the API-key store can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const traceSelectColumns = `
id,
project_id,
name,
user_id,
session_id,
input,
output,
metadata,
release,
version,
public,
CAST(timestamp AS TEXT),
CAST(created_at AS TEXT),
CAST(updated_at AS TEXT)
`

func (s *SQLiteStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+traceSelectColumns+" FROM traces WHERE id = ? LIMIT 1", id)
	item, err := scanTraceRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}
	return item, nil
}

func (s *SQLiteStore) UpsertTrace(ctx context.Context, upsert *TraceUpsert) (*Trace, error) {
	if upsert == nil {
		return nil, fmt.Errorf("trace upsert cannot be nil")
	}

	s.writeMu.Lock()
	err := retrySQLiteBusy(ctx, func() error {
		now := time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `
INSERT INTO traces (
    id, project_id, name, user_id, session_id, input, output, metadata,
    release, version, public, timestamp, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		return err
	})
	s.writeMu.Unlock()
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

func (s *SQLiteStore) EnsureTrace(ctx context.Context, id, projectID, name string) (*Trace, error) {
	s.writeMu.Lock()
	err := retrySQLiteBusy(ctx, func() error {
		now := time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `
INSERT INTO traces (id, project_id, name, timestamp, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`,
			id, projectID, nullableString(&name), now, now, now,
		)
		return err
	})
	s.writeMu.Unlock()
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

const observationSelectColumns = `
id,
project_id,
trace_id,
type,
name,
CAST(start_time AS TEXT),
CAST(end_time AS TEXT),
CAST(completion_start_time AS TEXT),
model,
model_parameters,
input,
output,
metadata,
parent_observation_id,
level,
status_message,
version,
prompt_tokens,
completion_tokens,
total_tokens,
unit,
CAST(created_at AS TEXT),
CAST(updated_at AS TEXT)
`

func (s *SQLiteStore) GetObservation(ctx context.Context, id string) (*Observation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+observationSelectColumns+" FROM observations WHERE id = ? LIMIT 1", id)
	item, err := scanObservationRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get observation %q: %w", id, err)
	}
	return item, nil
}

func (s *SQLiteStore) UpsertObservation(ctx context.Context, upsert *ObservationUpsert) (*Observation, error) {
	if upsert == nil {
		return nil, fmt.Errorf("observation upsert cannot be nil")
	}

	s.writeMu.Lock()
	err := retrySQLiteBusy(ctx, func() error {
		now := time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `
INSERT INTO observations (
    id, project_id, trace_id, type, name, start_time, end_time,
    completion_start_time, model, model_parameters, input, output, metadata,
    parent_observation_id, level, status_message, version,
    prompt_tokens, completion_tokens, total_tokens, unit,
    created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		return err
	})
	s.writeMu.Unlock()
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

func (s *SQLiteStore) InsertScore(ctx context.Context, score *Score) (*Score, error) {
	if score == nil {
		return nil, fmt.Errorf("score cannot be nil")
	}

	s.writeMu.Lock()
	err := retrySQLiteBusy(ctx, func() error {
		now := time.Now().UTC()
		timestamp := score.Timestamp
		if timestamp.IsZero() {
			timestamp = now
		}
		// Scores are append-only; a replayed envelope with the same id is a
		// no-op, never a merge.
		_, err := s.db.ExecContext(ctx, `
INSERT INTO scores (id, project_id, trace_id, observation_id, name, value, comment, timestamp, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		return err
	})
	s.writeMu.Unlock()
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

const scoreSelectColumns = `
id,
project_id,
trace_id,
observation_id,
name,
value,
comment,
CAST(timestamp AS TEXT),
CAST(created_at AS TEXT)
`

func (s *SQLiteStore) getScore(ctx context.Context, id string) (*Score, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+scoreSelectColumns+" FROM scores WHERE id = ? LIMIT 1", id)
	item, err := scanScoreRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get score %q: %w", id, err)
	}
	return item, nil
}

func (s *SQLiteStore) GetScoresByTrace(ctx context.Context, traceID, projectID string) ([]*Score, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+scoreSelectColumns+" FROM scores WHERE trace_id = ? AND project_id = ? ORDER BY created_at ASC, id ASC",
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

func (s *SQLiteStore) WriteEvents(ctx context.Context, records []*EventRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite journal transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO ingestion_events (id, project_id, type, entity_id, emitted_at, body, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
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
	})
}

func (s *SQLiteStore) CountEntities(ctx context.Context) (EntityCounts, error) {
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

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so concurrent batch
// events are not dropped when the single writer is busy.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var timer *time.Timer
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}
