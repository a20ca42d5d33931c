package apikey

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Driver selects the placeholder dialect for the shared SQL store.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// SQLStore serves api_keys and projects over a database handle shared with
// the telemetry store, so both stores ride the same pool and migrations.
type SQLStore struct {
	db     *sql.DB
	driver Driver
}

func NewSQLStore(db *sql.DB, driver Driver) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("api key store requires a database handle")
	}
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported api key store driver %q", driver)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// Close is a no-op; the handle belongs to the telemetry store.
func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var builder strings.Builder
	builder.Grow(len(query) + 8)
	index := 0
	for _, r := range query {
		if r == '?' {
			index++
			builder.WriteByte('$')
			builder.WriteString(strconv.Itoa(index))
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

func (s *SQLStore) GetByPublicKey(ctx context.Context, publicKey string) (*APIKey, error) {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return nil, ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, project_id, public_key, secret_hash, CAST(created_at AS TEXT), CAST(revoked_at AS TEXT)
FROM api_keys
WHERE public_key = ?
LIMIT 1`), publicKey)

	var key APIKey
	var createdAt, revokedAt sql.NullString
	if err := row.Scan(&key.ID, &key.ProjectID, &key.PublicKey, &key.SecretHash, &createdAt, &revokedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	key.CreatedAt = parseKeyTime(createdAt)
	key.RevokedAt = parseKeyTime(revokedAt)
	if key.Revoked() {
		return nil, ErrNotFound
	}
	return &key, nil
}

func (s *SQLStore) GetProject(ctx context.Context, id string) (*Project, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, name, CAST(created_at AS TEXT)
FROM projects
WHERE id = ?
LIMIT 1`), id)

	var project Project
	var createdAt sql.NullString
	if err := row.Scan(&project.ID, &project.Name, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get project %q: %w", id, err)
	}
	project.CreatedAt = parseKeyTime(createdAt)
	return &project, nil
}

// SeedProject upserts a config-declared project and its credential pair.
// Existing rows keep their created_at; the secret hash follows the config.
func (s *SQLStore) SeedProject(ctx context.Context, project Project, key APIKey) error {
	project.ID = strings.TrimSpace(project.ID)
	if project.ID == "" {
		return fmt.Errorf("seed project requires an id")
	}
	if strings.TrimSpace(key.PublicKey) == "" || strings.TrimSpace(key.SecretHash) == "" {
		return fmt.Errorf("seed project %q requires a public key and secret hash", project.ID)
	}
	if strings.TrimSpace(key.ID) == "" {
		key.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO projects (id, name, created_at)
VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name`),
		project.ID, project.Name, now,
	); err != nil {
		return fmt.Errorf("seed project %q: %w", project.ID, err)
	}

	if _, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO api_keys (id, project_id, public_key, secret_hash, created_at, revoked_at)
VALUES (?, ?, ?, ?, ?, NULL)
ON CONFLICT (public_key) DO UPDATE SET
    project_id = excluded.project_id,
    secret_hash = excluded.secret_hash,
    revoked_at = NULL`),
		key.ID, project.ID, strings.TrimSpace(key.PublicKey), strings.ToLower(strings.TrimSpace(key.SecretHash)), now,
	); err != nil {
		return fmt.Errorf("seed api key for project %q: %w", project.ID, err)
	}
	return nil
}

var keyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func parseKeyTime(raw sql.NullString) time.Time {
	if !raw.Valid {
		return time.Time{}
	}
	value := strings.TrimSpace(raw.String)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range keyTimeLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
