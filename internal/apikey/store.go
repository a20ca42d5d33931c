package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("api key not found")
var ErrConflict = errors.New("api key conflicts with existing data")

// APIKey is a project credential pair. The secret is stored only as a
// SHA-256 hash; the public key doubles as the lookup handle.
type APIKey struct {
	ID         string
	ProjectID  string
	PublicKey  string
	SecretHash string
	CreatedAt  time.Time
	RevokedAt  time.Time
}

// Revoked reports whether the key has been disabled.
func (k *APIKey) Revoked() bool {
	return k != nil && !k.RevokedAt.IsZero()
}

// Project is the tenant boundary every ingested entity belongs to.
type Project struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Store resolves credentials to projects.
type Store interface {
	// GetByPublicKey resolves an active key by its public handle.
	GetByPublicKey(ctx context.Context, publicKey string) (*APIKey, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	Close() error
}

// Seeder is implemented by stores that can absorb config-declared projects
// and keys at startup.
type Seeder interface {
	SeedProject(ctx context.Context, project Project, key APIKey) error
}

// HashSecret returns the hex-encoded SHA-256 digest of a secret key.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifySecret compares a candidate secret against a stored hash in
// constant time.
func VerifySecret(secret, secretHash string) bool {
	candidate := HashSecret(secret)
	stored := strings.ToLower(strings.TrimSpace(secretHash))
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(stored)) == 1
}

// StaticStore serves keys declared in the config file without touching the
// database. It backs tests and config-only deployments.
type StaticStore struct {
	keys     map[string]*APIKey
	projects map[string]*Project
}

var _ Store = (*StaticStore)(nil)
var _ Store = (*SQLStore)(nil)

func NewStaticStore(projects []Project, keys []APIKey) *StaticStore {
	store := &StaticStore{
		keys:     make(map[string]*APIKey, len(keys)),
		projects: make(map[string]*Project, len(projects)),
	}
	for _, project := range projects {
		projectCopy := project
		store.projects[project.ID] = &projectCopy
	}
	for _, key := range keys {
		keyCopy := key
		store.keys[key.PublicKey] = &keyCopy
	}
	return store
}

func (s *StaticStore) GetByPublicKey(_ context.Context, publicKey string) (*APIKey, error) {
	if s == nil {
		return nil, ErrNotFound
	}
	key, ok := s.keys[strings.TrimSpace(publicKey)]
	if !ok || key.Revoked() {
		return nil, ErrNotFound
	}
	keyCopy := *key
	return &keyCopy, nil
}

func (s *StaticStore) GetProject(_ context.Context, id string) (*Project, error) {
	if s == nil {
		return nil, ErrNotFound
	}
	project, ok := s.projects[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrNotFound
	}
	projectCopy := *project
	return &projectCopy, nil
}

func (s *StaticStore) Close() error {
	return nil
}
