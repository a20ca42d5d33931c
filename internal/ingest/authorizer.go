package ingest

import (
	"context"
	"errors"

	"github.com/tracepoint-dev/tracepoint/internal/auth"
	"github.com/tracepoint-dev/tracepoint/internal/telemetry"
)

// RefKind names the entity kinds an event can reference.
type RefKind string

const (
	RefTrace       RefKind = "trace"
	RefObservation RefKind = "observation"
)

// EntityRef is one cross-entity reference to authorize before a write.
type EntityRef struct {
	Kind RefKind
	ID   string
}

// Authorizer confirms that entities referenced by an event, where they
// already exist, belong to the caller's project. Missing entities pass; the
// referencing processor creates them under the correct project.
type Authorizer struct {
	store telemetry.Store
}

func NewAuthorizer(store telemetry.Store) *Authorizer {
	return &Authorizer{store: store}
}

// CheckAccess verifies every reference against the scope's project. The
// purpose string only flavors error messages.
func (a *Authorizer) CheckAccess(ctx context.Context, scope *auth.AccessScope, refs []EntityRef, purpose string) error {
	if scope == nil {
		return deniedf("no access scope resolved for %s", purpose)
	}
	for _, ref := range refs {
		if ref.ID == "" {
			continue
		}
		projectID, err := a.lookupProject(ctx, ref)
		if err != nil {
			if errors.Is(err, telemetry.ErrNotFound) {
				continue
			}
			return storagef("check %s %q for %s: %v", ref.Kind, ref.ID, purpose, err)
		}
		if projectID != scope.ProjectID {
			return deniedf("%s %q is not accessible for %s", ref.Kind, ref.ID, purpose)
		}
	}
	return nil
}

func (a *Authorizer) lookupProject(ctx context.Context, ref EntityRef) (string, error) {
	switch ref.Kind {
	case RefTrace:
		trace, err := a.store.GetTrace(ctx, ref.ID)
		if err != nil {
			return "", err
		}
		return trace.ProjectID, nil
	case RefObservation:
		observation, err := a.store.GetObservation(ctx, ref.ID)
		if err != nil {
			return "", err
		}
		return observation.ProjectID, nil
	default:
		return "", telemetry.ErrNotFound
	}
}
