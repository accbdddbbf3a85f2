package triage

import (
	"context"

	"github.com/google/uuid"

	"github.com/etriage/etriage/internal/domain/audit"
)

// CaseRepository persists triage cases. Save is a compare-and-swap on
// status and returns ErrConflict when the stored status moved.
type CaseRepository interface {
	Create(ctx context.Context, c *Case) error
	GetByID(ctx context.Context, id uuid.UUID) (*Case, error)
	List(ctx context.Context, f CaseFilter) ([]*Case, int, error)
	// Save writes the mutable review fields of c, provided the stored
	// status still equals expected. It returns ErrConflict otherwise.
	Save(ctx context.Context, c *Case, expected Status) error
	// SetPrediction caches ranker output on a case that has none yet.
	SetPrediction(ctx context.Context, id uuid.UUID, p Prediction) error
}

// AuditSink receives audit entries. Failures are logged by the caller and
// never block a state transition.
type AuditSink interface {
	Record(ctx context.Context, e *audit.Entry) error
}
