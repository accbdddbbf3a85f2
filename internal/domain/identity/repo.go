package identity

import (
	"context"

	"github.com/google/uuid"

	"github.com/etriage/etriage/internal/domain/audit"
)

type UserRepository interface {
	// Create returns ErrEmailTaken when the address is already registered.
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}

type AuditSink interface {
	Record(ctx context.Context, e *audit.Entry) error
}
