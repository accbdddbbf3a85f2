package audit

import (
	"context"
)

type Repository interface {
	Record(ctx context.Context, e *Entry) error
	List(ctx context.Context, limit, offset int) ([]*Entry, int, error)
}
