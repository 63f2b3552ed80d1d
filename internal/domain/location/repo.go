package location

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the storage contract for locations. Get returns a copy;
// CompareAndSwap writes next only when the stored version equals expected and
// reports versioning.ErrVersionMismatch otherwise.
type Repository interface {
	Create(ctx context.Context, loc *Location) error
	Get(ctx context.Context, id uuid.UUID) (*Location, error)
	GetByCode(ctx context.Context, code string) (*Location, error)
	CompareAndSwap(ctx context.Context, next *Location, expected int) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f Filter) ([]*Location, int, error)
}

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
