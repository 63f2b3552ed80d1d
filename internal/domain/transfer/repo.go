package transfer

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the storage contract for transfers. List orders newest first.
// The two Count methods make a Repository usable as
// location.TransferReferences.
type Repository interface {
	Create(ctx context.Context, t *Transfer) error
	Get(ctx context.Context, id uuid.UUID) (*Transfer, error)
	CompareAndSwap(ctx context.Context, next *Transfer, expected int) error
	List(ctx context.Context, f Filter) ([]*Transfer, int, error)
	CountInFlight(ctx context.Context, locationID uuid.UUID) (int, error)
	CountReferencing(ctx context.Context, locationID uuid.UUID) (int, error)
	CountCommitted(ctx context.Context, locationID uuid.UUID) (int, error)
}

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
