package transfer

import (
	"context"
	"errors"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/locations/internal/platform/db"
	"github.com/ehr/locations/internal/platform/versioning"
	"github.com/ehr/locations/pkg/apperrors"
)

var dialect = goqu.Dialect("postgres")

type transferRepoPG struct {
	pool *pgxpool.Pool
}

func NewPGRepo(pool *pgxpool.Pool) Repository {
	return &transferRepoPG{pool: pool}
}

func (r *transferRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

var transferColumns = []interface{}{
	"id", "patient_id", "from_location_id", "to_location_id", "transfer_type", "bed_category",
	"transport_method", "medical_escort", "priority", "transfer_reason", "notes", "status",
	"requested_by", "approved_by", "cancel_reason", "source_bed_released",
	"transfer_date", "approved_at", "in_transit_at", "completed_at", "cancelled_at",
	"version_id", "created_at",
}

var (
	inFlightStatuses  = []string{string(StatusPending), string(StatusApproved), string(StatusInTransit)}
	committedStatuses = []string{string(StatusApproved), string(StatusInTransit)}
)

func (r *transferRepoPG) Create(ctx context.Context, t *Transfer) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO transfer (
			id, patient_id, from_location_id, to_location_id, transfer_type, bed_category,
			transport_method, medical_escort, priority, transfer_reason, notes, status,
			requested_by, approved_by, cancel_reason, source_bed_released,
			transfer_date, approved_at, in_transit_at, completed_at, cancelled_at,
			version_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		t.ID, t.PatientID, t.FromLocationID, t.ToLocationID, t.TransferType, t.BedCategory,
		t.TransportMethod, t.MedicalEscort, t.Priority, t.TransferReason, t.Notes, t.Status,
		t.RequestedBy, t.ApprovedBy, t.CancelReason, t.SourceBedReleased,
		t.TransferDate, t.ApprovedAt, t.InTransitAt, t.CompletedAt, t.CancelledAt,
		t.VersionID, t.CreatedAt,
	)
	if err != nil {
		switch db.PgErrorCode(err) {
		case db.ForeignKeyViolation:
			return apperrors.NotFound("transfer references an unknown location")
		case db.CheckViolation:
			return apperrors.SameLocation()
		}
		return apperrors.Internal("create transfer", err)
	}
	return nil
}

func (r *transferRepoPG) Get(ctx context.Context, id uuid.UUID) (*Transfer, error) {
	query, args, err := dialect.From("transfer").Prepared(true).
		Select(transferColumns...).Where(goqu.C("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, apperrors.Internal("build transfer query", err)
	}
	t, err := scanTransfer(r.conn(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("transfer %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Internal("read transfer", err)
	}
	return t, nil
}

// CompareAndSwap rewrites only the mutable workflow columns; the request
// fields of a transfer never change after creation.
func (r *transferRepoPG) CompareAndSwap(ctx context.Context, next *Transfer, expected int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE transfer SET
			status=$3, approved_by=$4, cancel_reason=$5, source_bed_released=$6,
			approved_at=$7, in_transit_at=$8, completed_at=$9, cancelled_at=$10,
			notes=$11, version_id=$12
		WHERE id = $1 AND version_id = $2`,
		next.ID, expected,
		next.Status, next.ApprovedBy, next.CancelReason, next.SourceBedReleased,
		next.ApprovedAt, next.InTransitAt, next.CompletedAt, next.CancelledAt,
		next.Notes, next.VersionID,
	)
	if err != nil {
		return apperrors.Internal("update transfer", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM transfer WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
		return apperrors.Internal("check transfer existence", err)
	}
	if !exists {
		return apperrors.NotFound("transfer %s not found", next.ID)
	}
	return versioning.ErrVersionMismatch
}

func involves(locationID uuid.UUID) exp.Expression {
	return goqu.Or(
		goqu.C("from_location_id").Eq(locationID),
		goqu.C("to_location_id").Eq(locationID),
	)
}

func filterExpressions(f Filter) []exp.Expression {
	var where []exp.Expression
	if f.Status != "" {
		where = append(where, goqu.C("status").Eq(string(f.Status)))
	}
	if f.LocationID != nil {
		where = append(where, involves(*f.LocationID))
	}
	if f.PatientID != "" {
		where = append(where, goqu.C("patient_id").Eq(f.PatientID))
	}
	if f.Since != nil {
		where = append(where, goqu.C("created_at").Gte(*f.Since))
	}
	if f.Until != nil {
		where = append(where, goqu.C("created_at").Lt(*f.Until))
	}
	return where
}

func (r *transferRepoPG) List(ctx context.Context, f Filter) ([]*Transfer, int, error) {
	where := filterExpressions(f)

	total, err := r.count(ctx, where...)
	if err != nil {
		return nil, 0, err
	}

	ds := dialect.From("transfer").Prepared(true).Select(transferColumns...).Where(where...).
		Order(goqu.C("created_at").Desc(), goqu.C("id").Asc())
	if f.Limit > 0 {
		ds = ds.Limit(uint(f.Limit))
	}
	if f.Offset > 0 {
		ds = ds.Offset(uint(f.Offset))
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, 0, apperrors.Internal("build transfer list", err)
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperrors.Internal("list transfers", err)
	}
	defer rows.Close()

	out := make([]*Transfer, 0)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, 0, apperrors.Internal("scan transfer", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperrors.Internal("iterate transfers", err)
	}
	return out, total, nil
}

func (r *transferRepoPG) CountInFlight(ctx context.Context, locationID uuid.UUID) (int, error) {
	return r.count(ctx, involves(locationID), goqu.C("status").In(inFlightStatuses))
}

func (r *transferRepoPG) CountReferencing(ctx context.Context, locationID uuid.UUID) (int, error) {
	return r.count(ctx, involves(locationID))
}

// CountCommitted counts reservations held at locationID as a destination.
func (r *transferRepoPG) CountCommitted(ctx context.Context, locationID uuid.UUID) (int, error) {
	return r.count(ctx, goqu.C("to_location_id").Eq(locationID), goqu.C("status").In(committedStatuses))
}

func (r *transferRepoPG) count(ctx context.Context, where ...exp.Expression) (int, error) {
	query, args, err := dialect.From("transfer").Prepared(true).
		Select(goqu.COUNT(goqu.Star())).Where(where...).ToSQL()
	if err != nil {
		return 0, apperrors.Internal("build transfer count", err)
	}
	var n int
	if err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, apperrors.Internal("count transfers", err)
	}
	return n, nil
}

func scanTransfer(row pgx.Row) (*Transfer, error) {
	var t Transfer
	var notes *string
	err := row.Scan(
		&t.ID, &t.PatientID, &t.FromLocationID, &t.ToLocationID, &t.TransferType, &t.BedCategory,
		&t.TransportMethod, &t.MedicalEscort, &t.Priority, &t.TransferReason, &notes, &t.Status,
		&t.RequestedBy, &t.ApprovedBy, &t.CancelReason, &t.SourceBedReleased,
		&t.TransferDate, &t.ApprovedAt, &t.InTransitAt, &t.CompletedAt, &t.CancelledAt,
		&t.VersionID, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if notes != nil {
		t.Notes = *notes
	}
	return &t, nil
}
