package location

import (
	"context"
	"errors"
	"fmt"

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

type locRepoPG struct {
	pool *pgxpool.Pool
}

func NewPGRepo(pool *pgxpool.Pool) Repository {
	return &locRepoPG{pool: pool}
}

func (r *locRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

var locColumns = []interface{}{
	"id", "location_code", "name", "parent_location_id", "location_type", "status",
	"address", "contact", "operating_hours", "services",
	"total_beds", "available_beds", "icu_beds", "emergency_beds", "operating_rooms", "outpatient_rooms",
	"staffing", "equipment", "established_date", "version_id", "created_at", "updated_at",
}

func hoursOrEmpty(h OperatingHours) OperatingHours {
	if h == nil {
		return OperatingHours{}
	}
	return h
}

func (r *locRepoPG) Create(ctx context.Context, loc *Location) error {
	if loc.ID == uuid.Nil {
		loc.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO location (
			id, location_code, name, parent_location_id, location_type, status,
			address, contact, operating_hours, services,
			total_beds, available_beds, icu_beds, emergency_beds, operating_rooms, outpatient_rooms,
			staffing, equipment, established_date, version_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		loc.ID, loc.LocationCode, loc.Name, loc.ParentLocationID, loc.LocationType, loc.Status,
		loc.Address, loc.Contact, hoursOrEmpty(loc.OperatingHours), loc.Services,
		loc.Capacity.TotalBeds, loc.Capacity.AvailableBeds, loc.Capacity.ICUBeds,
		loc.Capacity.EmergencyBeds, loc.Capacity.OperatingRooms, loc.Capacity.OutpatientRooms,
		loc.Staffing, loc.Equipment, loc.EstablishedDate, loc.VersionID, loc.CreatedAt, loc.UpdatedAt,
	)
	return translateWriteErr(err, loc)
}

func translateWriteErr(err error, loc *Location) error {
	if err == nil {
		return nil
	}
	switch db.PgErrorCode(err) {
	case db.UniqueViolation:
		return apperrors.DuplicateCode(loc.LocationCode)
	case db.ForeignKeyViolation:
		return apperrors.InvalidParent("parent location %s does not exist", loc.ParentLocationID)
	case db.CheckViolation:
		return apperrors.Validation("location violates a capacity or hierarchy constraint: %v", err)
	}
	return apperrors.Internal("write location", err)
}

func (r *locRepoPG) Get(ctx context.Context, id uuid.UUID) (*Location, error) {
	return r.getOne(ctx, goqu.C("id").Eq(id), fmt.Sprintf("location %s not found", id))
}

func (r *locRepoPG) GetByCode(ctx context.Context, code string) (*Location, error) {
	return r.getOne(ctx, goqu.L("LOWER(location_code) = LOWER(?)", code), fmt.Sprintf("location with code %q not found", code))
}

func (r *locRepoPG) getOne(ctx context.Context, where exp.Expression, notFound string) (*Location, error) {
	query, args, err := dialect.From("location").Prepared(true).Select(locColumns...).Where(where).ToSQL()
	if err != nil {
		return nil, apperrors.Internal("build location query", err)
	}
	loc, err := scanLoc(r.conn(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("%s", notFound)
	}
	if err != nil {
		return nil, apperrors.Internal("read location", err)
	}
	return loc, nil
}

func (r *locRepoPG) CompareAndSwap(ctx context.Context, next *Location, expected int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE location SET
			name=$3, parent_location_id=$4, location_type=$5, status=$6,
			address=$7, contact=$8, operating_hours=$9, services=$10,
			total_beds=$11, available_beds=$12, icu_beds=$13, emergency_beds=$14,
			operating_rooms=$15, outpatient_rooms=$16,
			staffing=$17, equipment=$18, established_date=$19,
			version_id=$20, updated_at=$21
		WHERE id = $1 AND version_id = $2`,
		next.ID, expected,
		next.Name, next.ParentLocationID, next.LocationType, next.Status,
		next.Address, next.Contact, hoursOrEmpty(next.OperatingHours), next.Services,
		next.Capacity.TotalBeds, next.Capacity.AvailableBeds, next.Capacity.ICUBeds, next.Capacity.EmergencyBeds,
		next.Capacity.OperatingRooms, next.Capacity.OutpatientRooms,
		next.Staffing, next.Equipment, next.EstablishedDate,
		next.VersionID, next.UpdatedAt,
	)
	if err != nil {
		return translateWriteErr(err, next)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM location WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
		return apperrors.Internal("check location existence", err)
	}
	if !exists {
		return apperrors.NotFound("location %s not found", next.ID)
	}
	return versioning.ErrVersionMismatch
}

func (r *locRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM location WHERE id = $1`, id)
	if err != nil {
		if db.PgErrorCode(err) == db.ForeignKeyViolation {
			return apperrors.LocationInUse("location %s is still referenced", id)
		}
		return apperrors.Internal("delete location", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("location %s not found", id)
	}
	return nil
}

func filterExpressions(f Filter) []exp.Expression {
	var where []exp.Expression
	if f.Type != "" {
		where = append(where, goqu.C("location_type").Eq(string(f.Type)))
	}
	if f.Status != "" {
		where = append(where, goqu.C("status").Eq(string(f.Status)))
	}
	if f.ParentID != nil {
		where = append(where, goqu.C("parent_location_id").Eq(*f.ParentID))
	}
	if f.Text != "" {
		pattern := "%" + f.Text + "%"
		where = append(where, goqu.Or(
			goqu.C("name").ILike(pattern),
			goqu.C("location_code").ILike(pattern),
		))
	}
	return where
}

func (r *locRepoPG) List(ctx context.Context, f Filter) ([]*Location, int, error) {
	where := filterExpressions(f)

	countSQL, countArgs, err := dialect.From("location").Prepared(true).
		Select(goqu.COUNT(goqu.Star())).Where(where...).ToSQL()
	if err != nil {
		return nil, 0, apperrors.Internal("build location count", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, apperrors.Internal("count locations", err)
	}

	ds := dialect.From("location").Prepared(true).Select(locColumns...).Where(where...).
		Order(goqu.C("location_code").Asc(), goqu.C("id").Asc())
	if f.Limit > 0 {
		ds = ds.Limit(uint(f.Limit))
	}
	if f.Offset > 0 {
		ds = ds.Offset(uint(f.Offset))
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, 0, apperrors.Internal("build location list", err)
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperrors.Internal("list locations", err)
	}
	defer rows.Close()

	locs := make([]*Location, 0)
	for rows.Next() {
		loc, err := scanLoc(rows)
		if err != nil {
			return nil, 0, apperrors.Internal("scan location", err)
		}
		locs = append(locs, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperrors.Internal("iterate locations", err)
	}
	return locs, total, nil
}

func scanLoc(row pgx.Row) (*Location, error) {
	var l Location
	err := row.Scan(
		&l.ID, &l.LocationCode, &l.Name, &l.ParentLocationID, &l.LocationType, &l.Status,
		&l.Address, &l.Contact, &l.OperatingHours, &l.Services,
		&l.Capacity.TotalBeds, &l.Capacity.AvailableBeds, &l.Capacity.ICUBeds,
		&l.Capacity.EmergencyBeds, &l.Capacity.OperatingRooms, &l.Capacity.OutpatientRooms,
		&l.Staffing, &l.Equipment, &l.EstablishedDate, &l.VersionID, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}
