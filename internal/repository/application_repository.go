package repository

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rpattn/memberships/internal/domain"
)

const (
	tableApplications = "membership_applications"

	// identityNumberIndex backs duplicate identity detection across concurrent workers.
	identityNumberIndex = "idx_membership_applications_id_number"
)

var applicationColumns = []string{
	"id",
	"upload_id",
	"row_number",
	"first_name",
	"last_name",
	"id_number",
	"date_of_birth",
	"gender",
	"cell_number",
	"email",
	"qualification",
	"occupation",
	"ward_code",
	"municipality_code",
	"district_code",
	"province_code",
	"resolution_flags",
	"payment_method",
	"payment_reference",
	"payment_amount",
	"payment_date",
	"created_at",
}

type applicationRepository struct {
	pool Pool
}

// NewApplicationRepository wires an application repository backed by pgx.
func NewApplicationRepository(pool Pool) ApplicationRepository {
	return &applicationRepository{pool: pool}
}

func scanApplication(row pgx.Row) (domain.MembershipApplication, error) {
	var app domain.MembershipApplication
	err := row.Scan(
		&app.ID,
		&app.UploadID,
		&app.RowNumber,
		&app.FirstName,
		&app.LastName,
		&app.IDNumber,
		&app.DateOfBirth,
		&app.Gender,
		&app.CellNumber,
		&app.Email,
		&app.Qualification,
		&app.Occupation,
		&app.WardCode,
		&app.MunicipalityCode,
		&app.DistrictCode,
		&app.ProvinceCode,
		&app.ResolutionFlags,
		&app.PaymentMethod,
		&app.PaymentReference,
		&app.PaymentAmount,
		&app.PaymentDate,
		&app.CreatedAt,
	)
	return app, err
}

func insertApplication(ctx context.Context, exec Executor, app domain.MembershipApplication) error {
	_, err := execBuilder(ctx, exec, psql.Insert(tableApplications).
		Columns(applicationColumns...).
		Values(
			app.ID,
			app.UploadID,
			app.RowNumber,
			app.FirstName,
			app.LastName,
			app.IDNumber,
			app.DateOfBirth,
			app.Gender,
			app.CellNumber,
			app.Email,
			app.Qualification,
			app.Occupation,
			app.WardCode,
			app.MunicipalityCode,
			app.DistrictCode,
			app.ProvinceCode,
			nonNilFlags(app.ResolutionFlags),
			app.PaymentMethod,
			app.PaymentReference,
			app.PaymentAmount,
			app.PaymentDate,
			app.CreatedAt,
		))
	if IsUniqueViolation(err, identityNumberIndex) {
		return errors.Wrapf(ErrDuplicateIdentity, "id number %s", app.IDNumber)
	}
	if err != nil {
		return errors.Wrap(err, "failed to insert application")
	}
	return nil
}

func (r *applicationRepository) ExistsByIdentityNumber(ctx context.Context, idNumber string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(
		ctx,
		`SELECT EXISTS (SELECT 1 FROM membership_applications WHERE id_number = $1)`,
		idNumber,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check identity number")
	}
	return exists, nil
}

func (r *applicationRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.MembershipApplication, error) {
	row, err := queryRowBuilder(ctx, r.pool, psql.Select(applicationColumns...).
		From(tableApplications).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.MembershipApplication{}, err
	}
	app, err := scanApplication(row)
	if err != nil {
		return domain.MembershipApplication{}, errors.Wrap(notFound(err), "failed to get application")
	}
	return app, nil
}

// ListPartiallyResolved returns records accepted with resolution flags, oldest first.
func (r *applicationRepository) ListPartiallyResolved(ctx context.Context, limit int) ([]domain.MembershipApplication, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := queryBuilder(ctx, r.pool, psql.Select(applicationColumns...).
		From(tableApplications).
		Where("cardinality(resolution_flags) > 0").
		OrderBy("created_at").
		Limit(uint64(limit)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list partially resolved applications")
	}
	defer rows.Close()

	apps := []domain.MembershipApplication{}
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan application")
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate applications")
	}
	return apps, nil
}

func (r *applicationRepository) UpdateGeography(ctx context.Context, id uuid.UUID, chain domain.GeoChain) error {
	flags := nonNilFlags(chain.Flags)
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := execBuilder(ctx, tx, psql.Update(tableApplications).
			Set("municipality_code", chain.MunicipalityCode).
			Set("district_code", chain.DistrictCode).
			Set("province_code", chain.ProvinceCode).
			Set("resolution_flags", flags).
			Where(sq.Eq{"id": id}))
		if err != nil {
			return errors.Wrap(err, "failed to update application geography")
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}

		// the row detail keeps showing the flags of the record it produced
		if _, err := execBuilder(ctx, tx, psql.Update(tableUploadRows).
			Set("resolution_flags", flags).
			Where(sq.Eq{"record_id": id})); err != nil {
			return errors.Wrap(err, "failed to update upload row flags")
		}
		return nil
	})
}

// CountByWard returns the number of accepted records per ward code.
func (r *applicationRepository) CountByWard(ctx context.Context) (map[string]int, error) {
	rows, err := queryBuilder(ctx, r.pool, psql.Select("ward_code", "count(*)").
		From(tableApplications).
		GroupBy("ward_code"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to count applications by ward")
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			ward  string
			count int
		)
		if err := rows.Scan(&ward, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan ward count")
		}
		counts[ward] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate ward counts")
	}
	return counts, nil
}
