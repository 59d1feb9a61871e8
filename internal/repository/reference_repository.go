package repository

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"

	"github.com/rpattn/memberships/internal/domain"
)

type referenceRepository struct {
	pool Pool
}

// NewReferenceRepository wires read access to the reference tables.
func NewReferenceRepository(pool Pool) ReferenceRepository {
	return &referenceRepository{pool: pool}
}

// GetWardsByCodes returns the wards found for codes, in no particular order. Unknown
// codes are simply absent from the result.
func (r *referenceRepository) GetWardsByCodes(ctx context.Context, codes []string) ([]domain.Ward, error) {
	if len(codes) == 0 {
		return []domain.Ward{}, nil
	}
	rows, err := queryBuilder(ctx, r.pool, psql.Select("code", "name", "municipality_code").
		From("wards").
		Where(sq.Eq{"code": codes}))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load wards")
	}
	defer rows.Close()

	wards := make([]domain.Ward, 0, len(codes))
	for rows.Next() {
		var ward domain.Ward
		if err := rows.Scan(&ward.Code, &ward.Name, &ward.MunicipalityCode); err != nil {
			return nil, errors.Wrap(err, "failed to scan ward")
		}
		wards = append(wards, ward)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate wards")
	}
	return wards, nil
}

func (r *referenceRepository) GetMunicipality(ctx context.Context, code string) (domain.Municipality, error) {
	var m domain.Municipality
	row, err := queryRowBuilder(ctx, r.pool, psql.Select("code", "name", "district_code", "parent_municipality_code").
		From("municipalities").
		Where(sq.Eq{"code": code}))
	if err != nil {
		return m, err
	}
	if err := row.Scan(&m.Code, &m.Name, &m.DistrictCode, &m.ParentMunicipalityCode); err != nil {
		return domain.Municipality{}, errors.Wrapf(notFound(err), "municipality %s", code)
	}
	return m, nil
}

func (r *referenceRepository) GetDistrict(ctx context.Context, code string) (domain.District, error) {
	var d domain.District
	row, err := queryRowBuilder(ctx, r.pool, psql.Select("code", "name", "province_code").
		From("districts").
		Where(sq.Eq{"code": code}))
	if err != nil {
		return d, err
	}
	if err := row.Scan(&d.Code, &d.Name, &d.ProvinceCode); err != nil {
		return domain.District{}, errors.Wrapf(notFound(err), "district %s", code)
	}
	return d, nil
}

func (r *referenceRepository) GetProvince(ctx context.Context, code string) (domain.Province, error) {
	var p domain.Province
	row, err := queryRowBuilder(ctx, r.pool, psql.Select("code", "name").
		From("provinces").
		Where(sq.Eq{"code": code}))
	if err != nil {
		return p, err
	}
	if err := row.Scan(&p.Code, &p.Name); err != nil {
		return domain.Province{}, errors.Wrapf(notFound(err), "province %s", code)
	}
	return p, nil
}

func (r *referenceRepository) ListLookups(ctx context.Context) ([]domain.LookupEntry, error) {
	rows, err := queryBuilder(ctx, r.pool, psql.Select("kind", "code", "name").
		From("lookups").
		OrderBy("kind", "code"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list lookups")
	}
	defer rows.Close()

	entries := []domain.LookupEntry{}
	for rows.Next() {
		var (
			entry domain.LookupEntry
			kind  string
		)
		if err := rows.Scan(&kind, &entry.Code, &entry.Name); err != nil {
			return nil, errors.Wrap(err, "failed to scan lookup")
		}
		entry.Kind = domain.LookupKind(kind)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate lookups")
	}
	return entries, nil
}
