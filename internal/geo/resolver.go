// Package geo resolves a ward code to its municipality, district and province.
//
// Parent links in the reference data are known to be incomplete. A missing ward is
// fatal for a row; every gap above the ward yields a partially resolved chain with
// explicit flags instead of a guessed value.
package geo

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/guregu/null/v5"

	"github.com/rpattn/memberships/internal/domain"
	"github.com/rpattn/memberships/internal/reference"
)

// ErrWardNotFound is the row-fatal resolution failure.
var ErrWardNotFound = errors.New("ward code not found")

// ResolutionError reports a chain that could not be started at all.
type ResolutionError struct {
	WardCode string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve ward %q: %v", e.WardCode, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Resolver walks the hierarchy through a reference store.
type Resolver struct {
	store reference.Store
}

func NewResolver(store reference.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the ancestor chain of wardCode. Every level is matched by exact code
// equality; a level that cannot be matched is left null and flagged, as are all levels
// above it.
func (r *Resolver) Resolve(ctx context.Context, wardCode string) (domain.GeoChain, error) {
	chain := domain.GeoChain{WardCode: wardCode}

	ward, err := r.store.GetWard(ctx, wardCode)
	if errors.Is(err, reference.ErrNotFound) {
		return chain, &ResolutionError{WardCode: wardCode, Err: ErrWardNotFound}
	}
	if err != nil {
		return chain, errors.Wrapf(err, "failed to load ward %s", wardCode)
	}

	municipality, ok, err := r.municipality(ctx, ward.MunicipalityCode)
	if err != nil {
		return chain, err
	}
	if !ok {
		chain.Flags = append(chain.Flags, domain.FlagMunicipalityMissing, domain.FlagDistrictUnresolved, domain.FlagProvinceUnresolved)
		return chain, nil
	}
	chain.MunicipalityCode = null.StringFrom(municipality.Code)

	district, ok, err := r.district(ctx, municipality.DistrictCode)
	if err != nil {
		return chain, err
	}
	if !ok {
		chain.Flags = append(chain.Flags, domain.FlagDistrictUnresolved, domain.FlagProvinceUnresolved)
		return chain, nil
	}
	chain.DistrictCode = null.StringFrom(district.Code)

	province, ok, err := r.province(ctx, district.ProvinceCode)
	if err != nil {
		return chain, err
	}
	if !ok {
		chain.Flags = append(chain.Flags, domain.FlagProvinceUnresolved)
		return chain, nil
	}
	chain.ProvinceCode = null.StringFrom(province.Code)

	return chain, nil
}

func (r *Resolver) municipality(ctx context.Context, code string) (domain.Municipality, bool, error) {
	if strings.TrimSpace(code) == "" {
		return domain.Municipality{}, false, nil
	}
	m, err := r.store.GetMunicipality(ctx, code)
	if errors.Is(err, reference.ErrNotFound) {
		return domain.Municipality{}, false, nil
	}
	if err != nil {
		return domain.Municipality{}, false, errors.Wrapf(err, "failed to load municipality %s", code)
	}
	return m, m.Code == code, nil
}

func (r *Resolver) district(ctx context.Context, code null.String) (domain.District, bool, error) {
	if !code.Valid || strings.TrimSpace(code.String) == "" {
		return domain.District{}, false, nil
	}
	d, err := r.store.GetDistrict(ctx, code.String)
	if errors.Is(err, reference.ErrNotFound) {
		return domain.District{}, false, nil
	}
	if err != nil {
		return domain.District{}, false, errors.Wrapf(err, "failed to load district %s", code.String)
	}
	return d, d.Code == code.String, nil
}

func (r *Resolver) province(ctx context.Context, code null.String) (domain.Province, bool, error) {
	if !code.Valid || strings.TrimSpace(code.String) == "" {
		return domain.Province{}, false, nil
	}
	p, err := r.store.GetProvince(ctx, code.String)
	if errors.Is(err, reference.ErrNotFound) {
		return domain.Province{}, false, nil
	}
	if err != nil {
		return domain.Province{}, false, errors.Wrapf(err, "failed to load province %s", code.String)
	}
	return p, p.Code == code.String, nil
}
