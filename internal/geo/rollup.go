package geo

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/rpattn/memberships/internal/reference"
)

// Rollup is a member count per level of the hierarchy. Each member is counted at most
// once per level.
type Rollup struct {
	Wards          map[string]int `json:"wards"`
	Municipalities map[string]int `json:"municipalities"`
	// MetroHeaders holds members whose ward hangs directly off a self-referential
	// metro header row. They are kept out of Municipalities so a metro and its
	// sub-regions are never summed together.
	MetroHeaders map[string]int `json:"metro_headers"`
	Districts    map[string]int `json:"districts"`
	Provinces    map[string]int `json:"provinces"`
	// UnknownWards counts members whose ward is absent from the reference data.
	UnknownWards int `json:"unknown_wards"`
}

// RollUp aggregates per-ward member counts to every level.
func (r *Resolver) RollUp(ctx context.Context, wardCounts map[string]int) (Rollup, error) {
	out := Rollup{
		Wards:          make(map[string]int),
		Municipalities: make(map[string]int),
		MetroHeaders:   make(map[string]int),
		Districts:      make(map[string]int),
		Provinces:      make(map[string]int),
	}

	for wardCode, count := range wardCounts {
		if count <= 0 {
			continue
		}
		chain, err := r.Resolve(ctx, wardCode)
		if errors.Is(err, ErrWardNotFound) {
			out.UnknownWards += count
			continue
		}
		if err != nil {
			return Rollup{}, err
		}
		out.Wards[wardCode] += count

		if chain.MunicipalityCode.Valid {
			municipality, err := r.store.GetMunicipality(ctx, chain.MunicipalityCode.String)
			if err != nil && !errors.Is(err, reference.ErrNotFound) {
				return Rollup{}, errors.Wrap(err, "failed to load municipality for roll-up")
			}
			if municipality.IsMetroHeader() {
				out.MetroHeaders[municipality.Code] += count
			} else {
				out.Municipalities[chain.MunicipalityCode.String] += count
			}
		}
		if chain.DistrictCode.Valid {
			out.Districts[chain.DistrictCode.String] += count
		}
		if chain.ProvinceCode.Valid {
			out.Provinces[chain.ProvinceCode.String] += count
		}
	}
	return out, nil
}
