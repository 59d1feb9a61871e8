package geo

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/guregu/null/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/memberships/internal/domain"
	"github.com/rpattn/memberships/internal/reference"
	"github.com/rpattn/memberships/internal/repository"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	mem := repository.NewMemoryStore()

	mem.PutProvince(domain.Province{Code: "GP", Name: "Gauteng"})
	mem.PutDistrict(domain.District{Code: "JHB", Name: "City of Johannesburg", ProvinceCode: null.StringFrom("GP")})
	mem.PutDistrict(domain.District{Code: "ORPH", Name: "Orphan District", ProvinceCode: null.StringFrom("ZZ")})

	// metro header: doubles as its own district
	mem.PutMunicipality(domain.Municipality{Code: "JHB", Name: "Johannesburg", DistrictCode: null.StringFrom("JHB")})
	mem.PutMunicipality(domain.Municipality{Code: "JHB-A", Name: "Region A", DistrictCode: null.StringFrom("JHB"), ParentMunicipalityCode: null.StringFrom("JHB")})
	mem.PutMunicipality(domain.Municipality{Code: "NOD", Name: "No District"})
	mem.PutMunicipality(domain.Municipality{Code: "ORPHM", Name: "Orphan Municipality", DistrictCode: null.StringFrom("ORPH")})

	mem.PutWard(domain.Ward{Code: "79800001", Name: "Ward 1", MunicipalityCode: "JHB-A"})
	mem.PutWard(domain.Ward{Code: "79800135", Name: "Ward 135", MunicipalityCode: "JHB"})
	mem.PutWard(domain.Ward{Code: "10000001", Name: "Ward NOD", MunicipalityCode: "NOD"})
	mem.PutWard(domain.Ward{Code: "20000001", Name: "Ward broken", MunicipalityCode: "GONE"})
	mem.PutWard(domain.Ward{Code: "30000001", Name: "Ward orphan", MunicipalityCode: "ORPHM"})
	mem.PutWard(domain.Ward{Code: "40000001", Name: "Ward prefix", MunicipalityCode: "JHB-AX"})

	store, err := reference.NewCachedStore(mem.Reference(), 64)
	require.NoError(t, err)
	return NewResolver(store)
}

func TestResolver_Resolve(t *testing.T) {
	tests := []struct {
		name         string
		ward         string
		municipality null.String
		district     null.String
		province     null.String
		flags        []string
	}{
		{
			name:         "full chain",
			ward:         "79800001",
			municipality: null.StringFrom("JHB-A"),
			district:     null.StringFrom("JHB"),
			province:     null.StringFrom("GP"),
		},
		{
			name:         "ward on metro header",
			ward:         "79800135",
			municipality: null.StringFrom("JHB"),
			district:     null.StringFrom("JHB"),
			province:     null.StringFrom("GP"),
		},
		{
			name:  "municipality link broken",
			ward:  "20000001",
			flags: []string{domain.FlagMunicipalityMissing, domain.FlagDistrictUnresolved, domain.FlagProvinceUnresolved},
		},
		{
			name:  "prefix is not a match",
			ward:  "40000001",
			flags: []string{domain.FlagMunicipalityMissing, domain.FlagDistrictUnresolved, domain.FlagProvinceUnresolved},
		},
		{
			name:         "district null",
			ward:         "10000001",
			municipality: null.StringFrom("NOD"),
			flags:        []string{domain.FlagDistrictUnresolved, domain.FlagProvinceUnresolved},
		},
		{
			name:         "province unknown",
			ward:         "30000001",
			municipality: null.StringFrom("ORPHM"),
			district:     null.StringFrom("ORPH"),
			flags:        []string{domain.FlagProvinceUnresolved},
		},
	}

	resolver := newTestResolver(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain, err := resolver.Resolve(context.Background(), tt.ward)
			require.NoError(t, err)
			assert.Equal(t, tt.ward, chain.WardCode)
			assert.Equal(t, tt.municipality, chain.MunicipalityCode)
			assert.Equal(t, tt.district, chain.DistrictCode)
			assert.Equal(t, tt.province, chain.ProvinceCode)
			assert.Equal(t, tt.flags, chain.Flags)
			assert.Equal(t, len(tt.flags) == 0, chain.Complete())
		})
	}
}

func TestResolver_WardNotFound(t *testing.T) {
	resolver := newTestResolver(t)

	_, err := resolver.Resolve(context.Background(), "99999999")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWardNotFound))

	var resErr *ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, "99999999", resErr.WardCode)
}

func TestResolver_RollUpExcludesMetroHeaders(t *testing.T) {
	resolver := newTestResolver(t)

	rollup, err := resolver.RollUp(context.Background(), map[string]int{
		"79800001": 5,
		"79800135": 2,
		"20000001": 1,
		"99999999": 4,
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"JHB-A": 5}, rollup.Municipalities)
	assert.Equal(t, map[string]int{"JHB": 2}, rollup.MetroHeaders)
	assert.Equal(t, map[string]int{"JHB": 7}, rollup.Districts)
	assert.Equal(t, map[string]int{"GP": 7}, rollup.Provinces)
	assert.Equal(t, 4, rollup.UnknownWards)
	assert.Equal(t, 8, rollup.Wards["79800001"]+rollup.Wards["79800135"]+rollup.Wards["20000001"])
}
