package domain

import "github.com/guregu/null/v5"

// Province is the top level of the geographic hierarchy.
type Province struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// District belongs to a province.
type District struct {
	Code         string      `json:"code"`
	Name         string      `json:"name"`
	ProvinceCode null.String `json:"province_code"`
}

// Municipality belongs to a district. Metro sub-regions additionally carry the code of
// the metro municipality they are part of.
type Municipality struct {
	Code                   string      `json:"code"`
	Name                   string      `json:"name"`
	DistrictCode           null.String `json:"district_code"`
	ParentMunicipalityCode null.String `json:"parent_municipality_code"`
}

// IsMetroHeader reports whether the municipality is a self-referential header row:
// its own parent, or a metro that doubles as its own district.
func (m Municipality) IsMetroHeader() bool {
	if m.ParentMunicipalityCode.Valid && m.ParentMunicipalityCode.String == m.Code {
		return true
	}
	return m.DistrictCode.Valid && m.DistrictCode.String == m.Code
}

// IsSubRegion reports whether the municipality is a sub-region of another municipality.
func (m Municipality) IsSubRegion() bool {
	return m.ParentMunicipalityCode.Valid && m.ParentMunicipalityCode.String != m.Code
}

// Ward is the leaf of the hierarchy.
type Ward struct {
	Code             string `json:"code"`
	Name             string `json:"name"`
	MunicipalityCode string `json:"municipality_code"`
}

// Resolution flags recorded on records whose chain is only partially resolved.
const (
	FlagMunicipalityMissing = "municipality_missing"
	FlagDistrictUnresolved  = "district_unresolved"
	FlagProvinceUnresolved  = "province_unresolved"
)

// GeoChain is the resolved ancestor chain of a ward. Levels that could not be
// resolved are left invalid, never defaulted.
type GeoChain struct {
	WardCode         string      `json:"ward_code"`
	MunicipalityCode null.String `json:"municipality_code"`
	DistrictCode     null.String `json:"district_code"`
	ProvinceCode     null.String `json:"province_code"`
	Flags            []string    `json:"flags,omitempty"`
}

// Complete reports whether every level resolved.
func (c GeoChain) Complete() bool {
	return len(c.Flags) == 0
}

// HasFlag reports whether the chain carries the given resolution flag.
func (c GeoChain) HasFlag(flag string) bool {
	for _, f := range c.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
