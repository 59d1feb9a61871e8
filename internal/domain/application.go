package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v5"
	"github.com/shopspring/decimal"
)

// MembershipApplication is the record accepted from a valid row.
type MembershipApplication struct {
	ID               uuid.UUID       `json:"id"`
	UploadID         *uuid.UUID      `json:"upload_id,omitempty"`
	RowNumber        int             `json:"row_number"`
	FirstName        string          `json:"first_name"`
	LastName         string          `json:"last_name"`
	IDNumber         string          `json:"id_number"`
	DateOfBirth      time.Time       `json:"date_of_birth"`
	Gender           string          `json:"gender"`
	CellNumber       null.String     `json:"cell_number"`
	Email            null.String     `json:"email"`
	Qualification    null.String     `json:"qualification"`
	Occupation       null.String     `json:"occupation"`
	WardCode         string          `json:"ward_code"`
	MunicipalityCode null.String     `json:"municipality_code"`
	DistrictCode     null.String     `json:"district_code"`
	ProvinceCode     null.String     `json:"province_code"`
	ResolutionFlags  []string        `json:"resolution_flags,omitempty"`
	PaymentMethod    null.String     `json:"payment_method"`
	PaymentReference null.String     `json:"payment_reference"`
	PaymentAmount    decimal.Decimal `json:"payment_amount"`
	PaymentDate      null.Time       `json:"payment_date"`
	CreatedAt        time.Time       `json:"created_at"`
}

// WithGeography returns a copy carrying the resolved chain.
func (a MembershipApplication) WithGeography(chain GeoChain) MembershipApplication {
	a.WardCode = chain.WardCode
	a.MunicipalityCode = chain.MunicipalityCode
	a.DistrictCode = chain.DistrictCode
	a.ProvinceCode = chain.ProvinceCode
	a.ResolutionFlags = append([]string(nil), chain.Flags...)
	return a
}

// PartiallyResolved reports whether the record was accepted with partial geography.
func (a MembershipApplication) PartiallyResolved() bool {
	return len(a.ResolutionFlags) > 0
}
