// Package reference gives the ingestion core read-only access to the geographic
// hierarchy and lookup taxonomies.
package reference

import (
	"context"

	"github.com/rpattn/memberships/internal/domain"
)

// ErrNotFound is the explicit not-found signal of every accessor. The store never
// synthesises an entity for an unknown code.
var ErrNotFound = domain.ErrNotFound

// Store is the reference data the validator and resolver read.
type Store interface {
	GetWard(ctx context.Context, code string) (domain.Ward, error)
	GetMunicipality(ctx context.Context, code string) (domain.Municipality, error)
	GetDistrict(ctx context.Context, code string) (domain.District, error)
	GetProvince(ctx context.Context, code string) (domain.Province, error)

	// LookupExists matches value against a taxonomy by code or name, ignoring case.
	LookupExists(ctx context.Context, kind domain.LookupKind, value string) (bool, error)
}
