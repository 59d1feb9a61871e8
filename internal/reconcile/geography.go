package reconcile

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/memberships/internal/domain"
	"github.com/rpattn/memberships/internal/geo"
	"github.com/rpattn/memberships/internal/logging"
	"github.com/rpattn/memberships/internal/metrics"
	"github.com/rpattn/memberships/internal/repository"
)

// RepairResult summarises one geography repair pass.
type RepairResult struct {
	Examined     int `json:"examined"`
	Repaired     int `json:"repaired"`
	StillPartial int `json:"still_partial"`
}

// GeographyRepairer re-resolves records accepted with a partial chain, once the
// reference data has been corrected.
type GeographyRepairer struct {
	applications repository.ApplicationRepository
	resolver     *geo.Resolver
	metrics      *metrics.Metrics
}

func NewGeographyRepairer(applications repository.ApplicationRepository, resolver *geo.Resolver, m *metrics.Metrics) *GeographyRepairer {
	return &GeographyRepairer{applications: applications, resolver: resolver, metrics: m}
}

// Repair examines up to limit flagged records and writes back every chain that
// resolves further than before.
func (g *GeographyRepairer) Repair(ctx context.Context, limit int) (RepairResult, error) {
	logger := logging.FromContext(ctx)

	apps, err := g.applications.ListPartiallyResolved(ctx, limit)
	if err != nil {
		return RepairResult{}, err
	}

	var result RepairResult
	for _, app := range apps {
		result.Examined++

		chain, err := g.resolver.Resolve(ctx, app.WardCode)
		if errors.Is(err, geo.ErrWardNotFound) {
			uploadID := uuid.Nil
			if app.UploadID != nil {
				uploadID = *app.UploadID
			}
			Report(ctx, g.metrics, &ConsistencyError{
				UploadID: uploadID,
				Kind:     KindWardVanishedAfterRead,
				Detail:   "accepted record " + app.ID.String() + " references unknown ward " + app.WardCode,
			})
			result.StillPartial++
			continue
		}
		if err != nil {
			return result, errors.Wrapf(err, "failed to resolve ward %s", app.WardCode)
		}

		if !improves(app, chain) {
			result.StillPartial++
			continue
		}
		if err := g.applications.UpdateGeography(ctx, app.ID, chain); err != nil {
			return result, errors.Wrapf(err, "failed to update application %s", app.ID)
		}
		if !chain.Complete() {
			result.StillPartial++
		}
		result.Repaired++
		logger.WithFields(logrus.Fields{
			"application_id": app.ID,
			"ward_code":      app.WardCode,
			"flags":          chain.Flags,
		}).Info("repaired application geography")
	}
	return result, nil
}

// improves reports whether chain resolves strictly more levels than the stored record.
func improves(app domain.MembershipApplication, chain domain.GeoChain) bool {
	if len(chain.Flags) >= len(app.ResolutionFlags) {
		return false
	}
	for _, flag := range chain.Flags {
		if !slices.Contains(app.ResolutionFlags, flag) {
			return false
		}
	}
	return true
}
