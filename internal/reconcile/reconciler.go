// Package reconcile re-derives upload counters from the per-row status table and
// surfaces any disagreement between the two.
package reconcile

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/memberships/internal/domain"
	"github.com/rpattn/memberships/internal/logging"
	"github.com/rpattn/memberships/internal/metrics"
	"github.com/rpattn/memberships/internal/repository"
)

// Consistency event kinds.
const (
	KindCounterDrift          = "counter_drift"
	KindSuccessWithoutRecord  = "success_without_record"
	KindRecordWithoutSuccess  = "record_without_success"
	KindWardVanishedAfterRead = "ward_not_found_after_validation"
)

// ConsistencyError describes state that should be impossible if the pipeline is
// correct. It is always logged, never silently repaired.
type ConsistencyError struct {
	UploadID uuid.UUID
	Kind     string
	Detail   string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation on upload %s (%s): %s", e.UploadID, e.Kind, e.Detail)
}

// Report logs and counts a consistency violation.
func Report(ctx context.Context, m *metrics.Metrics, violation *ConsistencyError) {
	m.IncrementConsistencyEvent(violation.Kind)
	logging.FromContext(ctx).
		WithError(violation).
		WithFields(logrus.Fields{"upload_id": violation.UploadID, "kind": violation.Kind}).
		Error("consistency violation detected")
}

// Reconciler recomputes upload counters. Safe to call repeatedly and while an
// ingestion run is still active; the result is a point-in-time snapshot.
type Reconciler struct {
	uploads repository.UploadRepository
	rows    repository.UploadRowRepository
	metrics *metrics.Metrics
}

func NewReconciler(uploads repository.UploadRepository, rows repository.UploadRowRepository, m *metrics.Metrics) *Reconciler {
	return &Reconciler{uploads: uploads, rows: rows, metrics: m}
}

// Reconcile counts rows by status, writes the counters back and returns the derived
// summary. A mismatch with the previously stored counters is reported as drift.
func (r *Reconciler) Reconcile(ctx context.Context, uploadID uuid.UUID) (domain.UploadSummary, error) {
	ctx, logger := logging.With(ctx, logrus.Fields{"upload_id": uploadID})

	counts, err := r.rows.CountByStatus(ctx, uploadID)
	if err != nil {
		return domain.UploadSummary{}, errors.Wrap(err, "failed to count upload rows")
	}

	previous, err := r.uploads.UpdateCounters(ctx, uploadID, counts)
	if err != nil {
		return domain.UploadSummary{}, errors.Wrap(err, "failed to write upload counters")
	}

	upload, err := r.uploads.GetByID(ctx, uploadID)
	if err != nil {
		return domain.UploadSummary{}, errors.Wrap(err, "failed to reload upload")
	}

	summary := domain.DeriveSummary(upload, counts)
	if previous.Success != counts.Success || previous.Failed != counts.Failed {
		drift := domain.CounterDrift{
			Stored:     domain.RowCounts{Success: previous.Success, Failed: previous.Failed},
			Recomputed: domain.RowCounts{Success: counts.Success, Failed: counts.Failed},
		}
		if upload.Status.IsTerminal() {
			summary.Drift = &drift
			r.reportDrift(ctx, upload, drift)
		} else {
			// counters are only written here, so an active run always lags behind
			logger.WithFields(logrus.Fields{
				"stored_successful":     drift.Stored.Success,
				"stored_failed":         drift.Stored.Failed,
				"recomputed_successful": drift.Recomputed.Success,
				"recomputed_failed":     drift.Recomputed.Failed,
			}).Debug("upload counters advanced")
		}
	}

	inconsistencies, err := r.rows.FindInconsistencies(ctx, uploadID)
	if err != nil {
		return domain.UploadSummary{}, errors.Wrap(err, "failed to check row consistency")
	}
	for _, found := range inconsistencies {
		kind := KindSuccessWithoutRecord
		if found.Problem == domain.InconsistencyRecordWithoutSuccess {
			kind = KindRecordWithoutSuccess
		}
		Report(ctx, r.metrics, &ConsistencyError{
			UploadID: uploadID,
			Kind:     kind,
			Detail:   fmt.Sprintf("row %d: %s", found.RowNumber, found.Problem),
		})
	}
	summary.Inconsistencies = inconsistencies

	logger.WithFields(logrus.Fields{
		"successful_records": counts.Success,
		"failed_records":     counts.Failed,
		"pending_records":    counts.Pending,
	}).Debug("reconciled upload counters")

	return summary, nil
}

func (r *Reconciler) reportDrift(ctx context.Context, upload domain.Upload, drift domain.CounterDrift) {
	r.metrics.IncrementCounterDrift()
	Report(ctx, r.metrics, &ConsistencyError{
		UploadID: upload.ID,
		Kind:     KindCounterDrift,
		Detail: fmt.Sprintf("stored %d/%d, recomputed %d/%d (successful/failed)",
			drift.Stored.Success, drift.Stored.Failed, drift.Recomputed.Success, drift.Recomputed.Failed),
	})
}
