package domain

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by stores when the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an upload status change violates the lifecycle.
	ErrInvalidTransition = errors.New("invalid upload status transition")
)

// UploadStatus is the lifecycle state of an ingestion job.
type UploadStatus string

const (
	UploadPending             UploadStatus = "pending"
	UploadProcessing          UploadStatus = "processing"
	UploadCompleted           UploadStatus = "completed"
	UploadCompletedWithErrors UploadStatus = "completed_with_errors"
	UploadFailed              UploadStatus = "failed"
)

// UploadStatusFrom parses a stored status, defaulting to pending for unknown values.
func UploadStatusFrom(s string) UploadStatus {
	switch UploadStatus(s) {
	case UploadProcessing, UploadCompleted, UploadCompletedWithErrors, UploadFailed:
		return UploadStatus(s)
	}
	return UploadPending
}

// IsTerminal reports whether no further processing may happen for the upload.
func (s UploadStatus) IsTerminal() bool {
	switch s {
	case UploadCompleted, UploadCompletedWithErrors, UploadFailed:
		return true
	}
	return false
}

// CanTransitionTo encodes pending -> processing -> {completed, completed_with_errors, failed}.
// A pending upload may fail directly when the source cannot be read.
func (s UploadStatus) CanTransitionTo(next UploadStatus) bool {
	switch s {
	case UploadPending:
		return next == UploadProcessing || next == UploadFailed
	case UploadProcessing:
		return next == UploadProcessing || next.IsTerminal()
	}
	return false
}

// Upload is one bulk ingestion job for a single submitted file.
type Upload struct {
	ID                uuid.UUID    `json:"id"`
	ExternalID        string       `json:"external_id"`
	FileName          string       `json:"file_name"`
	FileKey           string       `json:"file_key"`
	UserID            string       `json:"user_id"`
	TotalRecords      int          `json:"total_records"`
	SuccessfulRecords int          `json:"successful_records"`
	FailedRecords     int          `json:"failed_records"`
	Status            UploadStatus `json:"status"`
	ErrorMessage      string       `json:"error_message,omitempty"`
	CancelRequestedAt *time.Time   `json:"cancel_requested_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	StartedAt         *time.Time   `json:"started_at,omitempty"`
	FinishedAt        *time.Time   `json:"finished_at,omitempty"`
}

// NewUpload creates a pending upload with a fresh opaque external identifier.
func NewUpload(fileName, fileKey, userID string) Upload {
	return Upload{
		ID:         uuid.New(),
		ExternalID: NewExternalID(),
		FileName:   fileName,
		FileKey:    fileKey,
		UserID:     userID,
		Status:     UploadPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// NewExternalID returns a URL-safe random token.
func NewExternalID() string {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Counters returns the stored aggregate counters.
func (u Upload) Counters() RowCounts {
	return RowCounts{Success: u.SuccessfulRecords, Failed: u.FailedRecords}
}

// Summary returns the upload as stored, without re-deriving counters.
func (u Upload) Summary() UploadSummary {
	return UploadSummary{
		UploadID:          u.ID,
		ExternalID:        u.ExternalID,
		Status:            u.Status,
		TotalRecords:      u.TotalRecords,
		SuccessfulRecords: u.SuccessfulRecords,
		FailedRecords:     u.FailedRecords,
		Pending:           max(u.TotalRecords-u.SuccessfulRecords-u.FailedRecords, 0),
		Cancelled:         u.CancelRequestedAt != nil,
		ErrorMessage:      u.ErrorMessage,
		Stale:             true,
	}
}

// RowCounts is a count of upload rows grouped by status.
type RowCounts struct {
	Pending int `json:"pending"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Terminal is the number of rows in a terminal status.
func (c RowCounts) Terminal() int {
	return c.Success + c.Failed
}

// UploadSummary is the externally visible state of an upload.
type UploadSummary struct {
	UploadID          uuid.UUID    `json:"upload_id"`
	ExternalID        string       `json:"external_id"`
	Status            UploadStatus `json:"status"`
	TotalRecords      int          `json:"total_records"`
	SuccessfulRecords int          `json:"successful_records"`
	FailedRecords     int          `json:"failed_records"`
	Pending           int          `json:"pending"`
	Cancelled         bool         `json:"cancelled"`
	ErrorMessage      string       `json:"error_message,omitempty"`
	// Stale marks a summary read from cached counters rather than derived from rows.
	Stale bool `json:"stale"`
	// Drift is set when the stored counters disagreed with the row table.
	Drift *CounterDrift `json:"drift,omitempty"`
	// Inconsistencies lists rows whose status disagrees with the record table.
	Inconsistencies []RowInconsistency `json:"inconsistencies,omitempty"`
}

// CounterDrift records a disagreement between stored and recomputed counters.
type CounterDrift struct {
	Stored     RowCounts `json:"stored"`
	Recomputed RowCounts `json:"recomputed"`
}

// DeriveSummary builds a summary from authoritative row counts. Drift is reported
// for terminal uploads whose stored counters disagree.
func DeriveSummary(u Upload, counts RowCounts) UploadSummary {
	summary := UploadSummary{
		UploadID:          u.ID,
		ExternalID:        u.ExternalID,
		Status:            u.Status,
		TotalRecords:      u.TotalRecords,
		SuccessfulRecords: counts.Success,
		FailedRecords:     counts.Failed,
		Pending:           max(u.TotalRecords-counts.Terminal(), 0),
		Cancelled:         u.CancelRequestedAt != nil,
		ErrorMessage:      u.ErrorMessage,
	}
	// an active run has not written its counters yet, so only terminal uploads can drift
	if stored := u.Counters(); u.Status.IsTerminal() && (stored.Success != counts.Success || stored.Failed != counts.Failed) {
		summary.Drift = &CounterDrift{Stored: stored, Recomputed: RowCounts{Success: counts.Success, Failed: counts.Failed}}
	}
	return summary
}

// FinalStatus derives the terminal status from committed row outcomes.
// Zero successes is a total data-quality failure.
func FinalStatus(total int, counts RowCounts) UploadStatus {
	switch {
	case counts.Success == 0:
		return UploadFailed
	case counts.Success == total && counts.Failed == 0:
		return UploadCompleted
	default:
		return UploadCompletedWithErrors
	}
}
