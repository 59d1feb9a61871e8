package domain

import (
	"time"

	"github.com/google/uuid"
)

// RowStatus is the outcome of one source row.
type RowStatus string

const (
	RowPending RowStatus = "pending"
	RowSuccess RowStatus = "success"
	RowFailed  RowStatus = "failed"
)

// RowStatusFrom parses a stored row status.
func RowStatusFrom(s string) RowStatus {
	switch RowStatus(s) {
	case RowSuccess, RowFailed:
		return RowStatus(s)
	}
	return RowPending
}

// IsTerminal reports whether the row outcome is final.
func (s RowStatus) IsTerminal() bool {
	return s == RowSuccess || s == RowFailed
}

// RawRow is one parsed source row keyed by normalised header.
type RawRow map[string]string

// Get returns the trimmed value for a column.
func (r RawRow) Get(column string) string {
	return r[column]
}

// UploadRow captures the outcome of one input row of an upload.
type UploadRow struct {
	UploadID        uuid.UUID  `json:"upload_id"`
	RowNumber       int        `json:"row_number"`
	SourceLine      int        `json:"source_line"`
	RawData         RawRow     `json:"raw_data"`
	RecordID        *uuid.UUID `json:"record_id,omitempty"`
	Status          RowStatus  `json:"record_status"`
	ErrorCode       string     `json:"error_code,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ResolutionFlags []string   `json:"resolution_flags,omitempty"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

// Succeeded returns the row in Success state linked to its record.
func (r UploadRow) Succeeded(recordID uuid.UUID, flags []string, at time.Time) UploadRow {
	r.Status = RowSuccess
	r.RecordID = &recordID
	r.ErrorCode = ""
	r.ErrorMessage = ""
	r.ResolutionFlags = flags
	r.ProcessedAt = &at
	return r
}

// Failed returns the row in Failed state with a human readable error.
func (r UploadRow) Failed(code, message string, at time.Time) UploadRow {
	r.Status = RowFailed
	r.RecordID = nil
	r.ErrorCode = code
	r.ErrorMessage = message
	r.ProcessedAt = &at
	return r
}

// RowFilter selects upload rows for the row detail query.
type RowFilter struct {
	UploadID uuid.UUID
	Status   RowStatus
	Limit    int
	Offset   int
}

// RowInconsistency describes a row whose status disagrees with the record table.
type RowInconsistency struct {
	RowNumber int        `json:"row_number"`
	Status    RowStatus  `json:"record_status"`
	RecordID  *uuid.UUID `json:"record_id,omitempty"`
	Problem   string     `json:"problem"`
}

const (
	InconsistencySuccessWithoutRecord = "success row without application record"
	InconsistencyRecordWithoutSuccess = "application record without success row"
)
