package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFinalStatus(t *testing.T) {
	tests := []struct {
		name   string
		total  int
		counts RowCounts
		want   UploadStatus
	}{
		{"all rows accepted", 3, RowCounts{Success: 3}, UploadCompleted},
		{"some rows rejected", 3, RowCounts{Success: 1, Failed: 2}, UploadCompletedWithErrors},
		{"every row rejected", 3, RowCounts{Failed: 3}, UploadFailed},
		{"cancelled before any success", 3, RowCounts{Pending: 3}, UploadFailed},
		{"cancelled after some successes", 4, RowCounts{Success: 2, Pending: 2}, UploadCompletedWithErrors},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FinalStatus(tt.total, tt.counts))
		})
	}
}

func TestUploadStatus_CanTransitionTo(t *testing.T) {
	assert.True(t, UploadPending.CanTransitionTo(UploadProcessing))
	assert.True(t, UploadPending.CanTransitionTo(UploadFailed))
	assert.False(t, UploadPending.CanTransitionTo(UploadCompleted))

	assert.True(t, UploadProcessing.CanTransitionTo(UploadProcessing))
	assert.True(t, UploadProcessing.CanTransitionTo(UploadCompleted))
	assert.True(t, UploadProcessing.CanTransitionTo(UploadCompletedWithErrors))
	assert.True(t, UploadProcessing.CanTransitionTo(UploadFailed))
	assert.False(t, UploadProcessing.CanTransitionTo(UploadPending))

	for _, terminal := range []UploadStatus{UploadCompleted, UploadCompletedWithErrors, UploadFailed} {
		assert.True(t, terminal.IsTerminal())
		assert.False(t, terminal.CanTransitionTo(UploadProcessing), terminal)
		assert.False(t, terminal.CanTransitionTo(UploadFailed), terminal)
	}
}

func TestUploadStatusFrom(t *testing.T) {
	assert.Equal(t, UploadCompletedWithErrors, UploadStatusFrom("completed_with_errors"))
	assert.Equal(t, UploadPending, UploadStatusFrom("bogus"))
}

func TestDeriveSummary(t *testing.T) {
	upload := NewUpload("members.csv", "uploads/x/members.csv", "ops-1")
	upload.TotalRecords = 5
	upload.SuccessfulRecords = 1

	t.Run("active upload never drifts", func(t *testing.T) {
		upload := upload
		upload.Status = UploadProcessing

		summary := DeriveSummary(upload, RowCounts{Success: 3, Failed: 1, Pending: 1})

		assert.Nil(t, summary.Drift)
		assert.Equal(t, 3, summary.SuccessfulRecords)
		assert.Equal(t, 1, summary.FailedRecords)
		assert.Equal(t, 1, summary.Pending)
		assert.False(t, summary.Stale)
	})

	t.Run("terminal upload reports drift", func(t *testing.T) {
		upload := upload
		upload.Status = UploadCompletedWithErrors

		summary := DeriveSummary(upload, RowCounts{Success: 3, Failed: 2})

		if assert.NotNil(t, summary.Drift) {
			assert.Equal(t, RowCounts{Success: 1}, summary.Drift.Stored)
			assert.Equal(t, RowCounts{Success: 3, Failed: 2}, summary.Drift.Recomputed)
		}
		assert.Equal(t, 0, summary.Pending)
	})

	t.Run("matching counters", func(t *testing.T) {
		upload := upload
		upload.Status = UploadCompleted
		upload.SuccessfulRecords = 5

		assert.Nil(t, DeriveSummary(upload, RowCounts{Success: 5}).Drift)
	})

	t.Run("cancel flag", func(t *testing.T) {
		upload := upload
		now := time.Now()
		upload.CancelRequestedAt = &now

		assert.True(t, DeriveSummary(upload, RowCounts{}).Cancelled)
		assert.True(t, upload.Summary().Cancelled)
		assert.True(t, upload.Summary().Stale)
	})
}

func TestNewUpload(t *testing.T) {
	a := NewUpload("a.csv", "k", "u")
	b := NewUpload("a.csv", "k", "u")

	assert.Equal(t, UploadPending, a.Status)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ExternalID, b.ExternalID)
	assert.Len(t, a.ExternalID, 24)
}
