package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/memberships/internal/domain"
)

func newMemoryUpload(t *testing.T, store *MemoryStore, rows int) domain.Upload {
	t.Helper()
	ctx := context.Background()

	upload, err := store.Uploads().Create(ctx, domain.NewUpload("members.csv", "uploads/members.csv", "user-1"))
	require.NoError(t, err)

	pending := make([]domain.UploadRow, 0, rows)
	for i := 1; i <= rows; i++ {
		pending = append(pending, domain.UploadRow{UploadID: upload.ID, RowNumber: i, SourceLine: i + 1})
	}
	require.NoError(t, store.Rows().InsertPending(ctx, pending))
	require.NoError(t, store.Uploads().MarkProcessing(ctx, upload.ID, rows))
	return upload
}

func TestMemoryStore_CommitSuccessIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := newMemoryUpload(t, store, 2)

	first := sampleApplication(upload.ID)
	require.NoError(t, store.Rows().CommitSuccess(ctx, domain.UploadRow{UploadID: upload.ID, RowNumber: 1}, first))

	second := sampleApplication(upload.ID)
	second.RowNumber = 2
	err := store.Rows().CommitSuccess(ctx, domain.UploadRow{UploadID: upload.ID, RowNumber: 2}, second)
	assert.True(t, errors.Is(err, ErrDuplicateIdentity))

	_, err = store.Applications().GetByID(ctx, second.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	counts, err := store.Rows().CountByStatus(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RowCounts{Pending: 1, Success: 1}, counts)
}

func TestMemoryStore_RowOutcomeIsFinal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := newMemoryUpload(t, store, 1)
	row := domain.UploadRow{UploadID: upload.ID, RowNumber: 1, ErrorCode: "invalid_email", ErrorMessage: "invalid email"}

	require.NoError(t, store.Rows().CommitFailure(ctx, row))
	err := store.Rows().CommitSuccess(ctx, row, sampleApplication(upload.ID))
	assert.True(t, errors.Is(err, ErrRowAlreadyFinal))

	// re-inserting pending rows must not reset the committed outcome
	require.NoError(t, store.Rows().InsertPending(ctx, []domain.UploadRow{{UploadID: upload.ID, RowNumber: 1}}))
	rows, err := store.Rows().List(ctx, domain.RowFilter{UploadID: upload.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.RowFailed, rows[0].Status)
	assert.Equal(t, "invalid email", rows[0].ErrorMessage)
}

func TestMemoryStore_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := newMemoryUpload(t, store, 20)

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			app := sampleApplication(upload.ID)
			app.RowNumber = i + 1
			errs[i] = store.Rows().CommitSuccess(ctx, domain.UploadRow{UploadID: upload.ID, RowNumber: i + 1}, app)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrDuplicateIdentity))
	}
	assert.Equal(t, 1, succeeded)
}

func TestMemoryStore_LockLease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := newMemoryUpload(t, store, 1)

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	first, second := uuid.New(), uuid.New()
	require.NoError(t, store.Uploads().AcquireLock(ctx, upload.ID, first, time.Minute))
	assert.ErrorIs(t, store.Uploads().AcquireLock(ctx, upload.ID, second, time.Minute), ErrUploadLocked)

	now = now.Add(2 * time.Minute)
	require.NoError(t, store.Uploads().AcquireLock(ctx, upload.ID, second, time.Minute))

	// stale holder cannot release the new marker
	require.NoError(t, store.Uploads().ReleaseLock(ctx, upload.ID, first))
	assert.ErrorIs(t, store.Uploads().AcquireLock(ctx, upload.ID, first, time.Minute), ErrUploadLocked)
}

func TestMemoryStore_ExtendLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := newMemoryUpload(t, store, 1)

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	holder, other := uuid.New(), uuid.New()
	require.NoError(t, store.Uploads().AcquireLock(ctx, upload.ID, holder, time.Minute))

	now = now.Add(50 * time.Second)
	require.NoError(t, store.Uploads().ExtendLock(ctx, upload.ID, holder))

	// renewed at 50s, so still held at 100s
	now = now.Add(50 * time.Second)
	assert.ErrorIs(t, store.Uploads().AcquireLock(ctx, upload.ID, other, time.Minute), ErrUploadLocked)
	assert.ErrorIs(t, store.Uploads().ExtendLock(ctx, upload.ID, other), ErrLockNotHeld)

	now = now.Add(2 * time.Minute)
	require.NoError(t, store.Uploads().AcquireLock(ctx, upload.ID, other, time.Minute))
	assert.ErrorIs(t, store.Uploads().ExtendLock(ctx, upload.ID, holder), ErrLockNotHeld)

	require.NoError(t, store.Uploads().ReleaseLock(ctx, upload.ID, other))
	assert.ErrorIs(t, store.Uploads().ExtendLock(ctx, upload.ID, other), ErrLockNotHeld)
}

func TestMemoryStore_ListByStatusPages(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	createdAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	want := map[uuid.UUID]bool{}
	for i := 0; i < 5; i++ {
		upload := domain.NewUpload("members.csv", "k", "user-1")
		// identical timestamps fall back to id order
		upload.CreatedAt = createdAt.Add(time.Duration(i/2) * time.Second)
		_, err := store.Uploads().Create(ctx, upload)
		require.NoError(t, err)
		want[upload.ID] = true
	}

	seen := map[uuid.UUID]bool{}
	var after *UploadCursor
	pages := 0
	for {
		page, err := store.Uploads().ListByStatus(ctx, domain.UploadPending, after, 2)
		require.NoError(t, err)
		pages++
		for _, upload := range page {
			assert.False(t, seen[upload.ID], "upload listed twice")
			seen[upload.ID] = true
		}
		if len(page) < 2 {
			break
		}
		after = CursorAfter(page[len(page)-1])
	}
	assert.Equal(t, want, seen)
	assert.Equal(t, 3, pages)
}

func TestMemoryStore_UpdateGeographyRewritesRowFlags(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := newMemoryUpload(t, store, 1)

	app := sampleApplication(upload.ID)
	app.ResolutionFlags = []string{domain.FlagDistrictUnresolved, domain.FlagProvinceUnresolved}
	require.NoError(t, store.Rows().CommitSuccess(ctx, domain.UploadRow{UploadID: upload.ID, RowNumber: 1}, app))

	require.NoError(t, store.Applications().UpdateGeography(ctx, app.ID, domain.GeoChain{
		WardCode: app.WardCode,
		Flags:    []string{domain.FlagProvinceUnresolved},
	}))

	rows, err := store.Rows().List(ctx, domain.RowFilter{UploadID: upload.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{domain.FlagProvinceUnresolved}, rows[0].ResolutionFlags)

	stored, err := store.Applications().GetByID(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.FlagProvinceUnresolved}, stored.ResolutionFlags)
}

func TestMemoryStore_Transitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := newMemoryUpload(t, store, 1)

	require.NoError(t, store.Uploads().Finish(ctx, upload.ID, domain.UploadCompleted, ""))
	err := store.Uploads().MarkProcessing(ctx, upload.ID, 1)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	err = store.Uploads().RequestCancel(ctx, upload.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestMemoryStore_UpdateCountersWithinTotal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := newMemoryUpload(t, store, 3)

	previous, err := store.Uploads().UpdateCounters(ctx, upload.ID, domain.RowCounts{Success: 1, Failed: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.RowCounts{}, previous)

	_, err = store.Uploads().UpdateCounters(ctx, upload.ID, domain.RowCounts{Success: 2, Failed: 2})
	assert.Error(t, err)
}

func TestMemoryStore_FindInconsistencies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := newMemoryUpload(t, store, 1)

	app := sampleApplication(upload.ID)
	require.NoError(t, store.Rows().CommitSuccess(ctx, domain.UploadRow{UploadID: upload.ID, RowNumber: 1}, app))

	found, err := store.Rows().FindInconsistencies(ctx, upload.ID)
	require.NoError(t, err)
	assert.Empty(t, found)

	store.DeleteApplication(app.ID)
	found, err = store.Rows().FindInconsistencies(ctx, upload.ID)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, domain.InconsistencySuccessWithoutRecord, found[0].Problem)
	assert.Equal(t, 1, found[0].RowNumber)
}

func TestMemoryStore_DeleteDetachesApplications(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := newMemoryUpload(t, store, 1)

	app := sampleApplication(upload.ID)
	require.NoError(t, store.Rows().CommitSuccess(ctx, domain.UploadRow{UploadID: upload.ID, RowNumber: 1}, app))
	require.NoError(t, store.Uploads().Delete(ctx, upload.ID))

	stored, err := store.Applications().GetByID(ctx, app.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.UploadID)

	rows, err := store.Rows().List(ctx, domain.RowFilter{UploadID: upload.ID})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
