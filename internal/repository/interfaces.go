package repository

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/rpattn/memberships/internal/domain"
)

var (
	// ErrUploadLocked is returned when another run holds the in-progress marker.
	ErrUploadLocked = errors.New("upload is being processed by another run")

	// ErrLockNotHeld is returned when renewing an in-progress marker that has been
	// released or taken over.
	ErrLockNotHeld = errors.New("upload lock is not held by this run")

	// ErrDuplicateIdentity is returned when an application with the same identity
	// number is already persisted.
	ErrDuplicateIdentity = errors.New("identity number already registered")

	// ErrRowAlreadyFinal is returned when committing an outcome for a row that is no
	// longer pending.
	ErrRowAlreadyFinal = errors.New("upload row already has a terminal outcome")
)

// UploadCursor is a keyset position in an upload listing.
type UploadCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// CursorAfter returns the cursor positioned after upload.
func CursorAfter(upload domain.Upload) *UploadCursor {
	return &UploadCursor{CreatedAt: upload.CreatedAt, ID: upload.ID}
}

// UploadRepository persists uploads and their in-progress markers.
type UploadRepository interface {
	Create(ctx context.Context, upload domain.Upload) (domain.Upload, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Upload, error)
	GetByExternalID(ctx context.Context, externalID string) (domain.Upload, error)
	// ListByStatus lists uploads in a status ordered by creation, starting after the
	// cursor when one is given.
	ListByStatus(ctx context.Context, status domain.UploadStatus, after *UploadCursor, limit int) ([]domain.Upload, error)

	// MarkProcessing moves a pending or processing upload to processing and records the
	// declared row count.
	MarkProcessing(ctx context.Context, id uuid.UUID, totalRecords int) error
	// Finish moves a non-terminal upload to a terminal status.
	Finish(ctx context.Context, id uuid.UUID, status domain.UploadStatus, errorMessage string) error
	// UpdateCounters writes recomputed counters and returns the previously stored ones.
	UpdateCounters(ctx context.Context, id uuid.UUID, counts domain.RowCounts) (domain.RowCounts, error)

	RequestCancel(ctx context.Context, id uuid.UUID) error
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)

	// AcquireLock claims the unique in-progress marker. A marker older than lease is
	// considered abandoned and taken over.
	AcquireLock(ctx context.Context, id uuid.UUID, token uuid.UUID, lease time.Duration) error
	// ExtendLock restarts the lease of a marker still held by token.
	ExtendLock(ctx context.Context, id uuid.UUID, token uuid.UUID) error
	ReleaseLock(ctx context.Context, id uuid.UUID, token uuid.UUID) error

	// Delete purges an upload; its rows go with it, application records are detached.
	Delete(ctx context.Context, id uuid.UUID) error
}

// UploadRowRepository persists per-row outcomes.
type UploadRowRepository interface {
	// InsertPending creates pending rows, ignoring rows that already exist.
	InsertPending(ctx context.Context, rows []domain.UploadRow) error
	ListPending(ctx context.Context, uploadID uuid.UUID) ([]domain.UploadRow, error)
	List(ctx context.Context, filter domain.RowFilter) ([]domain.UploadRow, error)
	CountByStatus(ctx context.Context, uploadID uuid.UUID) (domain.RowCounts, error)

	// CommitSuccess creates the application record and marks the row successful in a
	// single transaction. Returns ErrDuplicateIdentity when the identity number is
	// already registered, leaving nothing written.
	CommitSuccess(ctx context.Context, row domain.UploadRow, application domain.MembershipApplication) error
	// CommitFailure marks the row failed.
	CommitFailure(ctx context.Context, row domain.UploadRow) error

	// FindInconsistencies lists rows whose status disagrees with the record table.
	FindInconsistencies(ctx context.Context, uploadID uuid.UUID) ([]domain.RowInconsistency, error)
}

// ApplicationRepository reads and maintains accepted application records.
type ApplicationRepository interface {
	ExistsByIdentityNumber(ctx context.Context, idNumber string) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.MembershipApplication, error)
	ListPartiallyResolved(ctx context.Context, limit int) ([]domain.MembershipApplication, error)
	// UpdateGeography rewrites the geographic chain of a record together with the
	// resolution flags of the upload row that produced it.
	UpdateGeography(ctx context.Context, id uuid.UUID, chain domain.GeoChain) error
	CountByWard(ctx context.Context) (map[string]int, error)
}

// ReferenceRepository reads the geographic hierarchy and lookup taxonomies.
// Single entity getters return domain.ErrNotFound when the code is unknown.
type ReferenceRepository interface {
	GetWardsByCodes(ctx context.Context, codes []string) ([]domain.Ward, error)
	GetMunicipality(ctx context.Context, code string) (domain.Municipality, error)
	GetDistrict(ctx context.Context, code string) (domain.District, error)
	GetProvince(ctx context.Context, code string) (domain.Province, error)
	ListLookups(ctx context.Context) ([]domain.LookupEntry, error)
}
