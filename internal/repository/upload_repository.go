package repository

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rpattn/memberships/internal/domain"
)

const tableUploads = "uploads"

var uploadColumns = []string{
	"id",
	"external_id",
	"file_name",
	"file_key",
	"user_id",
	"total_records",
	"successful_records",
	"failed_records",
	"status",
	"error_message",
	"cancel_requested_at",
	"created_at",
	"started_at",
	"finished_at",
}

var openStatuses = []string{string(domain.UploadPending), string(domain.UploadProcessing)}

type uploadRepository struct {
	pool Pool
}

// NewUploadRepository wires an upload repository backed by pgx.
func NewUploadRepository(pool Pool) UploadRepository {
	return &uploadRepository{pool: pool}
}

func scanUpload(row pgx.Row) (domain.Upload, error) {
	var (
		upload       domain.Upload
		status       string
		errorMessage *string
	)
	err := row.Scan(
		&upload.ID,
		&upload.ExternalID,
		&upload.FileName,
		&upload.FileKey,
		&upload.UserID,
		&upload.TotalRecords,
		&upload.SuccessfulRecords,
		&upload.FailedRecords,
		&status,
		&errorMessage,
		&upload.CancelRequestedAt,
		&upload.CreatedAt,
		&upload.StartedAt,
		&upload.FinishedAt,
	)
	if err != nil {
		return domain.Upload{}, err
	}
	upload.Status = domain.UploadStatusFrom(status)
	if errorMessage != nil {
		upload.ErrorMessage = *errorMessage
	}
	return upload, nil
}

// Create inserts a new upload
func (r *uploadRepository) Create(ctx context.Context, upload domain.Upload) (domain.Upload, error) {
	row, err := queryRowBuilder(ctx, r.pool, psql.Insert(tableUploads).
		Columns("id", "external_id", "file_name", "file_key", "user_id", "status", "created_at").
		Values(upload.ID, upload.ExternalID, upload.FileName, upload.FileKey, upload.UserID, string(upload.Status), upload.CreatedAt).
		Suffix("RETURNING "+joinColumns(uploadColumns)))
	if err != nil {
		return domain.Upload{}, err
	}

	created, err := scanUpload(row)
	if err != nil {
		return domain.Upload{}, errors.Wrap(err, "failed to create upload")
	}
	return created, nil
}

// GetByID retrieves an upload by ID
func (r *uploadRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Upload, error) {
	return r.getOne(ctx, sq.Eq{"id": id})
}

// GetByExternalID retrieves an upload by its opaque external identifier
func (r *uploadRepository) GetByExternalID(ctx context.Context, externalID string) (domain.Upload, error) {
	return r.getOne(ctx, sq.Eq{"external_id": externalID})
}

func (r *uploadRepository) getOne(ctx context.Context, where sq.Eq) (domain.Upload, error) {
	row, err := queryRowBuilder(ctx, r.pool, psql.Select(uploadColumns...).From(tableUploads).Where(where))
	if err != nil {
		return domain.Upload{}, err
	}
	upload, err := scanUpload(row)
	if err != nil {
		return domain.Upload{}, errors.Wrap(notFound(err), "failed to get upload")
	}
	return upload, nil
}

// ListByStatus lists uploads in a status, oldest first
func (r *uploadRepository) ListByStatus(ctx context.Context, status domain.UploadStatus, after *UploadCursor, limit int) ([]domain.Upload, error) {
	if limit <= 0 {
		limit = 100
	}
	query := psql.Select(uploadColumns...).
		From(tableUploads).
		Where(sq.Eq{"status": string(status)})
	if after != nil {
		query = query.Where(sq.Expr("(created_at, id) > (?, ?)", after.CreatedAt, after.ID))
	}
	rows, err := queryBuilder(ctx, r.pool, query.
		OrderBy("created_at", "id").
		Limit(uint64(limit)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list uploads")
	}
	defer rows.Close()

	uploads := []domain.Upload{}
	for rows.Next() {
		upload, err := scanUpload(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan upload")
		}
		uploads = append(uploads, upload)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate uploads")
	}
	return uploads, nil
}

func (r *uploadRepository) MarkProcessing(ctx context.Context, id uuid.UUID, totalRecords int) error {
	tag, err := execBuilder(ctx, r.pool, psql.Update(tableUploads).
		Set("status", string(domain.UploadProcessing)).
		Set("total_records", totalRecords).
		Set("started_at", sq.Expr("COALESCE(started_at, now())")).
		Where(sq.Eq{"id": id, "status": openStatuses}))
	if err != nil {
		return errors.Wrap(err, "failed to mark upload processing")
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id, domain.UploadProcessing)
	}
	return nil
}

func (r *uploadRepository) Finish(ctx context.Context, id uuid.UUID, status domain.UploadStatus, errorMessage string) error {
	if !status.IsTerminal() {
		return errors.Wrapf(domain.ErrInvalidTransition, "%s is not a terminal status", status)
	}
	tag, err := execBuilder(ctx, r.pool, psql.Update(tableUploads).
		Set("status", string(status)).
		Set("error_message", sq.Expr("NULLIF(?, '')", errorMessage)).
		Set("finished_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id, "status": openStatuses}))
	if err != nil {
		return errors.Wrap(err, "failed to finish upload")
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id, status)
	}
	return nil
}

func (r *uploadRepository) transitionError(ctx context.Context, id uuid.UUID, next domain.UploadStatus) error {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return errors.Wrapf(domain.ErrInvalidTransition, "%s -> %s", current.Status, next)
}

func (r *uploadRepository) UpdateCounters(ctx context.Context, id uuid.UUID, counts domain.RowCounts) (domain.RowCounts, error) {
	var previous domain.RowCounts
	err := r.pool.QueryRow(
		ctx,
		`WITH previous AS (
			SELECT id, successful_records, failed_records FROM uploads WHERE id = $1 FOR UPDATE
		)
		UPDATE uploads u
		SET successful_records = $2, failed_records = $3
		FROM previous
		WHERE u.id = previous.id
		RETURNING previous.successful_records, previous.failed_records`,
		id,
		counts.Success,
		counts.Failed,
	).Scan(&previous.Success, &previous.Failed)
	if err != nil {
		return domain.RowCounts{}, errors.Wrap(notFound(err), "failed to update upload counters")
	}
	return previous, nil
}

func (r *uploadRepository) RequestCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := execBuilder(ctx, r.pool, psql.Update(tableUploads).
		Set("cancel_requested_at", sq.Expr("COALESCE(cancel_requested_at, now())")).
		Where(sq.Eq{"id": id, "status": openStatuses}))
	if err != nil {
		return errors.Wrap(err, "failed to request cancellation")
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id, domain.UploadFailed)
	}
	return nil
}

func (r *uploadRepository) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := r.pool.QueryRow(ctx, `SELECT cancel_requested_at IS NOT NULL FROM uploads WHERE id = $1`, id).Scan(&requested)
	if err != nil {
		return false, errors.Wrap(notFound(err), "failed to read cancellation flag")
	}
	return requested, nil
}

func (r *uploadRepository) AcquireLock(ctx context.Context, id uuid.UUID, token uuid.UUID, lease time.Duration) error {
	var acquired uuid.UUID
	err := r.pool.QueryRow(
		ctx,
		`INSERT INTO upload_locks (upload_id, token, acquired_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (upload_id) DO UPDATE
		   SET token = EXCLUDED.token, acquired_at = EXCLUDED.acquired_at
		   WHERE upload_locks.acquired_at < now() - make_interval(secs => $3)
		 RETURNING token`,
		id,
		token,
		lease.Seconds(),
	).Scan(&acquired)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUploadLocked
	}
	if err != nil {
		return errors.Wrap(err, "failed to acquire upload lock")
	}
	return nil
}

func (r *uploadRepository) ExtendLock(ctx context.Context, id uuid.UUID, token uuid.UUID) error {
	tag, err := execBuilder(ctx, r.pool, psql.Update("upload_locks").
		Set("acquired_at", sq.Expr("now()")).
		Where(sq.Eq{"upload_id": id, "token": token}))
	if err != nil {
		return errors.Wrap(err, "failed to extend upload lock")
	}
	if tag.RowsAffected() == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (r *uploadRepository) ReleaseLock(ctx context.Context, id uuid.UUID, token uuid.UUID) error {
	_, err := execBuilder(ctx, r.pool, psql.Delete("upload_locks").Where(sq.Eq{"upload_id": id, "token": token}))
	if err != nil {
		return errors.Wrap(err, "failed to release upload lock")
	}
	return nil
}

// Delete removes an upload and its row history
func (r *uploadRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := execBuilder(ctx, r.pool, psql.Delete(tableUploads).Where(sq.Eq{"id": id}))
	if err != nil {
		return errors.Wrap(err, "failed to delete upload")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
