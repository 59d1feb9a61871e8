package repository

import (
	"context"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rpattn/memberships/internal/domain"
)

const (
	tableUploadRows = "upload_rows"

	// insertChunkSize bounds the number of rows per multi-values INSERT.
	insertChunkSize = 500
)

var uploadRowColumns = []string{
	"upload_id",
	"row_number",
	"source_line",
	"raw_data",
	"record_id",
	"record_status",
	"error_code",
	"error_message",
	"resolution_flags",
	"processed_at",
}

type uploadRowRepository struct {
	pool Pool
}

// NewUploadRowRepository wires an upload row repository backed by pgx.
func NewUploadRowRepository(pool Pool) UploadRowRepository {
	return &uploadRowRepository{pool: pool}
}

func scanUploadRow(row pgx.Row) (domain.UploadRow, error) {
	var (
		out          domain.UploadRow
		rawData      []byte
		status       string
		errorCode    *string
		errorMessage *string
	)
	if err := row.Scan(
		&out.UploadID,
		&out.RowNumber,
		&out.SourceLine,
		&rawData,
		&out.RecordID,
		&status,
		&errorCode,
		&errorMessage,
		&out.ResolutionFlags,
		&out.ProcessedAt,
	); err != nil {
		return domain.UploadRow{}, err
	}

	out.Status = domain.RowStatusFrom(status)
	if errorCode != nil {
		out.ErrorCode = *errorCode
	}
	if errorMessage != nil {
		out.ErrorMessage = *errorMessage
	}
	if len(rawData) > 0 {
		if err := json.Unmarshal(rawData, &out.RawData); err != nil {
			return domain.UploadRow{}, errors.Wrap(err, "failed to decode raw row snapshot")
		}
	}
	return out, nil
}

// InsertPending creates pending rows; rows already present are left untouched so a
// resumed run never resets committed outcomes.
func (r *uploadRowRepository) InsertPending(ctx context.Context, rows []domain.UploadRow) error {
	for start := 0; start < len(rows); start += insertChunkSize {
		end := min(start+insertChunkSize, len(rows))

		builder := psql.Insert(tableUploadRows).
			Columns("upload_id", "row_number", "source_line", "raw_data", "record_status").
			Suffix("ON CONFLICT (upload_id, row_number) DO NOTHING")
		for _, row := range rows[start:end] {
			rawData, err := json.Marshal(row.RawData)
			if err != nil {
				return errors.Wrapf(err, "failed to encode row %d", row.RowNumber)
			}
			builder = builder.Values(row.UploadID, row.RowNumber, row.SourceLine, string(rawData), string(domain.RowPending))
		}

		if _, err := execBuilder(ctx, r.pool, builder); err != nil {
			return errors.Wrap(err, "failed to insert upload rows")
		}
	}
	return nil
}

func (r *uploadRowRepository) ListPending(ctx context.Context, uploadID uuid.UUID) ([]domain.UploadRow, error) {
	return r.list(ctx, psql.Select(uploadRowColumns...).
		From(tableUploadRows).
		Where(sq.Eq{"upload_id": uploadID, "record_status": string(domain.RowPending)}).
		OrderBy("row_number"))
}

// List returns rows for the row detail query, optionally filtered by status
func (r *uploadRowRepository) List(ctx context.Context, filter domain.RowFilter) ([]domain.UploadRow, error) {
	where := sq.Eq{"upload_id": filter.UploadID}
	if filter.Status != "" {
		where["record_status"] = string(filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	offset := max(filter.Offset, 0)

	return r.list(ctx, psql.Select(uploadRowColumns...).
		From(tableUploadRows).
		Where(where).
		OrderBy("row_number").
		Limit(uint64(limit)).
		Offset(uint64(offset)))
}

func (r *uploadRowRepository) list(ctx context.Context, builder sq.SelectBuilder) ([]domain.UploadRow, error) {
	rows, err := queryBuilder(ctx, r.pool, builder)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list upload rows")
	}
	defer rows.Close()

	out := []domain.UploadRow{}
	for rows.Next() {
		row, err := scanUploadRow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan upload row")
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate upload rows")
	}
	return out, nil
}

func (r *uploadRowRepository) CountByStatus(ctx context.Context, uploadID uuid.UUID) (domain.RowCounts, error) {
	rows, err := queryBuilder(ctx, r.pool, psql.Select("record_status", "count(*)").
		From(tableUploadRows).
		Where(sq.Eq{"upload_id": uploadID}).
		GroupBy("record_status"))
	if err != nil {
		return domain.RowCounts{}, errors.Wrap(err, "failed to count upload rows")
	}
	defer rows.Close()

	var counts domain.RowCounts
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return domain.RowCounts{}, errors.Wrap(err, "failed to scan row count")
		}
		switch domain.RowStatusFrom(status) {
		case domain.RowSuccess:
			counts.Success = count
		case domain.RowFailed:
			counts.Failed = count
		default:
			counts.Pending = count
		}
	}
	if err := rows.Err(); err != nil {
		return domain.RowCounts{}, errors.Wrap(err, "failed to iterate row counts")
	}
	return counts, nil
}

func (r *uploadRowRepository) CommitSuccess(ctx context.Context, row domain.UploadRow, application domain.MembershipApplication) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := insertApplication(ctx, tx, application); err != nil {
			return err
		}

		tag, err := execBuilder(ctx, tx, psql.Update(tableUploadRows).
			Set("record_status", string(domain.RowSuccess)).
			Set("record_id", application.ID).
			Set("resolution_flags", nonNilFlags(application.ResolutionFlags)).
			Set("error_code", nil).
			Set("error_message", nil).
			Set("processed_at", sq.Expr("now()")).
			Where(sq.Eq{"upload_id": row.UploadID, "row_number": row.RowNumber, "record_status": string(domain.RowPending)}))
		if err != nil {
			return errors.Wrap(err, "failed to mark row successful")
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(ErrRowAlreadyFinal, "row %d", row.RowNumber)
		}
		return nil
	})
}

func (r *uploadRowRepository) CommitFailure(ctx context.Context, row domain.UploadRow) error {
	tag, err := execBuilder(ctx, r.pool, psql.Update(tableUploadRows).
		Set("record_status", string(domain.RowFailed)).
		Set("record_id", nil).
		Set("error_code", row.ErrorCode).
		Set("error_message", row.ErrorMessage).
		Set("processed_at", sq.Expr("now()")).
		Where(sq.Eq{"upload_id": row.UploadID, "row_number": row.RowNumber, "record_status": string(domain.RowPending)}))
	if err != nil {
		return errors.Wrap(err, "failed to mark row failed")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrRowAlreadyFinal, "row %d", row.RowNumber)
	}
	return nil
}

func (r *uploadRowRepository) FindInconsistencies(ctx context.Context, uploadID uuid.UUID) ([]domain.RowInconsistency, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT r.row_number, r.record_status, r.record_id, $2::text
		 FROM upload_rows r
		 LEFT JOIN membership_applications a ON a.id = r.record_id
		 WHERE r.upload_id = $1 AND r.record_status = 'success' AND a.id IS NULL
		 UNION ALL
		 SELECT a.row_number, COALESCE(r.record_status, 'pending'), a.id, $3::text
		 FROM membership_applications a
		 LEFT JOIN upload_rows r ON r.upload_id = a.upload_id AND r.row_number = a.row_number
		 WHERE a.upload_id = $1
		   AND (r.record_status IS DISTINCT FROM 'success' OR r.record_id IS DISTINCT FROM a.id)
		 ORDER BY 1`,
		uploadID,
		domain.InconsistencySuccessWithoutRecord,
		domain.InconsistencyRecordWithoutSuccess,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check row consistency")
	}
	defer rows.Close()

	out := []domain.RowInconsistency{}
	for rows.Next() {
		var (
			item   domain.RowInconsistency
			status string
		)
		if err := rows.Scan(&item.RowNumber, &status, &item.RecordID, &item.Problem); err != nil {
			return nil, errors.Wrap(err, "failed to scan inconsistency")
		}
		item.Status = domain.RowStatusFrom(status)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate inconsistencies")
	}
	return out, nil
}

func nonNilFlags(flags []string) []string {
	if flags == nil {
		return []string{}
	}
	return flags
}
