// Package ingestion runs an uploaded membership file through validation, geographic
// resolution and atomic persistence, one outcome per source row.
package ingestion

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/cockroachdb/errors"
	playground "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/memberships/internal/domain"
	"github.com/rpattn/memberships/internal/geo"
	"github.com/rpattn/memberships/internal/logging"
	"github.com/rpattn/memberships/internal/metrics"
	"github.com/rpattn/memberships/internal/reconcile"
	"github.com/rpattn/memberships/internal/repository"
	"github.com/rpattn/memberships/internal/storage"
	"github.com/rpattn/memberships/internal/validation"
)

// CodePersistenceError marks a row whose outcome could not be stored after retries.
const CodePersistenceError = "persistence_error"

const resumePageSize = 100

var (
	// ErrUploadInProgress is returned when another run holds the upload.
	ErrUploadInProgress = errors.New("upload is already being processed")

	// ErrUploadNotTerminal is returned when purging an upload that may still change.
	ErrUploadNotTerminal = errors.New("upload has not finished")

	// ErrCancelled is the cause attached to a run stopped by a cancel request.
	ErrCancelled = errors.New("upload cancelled")

	// ErrLockLost is returned when another run took over the upload mid-run. Nothing
	// is finished; the rows committed so far stay.
	ErrLockLost = errors.New("upload lock taken over by another run")

	requestValidator = playground.New()
)

// Dispatcher schedules an ingestion run for an upload.
type Dispatcher interface {
	Dispatch(ctx context.Context, uploadID uuid.UUID) error
}

// Config tunes a Service.
type Config struct {
	Workers            int
	RetryAttempts      uint
	RetryDelay         time.Duration
	LockLease          time.Duration
	CancelPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.LockLease <= 0 {
		c.LockLease = 30 * time.Minute
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = 2 * time.Second
	}
	return c
}

// Dependencies are the collaborators of a Service.
type Dependencies struct {
	Uploads      repository.UploadRepository
	Rows         repository.UploadRowRepository
	Applications repository.ApplicationRepository
	Files        storage.FileStore
	Validator    *validation.Validator
	Resolver     *geo.Resolver
	Reconciler   *reconcile.Reconciler
	Repairer     *reconcile.GeographyRepairer
	// ReferenceCache is purged before a geography repair so corrected reference data is seen.
	ReferenceCache interface{ Purge() }
	Metrics        *metrics.Metrics
}

// Service ingests membership uploads.
type Service struct {
	deps       Dependencies
	cfg        Config
	dispatcher Dispatcher
	now        func() time.Time
}

// NewService creates a new ingestion service.
func NewService(deps Dependencies, cfg Config) *Service {
	return &Service{
		deps: deps,
		cfg:  cfg.withDefaults(),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetDispatcher wires the job dispatcher used by Submit. Without one, uploads stay
// pending until Ingest is called directly.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// SubmitRequest describes an uploaded file.
type SubmitRequest struct {
	FileName string `validate:"required,max=255"`
	UserID   string `validate:"required,max=128"`
	Data     []byte
}

// Submit stores the source file, creates a pending upload and schedules its ingestion.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (domain.Upload, error) {
	if err := requestValidator.Struct(req); err != nil {
		return domain.Upload{}, errors.Wrap(err, "invalid upload request")
	}
	switch ext := strings.ToLower(filepath.Ext(req.FileName)); ext {
	case ".csv", ".txt", ".xlsx":
	default:
		return domain.Upload{}, errors.Wrapf(ErrUnsupportedFormat, "%q", ext)
	}
	if len(req.Data) == 0 {
		return domain.Upload{}, ErrEmptyFile
	}

	upload := domain.NewUpload(req.FileName, "", req.UserID)
	upload.FileKey = storage.UploadKey(upload.ID, req.FileName)

	ctx, logger := logging.With(ctx, logrus.Fields{"upload_id": upload.ID, "file_name": req.FileName})

	if err := s.deps.Files.Put(ctx, upload.FileKey, req.Data); err != nil {
		return domain.Upload{}, errors.Wrap(err, "failed to store source file")
	}
	created, err := s.deps.Uploads.Create(ctx, upload)
	if err != nil {
		return domain.Upload{}, errors.Wrap(err, "failed to create upload")
	}
	logger.WithField("user_id", req.UserID).Info("upload submitted")

	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, created.ID); err != nil {
			// the upload stays pending and is picked up by Resume
			logger.WithError(err).Error("failed to dispatch ingestion")
		}
	}
	return created, nil
}

// Resume re-dispatches uploads left pending or processing, e.g. after a crash.
func (s *Service) Resume(ctx context.Context) (int, error) {
	if s.dispatcher == nil {
		return 0, errors.New("no dispatcher configured")
	}
	dispatched := 0
	for _, status := range []domain.UploadStatus{domain.UploadPending, domain.UploadProcessing} {
		var after *repository.UploadCursor
		for {
			uploads, err := s.deps.Uploads.ListByStatus(ctx, status, after, resumePageSize)
			if err != nil {
				return dispatched, errors.Wrapf(err, "failed to list %s uploads", status)
			}
			for _, upload := range uploads {
				if err := s.dispatcher.Dispatch(ctx, upload.ID); err != nil {
					return dispatched, errors.Wrapf(err, "failed to dispatch upload %s", upload.ID)
				}
				dispatched++
			}
			if len(uploads) < resumePageSize {
				break
			}
			after = repository.CursorAfter(uploads[len(uploads)-1])
		}
	}
	return dispatched, nil
}

// Ingest processes every pending row of an upload and returns the reconciled summary.
// A terminal upload is never reprocessed; its stored summary is returned unchanged.
func (s *Service) Ingest(ctx context.Context, uploadID uuid.UUID) (domain.UploadSummary, error) {
	ctx, logger := logging.With(ctx, logrus.Fields{"upload_id": uploadID})

	upload, err := s.deps.Uploads.GetByID(ctx, uploadID)
	if err != nil {
		return domain.UploadSummary{}, errors.Wrapf(err, "failed to load upload %s", uploadID)
	}
	if upload.Status.IsTerminal() {
		logger.WithField("status", upload.Status).Info("upload already finished, not reprocessing")
		return upload.Summary(), nil
	}

	token := uuid.New()
	if err := s.deps.Uploads.AcquireLock(ctx, uploadID, token, s.cfg.LockLease); err != nil {
		if errors.Is(err, repository.ErrUploadLocked) {
			return domain.UploadSummary{}, errors.Wrapf(ErrUploadInProgress, "upload %s", uploadID)
		}
		return domain.UploadSummary{}, errors.Wrap(err, "failed to acquire upload lock")
	}
	defer func() {
		if err := s.deps.Uploads.ReleaseLock(context.WithoutCancel(ctx), uploadID, token); err != nil {
			logger.WithError(err).Warn("failed to release upload lock")
		}
	}()

	// another run may have finished between the first read and the lock
	upload, err = s.deps.Uploads.GetByID(ctx, uploadID)
	if err != nil {
		return domain.UploadSummary{}, errors.Wrapf(err, "failed to reload upload %s", uploadID)
	}
	if upload.Status.IsTerminal() {
		return upload.Summary(), nil
	}

	return s.run(ctx, upload, token)
}

func (s *Service) run(ctx context.Context, upload domain.Upload, token uuid.UUID) (domain.UploadSummary, error) {
	logger := logging.FromContext(ctx)
	startedAt := time.Now()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go s.keepLease(runCtx, upload.ID, token, cancel)

	table, err := s.load(ctx, upload)
	if err != nil {
		if ctx.Err() != nil {
			return domain.UploadSummary{}, errors.Wrap(ctx.Err(), "ingestion interrupted")
		}
		return s.abort(ctx, upload, err)
	}
	if len(table.rows) == 0 {
		return s.abort(ctx, upload, errors.New("file contains no data rows"))
	}

	rows := make([]domain.UploadRow, len(table.rows))
	for i, src := range table.rows {
		rows[i] = domain.UploadRow{
			UploadID:   upload.ID,
			RowNumber:  src.number,
			SourceLine: src.line,
			RawData:    src.values,
			Status:     domain.RowPending,
		}
	}
	if err := s.deps.Rows.InsertPending(ctx, rows); err != nil {
		return s.abort(ctx, upload, errors.Wrap(err, "failed to record upload rows"))
	}
	if err := s.deps.Uploads.MarkProcessing(ctx, upload.ID, len(rows)); err != nil {
		return s.abort(ctx, upload, errors.Wrap(err, "failed to mark upload processing"))
	}

	pending, err := s.deps.Rows.ListPending(ctx, upload.ID)
	if err != nil {
		return s.abort(ctx, upload, errors.Wrap(err, "failed to list pending rows"))
	}
	logger.WithFields(logrus.Fields{
		"total_records": len(rows),
		"pending":       len(pending),
	}).Info("processing upload")

	if requested, err := s.deps.Uploads.IsCancelRequested(ctx, upload.ID); err != nil {
		return s.abort(ctx, upload, errors.Wrap(err, "failed to read cancel request"))
	} else if requested {
		cancel(ErrCancelled)
	} else {
		go s.watchCancel(runCtx, upload.ID, cancel)
	}

	processErr := s.processRows(runCtx, pending)
	if ctx.Err() != nil {
		// rows committed so far stay; the next run resumes the pending ones
		return domain.UploadSummary{}, errors.Wrap(ctx.Err(), "ingestion interrupted")
	}
	if errors.Is(context.Cause(runCtx), ErrLockLost) {
		return domain.UploadSummary{}, errors.Wrapf(ErrLockLost, "upload %s", upload.ID)
	}
	cancelled := errors.Is(context.Cause(runCtx), ErrCancelled)
	if processErr != nil && !cancelled {
		return s.abort(ctx, upload, processErr)
	}

	summary, err := s.deps.Reconciler.Reconcile(ctx, upload.ID)
	if err != nil {
		return s.abort(ctx, upload, errors.Wrap(err, "failed to reconcile upload"))
	}

	if err := s.renewLease(ctx, upload.ID, token); err != nil {
		return domain.UploadSummary{}, err
	}

	status := domain.FinalStatus(len(rows), domain.RowCounts{Success: summary.SuccessfulRecords, Failed: summary.FailedRecords})
	message := ""
	if cancelled {
		message = fmt.Sprintf("cancelled with %d rows unprocessed", summary.Pending)
	}
	if err := s.deps.Uploads.Finish(ctx, upload.ID, status, message); err != nil {
		return domain.UploadSummary{}, errors.Wrap(err, "failed to finish upload")
	}
	s.deps.Metrics.IncrementUploadFinished(string(status))

	summary.Status = status
	summary.ErrorMessage = message
	summary.Cancelled = summary.Cancelled || cancelled

	logger.WithFields(logrus.Fields{
		"status":             status,
		"successful_records": summary.SuccessfulRecords,
		"failed_records":     summary.FailedRecords,
		"pending":            summary.Pending,
		"duration":           time.Since(startedAt).String(),
	}).Info("upload finished")

	return summary, nil
}

func (s *Service) load(ctx context.Context, upload domain.Upload) (sourceTable, error) {
	payload, err := s.deps.Files.Get(ctx, upload.FileKey)
	if err != nil {
		return sourceTable{}, errors.Wrap(err, "failed to read source file")
	}
	return parseTable(upload.FileName, payload)
}

// abort fails the upload with cause. Rows committed before the failure keep their outcome.
func (s *Service) abort(ctx context.Context, upload domain.Upload, cause error) (domain.UploadSummary, error) {
	ctx = context.WithoutCancel(ctx)
	logger := logging.FromContext(ctx)
	logger.WithError(cause).Error("upload failed")

	if _, err := s.deps.Reconciler.Reconcile(ctx, upload.ID); err != nil {
		logger.WithError(err).Warn("failed to reconcile aborted upload")
	}
	if err := s.deps.Uploads.Finish(ctx, upload.ID, domain.UploadFailed, cause.Error()); err != nil {
		return domain.UploadSummary{}, errors.CombineErrors(cause, errors.Wrap(err, "failed to mark upload failed"))
	}
	s.deps.Metrics.IncrementUploadFinished(string(domain.UploadFailed))

	return s.Status(ctx, upload.ID)
}

// watchCancel polls for a cancel request and stops the run when one is found.
func (s *Service) watchCancel(ctx context.Context, uploadID uuid.UUID, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(s.cfg.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		requested, err := s.deps.Uploads.IsCancelRequested(ctx, uploadID)
		if err != nil {
			if ctx.Err() == nil {
				logging.FromContext(ctx).WithError(err).Warn("failed to poll cancel request")
			}
			continue
		}
		if requested {
			logging.FromContext(ctx).Info("cancel requested, stopping after in-flight rows")
			cancel(ErrCancelled)
			return
		}
	}
}

// keepLease renews the in-progress marker until the run ends, and stops the run
// once the marker has been taken over.
func (s *Service) keepLease(ctx context.Context, uploadID uuid.UUID, token uuid.UUID, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(max(s.cfg.LockLease/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := s.renewLease(ctx, uploadID, token)
		if errors.Is(err, ErrLockLost) {
			logging.FromContext(ctx).Warn("upload lock taken over, stopping after in-flight rows")
			cancel(ErrLockLost)
			return
		}
		if err != nil && ctx.Err() == nil {
			logging.FromContext(ctx).WithError(err).Warn("failed to renew upload lock")
		}
	}
}

func (s *Service) renewLease(ctx context.Context, uploadID uuid.UUID, token uuid.UUID) error {
	err := s.deps.Uploads.ExtendLock(ctx, uploadID, token)
	if errors.Is(err, repository.ErrLockNotHeld) {
		return errors.Wrapf(ErrLockLost, "upload %s", uploadID)
	}
	if err != nil {
		return errors.Wrap(err, "failed to renew upload lock")
	}
	return nil
}

// processRows runs the pending rows on a bounded pool. Outcomes are keyed by row
// number, so completion order does not matter.
func (s *Service) processRows(ctx context.Context, pending []domain.UploadRow) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	for _, row := range pending {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return s.processRow(gctx, row)
		})
	}
	return g.Wait()
}

type rowOutcome struct {
	status domain.RowStatus
	code   string
	// settled is set when another run already committed the row
	settled bool
}

// processRow commits exactly one outcome for row. Only failures that prevent recording
// any outcome are returned.
func (s *Service) processRow(ctx context.Context, row domain.UploadRow) error {
	if ctx.Err() != nil {
		return nil
	}
	start := time.Now()
	logger := logging.FromContext(ctx).WithFields(logrus.Fields{
		"row_number":  row.RowNumber,
		"source_line": row.SourceLine,
	})
	ctx = logging.WithLogger(ctx, logger)

	outcome, err := retry.DoWithData(
		func() (rowOutcome, error) {
			return s.attempt(ctx, row)
		},
		retry.Attempts(s.cfg.RetryAttempts),
		retry.Delay(s.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(repository.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			s.deps.Metrics.IncrementPersistenceRetry()
			logger.WithError(err).WithField("attempt", n+1).Warn("retrying row after transient error")
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			// cancelled mid-row; nothing was committed and the row stays pending
			return nil
		}
		outcome, err = s.commitFailure(ctx, row, CodePersistenceError, "could not store row outcome: "+err.Error())
		if err != nil {
			return errors.Wrapf(err, "failed to record outcome of row %d", row.RowNumber)
		}
	}

	s.deps.Metrics.ObserveRowLatency(time.Since(start))
	if outcome.settled {
		logger.Debug("row already settled by another run")
		return nil
	}
	s.deps.Metrics.IncrementRow(string(outcome.status), outcome.code)
	return nil
}

// attempt validates, resolves and commits one row. Transient storage errors are
// returned for retry; every other condition ends in a committed outcome.
func (s *Service) attempt(ctx context.Context, row domain.UploadRow) (rowOutcome, error) {
	app, rejection, err := s.deps.Validator.Validate(ctx, row.RawData)
	if err != nil {
		return rowOutcome{}, err
	}
	if rejection != nil {
		return s.commitFailure(ctx, row, string(rejection.Code), rejection.Message)
	}

	chain, err := s.deps.Resolver.Resolve(ctx, app.WardCode)
	if errors.Is(err, geo.ErrWardNotFound) {
		reconcile.Report(ctx, s.deps.Metrics, &reconcile.ConsistencyError{
			UploadID: row.UploadID,
			Kind:     reconcile.KindWardVanishedAfterRead,
			Detail:   fmt.Sprintf("row %d: ward %s passed validation but did not resolve", row.RowNumber, app.WardCode),
		})
		return s.commitFailure(ctx, row, string(validation.CodeWardNotFound), "ward code not found")
	}
	if err != nil {
		return rowOutcome{}, err
	}

	app = app.WithGeography(chain)
	app.ID = uuid.New()
	app.UploadID = &row.UploadID
	app.RowNumber = row.RowNumber

	err = s.deps.Rows.CommitSuccess(ctx, row, app)
	switch {
	case err == nil:
		if !chain.Complete() {
			logging.FromContext(ctx).WithField("flags", chain.Flags).Info("accepted row with partial geography")
		}
		return rowOutcome{status: domain.RowSuccess}, nil
	case errors.Is(err, repository.ErrDuplicateIdentity):
		// a concurrent row with the same identity number committed first
		dup := validation.DuplicateIdentity()
		return s.commitFailure(ctx, row, string(dup.Code), dup.Message)
	case errors.Is(err, repository.ErrRowAlreadyFinal):
		return rowOutcome{settled: true}, nil
	case repository.IsTransient(err), ctx.Err() != nil:
		return rowOutcome{}, err
	default:
		return s.commitFailure(ctx, row, CodePersistenceError, "could not store application: "+err.Error())
	}
}

func (s *Service) commitFailure(ctx context.Context, row domain.UploadRow, code, message string) (rowOutcome, error) {
	err := s.deps.Rows.CommitFailure(ctx, row.Failed(code, message, s.now()))
	switch {
	case err == nil:
		logging.FromContext(ctx).WithFields(logrus.Fields{"code": code, "error": message}).Debug("row rejected")
		return rowOutcome{status: domain.RowFailed, code: code}, nil
	case errors.Is(err, repository.ErrRowAlreadyFinal):
		return rowOutcome{settled: true}, nil
	default:
		return rowOutcome{}, err
	}
}

// Status derives the summary from the row table at query time.
func (s *Service) Status(ctx context.Context, uploadID uuid.UUID) (domain.UploadSummary, error) {
	upload, err := s.deps.Uploads.GetByID(ctx, uploadID)
	if err != nil {
		return domain.UploadSummary{}, errors.Wrapf(err, "failed to load upload %s", uploadID)
	}
	counts, err := s.deps.Rows.CountByStatus(ctx, uploadID)
	if err != nil {
		return domain.UploadSummary{}, errors.Wrap(err, "failed to count upload rows")
	}
	return domain.DeriveSummary(upload, counts), nil
}

// Upload returns the stored upload.
func (s *Service) Upload(ctx context.Context, uploadID uuid.UUID) (domain.Upload, error) {
	return s.deps.Uploads.GetByID(ctx, uploadID)
}

// Rows returns row outcomes, optionally filtered by status.
func (s *Service) Rows(ctx context.Context, filter domain.RowFilter) ([]domain.UploadRow, error) {
	if _, err := s.deps.Uploads.GetByID(ctx, filter.UploadID); err != nil {
		return nil, errors.Wrapf(err, "failed to load upload %s", filter.UploadID)
	}
	return s.deps.Rows.List(ctx, filter)
}

// Reconcile recomputes the upload counters from its rows.
func (s *Service) Reconcile(ctx context.Context, uploadID uuid.UUID) (domain.UploadSummary, error) {
	return s.deps.Reconciler.Reconcile(ctx, uploadID)
}

// Cancel asks an active run to stop between rows.
func (s *Service) Cancel(ctx context.Context, uploadID uuid.UUID) error {
	if err := s.deps.Uploads.RequestCancel(ctx, uploadID); err != nil {
		return errors.Wrapf(err, "failed to cancel upload %s", uploadID)
	}
	logging.FromContext(ctx).WithField("upload_id", uploadID).Info("upload cancel requested")
	return nil
}

// Purge deletes a finished upload, its rows and its source file. Accepted records are
// kept and lose their upload reference.
func (s *Service) Purge(ctx context.Context, uploadID uuid.UUID) error {
	upload, err := s.deps.Uploads.GetByID(ctx, uploadID)
	if err != nil {
		return errors.Wrapf(err, "failed to load upload %s", uploadID)
	}
	if !upload.Status.IsTerminal() {
		return errors.Wrapf(ErrUploadNotTerminal, "upload %s is %s", uploadID, upload.Status)
	}
	if err := s.deps.Uploads.Delete(ctx, uploadID); err != nil {
		return errors.Wrapf(err, "failed to delete upload %s", uploadID)
	}
	if err := s.deps.Files.Delete(ctx, upload.FileKey); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("file_key", upload.FileKey).Warn("failed to delete source file")
	}
	return nil
}

// Rollup aggregates accepted members per geographic level.
func (s *Service) Rollup(ctx context.Context) (geo.Rollup, error) {
	counts, err := s.deps.Applications.CountByWard(ctx)
	if err != nil {
		return geo.Rollup{}, errors.Wrap(err, "failed to count members per ward")
	}
	return s.deps.Resolver.RollUp(ctx, counts)
}

// RepairGeography re-resolves records accepted with partial geography.
func (s *Service) RepairGeography(ctx context.Context, limit int) (reconcile.RepairResult, error) {
	if s.deps.ReferenceCache != nil {
		s.deps.ReferenceCache.Purge()
	}
	return s.deps.Repairer.Repair(ctx, limit)
}
