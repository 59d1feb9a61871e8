package jobs

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/memberships/internal/domain"
	"github.com/rpattn/memberships/internal/ingestion"
	"github.com/rpattn/memberships/internal/logging"
)

const (
	ingestTimeout    = 2 * time.Hour
	ingestMaxRetries = 5
	lockedSnooze     = 30 * time.Second
)

// IngestUploadArgs enqueues the ingestion of one upload.
type IngestUploadArgs struct {
	UploadID uuid.UUID `json:"upload_id"`
}

func (IngestUploadArgs) Kind() string { return "ingest_upload" }

func (IngestUploadArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: ingestMaxRetries,
		// one live job per upload; a finished job does not block a later resume
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
			ByState: []rivertype.JobState{
				rivertype.JobStateAvailable,
				rivertype.JobStatePending,
				rivertype.JobStateRetryable,
				rivertype.JobStateRunning,
				rivertype.JobStateScheduled,
			},
		},
	}
}

// Ingester runs the ingestion of a single upload.
type Ingester interface {
	Ingest(ctx context.Context, uploadID uuid.UUID) (domain.UploadSummary, error)
}

// IngestWorker processes ingest_upload jobs.
type IngestWorker struct {
	river.WorkerDefaults[IngestUploadArgs]
	ingester Ingester
}

func NewIngestWorker(ingester Ingester) *IngestWorker {
	return &IngestWorker{ingester: ingester}
}

func (w *IngestWorker) Timeout(job *river.Job[IngestUploadArgs]) time.Duration {
	return ingestTimeout
}

func (w *IngestWorker) Work(ctx context.Context, job *river.Job[IngestUploadArgs]) error {
	ctx, logger := logging.With(ctx, logrus.Fields{
		"job_id":    job.ID,
		"upload_id": job.Args.UploadID,
		"attempt":   job.Attempt,
	})

	summary, err := w.ingester.Ingest(ctx, job.Args.UploadID)
	switch {
	case errors.Is(err, ingestion.ErrUploadInProgress), errors.Is(err, ingestion.ErrLockLost):
		// another worker holds the lease; check back once it may have expired
		logger.WithError(err).Info("upload locked by another run, snoozing")
		return river.JobSnooze(lockedSnooze)
	case errors.Is(err, domain.ErrNotFound):
		logger.Warn("upload no longer exists, dropping job")
		return river.JobCancel(err)
	case err != nil:
		return err
	}

	logger.WithField("status", summary.Status).Info("ingestion job finished")
	return nil
}

// Inserter is the subset of the river client used to enqueue jobs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Dispatcher schedules ingestion runs on the job queue.
type Dispatcher struct {
	client Inserter
}

func NewDispatcher(client Inserter) *Dispatcher {
	return &Dispatcher{client: client}
}

func (d *Dispatcher) Dispatch(ctx context.Context, uploadID uuid.UUID) error {
	res, err := d.client.Insert(ctx, IngestUploadArgs{UploadID: uploadID}, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue ingestion of upload %s", uploadID)
	}
	logging.FromContext(ctx).WithFields(logrus.Fields{
		"upload_id":       uploadID,
		"job_id":          res.Job.ID,
		"unique_skip_dup": res.UniqueSkippedAsDuplicate,
	}).Debug("enqueued ingestion job")
	return nil
}

// NewClient builds a river client running the ingestion worker on the default queue.
func NewClient(pool *pgxpool.Pool, ingester Ingester, maxWorkers int, logger logrus.FieldLogger) (*river.Client[pgx.Tx], error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, NewIngestWorker(ingester)); err != nil {
		return nil, errors.Wrap(err, "failed to register ingestion worker")
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		FetchPollInterval: 500 * time.Millisecond,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxWorkers},
		},
		// the ingestion lease guards against double runs, so rescue only well after it
		RescueStuckJobsAfter: ingestTimeout + time.Minute,
		Workers:              workers,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create job queue client")
	}
	logger.WithField("max_workers", maxWorkers).Info("job queue client ready")
	return client, nil
}

// Migrate applies river's own schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger logrus.FieldLogger) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return errors.Wrap(err, "failed to create job queue migrator")
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return errors.Wrap(err, "failed to migrate job queue schema")
	}
	for _, version := range res.Versions {
		logger.WithField("version", version.Version).Info("applied job queue migration")
	}
	return nil
}
