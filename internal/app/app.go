// Package app wires the ingestion service from configuration.
package app

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/riverqueue/river"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/memberships/internal/config"
	"github.com/rpattn/memberships/internal/db"
	"github.com/rpattn/memberships/internal/export"
	"github.com/rpattn/memberships/internal/geo"
	"github.com/rpattn/memberships/internal/ingestion"
	"github.com/rpattn/memberships/internal/jobs"
	"github.com/rpattn/memberships/internal/metrics"
	"github.com/rpattn/memberships/internal/reconcile"
	"github.com/rpattn/memberships/internal/reference"
	"github.com/rpattn/memberships/internal/repository"
	"github.com/rpattn/memberships/internal/storage"
	"github.com/rpattn/memberships/internal/validation"
)

// App holds the wired service and the resources it owns.
type App struct {
	Service *ingestion.Service
	Reports *export.Service
	Metrics *metrics.Metrics

	// Queue is nil for the memory backend or when the job queue is disabled.
	Queue *river.Client[pgx.Tx]
	Local *ingestion.LocalDispatcher

	conn  *db.Connection
	files *storage.BlobStore
}

type repositories struct {
	uploads      repository.UploadRepository
	rows         repository.UploadRowRepository
	applications repository.ApplicationRepository
	reference    repository.ReferenceRepository
}

// Build connects to the configured backends and wires the service. base bounds
// ingestions started by the local dispatcher.
func Build(ctx context.Context, base context.Context, cfg config.Config, reg prometheus.Registerer, logger logrus.FieldLogger) (*App, error) {
	a := &App{}

	var repos repositories
	switch cfg.Backend {
	case config.BackendPostgres:
		conn, err := db.NewConnection(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.conn = conn
		if err := db.RunMigrations(cfg.Database, logger); err != nil {
			a.Close()
			return nil, err
		}
		repos = repositories{
			uploads:      repository.NewUploadRepository(conn.Pool),
			rows:         repository.NewUploadRowRepository(conn.Pool),
			applications: repository.NewApplicationRepository(conn.Pool),
			reference:    repository.NewReferenceRepository(conn.Pool),
		}
	case config.BackendMemory:
		logger.Warn("using in-memory backend, nothing is persisted")
		store := repository.NewMemoryStore()
		repos = repositories{
			uploads:      store.Uploads(),
			rows:         store.Rows(),
			applications: store.Applications(),
			reference:    store.Reference(),
		}
	default:
		return nil, errors.Newf("unknown backend %q", cfg.Backend)
	}

	files, err := storage.Open(ctx, cfg.Storage.BucketURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.files = files

	refs, err := reference.NewCachedStore(repos.reference, cfg.Ingestion.ReferenceCacheSize)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Metrics = metrics.New(reg)
	resolver := geo.NewResolver(refs)

	a.Service = ingestion.NewService(ingestion.Dependencies{
		Uploads:        repos.uploads,
		Rows:           repos.rows,
		Applications:   repos.applications,
		Files:          files,
		Validator:      validation.New(refs, repos.applications),
		Resolver:       resolver,
		Reconciler:     reconcile.NewReconciler(repos.uploads, repos.rows, a.Metrics),
		Repairer:       reconcile.NewGeographyRepairer(repos.applications, resolver, a.Metrics),
		ReferenceCache: refs,
		Metrics:        a.Metrics,
	}, ingestion.Config{
		Workers:            cfg.Ingestion.Workers,
		RetryAttempts:      cfg.Ingestion.RetryAttempts,
		RetryDelay:         cfg.Ingestion.RetryDelay,
		LockLease:          cfg.Ingestion.LockLease,
		CancelPollInterval: cfg.Ingestion.CancelPollInterval,
	})

	a.Reports = export.NewService(repos.uploads, repos.rows)

	if a.conn != nil && cfg.Queue.Enabled {
		if err := jobs.Migrate(ctx, a.conn.Pool, logger); err != nil {
			a.Close()
			return nil, err
		}
		client, err := jobs.NewClient(a.conn.Pool, a.Service, cfg.Queue.MaxWorkers, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = client
		a.Service.SetDispatcher(jobs.NewDispatcher(client))
	} else {
		a.Local = ingestion.NewLocalDispatcher(base, a.Service)
		a.Service.SetDispatcher(a.Local)
	}

	return a, nil
}

// Close waits for local ingestions and releases connections.
func (a *App) Close() {
	if a.Local != nil {
		a.Local.Wait()
	}
	if a.files != nil {
		_ = a.files.Close()
	}
	if a.conn != nil {
		a.conn.Close()
	}
}
