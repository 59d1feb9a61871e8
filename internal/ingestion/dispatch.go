package ingestion

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/rpattn/memberships/internal/logging"
)

// LocalDispatcher runs each ingestion on its own goroutine. It backs the in-memory
// deployment, where there is no job queue.
type LocalDispatcher struct {
	base    context.Context
	service *Service
	wg      sync.WaitGroup
}

// NewLocalDispatcher runs ingestions under base, which outlives the submitting request.
func NewLocalDispatcher(base context.Context, service *Service) *LocalDispatcher {
	return &LocalDispatcher{base: base, service: service}
}

func (d *LocalDispatcher) Dispatch(_ context.Context, uploadID uuid.UUID) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.service.Ingest(d.base, uploadID); err != nil {
			logging.FromContext(d.base).WithError(err).WithField("upload_id", uploadID).Error("ingestion failed")
		}
	}()
	return nil
}

// Wait blocks until every dispatched ingestion has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
