package reference

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/memberships/internal/domain"
	"github.com/rpattn/memberships/internal/repository"
)

// WardLoader coalesces ward lookups issued by concurrent ingestion workers into a
// single query per batch window.
type WardLoader struct {
	loader *dataloader.Loader
}

// NewWardLoader builds a batched loader over repo. Results are not memoised here;
// caching is the store's concern.
func NewWardLoader(repo repository.ReferenceRepository, wait time.Duration) *WardLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		codes := keys.Keys()

		wards, err := repo.GetWardsByCodes(ctx, codes)
		if err != nil {
			results := make([]*dataloader.Result, len(keys))
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		byCode := make(map[string]domain.Ward, len(wards))
		for _, w := range wards {
			byCode[w.Code] = w
		}

		// results must line up with keys
		results := make([]*dataloader.Result, len(keys))
		for i, code := range codes {
			if w, ok := byCode[code]; ok {
				results[i] = &dataloader.Result{Data: w}
			} else {
				results[i] = &dataloader.Result{Error: errors.Wrapf(ErrNotFound, "ward %s", code)}
			}
		}
		return results
	}

	loader := dataloader.NewBatchedLoader(
		batchFn,
		dataloader.WithWait(wait),
		dataloader.WithCache(&dataloader.NoCache{}),
	)
	return &WardLoader{loader: loader}
}

// Load returns the ward for code or an error wrapping ErrNotFound.
func (l *WardLoader) Load(ctx context.Context, code string) (domain.Ward, error) {
	data, err := l.loader.Load(ctx, dataloader.StringKey(code))()
	if err != nil {
		return domain.Ward{}, err
	}
	ward, ok := data.(domain.Ward)
	if !ok {
		return domain.Ward{}, errors.AssertionFailedf("ward loader returned %T", data)
	}
	return ward, nil
}
