package reference

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rpattn/memberships/internal/domain"
	"github.com/rpattn/memberships/internal/repository"
)

const (
	defaultCacheSize = 20000
	defaultBatchWait = 2 * time.Millisecond
)

type entry[T any] struct {
	value T
	found bool
}

// CachedStore serves reference reads from an LRU in front of the repository. Misses
// are cached too, so a file full of one bad ward code costs a single query.
type CachedStore struct {
	repo  repository.ReferenceRepository
	wards *WardLoader

	wardCache         *lru.Cache[string, entry[domain.Ward]]
	municipalityCache *lru.Cache[string, entry[domain.Municipality]]
	districtCache     *lru.Cache[string, entry[domain.District]]
	provinceCache     *lru.Cache[string, entry[domain.Province]]

	lookupMu sync.Mutex
	lookups  map[domain.LookupKind]map[string]struct{}
}

// NewCachedStore creates a store holding up to size entries per level.
func NewCachedStore(repo repository.ReferenceRepository, size int) (*CachedStore, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	wardCache, err := lru.New[string, entry[domain.Ward]](size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ward cache")
	}
	municipalityCache, err := lru.New[string, entry[domain.Municipality]](size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create municipality cache")
	}
	districtCache, err := lru.New[string, entry[domain.District]](size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create district cache")
	}
	provinceCache, err := lru.New[string, entry[domain.Province]](size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create province cache")
	}

	return &CachedStore{
		repo:              repo,
		wards:             NewWardLoader(repo, defaultBatchWait),
		wardCache:         wardCache,
		municipalityCache: municipalityCache,
		districtCache:     districtCache,
		provinceCache:     provinceCache,
	}, nil
}

func cachedGet[T any](
	ctx context.Context,
	cache *lru.Cache[string, entry[T]],
	code string,
	load func(context.Context, string) (T, error),
) (T, error) {
	var zero T
	if e, ok := cache.Get(code); ok {
		if !e.found {
			return zero, ErrNotFound
		}
		return e.value, nil
	}

	value, err := load(ctx, code)
	if errors.Is(err, ErrNotFound) {
		cache.Add(code, entry[T]{found: false})
		return zero, err
	}
	if err != nil {
		// transient failures are not cached
		return zero, err
	}
	cache.Add(code, entry[T]{value: value, found: true})
	return value, nil
}

func (s *CachedStore) GetWard(ctx context.Context, code string) (domain.Ward, error) {
	return cachedGet(ctx, s.wardCache, code, s.wards.Load)
}

func (s *CachedStore) GetMunicipality(ctx context.Context, code string) (domain.Municipality, error) {
	return cachedGet(ctx, s.municipalityCache, code, s.repo.GetMunicipality)
}

func (s *CachedStore) GetDistrict(ctx context.Context, code string) (domain.District, error) {
	return cachedGet(ctx, s.districtCache, code, s.repo.GetDistrict)
}

func (s *CachedStore) GetProvince(ctx context.Context, code string) (domain.Province, error) {
	return cachedGet(ctx, s.provinceCache, code, s.repo.GetProvince)
}

func (s *CachedStore) LookupExists(ctx context.Context, kind domain.LookupKind, value string) (bool, error) {
	lookups, err := s.loadLookups(ctx)
	if err != nil {
		return false, err
	}
	_, ok := lookups[kind][normalizeLookup(value)]
	return ok, nil
}

func (s *CachedStore) loadLookups(ctx context.Context) (map[domain.LookupKind]map[string]struct{}, error) {
	s.lookupMu.Lock()
	defer s.lookupMu.Unlock()
	if s.lookups != nil {
		return s.lookups, nil
	}

	entries, err := s.repo.ListLookups(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load lookup taxonomies")
	}
	lookups := make(map[domain.LookupKind]map[string]struct{})
	for _, e := range entries {
		values, ok := lookups[e.Kind]
		if !ok {
			values = make(map[string]struct{})
			lookups[e.Kind] = values
		}
		values[normalizeLookup(e.Code)] = struct{}{}
		values[normalizeLookup(e.Name)] = struct{}{}
	}
	s.lookups = lookups
	return lookups, nil
}

// Purge drops every cached entry; the next read goes back to the repository.
func (s *CachedStore) Purge() {
	s.wardCache.Purge()
	s.municipalityCache.Purge()
	s.districtCache.Purge()
	s.provinceCache.Purge()

	s.lookupMu.Lock()
	s.lookups = nil
	s.lookupMu.Unlock()
}

func normalizeLookup(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
