package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/court-records-scraper/internal/court"
)

// CaseStore implements court.CaseRepository with one map per category keyed by natural key.
type CaseStore struct {
	mu    sync.RWMutex
	ids   court.IDGenerator
	clock court.Clock
	cases map[court.Category]map[string]court.PersistedCase
}

// NewCaseStore constructs an empty CaseStore.
func NewCaseStore(ids court.IDGenerator, clock court.Clock) *CaseStore {
	return &CaseStore{
		ids:   ids,
		clock: clock,
		cases: make(map[court.Category]map[string]court.PersistedCase),
	}
}

// Exists reports whether a record with the natural key is stored.
func (s *CaseStore) Exists(_ context.Context, cat court.Category, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cases[cat][key]
	return ok, nil
}

// Create stores a new record. An existing key is overwritten in place.
func (s *CaseStore) Create(ctx context.Context, rec court.CaseRecord) (court.PersistedCase, error) {
	key := rec.NaturalKey()
	if key == "" {
		return court.PersistedCase{}, fmt.Errorf("create %s case: natural key is required", rec.Category)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[rec.Category][key]; ok {
		return s.updateLocked(rec)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return court.PersistedCase{}, fmt.Errorf("generate case id: %w", err)
	}
	now := s.now()
	pc := court.PersistedCase{ID: id, CreatedAt: now, UpdatedAt: now, CaseRecord: rec.Normalize()}
	if s.cases[rec.Category] == nil {
		s.cases[rec.Category] = make(map[string]court.PersistedCase)
	}
	s.cases[rec.Category][key] = pc
	return pc, nil
}

// Update replaces the mutable fields of an existing record.
func (s *CaseStore) Update(_ context.Context, rec court.CaseRecord) (court.PersistedCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(rec)
}

func (s *CaseStore) updateLocked(rec court.CaseRecord) (court.PersistedCase, error) {
	key := rec.NaturalKey()
	prev, ok := s.cases[rec.Category][key]
	if !ok {
		return court.PersistedCase{}, fmt.Errorf("update %s case %q: %w", rec.Category, key, court.ErrNotFound)
	}
	pc := court.PersistedCase{
		ID:         prev.ID,
		CreatedAt:  prev.CreatedAt,
		UpdatedAt:  s.now(),
		CaseRecord: rec.Normalize(),
	}
	s.cases[rec.Category][key] = pc
	return pc, nil
}

// Get fetches one record by natural key.
func (s *CaseStore) Get(_ context.Context, cat court.Category, key string) (court.PersistedCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pc, ok := s.cases[cat][key]
	if !ok {
		return court.PersistedCase{}, fmt.Errorf("get %s case %q: %w", cat, key, court.ErrNotFound)
	}
	return pc, nil
}

// List returns records newest first.
func (s *CaseStore) List(_ context.Context, cat court.Category, skip, limit int) ([]court.PersistedCase, error) {
	s.mu.RLock()
	all := make([]court.PersistedCase, 0, len(s.cases[cat]))
	for _, pc := range s.cases[cat] {
		all = append(all, pc)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	return page(all, skip, limit), nil
}

func (s *CaseStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

func page[T any](items []T, skip, limit int) []T {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(items) {
		return []T{}
	}
	items = items[skip:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
