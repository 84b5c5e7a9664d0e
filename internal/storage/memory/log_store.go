package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/court-records-scraper/internal/court"
)

// LogStore is an append-only in-memory court.AuditLog.
type LogStore struct {
	mu      sync.RWMutex
	entries []court.ScrapingLogEntry
}

// NewLogStore constructs an empty LogStore.
func NewLogStore() *LogStore {
	return &LogStore{}
}

// Append records one entry.
func (s *LogStore) Append(_ context.Context, entry court.ScrapingLogEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("log entry id is required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = entry.DateTime
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// ListLogs returns entries newest first; an empty category lists all.
func (s *LogStore) ListLogs(_ context.Context, cat court.Category, skip, limit int) ([]court.ScrapingLogEntry, error) {
	s.mu.RLock()
	out := make([]court.ScrapingLogEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if cat == "" || e.Category == cat {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DateTime.Equal(out[j].DateTime) {
			return out[i].DateTime.After(out[j].DateTime)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, skip, limit), nil
}

// Len reports how many entries were appended.
func (s *LogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
