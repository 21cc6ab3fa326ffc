package dedup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"horse.fit/clearoid/internal/globaltime"
)

// EmbeddingStore is the in-process view of the corpus the matcher scans.
// Writes made through the engine are applied immediately; writes made by
// other processes become visible after the snapshot TTL expires. A zero TTL
// reloads from the TitleStore on every scan.
type EmbeddingStore struct {
	store TitleStore
	ttl   time.Duration

	mu       sync.RWMutex
	records  []TitleRecord
	loaded   bool
	loadedAt time.Time
	// gen counts local writes so a reload racing with them is not trusted.
	gen uint64
}

func NewEmbeddingStore(store TitleStore, ttl time.Duration) *EmbeddingStore {
	if ttl < 0 {
		ttl = 0
	}
	return &EmbeddingStore{store: store, ttl: ttl}
}

// Snapshot returns records ordered by (CreatedAt, ID). The slice must not be
// modified.
func (s *EmbeddingStore) Snapshot(ctx context.Context) ([]TitleRecord, error) {
	s.mu.RLock()
	if s.loaded && s.ttl > 0 && globaltime.Since(s.loadedAt) < s.ttl {
		records := s.records
		s.mu.RUnlock()
		return records, nil
	}
	s.mu.RUnlock()

	return s.Reload(ctx)
}

func (s *EmbeddingStore) Reload(ctx context.Context) ([]TitleRecord, error) {
	s.mu.RLock()
	startGen := s.gen
	s.mu.RUnlock()

	records, err := s.store.AllTitles(ctx)
	if err != nil {
		return nil, fmt.Errorf("load embedding corpus: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	s.loaded = s.gen == startGen
	s.loadedAt = globaltime.Now()
	return records, nil
}

// Put inserts or replaces a record in the cached corpus.
func (s *EmbeddingStore) Put(record TitleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if !s.loaded {
		return
	}

	next := make([]TitleRecord, 0, len(s.records)+1)
	replaced := false
	for _, existing := range s.records {
		if existing.ID == record.ID {
			next = append(next, record)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		next = append(next, record)
		sortRecords(next)
	}
	s.records = next
}

// SetFlags mirrors a duplicate flag change into the cached corpus.
func (s *EmbeddingStore) SetFlags(ids []int64, isDuplicate bool) {
	if len(ids) == 0 {
		return
	}
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if !s.loaded {
		return
	}
	next := make([]TitleRecord, len(s.records))
	copy(next, s.records)
	for i := range next {
		if _, ok := want[next[i].ID]; ok {
			next[i].IsDuplicate = isDuplicate
		}
	}
	s.records = next
}

func (s *EmbeddingStore) Remove(ids ...int64) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if !s.loaded {
		return
	}
	next := make([]TitleRecord, 0, len(s.records))
	for _, record := range s.records {
		if _, ok := drop[record.ID]; ok {
			continue
		}
		next = append(next, record)
	}
	s.records = next
}

// Invalidate forces the next Snapshot to reload.
func (s *EmbeddingStore) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.loaded = false
	s.records = nil
}

func (s *EmbeddingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func sortRecords(records []TitleRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return recordLess(records[i], records[j])
	})
}

func recordLess(a, b TitleRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
