// Package memstore is an in-process dedup.Store used by the memory store
// driver and by tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"horse.fit/clearoid/internal/dedup"
)

type Store struct {
	mu     sync.RWMutex
	nextID int64
	titles map[int64]dedup.TitleRecord
	runs   map[string]dedup.BatchRun
	// runOrder keeps creation order for runs with equal timestamps.
	runOrder []string
	events   []dedup.DedupEvent
}

var _ dedup.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		titles: make(map[int64]dedup.TitleRecord),
		runs:   make(map[string]dedup.BatchRun),
	}
}

func (s *Store) InsertTitle(_ context.Context, record dedup.TitleRecord) (dedup.TitleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	record.ID = s.nextID
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	s.titles[record.ID] = record
	return record, nil
}

func (s *Store) GetTitle(_ context.Context, id int64) (dedup.TitleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.titles[id]
	if !ok {
		return dedup.TitleRecord{}, fmt.Errorf("title %d: %w", id, dedup.ErrNotFound)
	}
	return record, nil
}

func (s *Store) UpdateTitle(_ context.Context, record dedup.TitleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.titles[record.ID]
	if !ok {
		return fmt.Errorf("title %d: %w", record.ID, dedup.ErrNotFound)
	}
	record.CreatedAt = existing.CreatedAt
	s.titles[record.ID] = record
	return nil
}

func (s *Store) AllTitles(_ context.Context) ([]dedup.TitleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(func(dedup.TitleRecord) bool { return true }), nil
}

func (s *Store) TitlesByCanonicalKey(_ context.Context, key string) ([]dedup.TitleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(func(r dedup.TitleRecord) bool { return r.CanonicalKey == key }), nil
}

func (s *Store) SetDuplicateFlags(_ context.Context, ids []int64, isDuplicate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		record, ok := s.titles[id]
		if !ok {
			continue
		}
		record.IsDuplicate = isDuplicate
		s.titles[id] = record
	}
	return nil
}

func (s *Store) DeleteTitles(_ context.Context, ids []int64) ([]dedup.TitleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := make([]dedup.TitleRecord, 0, len(ids))
	for _, id := range ids {
		record, ok := s.titles[id]
		if !ok {
			continue
		}
		delete(s.titles, id)
		deleted = append(deleted, record)
	}
	return deleted, nil
}

func (s *Store) DeleteAllTitles(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := int64(len(s.titles))
	s.titles = make(map[int64]dedup.TitleRecord)
	return count, nil
}

func (s *Store) KnownNormalizedTexts(_ context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	known := make(map[string]struct{}, len(s.titles)*2)
	for _, record := range s.titles {
		known[record.NormalizedText] = struct{}{}
		known[record.CanonicalKey] = struct{}{}
	}
	return known, nil
}

// ListTitles pages newest first.
func (s *Store) ListTitles(_ context.Context, filter dedup.TitleFilter) (dedup.TitlePage, error) {
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	s.mu.RLock()
	matched := s.sortedLocked(func(r dedup.TitleRecord) bool {
		if filter.Duplicates != nil && r.IsDuplicate != *filter.Duplicates {
			return false
		}
		if search == "" {
			return true
		}
		return strings.Contains(strings.ToLower(r.RawText), search) ||
			strings.Contains(r.NormalizedText, search)
	})
	s.mu.RUnlock()

	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}

	page, limit := filter.Page, filter.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = dedup.DefaultPageLimit
	}
	start := (page - 1) * limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	return dedup.TitlePage{
		Total: len(matched),
		Page:  page,
		Limit: limit,
		Items: append([]dedup.TitleRecord{}, matched[start:end]...),
	}, nil
}

func (s *Store) ListClusters(_ context.Context, minSize int) ([]dedup.ClusterSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clustersLocked(minSize), nil
}

func (s *Store) ClusterKeys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	keys := make([]string, 0)
	for _, record := range s.titles {
		if _, ok := seen[record.CanonicalKey]; ok {
			continue
		}
		seen[record.CanonicalKey] = struct{}{}
		keys = append(keys, record.CanonicalKey)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Stats(_ context.Context, topN, recentN int) (dedup.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := dedup.Stats{
		TopClusters: []dedup.KeyCount{},
		Recent:      []dedup.TitleRecord{},
	}
	totalRunes := 0
	for _, record := range s.titles {
		stats.Total++
		if record.IsDuplicate {
			stats.Duplicates++
		}
		totalRunes += utf8.RuneCountInString(record.RawText)
	}
	stats.Unique = stats.Total - stats.Duplicates
	if stats.Total > 0 {
		stats.AvgTitleLength = float64(totalRunes) / float64(stats.Total)
	}

	clusters := s.clustersLocked(2)
	stats.Clusters = len(clusters)
	for i, cluster := range s.clustersLocked(1) {
		if i >= topN {
			break
		}
		stats.TopClusters = append(stats.TopClusters, dedup.KeyCount{
			CanonicalKey: cluster.CanonicalKey,
			Count:        cluster.Size,
		})
	}

	ordered := s.sortedLocked(func(dedup.TitleRecord) bool { return true })
	for i := len(ordered) - 1; i >= 0 && len(stats.Recent) < recentN; i-- {
		stats.Recent = append(stats.Recent, ordered[i])
	}
	return stats, nil
}

func (s *Store) InsertDedupEvent(_ context.Context, event dedup.DedupEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns the recorded audit events in insertion order.
func (s *Store) Events() []dedup.DedupEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]dedup.DedupEvent(nil), s.events...)
}

func (s *Store) CreateBatchRun(_ context.Context, run dedup.BatchRun) (dedup.BatchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return dedup.BatchRun{}, fmt.Errorf("batch run %s already exists", run.ID)
	}
	for _, existing := range s.runs {
		if existing.RunFingerprint == run.RunFingerprint {
			return dedup.BatchRun{}, fmt.Errorf("run fingerprint %s: %w", run.RunFingerprint, dedup.ErrDuplicateRun)
		}
	}
	s.runs[run.ID] = cloneRun(run)
	s.runOrder = append(s.runOrder, run.ID)
	return cloneRun(run), nil
}

func (s *Store) GetBatchRun(_ context.Context, id string) (dedup.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return dedup.BatchRun{}, fmt.Errorf("batch run %s: %w", id, dedup.ErrNotFound)
	}
	return cloneRun(run), nil
}

func (s *Store) UpdateBatchRun(_ context.Context, run dedup.BatchRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("batch run %s: %w", run.ID, dedup.ErrNotFound)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *Store) BatchRunsBySource(_ context.Context, fingerprint string) ([]dedup.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]dedup.BatchRun, 0)
	for _, id := range s.runOrder {
		run := s.runs[id]
		if run.SourceFingerprint == fingerprint {
			out = append(out, cloneRun(run))
		}
	}
	return out, nil
}

// ListBatchRuns returns the newest runs first.
func (s *Store) ListBatchRuns(_ context.Context, limit int) ([]dedup.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]dedup.BatchRun, 0, limit)
	for i := len(s.runOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneRun(s.runs[s.runOrder[i]]))
	}
	return out, nil
}

func (s *Store) sortedLocked(keep func(dedup.TitleRecord) bool) []dedup.TitleRecord {
	out := make([]dedup.TitleRecord, 0, len(s.titles))
	for _, record := range s.titles {
		if keep(record) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) clustersLocked(minSize int) []dedup.ClusterSummary {
	members := make(map[string][]dedup.TitleRecord)
	for _, record := range s.sortedLocked(func(dedup.TitleRecord) bool { return true }) {
		members[record.CanonicalKey] = append(members[record.CanonicalKey], record)
	}

	out := make([]dedup.ClusterSummary, 0, len(members))
	for key, records := range members {
		if len(records) < minSize {
			continue
		}
		primary := records[0]
		for _, record := range records {
			if !record.IsDuplicate {
				primary = record
				break
			}
		}
		out = append(out, dedup.ClusterSummary{
			CanonicalKey: key,
			Size:         len(records),
			PrimaryID:    primary.ID,
			DisplayText:  primary.RawText,
			CreatedAt:    primary.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size > out[j].Size
		}
		return out[i].CanonicalKey < out[j].CanonicalKey
	})
	return out
}

func cloneRun(run dedup.BatchRun) dedup.BatchRun {
	clusters := make(map[string][]string, len(run.Clusters))
	for key, members := range run.Clusters {
		clusters[key] = append([]string(nil), members...)
	}
	run.Clusters = clusters
	run.Failures = append([]dedup.RowFailure{}, run.Failures...)
	if run.CompletedAt != nil {
		completed := *run.CompletedAt
		run.CompletedAt = &completed
	}
	return run
}
