package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/rs/zerolog"

	"horse.fit/clearoid/internal/embedding"
	"horse.fit/clearoid/internal/globaltime"
	"horse.fit/clearoid/internal/normalize"
)

const (
	DefaultEmbedConcurrency = 4
	DefaultEmbedBatchSize   = 32
	DefaultSnapshotTTL      = 2 * time.Second
	DefaultStaleRunAfter    = time.Hour
	DefaultPageLimit        = 20
	MaxPageLimit            = 200
	defaultMaxLockAttempts  = 8
	statsTopClusters        = 10
	statsRecentTitles       = 10
)

type Options struct {
	DuplicateThreshold float64
	SimilarThreshold   float64
	EmbedConcurrency   int
	// EmbedBatchSize caps the texts sent per EmbedBatch call during batch
	// ingestion. Embedders without batch support get one text per call.
	EmbedBatchSize int
	// SnapshotTTL bounds how stale the matcher's view of writes from other
	// processes may be. Zero reloads the corpus on every match.
	SnapshotTTL     time.Duration
	MaxLockAttempts int
	// StaleRunAfter is how long a run may stay processing before it is
	// treated as abandoned by a dead worker.
	StaleRunAfter time.Duration
	Observer      Observer
}

// Engine orchestrates normalization, embedding, matching, insertion and
// reconciliation. Mutations of one cluster are serialized through the
// Locker; reads take no locks.
type Engine struct {
	store      Store
	embedder   embedding.Embedder
	normalizer normalize.Normalizer
	locker     Locker
	corpus     *EmbeddingStore
	matcher    *Matcher
	enforcer   *Enforcer
	observer   Observer
	logger     zerolog.Logger
	opts       Options

	batchMu sync.Mutex
}

func NewEngine(
	store Store,
	embedder embedding.Embedder,
	normalizer normalize.Normalizer,
	locker Locker,
	logger zerolog.Logger,
	options Options,
) *Engine {
	opts := normalizeOptions(options)
	if locker == nil {
		locker = NewLocalLocker()
	}

	var corpus *EmbeddingStore
	if store != nil {
		corpus = NewEmbeddingStore(store, opts.SnapshotTTL)
	}

	return &Engine{
		store:      store,
		embedder:   embedder,
		normalizer: normalizer,
		locker:     locker,
		corpus:     corpus,
		matcher:    NewMatcher(corpus),
		enforcer:   NewEnforcer(store, corpus, opts.Observer, logger),
		observer:   opts.Observer,
		logger:     logger,
		opts:       opts,
	}
}

func normalizeOptions(opts Options) Options {
	normalized := opts
	if normalized.DuplicateThreshold <= 0 || normalized.DuplicateThreshold > 1 {
		normalized.DuplicateThreshold = DefaultDuplicateThreshold
	}
	if normalized.SimilarThreshold <= 0 || normalized.SimilarThreshold > 1 {
		normalized.SimilarThreshold = DefaultSimilarThreshold
	}
	if normalized.EmbedConcurrency <= 0 {
		normalized.EmbedConcurrency = DefaultEmbedConcurrency
	}
	if normalized.EmbedBatchSize <= 0 {
		normalized.EmbedBatchSize = DefaultEmbedBatchSize
	}
	if normalized.SnapshotTTL < 0 {
		normalized.SnapshotTTL = 0
	}
	if normalized.MaxLockAttempts <= 0 {
		normalized.MaxLockAttempts = defaultMaxLockAttempts
	}
	if normalized.StaleRunAfter <= 0 {
		normalized.StaleRunAfter = DefaultStaleRunAfter
	}
	if normalized.Observer == nil {
		normalized.Observer = NopObserver{}
	}
	return normalized
}

// Normalizer exposes the engine's text normalizer to transports.
func (e *Engine) Normalizer() normalize.Normalizer {
	return e.normalizer
}

func (e *Engine) DuplicateThreshold() float64 {
	return e.opts.DuplicateThreshold
}

func (e *Engine) SimilarThreshold() float64 {
	return e.opts.SimilarThreshold
}

// Submit stores raw as a new title, either as the primary of a new cluster
// or as a duplicate of the best matching cluster.
func (e *Engine) Submit(ctx context.Context, raw string) (TitleRecord, error) {
	if err := e.ready(); err != nil {
		return TitleRecord{}, err
	}

	normalized, err := e.prepare(raw)
	if err != nil {
		return TitleRecord{}, err
	}
	vector, err := e.embed(ctx, normalized)
	if err != nil {
		return TitleRecord{}, err
	}

	return e.insertEmbedded(ctx, "submit", raw, normalized, vector)
}

// Check runs the submit decision without storing anything.
func (e *Engine) Check(ctx context.Context, raw string) (CheckResult, error) {
	if err := e.ready(); err != nil {
		return CheckResult{}, err
	}

	normalized, err := e.prepare(raw)
	if err != nil {
		return CheckResult{}, err
	}
	vector, err := e.embed(ctx, normalized)
	if err != nil {
		return CheckResult{}, err
	}

	match, found, err := e.matcher.FindBestMatch(ctx, vector, 0)
	if err != nil {
		return CheckResult{}, err
	}

	result := CheckResult{
		CanonicalKey:   normalized,
		NormalizedText: normalized,
	}
	if found {
		result.Score = match.Score
		result.MatchID = match.Record.ID
		result.MatchText = match.Record.RawText
		if IsDuplicateScore(match.Score, e.opts.DuplicateThreshold) {
			result.IsDuplicate = true
			result.CanonicalKey = match.Record.CanonicalKey
		}
	}
	return result, nil
}

// Similar lists stored titles scoring at least threshold against raw. A
// non-positive threshold uses the configured similar threshold.
func (e *Engine) Similar(ctx context.Context, raw string, threshold float64) ([]Match, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = e.opts.SimilarThreshold
	}
	if threshold > 1 {
		return nil, fmt.Errorf("%w: threshold must be <= 1", ErrInvalidInput)
	}

	normalized, err := e.prepare(raw)
	if err != nil {
		return nil, err
	}
	vector, err := e.embed(ctx, normalized)
	if err != nil {
		return nil, err
	}
	return e.matcher.Similar(ctx, vector, threshold, 0)
}

// Edit replaces the text of an existing title, re-runs the match without
// the record itself, and reconciles both the old and the new cluster.
func (e *Engine) Edit(ctx context.Context, id int64, raw string) (TitleRecord, error) {
	if err := e.ready(); err != nil {
		return TitleRecord{}, err
	}

	normalized, err := e.prepare(raw)
	if err != nil {
		return TitleRecord{}, err
	}
	current, err := e.store.GetTitle(ctx, id)
	if err != nil {
		return TitleRecord{}, fmt.Errorf("load title %d: %w", id, err)
	}
	vector, err := e.embed(ctx, normalized)
	if err != nil {
		return TitleRecord{}, err
	}

	keys := []string{current.CanonicalKey}
	for attempt := 1; ; attempt++ {
		match, found, err := e.matcher.FindBestMatch(ctx, vector, id)
		if err != nil {
			return TitleRecord{}, err
		}
		candidate, _ := decide(normalized, match, found, e.opts.DuplicateThreshold)
		keys = append(keys, candidate)

		unlock, err := e.lock(ctx, keys)
		if err != nil {
			return TitleRecord{}, err
		}

		current, err = e.store.GetTitle(ctx, id)
		if err != nil {
			unlock()
			return TitleRecord{}, fmt.Errorf("load title %d: %w", id, err)
		}
		match, found, err = e.matcher.FindBestMatch(ctx, vector, id)
		if err != nil {
			unlock()
			return TitleRecord{}, err
		}
		newKey, duplicate := decide(normalized, match, found, e.opts.DuplicateThreshold)

		if !containsKey(keys, current.CanonicalKey) || !containsKey(keys, newKey) {
			unlock()
			if attempt >= e.opts.MaxLockAttempts {
				return TitleRecord{}, fmt.Errorf("edit title %d: cluster keys kept moving after %d attempts", id, attempt)
			}
			keys = append(keys, current.CanonicalKey, newKey)
			continue
		}

		updated, err := e.editLocked(ctx, current, raw, normalized, vector, newKey, duplicate, match, found)
		unlock()
		return updated, err
	}
}

// Delete removes titles and reconciles every cluster they belonged to. It
// returns ErrNotFound when none of the ids exist.
func (e *Engine) Delete(ctx context.Context, ids ...int64) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}

	targets := uniqueIDs(ids)
	if len(targets) == 0 {
		return 0, fmt.Errorf("%w: at least one positive id is required", ErrInvalidInput)
	}

	keys := make([]string, 0, len(targets))
	for _, id := range targets {
		record, err := e.store.GetTitle(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("load title %d: %w", id, err)
		}
		keys = append(keys, record.CanonicalKey)
	}
	if len(keys) == 0 {
		return 0, fmt.Errorf("titles %v: %w", targets, ErrNotFound)
	}

	unlock, err := e.lock(ctx, keys)
	if err != nil {
		return 0, err
	}

	deleted, err := e.store.DeleteTitles(ctx, targets)
	if err != nil {
		unlock()
		return 0, fmt.Errorf("delete titles: %w", err)
	}

	removed := make([]int64, 0, len(deleted))
	var stray []string
	for _, record := range deleted {
		removed = append(removed, record.ID)
		if !containsKey(keys, record.CanonicalKey) {
			stray = append(stray, record.CanonicalKey)
		}
	}
	e.corpus.Remove(removed...)

	var reconcileErr error
	for _, key := range uniqueSorted(keys) {
		if _, err := e.enforcer.Reconcile(ctx, key); err != nil {
			reconcileErr = errors.Join(reconcileErr, err)
		}
	}
	unlock()

	for _, key := range uniqueSorted(stray) {
		if _, err := e.reconcileLocked(ctx, key); err != nil {
			reconcileErr = errors.Join(reconcileErr, err)
		}
	}
	if reconcileErr != nil {
		return len(deleted), fmt.Errorf("reconcile after delete: %w", reconcileErr)
	}
	if len(deleted) == 0 {
		return 0, fmt.Errorf("titles %v: %w", targets, ErrNotFound)
	}

	e.logger.Info().
		Int("deleted", len(deleted)).
		Int("clusters", len(keys)+len(stray)).
		Msg("titles deleted")
	return len(deleted), nil
}

// DeleteAll removes every title. Batch runs are kept.
func (e *Engine) DeleteAll(ctx context.Context) (int64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	deleted, err := e.store.DeleteAllTitles(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete all titles: %w", err)
	}
	e.corpus.Invalidate()
	e.logger.Warn().Int64("deleted", deleted).Msg("all titles deleted")
	return deleted, nil
}

// ReconcileAll repairs every cluster and returns the number of flags changed.
func (e *Engine) ReconcileAll(ctx context.Context) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	keys, err := e.store.ClusterKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cluster keys: %w", err)
	}

	total := 0
	for _, key := range keys {
		changed, err := e.reconcileLocked(ctx, key)
		if err != nil {
			return total, err
		}
		total += changed
	}
	return total, nil
}

func (e *Engine) GetTitle(ctx context.Context, id int64) (TitleRecord, error) {
	if err := e.ready(); err != nil {
		return TitleRecord{}, err
	}
	return e.store.GetTitle(ctx, id)
}

func (e *Engine) ListTitles(ctx context.Context, filter TitleFilter) (TitlePage, error) {
	if err := e.ready(); err != nil {
		return TitlePage{}, err
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = DefaultPageLimit
	}
	if filter.Limit > MaxPageLimit {
		filter.Limit = MaxPageLimit
	}
	return e.store.ListTitles(ctx, filter)
}

// ListClusters returns clusters with more than one member.
func (e *Engine) ListClusters(ctx context.Context) ([]ClusterSummary, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.store.ListClusters(ctx, 2)
}

// Cluster returns the members of one cluster, primary first.
func (e *Engine) Cluster(ctx context.Context, key string) ([]TitleRecord, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	members, err := e.store.TitlesByCanonicalKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("cluster %q: %w", key, ErrNotFound)
	}
	return members, nil
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	if err := e.ready(); err != nil {
		return Stats{}, err
	}
	return e.store.Stats(ctx, statsTopClusters, statsRecentTitles)
}

// ExportSelection returns the records in scope ordered by (CreatedAt, ID).
func (e *Engine) ExportSelection(ctx context.Context, scope ExportScope) ([]TitleRecord, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	var keep func(TitleRecord) bool
	switch scope.Kind {
	case "", ScopeAll:
		keep = func(TitleRecord) bool { return true }
	case ScopeDuplicates:
		keep = func(r TitleRecord) bool { return r.IsDuplicate }
	case ScopeUnique:
		keep = func(r TitleRecord) bool { return !r.IsDuplicate }
	case ScopeIDs:
		selected := roaring64.New()
		for _, id := range scope.IDs {
			if id > 0 {
				selected.Add(uint64(id))
			}
		}
		if selected.IsEmpty() {
			return nil, fmt.Errorf("%w: export by ids needs at least one positive id", ErrInvalidInput)
		}
		keep = func(r TitleRecord) bool { return selected.Contains(uint64(r.ID)) }
	default:
		return nil, fmt.Errorf("%w: unknown export scope %q", ErrInvalidInput, scope.Kind)
	}

	records, err := e.store.AllTitles(ctx)
	if err != nil {
		return nil, fmt.Errorf("load titles for export: %w", err)
	}
	out := make([]TitleRecord, 0, len(records))
	for _, record := range records {
		if keep(record) {
			out = append(out, record)
		}
	}
	sortRecords(out)
	return out, nil
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil || e.embedder == nil {
		return fmt.Errorf("dedup engine is not initialized")
	}
	return nil
}

func (e *Engine) prepare(raw string) (string, error) {
	normalized := e.normalizer.Normalize(raw)
	if normalized == "" {
		return "", fmt.Errorf("%w: title is empty after normalization", ErrInvalidInput)
	}
	return normalized, nil
}

func (e *Engine) embed(ctx context.Context, normalized string) ([]float32, error) {
	vector, err := e.embedder.Embed(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("embed title: %w", err)
	}
	if err := embedding.Validate(vector, e.embedder.Dimensions()); err != nil {
		return nil, fmt.Errorf("embed title: %w", err)
	}
	return vector, nil
}

func (e *Engine) lock(ctx context.Context, keys []string) (func(), error) {
	started := time.Now()
	unlock, err := lockKeys(ctx, e.locker, keys)
	e.observer.LockWaited(time.Since(started))
	if err != nil {
		return nil, fmt.Errorf("lock clusters %q: %w", uniqueSorted(keys), err)
	}
	return unlock, nil
}

func (e *Engine) reconcileLocked(ctx context.Context, key string) (int, error) {
	unlock, err := e.lock(ctx, []string{key})
	if err != nil {
		return 0, err
	}
	defer unlock()
	return e.enforcer.Reconcile(ctx, key)
}

// insertEmbedded resolves the target cluster without a lock, locks it, and
// re-resolves under the lock. If a concurrent writer moved the resolution to
// a different key, that key joins the locked set and the attempt repeats.
func (e *Engine) insertEmbedded(ctx context.Context, operation, raw, normalized string, vector []float32) (TitleRecord, error) {
	match, found, err := e.matcher.FindBestMatch(ctx, vector, 0)
	if err != nil {
		return TitleRecord{}, err
	}
	candidate, _ := decide(normalized, match, found, e.opts.DuplicateThreshold)
	keys := []string{candidate}

	for attempt := 1; ; attempt++ {
		unlock, err := e.lock(ctx, keys)
		if err != nil {
			return TitleRecord{}, err
		}

		match, found, err = e.matcher.FindBestMatch(ctx, vector, 0)
		if err != nil {
			unlock()
			return TitleRecord{}, err
		}
		key, duplicate := decide(normalized, match, found, e.opts.DuplicateThreshold)
		if !containsKey(keys, key) {
			unlock()
			if attempt >= e.opts.MaxLockAttempts {
				return TitleRecord{}, fmt.Errorf("store title: cluster key kept moving after %d attempts", attempt)
			}
			keys = append(keys, key)
			continue
		}

		now := globaltime.UTC().Truncate(time.Microsecond)
		record, err := e.insertLocked(ctx, operation, TitleRecord{
			RawText:        raw,
			NormalizedText: normalized,
			CanonicalKey:   key,
			Embedding:      vector,
			IsDuplicate:    duplicate,
			CreatedAt:      now,
			UpdatedAt:      now,
		}, match, found)
		unlock()
		return record, err
	}
}

func (e *Engine) insertLocked(ctx context.Context, operation string, record TitleRecord, match Match, found bool) (TitleRecord, error) {
	stored, err := e.store.InsertTitle(ctx, record)
	if err != nil {
		return TitleRecord{}, fmt.Errorf("insert title: %w", err)
	}
	e.corpus.Put(stored)

	if _, err := e.enforcer.Reconcile(ctx, stored.CanonicalKey); err != nil {
		return stored, fmt.Errorf("reconcile cluster %q: %w", stored.CanonicalKey, err)
	}

	final, err := e.store.GetTitle(ctx, stored.ID)
	if err != nil {
		return stored, fmt.Errorf("reload title %d: %w", stored.ID, err)
	}

	decision := decisionFor(record.IsDuplicate)
	e.observer.TitleStored(decision)
	e.recordEvent(ctx, operation, final, decision, match, found)

	event := e.logger.Info().
		Str("operation", operation).
		Int64("title_id", final.ID).
		Str("canonical_key", final.CanonicalKey).
		Bool("is_duplicate", final.IsDuplicate)
	if found {
		event = event.Int64("match_id", match.Record.ID).Float64("score", match.Score)
	}
	event.Msg("title stored")

	return final, nil
}

func (e *Engine) editLocked(
	ctx context.Context,
	current TitleRecord,
	raw string,
	normalized string,
	vector []float32,
	newKey string,
	duplicate bool,
	match Match,
	found bool,
) (TitleRecord, error) {
	oldKey := current.CanonicalKey

	updated := current
	updated.RawText = raw
	updated.NormalizedText = normalized
	updated.Embedding = vector
	updated.CanonicalKey = newKey
	updated.IsDuplicate = duplicate
	updated.UpdatedAt = globaltime.UTC().Truncate(time.Microsecond)

	if err := e.store.UpdateTitle(ctx, updated); err != nil {
		return TitleRecord{}, fmt.Errorf("update title %d: %w", current.ID, err)
	}
	e.corpus.Put(updated)

	for _, key := range uniqueSorted([]string{oldKey, newKey}) {
		if _, err := e.enforcer.Reconcile(ctx, key); err != nil {
			return updated, fmt.Errorf("reconcile cluster %q: %w", key, err)
		}
	}

	final, err := e.store.GetTitle(ctx, current.ID)
	if err != nil {
		return updated, fmt.Errorf("reload title %d: %w", current.ID, err)
	}

	decision := decisionFor(duplicate)
	e.recordEvent(ctx, "edit", final, decision, match, found)
	e.logger.Info().
		Int64("title_id", final.ID).
		Str("old_canonical_key", oldKey).
		Str("canonical_key", final.CanonicalKey).
		Bool("is_duplicate", final.IsDuplicate).
		Msg("title edited")

	return final, nil
}

func (e *Engine) recordEvent(ctx context.Context, operation string, record TitleRecord, decision DecisionKind, match Match, found bool) {
	event := DedupEvent{
		TitleID:      record.ID,
		Operation:    operation,
		Decision:     decision,
		CanonicalKey: record.CanonicalKey,
		CreatedAt:    globaltime.UTC(),
	}
	if found {
		matchID := match.Record.ID
		score := match.Score
		event.MatchID = &matchID
		event.Score = &score
	}
	if err := e.store.InsertDedupEvent(ctx, event); err != nil {
		e.logger.Warn().Err(err).Int64("title_id", record.ID).Msg("failed to record dedup event")
	}
}

func decisionFor(duplicate bool) DecisionKind {
	if duplicate {
		return DecisionDuplicate
	}
	return DecisionNewCluster
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
