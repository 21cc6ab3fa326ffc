package dedup_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horse.fit/clearoid/internal/dedup"
	"horse.fit/clearoid/internal/embedding"
	"horse.fit/clearoid/internal/memstore"
	"horse.fit/clearoid/internal/normalize"
)

// tableEmbedder serves fixed vectors for known normalized texts and hashes
// everything else.
type tableEmbedder struct {
	dims    int
	vectors map[string][]float32
	broken  map[string]bool
	hash    *embedding.HashEmbedder
	calls   atomic.Int64
}

func newTable(dims int, vectors map[string][]float32) *tableEmbedder {
	return &tableEmbedder{
		dims:    dims,
		vectors: vectors,
		broken:  map[string]bool{},
		hash:    embedding.NewHash(dims),
	}
}

func (e *tableEmbedder) Name() string    { return "table" }
func (e *tableEmbedder) Dimensions() int { return e.dims }
func (e *tableEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.broken[text] {
		return nil, fmt.Errorf("model offline: %w", embedding.ErrUnavailable)
	}
	if vec, ok := e.vectors[text]; ok {
		return append([]float32(nil), vec...), nil
	}
	return e.hash.Embed(ctx, text)
}

func newEngine(t *testing.T, embedder embedding.Embedder, opts dedup.Options) (*dedup.Engine, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	engine := dedup.NewEngine(store, embedder, normalize.Default(), nil, zerolog.Nop(), opts)
	return engine, store
}

func requireInvariant(t *testing.T, store *memstore.Store) {
	t.Helper()
	all, err := store.AllTitles(context.Background())
	require.NoError(t, err)

	clusters := map[string][]dedup.TitleRecord{}
	for _, record := range all {
		clusters[record.CanonicalKey] = append(clusters[record.CanonicalKey], record)
	}
	for key, members := range clusters {
		primaries := 0
		for i, member := range members {
			if !member.IsDuplicate {
				primaries++
				require.Equalf(t, 0, i, "cluster %q primary is not its earliest member", key)
			}
		}
		require.Equalf(t, 1, primaries, "cluster %q has %d primaries", key, primaries)
	}
}

func TestSubmitSameTextTwiceScoresOne(t *testing.T) {
	t.Parallel()
	engine, store := newEngine(t, embedding.NewHash(128), dedup.Options{})
	ctx := context.Background()

	first, err := engine.Submit(ctx, "Quarterly Budget Review")
	require.NoError(t, err)
	assert.False(t, first.IsDuplicate)
	assert.Equal(t, "quarterly budget review", first.CanonicalKey)

	check, err := engine.Check(ctx, "Quarterly Budget Review")
	require.NoError(t, err)
	assert.True(t, check.IsDuplicate)
	assert.Equal(t, 1.0, check.Score)
	assert.Equal(t, first.ID, check.MatchID)

	second, err := engine.Submit(ctx, "Quarterly Budget Review")
	require.NoError(t, err)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.CanonicalKey, second.CanonicalKey)

	events := store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, dedup.DecisionNewCluster, events[0].Decision)
	assert.Nil(t, events[0].MatchID)
	assert.Equal(t, dedup.DecisionDuplicate, events[1].Decision)
	require.NotNil(t, events[1].Score)
	assert.Equal(t, 1.0, *events[1].Score)
}

func TestAnnualReportScenario(t *testing.T) {
	t.Parallel()
	engine, store := newEngine(t, embedding.NewHash(128), dedup.Options{})
	ctx := context.Background()

	original, err := engine.Submit(ctx, "Annual Report 2022")
	require.NoError(t, err)
	assert.False(t, original.IsDuplicate)
	assert.Equal(t, "annual report", original.CanonicalKey)

	variant, err := engine.Submit(ctx, "annual report, 2022!!")
	require.NoError(t, err)
	assert.True(t, variant.IsDuplicate)
	assert.Equal(t, original.CanonicalKey, variant.CanonicalKey)

	deleted, err := engine.Delete(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	promoted, err := engine.GetTitle(ctx, variant.ID)
	require.NoError(t, err)
	assert.False(t, promoted.IsDuplicate)
	assert.Equal(t, "annual report", promoted.CanonicalKey)
	requireInvariant(t, store)
}

func TestThresholdBoundary(t *testing.T) {
	t.Parallel()
	vectors := map[string][]float32{
		"north": {3, 4},
		"tilt":  {4, 3},
	}

	tests := []struct {
		name      string
		threshold float64
		wantDup   bool
	}{
		{name: "at threshold", threshold: 0.96, wantDup: true},
		{name: "just above score", threshold: 0.96 + 1e-9, wantDup: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			engine, _ := newEngine(t, newTable(2, vectors), dedup.Options{DuplicateThreshold: tt.threshold})
			ctx := context.Background()

			_, err := engine.Submit(ctx, "North")
			require.NoError(t, err)
			record, err := engine.Submit(ctx, "Tilt")
			require.NoError(t, err)
			assert.Equal(t, tt.wantDup, record.IsDuplicate)
			if tt.wantDup {
				assert.Equal(t, "north", record.CanonicalKey)
			} else {
				assert.Equal(t, "tilt", record.CanonicalKey)
			}
		})
	}
}

func TestDigitToggle(t *testing.T) {
	t.Parallel()
	vectors := map[string][]float32{
		"report":      {1, 0, 0},
		"report 2023": {0, 1, 0},
		"report 2024": {0, 0, 1},
	}

	for _, ignore := range []bool{true, false} {
		ignore := ignore
		t.Run(fmt.Sprintf("ignore=%t", ignore), func(t *testing.T) {
			t.Parallel()
			store := memstore.New()
			engine := dedup.NewEngine(store, newTable(3, vectors), normalize.New(normalize.Options{IgnoreNumbers: ignore}), nil, zerolog.Nop(), dedup.Options{})
			ctx := context.Background()

			a, err := engine.Submit(ctx, "Report 2023")
			require.NoError(t, err)
			b, err := engine.Submit(ctx, "Report 2024")
			require.NoError(t, err)

			assert.Equal(t, ignore, a.CanonicalKey == b.CanonicalKey)
			assert.Equal(t, ignore, b.IsDuplicate)
		})
	}
}

func TestSubmitRejectsEmptyNormalizedText(t *testing.T) {
	t.Parallel()
	embedder := newTable(8, nil)
	engine, store := newEngine(t, embedder, dedup.Options{})

	for _, raw := range []string{"", "   ", "!!!", "2024"} {
		_, err := engine.Submit(context.Background(), raw)
		require.ErrorIs(t, err, dedup.ErrInvalidInput, raw)
	}
	all, err := store.AllTitles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, embedder.calls.Load())
}

func TestSubmitEmbeddingUnavailable(t *testing.T) {
	t.Parallel()
	embedder := newTable(8, nil)
	embedder.broken["offline"] = true
	engine, store := newEngine(t, embedder, dedup.Options{})

	_, err := engine.Submit(context.Background(), "Offline")
	require.ErrorIs(t, err, embedding.ErrUnavailable)

	all, err := store.AllTitles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestEditMovesRecordBetweenClusters(t *testing.T) {
	t.Parallel()
	vectors := map[string][]float32{
		"apple":        {1, 0},
		"apple pie":    {1, 0.05},
		"banana":       {0, 1},
		"banana split": {0.05, 1},
	}
	engine, store := newEngine(t, newTable(2, vectors), dedup.Options{})
	ctx := context.Background()

	apple, err := engine.Submit(ctx, "Apple")
	require.NoError(t, err)
	pie, err := engine.Submit(ctx, "Apple pie")
	require.NoError(t, err)
	require.True(t, pie.IsDuplicate)
	banana, err := engine.Submit(ctx, "Banana")
	require.NoError(t, err)
	require.False(t, banana.IsDuplicate)

	edited, err := engine.Edit(ctx, apple.ID, "Banana split")
	require.NoError(t, err)
	assert.Equal(t, "banana", edited.CanonicalKey)
	assert.Equal(t, "Banana split", edited.RawText)
	// The edited record is older than Banana, so it becomes the primary.
	assert.False(t, edited.IsDuplicate)

	banana, err = engine.GetTitle(ctx, banana.ID)
	require.NoError(t, err)
	assert.True(t, banana.IsDuplicate)

	pie, err = engine.GetTitle(ctx, pie.ID)
	require.NoError(t, err)
	assert.False(t, pie.IsDuplicate)
	assert.Equal(t, "apple", pie.CanonicalKey)

	requireInvariant(t, store)
}

func TestEditExcludesItself(t *testing.T) {
	t.Parallel()
	engine, _ := newEngine(t, embedding.NewHash(128), dedup.Options{})
	ctx := context.Background()

	record, err := engine.Submit(ctx, "Standalone memo")
	require.NoError(t, err)

	edited, err := engine.Edit(ctx, record.ID, "Standalone memo")
	require.NoError(t, err)
	assert.False(t, edited.IsDuplicate)
	assert.Equal(t, "standalone memo", edited.CanonicalKey)
}

func TestEditAndDeleteMissing(t *testing.T) {
	t.Parallel()
	engine, _ := newEngine(t, embedding.NewHash(32), dedup.Options{})
	ctx := context.Background()

	_, err := engine.Edit(ctx, 99, "anything")
	require.ErrorIs(t, err, dedup.ErrNotFound)

	_, err = engine.Delete(ctx, 99)
	require.ErrorIs(t, err, dedup.ErrNotFound)

	_, err = engine.Delete(ctx)
	require.ErrorIs(t, err, dedup.ErrInvalidInput)
}

func TestInvariantAfterMixedOperations(t *testing.T) {
	t.Parallel()
	engine, store := newEngine(t, embedding.NewHash(128), dedup.Options{})
	ctx := context.Background()

	var ids []int64
	for _, raw := range []string{
		"Annual Report 2020", "annual report 2021", "ANNUAL REPORT",
		"Board minutes", "board minutes!", "Safety plan", "Safety Plan (draft)",
	} {
		record, err := engine.Submit(ctx, raw)
		require.NoError(t, err)
		ids = append(ids, record.ID)
		requireInvariant(t, store)
	}

	_, err := engine.Edit(ctx, ids[0], "Board minutes")
	require.NoError(t, err)
	requireInvariant(t, store)

	_, err = engine.Delete(ctx, ids[3], ids[5])
	require.NoError(t, err)
	requireInvariant(t, store)

	_, err = engine.Edit(ctx, ids[4], "Safety plan")
	require.NoError(t, err)
	requireInvariant(t, store)

	_, err = engine.Submit(ctx, "annual report")
	require.NoError(t, err)
	requireInvariant(t, store)
}

func TestConcurrentSubmitsKeepSinglePrimary(t *testing.T) {
	t.Parallel()
	engine, store := newEngine(t, embedding.NewHash(128), dedup.Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw := "Weekly Status Update"
			if i%2 == 1 {
				raw = strings.ToUpper(raw) + "!"
			}
			if _, err := engine.Submit(ctx, raw); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	clusters, err := engine.ListClusters(ctx)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 32, clusters[0].Size)
	requireInvariant(t, store)
}

func TestSimilarUsesThreshold(t *testing.T) {
	t.Parallel()
	vectors := map[string][]float32{
		"close":  {1, 0.1},
		"far":    {0, 1},
		"target": {1, 0},
	}
	engine, _ := newEngine(t, newTable(2, vectors), dedup.Options{})
	ctx := context.Background()

	for _, raw := range []string{"Close", "Far"} {
		_, err := engine.Submit(ctx, raw)
		require.NoError(t, err)
	}

	matches, err := engine.Similar(ctx, "Target", 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "close", matches[0].Record.NormalizedText)

	_, err = engine.Similar(ctx, "Target", 1.5)
	require.ErrorIs(t, err, dedup.ErrInvalidInput)
}

func TestExportSelection(t *testing.T) {
	t.Parallel()
	engine, _ := newEngine(t, embedding.NewHash(128), dedup.Options{})
	ctx := context.Background()

	var ids []int64
	for _, raw := range []string{"Alpha", "alpha!", "Beta", "Gamma"} {
		record, err := engine.Submit(ctx, raw)
		require.NoError(t, err)
		ids = append(ids, record.ID)
	}

	all, err := engine.ExportSelection(ctx, dedup.ExportScope{Kind: dedup.ScopeAll})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt))
	}

	dups, err := engine.ExportSelection(ctx, dedup.ExportScope{Kind: dedup.ScopeDuplicates})
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, ids[1], dups[0].ID)

	unique, err := engine.ExportSelection(ctx, dedup.ExportScope{Kind: dedup.ScopeUnique})
	require.NoError(t, err)
	assert.Len(t, unique, 3)

	picked, err := engine.ExportSelection(ctx, dedup.ExportScope{Kind: dedup.ScopeIDs, IDs: []int64{ids[3], ids[0], ids[3], 999}})
	require.NoError(t, err)
	require.Len(t, picked, 2)
	assert.Equal(t, ids[0], picked[0].ID)
	assert.Equal(t, ids[3], picked[1].ID)

	_, err = engine.ExportSelection(ctx, dedup.ExportScope{Kind: dedup.ScopeIDs})
	require.ErrorIs(t, err, dedup.ErrInvalidInput)
	_, err = engine.ExportSelection(ctx, dedup.ExportScope{Kind: "weird"})
	require.ErrorIs(t, err, dedup.ErrInvalidInput)
}

func TestIngestBatchBulkScenario(t *testing.T) {
	t.Parallel()
	embedder := newTable(128, nil)
	engine, store := newEngine(t, embedder, dedup.Options{})
	ctx := context.Background()

	outcome, err := engine.IngestBatch(ctx, dedup.BatchRequest{
		Rows:        []string{"Alpha", "alpha", "Beta", ""},
		Fingerprint: "fp-1",
		Filename:    "rows.csv",
	})
	require.NoError(t, err)
	require.False(t, outcome.AlreadyProcessed)

	run := outcome.Run
	assert.Equal(t, dedup.BatchStatusCompleted, run.Status)
	assert.Equal(t, 3, run.Processed)
	assert.Equal(t, 2, run.Saved)
	assert.Equal(t, 1, run.Duplicates)
	assert.Zero(t, run.Failed)
	assert.Equal(t, map[string][]string{"alpha": {"Alpha", "alpha"}}, run.Clusters)
	assert.Equal(t, "fp-1", run.RunFingerprint)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, int64(2), embedder.calls.Load())

	all, err := store.AllTitles(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Alpha", all[0].RawText)
	assert.Equal(t, "Beta", all[1].RawText)
}

func TestIngestBatchMergesIntoExistingCluster(t *testing.T) {
	t.Parallel()
	vectors := map[string][]float32{
		"beta":         {0, 1},
		"beta release": {0, 1},
		"alpha":        {1, 0},
	}
	engine, _ := newEngine(t, newTable(2, vectors), dedup.Options{})
	ctx := context.Background()

	existing, err := engine.Submit(ctx, "Beta release")
	require.NoError(t, err)

	outcome, err := engine.IngestBatch(ctx, dedup.BatchRequest{Rows: []string{"Alpha", "alpha", "Beta"}, Fingerprint: "fp"})
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Run.Processed)
	assert.Equal(t, 1, outcome.Run.Saved)
	assert.Equal(t, 2, outcome.Run.Duplicates)

	members, err := engine.Cluster(ctx, existing.CanonicalKey)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "Beta", members[1].RawText)
	assert.True(t, members[1].IsDuplicate)
}

func TestIngestBatchIdempotentReupload(t *testing.T) {
	t.Parallel()
	embedder := newTable(128, nil)
	engine, store := newEngine(t, embedder, dedup.Options{})
	ctx := context.Background()
	req := dedup.BatchRequest{Rows: []string{"One title", "Another title"}, Fingerprint: "abc"}

	first, err := engine.IngestBatch(ctx, req)
	require.NoError(t, err)
	callsAfterFirst := embedder.calls.Load()

	again, err := engine.IngestBatch(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.AlreadyProcessed)
	assert.Equal(t, first.Run, again.Run)
	assert.Equal(t, callsAfterFirst, embedder.calls.Load())

	all, err := store.AllTitles(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	req.AllowReprocess = true
	forced, err := engine.IngestBatch(ctx, req)
	require.NoError(t, err)
	assert.False(t, forced.AlreadyProcessed)
	assert.NotEqual(t, first.Run.ID, forced.Run.ID)
	assert.True(t, strings.HasPrefix(forced.Run.RunFingerprint, "abc+"))
	assert.Equal(t, "abc", forced.Run.SourceFingerprint)
	// Every row is already known, so nothing is embedded or stored.
	assert.Equal(t, 0, forced.Run.Saved)
	assert.Equal(t, 2, forced.Run.Duplicates)
	assert.Equal(t, callsAfterFirst, embedder.calls.Load())

	runs, err := engine.ListBatchRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, forced.Run.ID, runs[0].ID)
}

func TestIngestBatchRowFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	embedder := newTable(128, nil)
	embedder.broken["broken row"] = true
	engine, _ := newEngine(t, embedder, dedup.Options{EmbedConcurrency: 2})
	ctx := context.Background()

	outcome, err := engine.IngestBatch(ctx, dedup.BatchRequest{
		Rows:        []string{"First row", "Broken row", "Third row"},
		Fingerprint: "partial",
	})
	require.NoError(t, err)

	run := outcome.Run
	assert.Equal(t, dedup.BatchStatusCompleted, run.Status)
	assert.Equal(t, 3, run.Processed)
	assert.Equal(t, 2, run.Saved)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, 0, run.Duplicates)
	require.Len(t, run.Failures, 1)
	assert.Equal(t, 2, run.Failures[0].Row)
	assert.Equal(t, "Broken row", run.Failures[0].Text)
}

// batchingEmbedder adds EmbedBatch to tableEmbedder and records chunk sizes.
type batchingEmbedder struct {
	*tableEmbedder
	mu     sync.Mutex
	chunks []int
}

func (e *batchingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.chunks = append(e.chunks, len(texts))
	e.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if e.broken[text] {
			return nil, fmt.Errorf("model offline: %w", embedding.ErrUnavailable)
		}
		vector, err := e.hash.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vector
	}
	return out, nil
}

func TestIngestBatchEmbedsInChunks(t *testing.T) {
	t.Parallel()
	embedder := &batchingEmbedder{tableEmbedder: newTable(128, nil)}
	engine, _ := newEngine(t, embedder, dedup.Options{EmbedBatchSize: 4, EmbedConcurrency: 2})

	rows := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		rows = append(rows, fmt.Sprintf("Distinct subject %c", 'a'+i))
	}
	outcome, err := engine.IngestBatch(context.Background(), dedup.BatchRequest{Rows: rows, Fingerprint: "chunks"})
	require.NoError(t, err)
	assert.Equal(t, 10, outcome.Run.Processed)
	assert.Zero(t, outcome.Run.Failed)

	embedder.mu.Lock()
	chunks := append([]int(nil), embedder.chunks...)
	embedder.mu.Unlock()
	assert.ElementsMatch(t, []int{4, 4, 2}, chunks)
	assert.Zero(t, embedder.calls.Load(), "batch-capable embedder should not be called per row")
}

func TestIngestBatchChunkFailureFallsBackPerRow(t *testing.T) {
	t.Parallel()
	embedder := &batchingEmbedder{tableEmbedder: newTable(128, nil)}
	embedder.broken["broken row"] = true
	engine, _ := newEngine(t, embedder, dedup.Options{EmbedBatchSize: 8})

	outcome, err := engine.IngestBatch(context.Background(), dedup.BatchRequest{
		Rows:        []string{"First row", "Broken row", "Third row"},
		Fingerprint: "chunk-failure",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Run.Saved)
	assert.Equal(t, 1, outcome.Run.Failed)
	require.Len(t, outcome.Run.Failures, 1)
	assert.Equal(t, "Broken row", outcome.Run.Failures[0].Text)
	assert.Equal(t, int64(3), embedder.calls.Load())
}

type flakyStore struct {
	*memstore.Store
	failKnown atomic.Bool
}

func (s *flakyStore) KnownNormalizedTexts(ctx context.Context) (map[string]struct{}, error) {
	if s.failKnown.Load() {
		return nil, errors.New("connection reset")
	}
	return s.Store.KnownNormalizedTexts(ctx)
}

func TestFailedRunIsRetriedWithoutForce(t *testing.T) {
	t.Parallel()
	store := &flakyStore{Store: memstore.New()}
	engine := dedup.NewEngine(store, embedding.NewHash(64), normalize.Default(), nil, zerolog.Nop(), dedup.Options{})
	ctx := context.Background()
	req := dedup.BatchRequest{Rows: []string{"Row"}, Fingerprint: "retry"}

	store.failKnown.Store(true)
	failed, err := engine.IngestBatch(ctx, req)
	require.Error(t, err)
	assert.Equal(t, dedup.BatchStatusFailed, failed.Run.Status)
	assert.Contains(t, failed.Run.Error, "connection reset")

	store.failKnown.Store(false)
	retried, err := engine.IngestBatch(ctx, req)
	require.NoError(t, err)
	assert.False(t, retried.AlreadyProcessed)
	assert.Equal(t, dedup.BatchStatusCompleted, retried.Run.Status)
	assert.NotEqual(t, "retry", retried.Run.RunFingerprint)
	assert.Equal(t, 1, retried.Run.Saved)
}

func TestStartBatchThenProcessBatch(t *testing.T) {
	t.Parallel()
	engine, _ := newEngine(t, embedding.NewHash(64), dedup.Options{})
	ctx := context.Background()
	rows := []string{"Queued title"}

	started, err := engine.StartBatch(ctx, dedup.BatchRequest{Rows: rows, Fingerprint: "bg"})
	require.NoError(t, err)
	assert.Equal(t, dedup.BatchStatusProcessing, started.Run.Status)

	pending, err := engine.StartBatch(ctx, dedup.BatchRequest{Rows: rows, Fingerprint: "bg"})
	require.NoError(t, err)
	assert.True(t, pending.AlreadyProcessed)
	assert.Equal(t, started.Run.ID, pending.Run.ID)

	done, err := engine.ProcessBatch(ctx, started.Run.ID, rows)
	require.NoError(t, err)
	assert.Equal(t, dedup.BatchStatusCompleted, done.Status)
	assert.Equal(t, 1, done.Saved)

	redelivered, err := engine.ProcessBatch(ctx, started.Run.ID, rows)
	require.NoError(t, err)
	assert.Equal(t, done, redelivered)

	_, err = engine.StartBatch(ctx, dedup.BatchRequest{Rows: rows})
	require.ErrorIs(t, err, dedup.ErrInvalidInput)
}

func TestAbandonBatchFreesFingerprint(t *testing.T) {
	t.Parallel()
	engine, _ := newEngine(t, embedding.NewHash(64), dedup.Options{})
	ctx := context.Background()
	rows := []string{"Stranded title"}

	started, err := engine.StartBatch(ctx, dedup.BatchRequest{Rows: rows, Fingerprint: "stranded"})
	require.NoError(t, err)

	abandoned, err := engine.AbandonBatch(ctx, started.Run.ID, "queue unavailable")
	require.NoError(t, err)
	assert.Equal(t, dedup.BatchStatusFailed, abandoned.Status)
	assert.Equal(t, "queue unavailable", abandoned.Error)
	require.NotNil(t, abandoned.CompletedAt)

	again, err := engine.AbandonBatch(ctx, started.Run.ID, "ignored")
	require.NoError(t, err)
	assert.Equal(t, "queue unavailable", again.Error)

	restarted, err := engine.StartBatch(ctx, dedup.BatchRequest{Rows: rows, Fingerprint: "stranded"})
	require.NoError(t, err)
	assert.False(t, restarted.AlreadyProcessed)
	assert.NotEqual(t, started.Run.ID, restarted.Run.ID)

	_, err = engine.AbandonBatch(ctx, "00000000-0000-0000-0000-000000000000", "missing")
	require.ErrorIs(t, err, dedup.ErrNotFound)
}

func seedProcessingRun(t *testing.T, store *memstore.Store, id, fingerprint string, age time.Duration) {
	t.Helper()
	_, err := store.CreateBatchRun(context.Background(), dedup.BatchRun{
		ID:                id,
		SourceFingerprint: fingerprint,
		RunFingerprint:    fingerprint,
		Status:            dedup.BatchStatusProcessing,
		Clusters:          map[string][]string{},
		Failures:          []dedup.RowFailure{},
		CreatedAt:         time.Now().UTC().Add(-age),
	})
	require.NoError(t, err)
}

func TestStaleProcessingRunDoesNotBlockResubmission(t *testing.T) {
	t.Parallel()
	engine, store := newEngine(t, embedding.NewHash(64), dedup.Options{StaleRunAfter: time.Hour})
	ctx := context.Background()
	seedProcessingRun(t, store, "11111111-1111-1111-1111-111111111111", "crashed", 2*time.Hour)

	outcome, err := engine.StartBatch(ctx, dedup.BatchRequest{Rows: []string{"Orphaned title"}, Fingerprint: "crashed"})
	require.NoError(t, err)
	assert.False(t, outcome.AlreadyProcessed)
	assert.NotEqual(t, "11111111-1111-1111-1111-111111111111", outcome.Run.ID)

	old, err := store.GetBatchRun(ctx, "11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)
	assert.Equal(t, dedup.BatchStatusFailed, old.Status)
	assert.Contains(t, old.Error, "stale")
	require.NotNil(t, old.CompletedAt)
}

func TestAbandonStaleBatchesKeepsFreshRuns(t *testing.T) {
	t.Parallel()
	engine, store := newEngine(t, embedding.NewHash(64), dedup.Options{StaleRunAfter: time.Hour})
	ctx := context.Background()
	seedProcessingRun(t, store, "22222222-2222-2222-2222-222222222222", "old", 3*time.Hour)
	seedProcessingRun(t, store, "33333333-3333-3333-3333-333333333333", "fresh", time.Minute)

	abandoned, err := engine.AbandonStaleBatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, abandoned)

	old, err := store.GetBatchRun(ctx, "22222222-2222-2222-2222-222222222222")
	require.NoError(t, err)
	assert.Equal(t, dedup.BatchStatusFailed, old.Status)

	fresh, err := store.GetBatchRun(ctx, "33333333-3333-3333-3333-333333333333")
	require.NoError(t, err)
	assert.Equal(t, dedup.BatchStatusProcessing, fresh.Status)

	pending, err := engine.StartBatch(ctx, dedup.BatchRequest{Rows: []string{"Fresh title"}, Fingerprint: "fresh"})
	require.NoError(t, err)
	assert.True(t, pending.AlreadyProcessed)

	again, err := engine.AbandonStaleBatches(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestReconcileAllRepairsExternalDamage(t *testing.T) {
	t.Parallel()
	engine, store := newEngine(t, embedding.NewHash(128), dedup.Options{})
	ctx := context.Background()

	first, err := engine.Submit(ctx, "Ops handbook")
	require.NoError(t, err)
	second, err := engine.Submit(ctx, "ops handbook")
	require.NoError(t, err)

	require.NoError(t, store.SetDuplicateFlags(ctx, []int64{first.ID}, true))
	require.NoError(t, store.SetDuplicateFlags(ctx, []int64{second.ID}, false))

	changed, err := engine.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)
	requireInvariant(t, store)

	changed, err = engine.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestStatsAndDeleteAll(t *testing.T) {
	t.Parallel()
	engine, _ := newEngine(t, embedding.NewHash(128), dedup.Options{})
	ctx := context.Background()

	for _, raw := range []string{"Alpha", "alpha", "Beta"} {
		_, err := engine.Submit(ctx, raw)
		require.NoError(t, err)
	}

	stats, err := engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 1, stats.Clusters)

	deleted, err := engine.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	check, err := engine.Check(ctx, "Alpha")
	require.NoError(t, err)
	assert.False(t, check.IsDuplicate)
	assert.Zero(t, check.MatchID)
}
