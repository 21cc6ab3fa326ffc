package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"horse.fit/clearoid/internal/embedding"
	"horse.fit/clearoid/internal/globaltime"
)

type batchTally struct {
	processed int
	saved     int
	failed    int
	clusters  map[string][]string
	failures  []RowFailure
}

func (t *batchTally) fail(row UniqueRow, err error) {
	t.failed++
	t.failures = append(t.failures, RowFailure{
		Row:   row.Index + 1,
		Text:  row.Raw,
		Error: err.Error(),
	})
}

// IngestBatch runs StartBatch and ProcessBatch back to back.
func (e *Engine) IngestBatch(ctx context.Context, req BatchRequest) (IngestOutcome, error) {
	outcome, err := e.StartBatch(ctx, req)
	if err != nil || outcome.AlreadyProcessed {
		return outcome, err
	}

	run, err := e.ProcessBatch(ctx, outcome.Run.ID, req.Rows)
	return IngestOutcome{Run: run}, err
}

// StartBatch records a new run in processing state, or returns the earlier
// run for the same source fingerprint with AlreadyProcessed set. Failed runs
// never short-circuit.
func (e *Engine) StartBatch(ctx context.Context, req BatchRequest) (IngestOutcome, error) {
	if err := e.ready(); err != nil {
		return IngestOutcome{}, err
	}

	fingerprint := strings.TrimSpace(req.Fingerprint)
	if fingerprint == "" {
		return IngestOutcome{}, fmt.Errorf("%w: batch fingerprint is required", ErrInvalidInput)
	}

	e.batchMu.Lock()
	defer e.batchMu.Unlock()

	prior, err := e.store.BatchRunsBySource(ctx, fingerprint)
	if err != nil {
		return IngestOutcome{}, fmt.Errorf("lookup batch runs: %w", err)
	}
	prior = e.failStaleRuns(ctx, prior)
	if !req.AllowReprocess {
		if run, ok := latestActiveRun(prior, e.staleCutoff()); ok {
			e.logger.Info().
				Str("batch_run_id", run.ID).
				Str("fingerprint", fingerprint).
				Msg("batch already processed")
			return IngestOutcome{Run: run, AlreadyProcessed: true}, nil
		}
	}

	runFingerprint := fingerprint
	if len(prior) > 0 {
		runFingerprint = disambiguate(fingerprint)
	}

	created, err := e.createRun(ctx, req, fingerprint, runFingerprint)
	if errors.Is(err, ErrDuplicateRun) {
		// Another process recorded the fingerprint between lookup and insert.
		if !req.AllowReprocess {
			prior, lookupErr := e.store.BatchRunsBySource(ctx, fingerprint)
			if lookupErr != nil {
				return IngestOutcome{}, fmt.Errorf("lookup batch runs: %w", lookupErr)
			}
			if run, ok := latestActiveRun(prior, e.staleCutoff()); ok {
				return IngestOutcome{Run: run, AlreadyProcessed: true}, nil
			}
		}
		created, err = e.createRun(ctx, req, fingerprint, disambiguate(fingerprint))
	}
	if err != nil {
		return IngestOutcome{}, fmt.Errorf("create batch run: %w", err)
	}

	e.logger.Info().
		Str("batch_run_id", created.ID).
		Str("fingerprint", fingerprint).
		Str("run_fingerprint", created.RunFingerprint).
		Str("filename", created.Filename).
		Int("rows", len(req.Rows)).
		Bool("reprocess", req.AllowReprocess).
		Msg("batch accepted")

	return IngestOutcome{Run: created}, nil
}

// ProcessBatch runs the textual pass, embeds the unknown rows and stores
// them in row order. Runs that are no longer processing are returned as-is,
// so redelivered jobs are harmless. Row failures are recorded on the run;
// only store failures fail the whole run.
func (e *Engine) ProcessBatch(ctx context.Context, runID string, rows []string) (BatchRun, error) {
	if err := e.ready(); err != nil {
		return BatchRun{}, err
	}

	run, err := e.store.GetBatchRun(ctx, runID)
	if err != nil {
		return BatchRun{}, fmt.Errorf("load batch run %s: %w", runID, err)
	}
	if run.Status != BatchStatusProcessing {
		return run, nil
	}

	started := time.Now()
	tally, procErr := e.processRows(ctx, rows)

	completedAt := globaltime.UTC()
	run.Processed = tally.processed
	run.Saved = tally.saved
	run.Failed = tally.failed
	run.Duplicates = tally.processed - tally.saved - tally.failed
	run.Clusters = tally.clusters
	run.Failures = tally.failures
	run.CompletedAt = &completedAt
	run.Status = BatchStatusCompleted
	if procErr != nil {
		run.Status = BatchStatusFailed
		run.Error = procErr.Error()
	}

	if err := e.store.UpdateBatchRun(context.WithoutCancel(ctx), run); err != nil {
		return run, errors.Join(procErr, fmt.Errorf("finalize batch run %s: %w", run.ID, err))
	}

	event := e.logger.Info()
	if procErr != nil {
		event = e.logger.Error().Err(procErr)
	}
	event.
		Str("batch_run_id", run.ID).
		Str("status", string(run.Status)).
		Int("processed", run.Processed).
		Int("saved", run.Saved).
		Int("duplicates", run.Duplicates).
		Int("failed", run.Failed).
		Dur("elapsed", time.Since(started)).
		Msg("batch finished")

	return run, procErr
}

func (e *Engine) processRows(ctx context.Context, rows []string) (batchTally, error) {
	unique, clusters := DedupeBatch(e.normalizer, rows)
	tally := batchTally{
		processed: clusters.Rows(),
		clusters:  clusters.Map(2),
		failures:  []RowFailure{},
	}

	known, err := e.store.KnownNormalizedTexts(ctx)
	if err != nil {
		return tally, fmt.Errorf("load known texts: %w", err)
	}

	pending := make([]UniqueRow, 0, len(unique))
	for _, row := range unique {
		if _, ok := known[row.Normalized]; ok {
			e.observer.BatchRow(BatchRowKnown)
			continue
		}
		pending = append(pending, row)
	}

	vectors, embedErrs := e.embedRows(ctx, pending)

	for i, row := range pending {
		if err := ctx.Err(); err != nil {
			return tally, err
		}
		if embedErrs[i] != nil {
			e.rowFailed(&tally, row, embedErrs[i])
			continue
		}

		record, err := e.insertEmbedded(ctx, "batch", row.Raw, row.Normalized, vectors[i])
		if err != nil {
			e.rowFailed(&tally, row, err)
			continue
		}
		if record.IsDuplicate {
			e.observer.BatchRow(BatchRowDuplicate)
			continue
		}
		tally.saved++
		e.observer.BatchRow(BatchRowSaved)
	}
	return tally, nil
}

// embedRows embeds rows in chunks of EmbedBatchSize, running up to
// EmbedConcurrency chunks at once. A chunk whose batch call fails is retried
// one row at a time so a single bad row does not fail its neighbours.
func (e *Engine) embedRows(ctx context.Context, rows []UniqueRow) ([][]float32, []error) {
	vectors := make([][]float32, len(rows))
	errs := make([]error, len(rows))

	size := 1
	if _, ok := e.embedder.(embedding.BatchEmbedder); ok {
		size = e.opts.EmbedBatchSize
	}

	var group errgroup.Group
	group.SetLimit(e.opts.EmbedConcurrency)
	for start := 0; start < len(rows); start += size {
		start := start
		end := min(start+size, len(rows))
		group.Go(func() error {
			e.embedChunk(ctx, rows[start:end], vectors[start:end], errs[start:end])
			return nil
		})
	}
	_ = group.Wait()
	return vectors, errs
}

func (e *Engine) embedChunk(ctx context.Context, rows []UniqueRow, vectors [][]float32, errs []error) {
	if len(rows) > 1 {
		texts := make([]string, len(rows))
		for i, row := range rows {
			texts[i] = row.Normalized
		}
		batch, err := embedding.EmbedAll(ctx, e.embedder, texts)
		if err == nil {
			dims := e.embedder.Dimensions()
			for i, vector := range batch {
				if err := embedding.Validate(vector, dims); err != nil {
					errs[i] = fmt.Errorf("embed title: %w", err)
					continue
				}
				vectors[i] = vector
			}
			return
		}
		e.logger.Warn().Err(err).Int("rows", len(rows)).Msg("batch embed failed, retrying row by row")
	}

	for i, row := range rows {
		vectors[i], errs[i] = e.embed(ctx, row.Normalized)
	}
}

func (e *Engine) rowFailed(tally *batchTally, row UniqueRow, err error) {
	tally.fail(row, err)
	e.observer.BatchRow(BatchRowFailed)
	e.logger.Warn().
		Err(err).
		Int("row", row.Index+1).
		Str("normalized", row.Normalized).
		Msg("batch row failed")
}

func (e *Engine) createRun(ctx context.Context, req BatchRequest, fingerprint, runFingerprint string) (BatchRun, error) {
	return e.store.CreateBatchRun(ctx, BatchRun{
		ID:                uuid.NewString(),
		Filename:          strings.TrimSpace(req.Filename),
		SourceFingerprint: fingerprint,
		RunFingerprint:    runFingerprint,
		ArchiveKey:        req.ArchiveKey,
		Status:            BatchStatusProcessing,
		Clusters:          map[string][]string{},
		Failures:          []RowFailure{},
		CreatedAt:         globaltime.UTC().Truncate(time.Microsecond),
	})
}

// AbandonBatch marks a run that is still processing as failed, so that the
// same source can be submitted again. Finished runs are left untouched.
func (e *Engine) AbandonBatch(ctx context.Context, runID, reason string) (BatchRun, error) {
	if err := e.ready(); err != nil {
		return BatchRun{}, err
	}

	run, err := e.store.GetBatchRun(ctx, runID)
	if err != nil {
		return BatchRun{}, fmt.Errorf("load batch run %s: %w", runID, err)
	}
	if run.Status != BatchStatusProcessing {
		return run, nil
	}

	completedAt := globaltime.UTC()
	run.Status = BatchStatusFailed
	run.Error = reason
	run.CompletedAt = &completedAt
	if err := e.store.UpdateBatchRun(ctx, run); err != nil {
		return run, fmt.Errorf("abandon batch run %s: %w", runID, err)
	}
	e.logger.Warn().Str("batch_run_id", runID).Str("reason", reason).Msg("batch abandoned")
	return run, nil
}

// GetBatchRun returns one run by id.
func (e *Engine) GetBatchRun(ctx context.Context, id string) (BatchRun, error) {
	if err := e.ready(); err != nil {
		return BatchRun{}, err
	}
	return e.store.GetBatchRun(ctx, id)
}

// ListBatchRuns returns the newest runs first.
func (e *Engine) ListBatchRuns(ctx context.Context, limit int) ([]BatchRun, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return e.store.ListBatchRuns(ctx, limit)
}

// AbandonStaleBatches fails every run that has been processing for longer
// than the stale bound. Workers call it on start so that runs owned by a
// crashed process stop blocking resubmission of their source.
func (e *Engine) AbandonStaleBatches(ctx context.Context) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}

	runs, err := e.store.ListBatchRuns(ctx, MaxPageLimit)
	if err != nil {
		return 0, fmt.Errorf("list batch runs: %w", err)
	}

	cutoff := e.staleCutoff()
	abandoned := 0
	for _, run := range runs {
		if !isStale(run, cutoff) {
			continue
		}
		if _, err := e.AbandonBatch(ctx, run.ID, staleRunReason); err != nil {
			return abandoned, err
		}
		abandoned++
	}
	return abandoned, nil
}

const staleRunReason = "abandoned: processing exceeded the stale run bound"

func (e *Engine) staleCutoff() time.Time {
	return globaltime.UTC().Add(-e.opts.StaleRunAfter)
}

func isStale(run BatchRun, cutoff time.Time) bool {
	return run.Status == BatchStatusProcessing && run.CreatedAt.Before(cutoff)
}

// failStaleRuns marks stale processing runs among prior as failed. A store
// error leaves the run as it was; it is retried on the next lookup.
func (e *Engine) failStaleRuns(ctx context.Context, prior []BatchRun) []BatchRun {
	cutoff := e.staleCutoff()
	for i, run := range prior {
		if !isStale(run, cutoff) {
			continue
		}
		completedAt := globaltime.UTC()
		run.Status = BatchStatusFailed
		run.Error = staleRunReason
		run.CompletedAt = &completedAt
		if err := e.store.UpdateBatchRun(ctx, run); err != nil {
			e.logger.Warn().Err(err).Str("batch_run_id", run.ID).Msg("failed to abandon stale batch")
			continue
		}
		e.logger.Warn().Str("batch_run_id", run.ID).Time("created_at", run.CreatedAt).Msg("stale batch abandoned")
		prior[i] = run
	}
	return prior
}

// latestActiveRun picks the newest run that neither failed nor went stale
// before cutoff. runs are oldest first.
func latestActiveRun(runs []BatchRun, cutoff time.Time) (BatchRun, bool) {
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Status != BatchStatusFailed && !isStale(runs[i], cutoff) {
			return runs[i], true
		}
	}
	return BatchRun{}, false
}

func disambiguate(fingerprint string) string {
	return fingerprint + "+" + uuid.NewString()
}
