package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"horse.fit/clearoid/internal/dedup"
)

const batchRunColumns = `
	batch_run_id::text,
	filename,
	source_fingerprint,
	run_fingerprint,
	archive_key,
	status,
	processed,
	saved,
	duplicates,
	failed,
	clusters,
	failures,
	error_message,
	created_at,
	completed_at`

func scanBatchRun(row scanner) (dedup.BatchRun, error) {
	var (
		run          dedup.BatchRun
		status       string
		archiveKey   *string
		errorMessage *string
		clusters     []byte
		failures     []byte
		completedAt  *time.Time
	)
	if err := row.Scan(
		&run.ID,
		&run.Filename,
		&run.SourceFingerprint,
		&run.RunFingerprint,
		&archiveKey,
		&status,
		&run.Processed,
		&run.Saved,
		&run.Duplicates,
		&run.Failed,
		&clusters,
		&failures,
		&errorMessage,
		&run.CreatedAt,
		&completedAt,
	); err != nil {
		return dedup.BatchRun{}, err
	}

	run.Status = dedup.BatchStatus(status)
	if archiveKey != nil {
		run.ArchiveKey = *archiveKey
	}
	if errorMessage != nil {
		run.Error = *errorMessage
	}
	run.CreatedAt = run.CreatedAt.UTC()
	if completedAt != nil {
		completed := completedAt.UTC()
		run.CompletedAt = &completed
	}

	run.Clusters = map[string][]string{}
	if len(clusters) > 0 {
		if err := json.Unmarshal(clusters, &run.Clusters); err != nil {
			return dedup.BatchRun{}, fmt.Errorf("decode clusters of run %s: %w", run.ID, err)
		}
	}
	run.Failures = []dedup.RowFailure{}
	if len(failures) > 0 {
		if err := json.Unmarshal(failures, &run.Failures); err != nil {
			return dedup.BatchRun{}, fmt.Errorf("decode failures of run %s: %w", run.ID, err)
		}
	}
	return run, nil
}

func encodeRunPayload(run dedup.BatchRun) ([]byte, []byte, error) {
	clusters := run.Clusters
	if clusters == nil {
		clusters = map[string][]string{}
	}
	failures := run.Failures
	if failures == nil {
		failures = []dedup.RowFailure{}
	}

	clustersJSON, err := json.Marshal(clusters)
	if err != nil {
		return nil, nil, fmt.Errorf("encode clusters: %w", err)
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return nil, nil, fmt.Errorf("encode failures: %w", err)
	}
	return clustersJSON, failuresJSON, nil
}

func nullableText(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func (p *Pool) CreateBatchRun(ctx context.Context, run dedup.BatchRun) (dedup.BatchRun, error) {
	clustersJSON, failuresJSON, err := encodeRunPayload(run)
	if err != nil {
		return dedup.BatchRun{}, err
	}

	q := `
INSERT INTO clearoid.batch_runs (
	batch_run_id,
	filename,
	source_fingerprint,
	run_fingerprint,
	archive_key,
	status,
	processed,
	saved,
	duplicates,
	failed,
	clusters,
	failures,
	error_message,
	created_at,
	completed_at
)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb, $13, $14, $15)
ON CONFLICT (run_fingerprint) DO NOTHING
RETURNING` + batchRunColumns

	stored, err := scanBatchRun(p.QueryRow(
		ctx,
		q,
		run.ID,
		run.Filename,
		run.SourceFingerprint,
		run.RunFingerprint,
		nullableText(run.ArchiveKey),
		string(run.Status),
		run.Processed,
		run.Saved,
		run.Duplicates,
		run.Failed,
		string(clustersJSON),
		string(failuresJSON),
		nullableText(run.Error),
		run.CreatedAt.UTC(),
		run.CompletedAt,
	))
	if err != nil {
		if IsNoRows(err) {
			return dedup.BatchRun{}, fmt.Errorf("run fingerprint %s: %w", run.RunFingerprint, dedup.ErrDuplicateRun)
		}
		return dedup.BatchRun{}, fmt.Errorf("insert batch run: %w", err)
	}
	return stored, nil
}

func (p *Pool) GetBatchRun(ctx context.Context, id string) (dedup.BatchRun, error) {
	if _, err := uuid.Parse(id); err != nil {
		return dedup.BatchRun{}, fmt.Errorf("batch run %q: %w", id, dedup.ErrNotFound)
	}

	q := `SELECT` + batchRunColumns + `
FROM clearoid.batch_runs
WHERE batch_run_id = $1::uuid
`

	run, err := scanBatchRun(p.QueryRow(ctx, q, id))
	if err != nil {
		if IsNoRows(err) {
			return dedup.BatchRun{}, fmt.Errorf("batch run %s: %w", id, dedup.ErrNotFound)
		}
		return dedup.BatchRun{}, fmt.Errorf("query batch run %s: %w", id, err)
	}
	return run, nil
}

func (p *Pool) UpdateBatchRun(ctx context.Context, run dedup.BatchRun) error {
	clustersJSON, failuresJSON, err := encodeRunPayload(run)
	if err != nil {
		return err
	}

	const q = `
UPDATE clearoid.batch_runs
SET
	archive_key = $2,
	status = $3,
	processed = $4,
	saved = $5,
	duplicates = $6,
	failed = $7,
	clusters = $8::jsonb,
	failures = $9::jsonb,
	error_message = $10,
	completed_at = $11
WHERE batch_run_id = $1::uuid
`

	tag, err := p.Exec(
		ctx,
		q,
		run.ID,
		nullableText(run.ArchiveKey),
		string(run.Status),
		run.Processed,
		run.Saved,
		run.Duplicates,
		run.Failed,
		string(clustersJSON),
		string(failuresJSON),
		nullableText(run.Error),
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update batch run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch run %s: %w", run.ID, dedup.ErrNotFound)
	}
	return nil
}

func (p *Pool) BatchRunsBySource(ctx context.Context, fingerprint string) ([]dedup.BatchRun, error) {
	q := `SELECT` + batchRunColumns + `
FROM clearoid.batch_runs
WHERE source_fingerprint = $1
ORDER BY created_at ASC, batch_run_id ASC
`

	rows, err := p.Query(ctx, q, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("query batch runs for source: %w", err)
	}
	return collectBatchRuns(rows)
}

func (p *Pool) ListBatchRuns(ctx context.Context, limit int) ([]dedup.BatchRun, error) {
	if limit < 1 {
		limit = dedup.DefaultPageLimit
	}

	q := `SELECT` + batchRunColumns + `
FROM clearoid.batch_runs
ORDER BY created_at DESC, batch_run_id DESC
LIMIT $1
`

	rows, err := p.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query batch runs: %w", err)
	}
	return collectBatchRuns(rows)
}

func collectBatchRuns(rows *Rows) ([]dedup.BatchRun, error) {
	defer rows.Close()

	out := make([]dedup.BatchRun, 0, 16)
	for rows.Next() {
		run, err := scanBatchRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch run row: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch run rows: %w", err)
	}
	return out, nil
}
