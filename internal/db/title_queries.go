package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/clearoid/internal/dedup"
	"horse.fit/clearoid/internal/embedding"
	"horse.fit/clearoid/internal/globaltime"
)

var _ dedup.Store = (*Pool)(nil)

const titleColumns = `
	title_id,
	raw_text,
	normalized_text,
	canonical_key,
	embedding,
	is_duplicate,
	created_at,
	updated_at`

type scanner interface {
	Scan(dest ...any) error
}

// scanTitle reads one title row. A missing or corrupt embedding is logged
// and left nil so the matcher skips the record instead of failing the read.
func scanTitle(row scanner, log zerolog.Logger) (dedup.TitleRecord, error) {
	var (
		record dedup.TitleRecord
		vector []byte
	)
	if err := row.Scan(
		&record.ID,
		&record.RawText,
		&record.NormalizedText,
		&record.CanonicalKey,
		&vector,
		&record.IsDuplicate,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return dedup.TitleRecord{}, err
	}

	decoded, err := embedding.DecodeVector(vector)
	if err != nil {
		log.Warn().Err(err).Int64("title_id", record.ID).Msg("stored embedding unreadable; title skipped by matcher")
		decoded = nil
	}
	record.Embedding = decoded
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func collectTitles(rows *Rows, log zerolog.Logger) ([]dedup.TitleRecord, error) {
	defer rows.Close()

	out := make([]dedup.TitleRecord, 0, 64)
	for rows.Next() {
		record, err := scanTitle(rows, log)
		if err != nil {
			return nil, fmt.Errorf("scan title row: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate title rows: %w", err)
	}
	return out, nil
}

func (p *Pool) InsertTitle(ctx context.Context, record dedup.TitleRecord) (dedup.TitleRecord, error) {
	const q = `
INSERT INTO clearoid.titles (
	raw_text,
	normalized_text,
	canonical_key,
	embedding,
	embedding_dims,
	is_duplicate,
	created_at,
	updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING title_id, created_at, updated_at
`

	createdAt := record.CreatedAt.UTC()
	if record.CreatedAt.IsZero() {
		createdAt = globaltime.UTC()
	}
	updatedAt := record.UpdatedAt.UTC()
	if record.UpdatedAt.IsZero() {
		updatedAt = createdAt
	}

	stored := record
	if err := p.QueryRow(
		ctx,
		q,
		record.RawText,
		record.NormalizedText,
		record.CanonicalKey,
		embedding.EncodeVector(record.Embedding),
		len(record.Embedding),
		record.IsDuplicate,
		createdAt,
		updatedAt,
	).Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt); err != nil {
		return dedup.TitleRecord{}, fmt.Errorf("insert title: %w", err)
	}
	stored.CreatedAt = stored.CreatedAt.UTC()
	stored.UpdatedAt = stored.UpdatedAt.UTC()
	return stored, nil
}

func (p *Pool) GetTitle(ctx context.Context, id int64) (dedup.TitleRecord, error) {
	q := `SELECT` + titleColumns + `
FROM clearoid.titles
WHERE title_id = $1
`

	record, err := scanTitle(p.QueryRow(ctx, q, id), p.log)
	if err != nil {
		if IsNoRows(err) {
			return dedup.TitleRecord{}, fmt.Errorf("title %d: %w", id, dedup.ErrNotFound)
		}
		return dedup.TitleRecord{}, fmt.Errorf("query title %d: %w", id, err)
	}
	return record, nil
}

func (p *Pool) UpdateTitle(ctx context.Context, record dedup.TitleRecord) error {
	const q = `
UPDATE clearoid.titles
SET
	raw_text = $2,
	normalized_text = $3,
	canonical_key = $4,
	embedding = $5,
	embedding_dims = $6,
	is_duplicate = $7,
	updated_at = $8
WHERE title_id = $1
`

	updatedAt := record.UpdatedAt.UTC()
	if record.UpdatedAt.IsZero() {
		updatedAt = globaltime.UTC()
	}

	tag, err := p.Exec(
		ctx,
		q,
		record.ID,
		record.RawText,
		record.NormalizedText,
		record.CanonicalKey,
		embedding.EncodeVector(record.Embedding),
		len(record.Embedding),
		record.IsDuplicate,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("update title %d: %w", record.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("title %d: %w", record.ID, dedup.ErrNotFound)
	}
	return nil
}

func (p *Pool) AllTitles(ctx context.Context) ([]dedup.TitleRecord, error) {
	q := `SELECT` + titleColumns + `
FROM clearoid.titles
ORDER BY created_at ASC, title_id ASC
`

	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query titles: %w", err)
	}
	return collectTitles(rows, p.log)
}

func (p *Pool) TitlesByCanonicalKey(ctx context.Context, key string) ([]dedup.TitleRecord, error) {
	q := `SELECT` + titleColumns + `
FROM clearoid.titles
WHERE canonical_key = $1
ORDER BY created_at ASC, title_id ASC
`

	rows, err := p.Query(ctx, q, key)
	if err != nil {
		return nil, fmt.Errorf("query cluster %q: %w", key, err)
	}
	return collectTitles(rows, p.log)
}

func (p *Pool) SetDuplicateFlags(ctx context.Context, ids []int64, isDuplicate bool) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const q = `
UPDATE clearoid.titles
SET
	is_duplicate = $2,
	updated_at = $3
WHERE title_id = $1
`
	now := globaltime.UTC()
	for _, id := range ids {
		if _, err := tx.Exec(ctx, q, id, isDuplicate, now); err != nil {
			return fmt.Errorf("set duplicate flag on title %d: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (p *Pool) DeleteTitles(ctx context.Context, ids []int64) ([]dedup.TitleRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	q := `DELETE FROM clearoid.titles
WHERE title_id = $1
RETURNING` + titleColumns

	deleted := make([]dedup.TitleRecord, 0, len(ids))
	for _, id := range ids {
		record, err := scanTitle(tx.QueryRow(ctx, q, id), p.log)
		if err != nil {
			if IsNoRows(err) {
				continue
			}
			return nil, fmt.Errorf("delete title %d: %w", id, err)
		}
		deleted = append(deleted, record)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return deleted, nil
}

func (p *Pool) DeleteAllTitles(ctx context.Context) (int64, error) {
	tag, err := p.Exec(ctx, `DELETE FROM clearoid.titles`)
	if err != nil {
		return 0, fmt.Errorf("delete all titles: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Pool) KnownNormalizedTexts(ctx context.Context) (map[string]struct{}, error) {
	const q = `
SELECT normalized_text FROM clearoid.titles
UNION
SELECT canonical_key FROM clearoid.titles
`

	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query known texts: %w", err)
	}
	defer rows.Close()

	known := make(map[string]struct{}, 256)
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scan known text: %w", err)
		}
		known[text] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate known texts: %w", err)
	}
	return known, nil
}

// ListTitles pages newest first. Search matches the raw text
// case-insensitively or the normalized text.
func (p *Pool) ListTitles(ctx context.Context, filter dedup.TitleFilter) (dedup.TitlePage, error) {
	page, limit := filter.Page, filter.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = dedup.DefaultPageLimit
	}

	search := ""
	if trimmed := strings.TrimSpace(filter.Search); trimmed != "" {
		search = "%" + escapeLike(trimmed) + "%"
	}

	const countQuery = `
SELECT COUNT(*)
FROM clearoid.titles
WHERE ($1 = '' OR raw_text ILIKE $1 OR normalized_text ILIKE $1)
  AND ($2::boolean IS NULL OR is_duplicate = $2)
`

	var total int
	if err := p.QueryRow(ctx, countQuery, search, filter.Duplicates).Scan(&total); err != nil {
		return dedup.TitlePage{}, fmt.Errorf("count titles: %w", err)
	}

	q := `SELECT` + titleColumns + `
FROM clearoid.titles
WHERE ($1 = '' OR raw_text ILIKE $1 OR normalized_text ILIKE $1)
  AND ($2::boolean IS NULL OR is_duplicate = $2)
ORDER BY created_at DESC, title_id DESC
LIMIT $3
OFFSET $4
`

	rows, err := p.Query(ctx, q, search, filter.Duplicates, limit, (page-1)*limit)
	if err != nil {
		return dedup.TitlePage{}, fmt.Errorf("query titles page: %w", err)
	}
	items, err := collectTitles(rows, p.log)
	if err != nil {
		return dedup.TitlePage{}, err
	}

	return dedup.TitlePage{
		Total: total,
		Page:  page,
		Limit: limit,
		Items: items,
	}, nil
}

// ListClusters summarizes clusters of at least minSize members, largest
// first. The display text comes from the current primary.
func (p *Pool) ListClusters(ctx context.Context, minSize int) ([]dedup.ClusterSummary, error) {
	const q = `
SELECT
	c.canonical_key,
	c.size,
	pr.title_id,
	pr.raw_text,
	pr.created_at
FROM (
	SELECT canonical_key, COUNT(*)::INTEGER AS size
	FROM clearoid.titles
	GROUP BY canonical_key
	HAVING COUNT(*) >= $1
) c
JOIN LATERAL (
	SELECT t.title_id, t.raw_text, t.created_at
	FROM clearoid.titles t
	WHERE t.canonical_key = c.canonical_key
	ORDER BY t.is_duplicate ASC, t.created_at ASC, t.title_id ASC
	LIMIT 1
) pr ON TRUE
ORDER BY c.size DESC, c.canonical_key ASC
`

	rows, err := p.Query(ctx, q, max(minSize, 1))
	if err != nil {
		return nil, fmt.Errorf("query clusters: %w", err)
	}
	defer rows.Close()

	out := make([]dedup.ClusterSummary, 0, 32)
	for rows.Next() {
		var row dedup.ClusterSummary
		if err := rows.Scan(&row.CanonicalKey, &row.Size, &row.PrimaryID, &row.DisplayText, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cluster row: %w", err)
		}
		row.CreatedAt = row.CreatedAt.UTC()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster rows: %w", err)
	}
	return out, nil
}

func (p *Pool) ClusterKeys(ctx context.Context) ([]string, error) {
	rows, err := p.Query(ctx, `SELECT DISTINCT canonical_key FROM clearoid.titles ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("query cluster keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0, 64)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan cluster key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster keys: %w", err)
	}
	return keys, nil
}

func (p *Pool) Stats(ctx context.Context, topN, recentN int) (dedup.Stats, error) {
	const totalsQuery = `
SELECT
	COUNT(*)::INTEGER,
	COUNT(*) FILTER (WHERE is_duplicate)::INTEGER,
	COALESCE(AVG(char_length(raw_text)), 0)::DOUBLE PRECISION
FROM clearoid.titles
`

	stats := dedup.Stats{
		TopClusters: []dedup.KeyCount{},
		Recent:      []dedup.TitleRecord{},
	}
	if err := p.QueryRow(ctx, totalsQuery).Scan(&stats.Total, &stats.Duplicates, &stats.AvgTitleLength); err != nil {
		return dedup.Stats{}, fmt.Errorf("query title totals: %w", err)
	}
	stats.Unique = stats.Total - stats.Duplicates

	const clustersQuery = `
SELECT COUNT(*)::INTEGER
FROM (
	SELECT canonical_key
	FROM clearoid.titles
	GROUP BY canonical_key
	HAVING COUNT(*) >= 2
) c
`
	if err := p.QueryRow(ctx, clustersQuery).Scan(&stats.Clusters); err != nil {
		return dedup.Stats{}, fmt.Errorf("count clusters: %w", err)
	}

	if topN > 0 {
		const topQuery = `
SELECT canonical_key, COUNT(*)::INTEGER AS size
FROM clearoid.titles
GROUP BY canonical_key
ORDER BY size DESC, canonical_key ASC
LIMIT $1
`
		rows, err := p.Query(ctx, topQuery, topN)
		if err != nil {
			return dedup.Stats{}, fmt.Errorf("query top clusters: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var row dedup.KeyCount
			if err := rows.Scan(&row.CanonicalKey, &row.Count); err != nil {
				return dedup.Stats{}, fmt.Errorf("scan top cluster: %w", err)
			}
			stats.TopClusters = append(stats.TopClusters, row)
		}
		if err := rows.Err(); err != nil {
			return dedup.Stats{}, fmt.Errorf("iterate top clusters: %w", err)
		}
	}

	if recentN > 0 {
		q := `SELECT` + titleColumns + `
FROM clearoid.titles
ORDER BY created_at DESC, title_id DESC
LIMIT $1
`
		rows, err := p.Query(ctx, q, recentN)
		if err != nil {
			return dedup.Stats{}, fmt.Errorf("query recent titles: %w", err)
		}
		recent, err := collectTitles(rows, p.log)
		if err != nil {
			return dedup.Stats{}, err
		}
		stats.Recent = recent
	}

	return stats, nil
}

func (p *Pool) InsertDedupEvent(ctx context.Context, event dedup.DedupEvent) error {
	const q = `
INSERT INTO clearoid.dedup_events (
	title_id,
	operation,
	decision,
	match_title_id,
	best_cosine,
	canonical_key,
	created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

	createdAt := event.CreatedAt.UTC()
	if event.CreatedAt.IsZero() {
		createdAt = globaltime.UTC()
	}
	if _, err := p.Exec(
		ctx,
		q,
		event.TitleID,
		event.Operation,
		string(event.Decision),
		event.MatchID,
		event.Score,
		event.CanonicalKey,
		createdAt,
	); err != nil {
		return fmt.Errorf("insert dedup event: %w", err)
	}
	return nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
