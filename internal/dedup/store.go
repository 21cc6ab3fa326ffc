package dedup

import "context"

// TitleStore persists TitleRecords. Each call is atomic on its own; the
// engine's key locks serialize the sequences that touch one cluster.
type TitleStore interface {
	// InsertTitle assigns the ID and returns the stored record.
	InsertTitle(ctx context.Context, record TitleRecord) (TitleRecord, error)
	GetTitle(ctx context.Context, id int64) (TitleRecord, error)
	// UpdateTitle rewrites the mutable fields of an existing record.
	UpdateTitle(ctx context.Context, record TitleRecord) error
	// AllTitles returns every record ordered by (CreatedAt, ID).
	AllTitles(ctx context.Context) ([]TitleRecord, error)
	// TitlesByCanonicalKey returns one cluster ordered by (CreatedAt, ID).
	TitlesByCanonicalKey(ctx context.Context, key string) ([]TitleRecord, error)
	SetDuplicateFlags(ctx context.Context, ids []int64, isDuplicate bool) error
	// DeleteTitles removes the given ids and returns the records that existed.
	DeleteTitles(ctx context.Context, ids []int64) ([]TitleRecord, error)
	DeleteAllTitles(ctx context.Context) (int64, error)
	// KnownNormalizedTexts returns every stored normalized text and canonical key.
	KnownNormalizedTexts(ctx context.Context) (map[string]struct{}, error)
	ListTitles(ctx context.Context, filter TitleFilter) (TitlePage, error)
	// ListClusters returns clusters with at least minSize members, largest first.
	ListClusters(ctx context.Context, minSize int) ([]ClusterSummary, error)
	ClusterKeys(ctx context.Context) ([]string, error)
	Stats(ctx context.Context, topN, recentN int) (Stats, error)
	InsertDedupEvent(ctx context.Context, event DedupEvent) error
}

// BatchStore persists BatchRuns.
type BatchStore interface {
	// CreateBatchRun returns ErrDuplicateRun when the run fingerprint exists.
	CreateBatchRun(ctx context.Context, run BatchRun) (BatchRun, error)
	GetBatchRun(ctx context.Context, id string) (BatchRun, error)
	UpdateBatchRun(ctx context.Context, run BatchRun) error
	// BatchRunsBySource returns runs for a content fingerprint, oldest first.
	BatchRunsBySource(ctx context.Context, fingerprint string) ([]BatchRun, error)
	ListBatchRuns(ctx context.Context, limit int) ([]BatchRun, error)
}

type Store interface {
	TitleStore
	BatchStore
}
