// Package dedup assigns titles to canonical clusters by embedding similarity
// and keeps exactly one primary per cluster.
package dedup

import (
	"errors"
	"time"
)

var (
	// ErrInvalidInput is returned when text normalizes to nothing.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned for edits and deletes of unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateRun is returned by stores when a run fingerprint is already recorded.
	ErrDuplicateRun = errors.New("batch run fingerprint already recorded")
)

const (
	DefaultDuplicateThreshold = 0.85
	DefaultSimilarThreshold   = 0.75
)

// TitleRecord is one accepted title.
type TitleRecord struct {
	ID             int64     `json:"id"`
	RawText        string    `json:"title"`
	NormalizedText string    `json:"normalized"`
	CanonicalKey   string    `json:"canonical_key"`
	Embedding      []float32 `json:"-"`
	IsDuplicate    bool      `json:"is_duplicate"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Match is a scored candidate from the corpus.
type Match struct {
	Record TitleRecord
	Score  float64
}

type CheckResult struct {
	IsDuplicate    bool    `json:"duplicate"`
	Score          float64 `json:"score"`
	MatchID        int64   `json:"match_id,omitempty"`
	MatchText      string  `json:"match_title,omitempty"`
	CanonicalKey   string  `json:"canonical"`
	NormalizedText string  `json:"normalized"`
}

// ClusterSummary describes one canonical cluster. DisplayText follows the
// current primary's raw text; CanonicalKey never changes.
type ClusterSummary struct {
	CanonicalKey string    `json:"canonical_key"`
	Size         int       `json:"size"`
	PrimaryID    int64     `json:"primary_id"`
	DisplayText  string    `json:"display_text"`
	CreatedAt    time.Time `json:"created_at"`
}

type DecisionKind string

const (
	DecisionNewCluster DecisionKind = "new_cluster"
	DecisionDuplicate  DecisionKind = "duplicate"
)

// DedupEvent is the audit trail for one matching decision.
type DedupEvent struct {
	TitleID      int64        `json:"title_id"`
	Operation    string       `json:"operation"`
	Decision     DecisionKind `json:"decision"`
	MatchID      *int64       `json:"match_id,omitempty"`
	Score        *float64     `json:"score,omitempty"`
	CanonicalKey string       `json:"canonical_key"`
	CreatedAt    time.Time    `json:"created_at"`
}

type TitleFilter struct {
	Search     string
	Duplicates *bool
	Page       int
	Limit      int
}

type TitlePage struct {
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
	Items []TitleRecord `json:"items"`
}

type KeyCount struct {
	CanonicalKey string `json:"normalized"`
	Count        int    `json:"count"`
}

type Stats struct {
	Total          int           `json:"total"`
	Duplicates     int           `json:"duplicates"`
	Unique         int           `json:"unique"`
	Clusters       int           `json:"clusters"`
	AvgTitleLength float64       `json:"avg_title_length"`
	TopClusters    []KeyCount    `json:"top_normalized"`
	Recent         []TitleRecord `json:"recent"`
}

type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// RowFailure records a row that could not be embedded or stored. Row is
// the 1-based position in the submitted rows.
type RowFailure struct {
	Row   int    `json:"row"`
	Text  string `json:"text"`
	Error string `json:"error"`
}

// BatchRun is the persisted summary of one bulk ingestion.
type BatchRun struct {
	ID                string              `json:"id"`
	Filename          string              `json:"filename"`
	SourceFingerprint string              `json:"source_fingerprint"`
	RunFingerprint    string              `json:"run_fingerprint"`
	ArchiveKey        string              `json:"archive_key,omitempty"`
	Status            BatchStatus         `json:"status"`
	Processed         int                 `json:"processed"`
	Saved             int                 `json:"saved"`
	Duplicates        int                 `json:"duplicates"`
	Failed            int                 `json:"failed"`
	Clusters          map[string][]string `json:"clusters"`
	Failures          []RowFailure        `json:"failures"`
	Error             string              `json:"error,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
}

type BatchRequest struct {
	Rows           []string
	Fingerprint    string
	Filename       string
	ArchiveKey     string
	AllowReprocess bool
}

// IngestOutcome carries the run summary. AlreadyProcessed is set when the
// fingerprint matched an earlier run and that run is returned unchanged.
type IngestOutcome struct {
	Run              BatchRun `json:"run"`
	AlreadyProcessed bool     `json:"already_processed"`
}

type ScopeKind string

const (
	ScopeAll        ScopeKind = "all"
	ScopeDuplicates ScopeKind = "duplicates"
	ScopeUnique     ScopeKind = "unique"
	ScopeIDs        ScopeKind = "ids"
)

type ExportScope struct {
	Kind ScopeKind
	IDs  []int64
}
