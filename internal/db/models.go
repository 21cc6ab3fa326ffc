package db

import (
	"encoding/json"
	"time"
)

// Title maps clearoid.titles.
type Title struct {
	TitleID        int64     `gorm:"column:title_id;primaryKey;autoIncrement"`
	RawText        string    `gorm:"column:raw_text;type:text;not null"`
	NormalizedText string    `gorm:"column:normalized_text;type:text;not null"`
	CanonicalKey   string    `gorm:"column:canonical_key;type:text;not null;index:idx_titles_canonical_key"`
	Embedding      []byte    `gorm:"column:embedding;type:bytea;not null"`
	EmbeddingDims  int       `gorm:"column:embedding_dims;type:integer;not null"`
	IsDuplicate    bool      `gorm:"column:is_duplicate;type:boolean;not null;default:false"`
	CreatedAt      time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt      time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Title) TableName() string { return "clearoid.titles" }

// BatchRun maps clearoid.batch_runs.
type BatchRun struct {
	BatchRunID        string          `gorm:"column:batch_run_id;type:uuid;primaryKey"`
	Filename          string          `gorm:"column:filename;type:text;not null;default:''"`
	SourceFingerprint string          `gorm:"column:source_fingerprint;type:text;not null;index:idx_batch_runs_source"`
	RunFingerprint    string          `gorm:"column:run_fingerprint;type:text;not null;uniqueIndex:uq_batch_runs_run_fingerprint"`
	ArchiveKey        *string         `gorm:"column:archive_key;type:text"`
	Status            string          `gorm:"column:status;type:text;not null;default:processing"`
	Processed         int             `gorm:"column:processed;type:integer;not null;default:0"`
	Saved             int             `gorm:"column:saved;type:integer;not null;default:0"`
	Duplicates        int             `gorm:"column:duplicates;type:integer;not null;default:0"`
	Failed            int             `gorm:"column:failed;type:integer;not null;default:0"`
	Clusters          json.RawMessage `gorm:"column:clusters;type:jsonb;not null;default:'{}'"`
	Failures          json.RawMessage `gorm:"column:failures;type:jsonb;not null;default:'[]'"`
	ErrorMessage      *string         `gorm:"column:error_message;type:text"`
	CreatedAt         time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	CompletedAt       *time.Time      `gorm:"column:completed_at;type:timestamptz"`
}

func (BatchRun) TableName() string { return "clearoid.batch_runs" }

// DedupEvent maps clearoid.dedup_events.
type DedupEvent struct {
	DedupEventID int64     `gorm:"column:dedup_event_id;primaryKey;autoIncrement"`
	TitleID      int64     `gorm:"column:title_id;type:bigint;not null;index:idx_dedup_events_title"`
	Operation    string    `gorm:"column:operation;type:text;not null"`
	Decision     string    `gorm:"column:decision;type:text;not null"`
	MatchTitleID *int64    `gorm:"column:match_title_id;type:bigint"`
	BestCosine   *float64  `gorm:"column:best_cosine;type:double precision"`
	CanonicalKey string    `gorm:"column:canonical_key;type:text;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (DedupEvent) TableName() string { return "clearoid.dedup_events" }

// User maps clearoid.users.
type User struct {
	UserID             int64      `gorm:"column:user_id;primaryKey;autoIncrement"`
	Username           string     `gorm:"column:username;type:text;not null;uniqueIndex:uq_users_username"`
	PasswordHash       string     `gorm:"column:password_hash;type:text;not null"`
	IsAdmin            bool       `gorm:"column:is_admin;type:boolean;not null;default:false"`
	MustChangePassword bool       `gorm:"column:must_change_password;type:boolean;not null;default:false"`
	CreatedAt          time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	LastLoginAt        *time.Time `gorm:"column:last_login_at;type:timestamptz"`
}

func (User) TableName() string { return "clearoid.users" }

// Session maps clearoid.sessions.
type Session struct {
	SessionID  string    `gorm:"column:session_id;type:uuid;primaryKey;default:gen_random_uuid()"`
	UserID     int64     `gorm:"column:user_id;type:bigint;not null;index:idx_sessions_user"`
	ExpiresAt  time.Time `gorm:"column:expires_at;type:timestamptz;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	LastSeenAt time.Time `gorm:"column:last_seen_at;type:timestamptz;not null;default:now()"`
}

func (Session) TableName() string { return "clearoid.sessions" }

func autoMigrateModels() []any {
	return []any{
		&Title{},
		&BatchRun{},
		&DedupEvent{},
		&User{},
		&Session{},
	}
}
