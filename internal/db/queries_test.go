package db

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm/logger"

	"horse.fit/clearoid/internal/dedup"
	"horse.fit/clearoid/internal/embedding"
)

type fakeScanner struct {
	values []any
	err    error
}

func (f fakeScanner) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	for i, d := range dest {
		switch target := d.(type) {
		case *string:
			*target = f.values[i].(string)
		case **string:
			*target, _ = f.values[i].(*string)
		case *int:
			*target = f.values[i].(int)
		case *int64:
			*target = f.values[i].(int64)
		case *bool:
			*target = f.values[i].(bool)
		case *[]byte:
			*target, _ = f.values[i].([]byte)
		case *time.Time:
			*target = f.values[i].(time.Time)
		case **time.Time:
			*target, _ = f.values[i].(*time.Time)
		}
	}
	return nil
}

func TestEscapeLike(t *testing.T) {
	t.Parallel()

	got := escapeLike(`50%_off\now`)
	if got != `50\%\_off\\now` {
		t.Fatalf("escapeLike = %q", got)
	}
}

func TestResolveGormLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level, env string
		want       logger.LogLevel
	}{
		{"debug", "", logger.Info},
		{"", "", logger.Warn},
		{"error", "", logger.Error},
		{"silent", "", logger.Silent},
		{"bogus", "local", logger.Warn},
		{"bogus", "production", logger.Error},
	}
	for _, tc := range tests {
		if got := resolveGormLogLevel(tc.level, tc.env); got != tc.want {
			t.Fatalf("resolveGormLogLevel(%q, %q) = %v, want %v", tc.level, tc.env, got, tc.want)
		}
	}
}

func TestEncodeRunPayloadDefaultsToEmptyJSON(t *testing.T) {
	t.Parallel()

	clusters, failures, err := encodeRunPayload(dedup.BatchRun{})
	if err != nil {
		t.Fatalf("encodeRunPayload: %v", err)
	}
	if string(clusters) != "{}" || string(failures) != "[]" {
		t.Fatalf("payload = %s %s", clusters, failures)
	}
}

func TestScanBatchRunDecodesOptionalColumns(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	archive := "batches/abc.zst"
	row := fakeScanner{values: []any{
		"8d4f7f1e-8c1b-4c55-9a57-7d36f1a3c0aa",
		"titles.csv",
		"src",
		"src",
		&archive,
		"completed",
		3, 2, 1, 0,
		[]byte(`{"alpha":["Alpha","alpha"]}`),
		[]byte(`[{"row":2,"text":"x","error":"boom"}]`),
		(*string)(nil),
		created,
		(*time.Time)(nil),
	}}

	run, err := scanBatchRun(row)
	if err != nil {
		t.Fatalf("scanBatchRun: %v", err)
	}
	if run.ArchiveKey != archive || run.Status != dedup.BatchStatusCompleted {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.CreatedAt.Location() != time.UTC {
		t.Fatalf("created_at not normalized to UTC")
	}
	if len(run.Clusters["alpha"]) != 2 || len(run.Failures) != 1 || run.Failures[0].Row != 2 {
		t.Fatalf("payload not decoded: %+v", run)
	}
	if run.CompletedAt != nil || run.Error != "" {
		t.Fatalf("null columns should stay empty")
	}
}

func TestScanBatchRunPropagatesScanError(t *testing.T) {
	t.Parallel()

	if _, err := scanBatchRun(fakeScanner{err: ErrNoRows}); !errors.Is(err, ErrNoRows) {
		t.Fatalf("err = %v, want ErrNoRows", err)
	}
}

func titleRow(vector []byte) fakeScanner {
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return fakeScanner{values: []any{
		int64(7),
		"Alpha Launch",
		"alpha launch",
		"alpha launch",
		vector,
		false,
		stamp,
		stamp,
	}}
}

func TestScanTitleDecodesEmbedding(t *testing.T) {
	t.Parallel()

	record, err := scanTitle(titleRow(embedding.EncodeVector([]float32{0.6, 0.8})), zerolog.Nop())
	if err != nil {
		t.Fatalf("scanTitle: %v", err)
	}
	if record.ID != 7 || len(record.Embedding) != 2 || record.Embedding[1] != 0.8 {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestScanTitleToleratesCorruptEmbedding(t *testing.T) {
	t.Parallel()

	tests := map[string][]byte{
		"truncated": {1, 2, 3},
		"null":      nil,
	}
	for name, vector := range tests {
		record, err := scanTitle(titleRow(vector), zerolog.Nop())
		if err != nil {
			t.Fatalf("%s: scanTitle returned %v, want nil", name, err)
		}
		if record.ID != 7 || record.RawText != "Alpha Launch" {
			t.Fatalf("%s: record fields lost: %+v", name, record)
		}
		if record.Embedding != nil {
			t.Fatalf("%s: embedding = %v, want nil", name, record.Embedding)
		}
		if _, ok := embedding.Cosine([]float32{1, 0}, record.Embedding); ok {
			t.Fatalf("%s: cosine should skip a record without an embedding", name)
		}
	}
}
