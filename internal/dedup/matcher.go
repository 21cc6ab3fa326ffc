package dedup

import (
	"context"
	"sort"

	"horse.fit/clearoid/internal/embedding"
)

// Matcher scores a query vector against every stored embedding. The scan is
// exact and O(n) per query.
type Matcher struct {
	corpus *EmbeddingStore
}

func NewMatcher(corpus *EmbeddingStore) *Matcher {
	return &Matcher{corpus: corpus}
}

// FindBestMatch returns the highest scoring record, skipping excludeID
// (0 excludes nothing). ok is false when no record has a usable embedding.
func (m *Matcher) FindBestMatch(ctx context.Context, query []float32, excludeID int64) (Match, bool, error) {
	records, err := m.corpus.Snapshot(ctx)
	if err != nil {
		return Match{}, false, err
	}
	match, ok := BestMatch(query, records, excludeID)
	return match, ok, nil
}

// Similar returns every record scoring at least threshold, best first.
func (m *Matcher) Similar(ctx context.Context, query []float32, threshold float64, excludeID int64) ([]Match, error) {
	records, err := m.corpus.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return RankAbove(query, records, threshold, excludeID), nil
}

// BestMatch is the linear scan behind FindBestMatch. Records with a missing,
// mismatched or zero embedding are skipped. The first record reaching the
// maximum wins ties.
func BestMatch(query []float32, records []TitleRecord, excludeID int64) (Match, bool) {
	var (
		best  Match
		found bool
	)
	for _, record := range records {
		if excludeID != 0 && record.ID == excludeID {
			continue
		}
		score, ok := embedding.Cosine(query, record.Embedding)
		if !ok {
			continue
		}
		if !found || score > best.Score {
			best = Match{Record: record, Score: score}
			found = true
		}
	}
	return best, found
}

func RankAbove(query []float32, records []TitleRecord, threshold float64, excludeID int64) []Match {
	out := make([]Match, 0)
	for _, record := range records {
		if excludeID != 0 && record.ID == excludeID {
			continue
		}
		score, ok := embedding.Cosine(query, record.Embedding)
		if !ok || score < threshold {
			continue
		}
		out = append(out, Match{Record: record, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// IsDuplicateScore applies the decision rule: scores at the threshold count.
func IsDuplicateScore(score, threshold float64) bool {
	return score >= threshold
}

// decide resolves the cluster a title with the given normalized text joins.
func decide(normalized string, match Match, found bool, threshold float64) (key string, duplicate bool) {
	if found && IsDuplicateScore(match.Score, threshold) {
		return match.Record.CanonicalKey, true
	}
	return normalized, false
}
