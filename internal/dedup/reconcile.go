package dedup

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

const defaultReconcilePasses = 3

// Enforcer restores the single-primary invariant of a cluster: the member
// with the smallest (CreatedAt, ID) is primary, every other member is a
// duplicate.
type Enforcer struct {
	store     TitleStore
	corpus    *EmbeddingStore
	logger    zerolog.Logger
	observer  Observer
	maxPasses int
}

func NewEnforcer(store TitleStore, corpus *EmbeddingStore, observer Observer, logger zerolog.Logger) *Enforcer {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Enforcer{
		store:     store,
		corpus:    corpus,
		logger:    logger,
		observer:  observer,
		maxPasses: defaultReconcilePasses,
	}
}

// Reconcile is idempotent. It returns the number of flags it changed. A
// cluster that is still inconsistent after the final pass (a concurrent
// writer outside the engine) is logged and left for the next reconcile.
func (f *Enforcer) Reconcile(ctx context.Context, key string) (int, error) {
	if key == "" {
		return 0, nil
	}

	changed := 0
	for pass := 0; pass < f.maxPasses; pass++ {
		members, err := f.store.TitlesByCanonicalKey(ctx, key)
		if err != nil {
			return changed, fmt.Errorf("load cluster %q: %w", key, err)
		}

		promote, demote := planFlags(members)
		if len(promote) == 0 && len(demote) == 0 {
			if changed > 0 {
				f.observer.Reconciled(changed)
			}
			return changed, nil
		}

		if err := f.store.SetDuplicateFlags(ctx, demote, true); err != nil {
			return changed, fmt.Errorf("demote cluster %q members: %w", key, err)
		}
		if err := f.store.SetDuplicateFlags(ctx, promote, false); err != nil {
			return changed, fmt.Errorf("promote cluster %q primary: %w", key, err)
		}
		if f.corpus != nil {
			f.corpus.SetFlags(demote, true)
			f.corpus.SetFlags(promote, false)
		}
		changed += len(promote) + len(demote)

		f.logger.Debug().
			Str("canonical_key", key).
			Int("promoted", len(promote)).
			Int("demoted", len(demote)).
			Int("pass", pass+1).
			Msg("cluster reconciled")
	}

	f.logger.Warn().
		Str("canonical_key", key).
		Int("passes", f.maxPasses).
		Msg("cluster still changing after reconcile passes")
	f.observer.Reconciled(changed)
	return changed, nil
}

// planFlags returns the ids whose flags must flip. members may be in any
// order.
func planFlags(members []TitleRecord) (promote, demote []int64) {
	if len(members) == 0 {
		return nil, nil
	}

	primary := members[0]
	for _, member := range members[1:] {
		if recordLess(member, primary) {
			primary = member
		}
	}

	for _, member := range members {
		switch {
		case member.ID == primary.ID:
			if member.IsDuplicate {
				promote = append(promote, member.ID)
			}
		case !member.IsDuplicate:
			demote = append(demote, member.ID)
		}
	}
	return promote, demote
}
