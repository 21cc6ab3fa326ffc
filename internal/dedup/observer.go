package dedup

import "time"

// Observer receives engine events for metrics. Implementations must be safe
// for concurrent use.
type Observer interface {
	TitleStored(decision DecisionKind)
	BatchRow(outcome string)
	Reconciled(changed int)
	LockWaited(elapsed time.Duration)
}

const (
	BatchRowSaved     = "saved"
	BatchRowDuplicate = "duplicate"
	BatchRowKnown     = "known"
	BatchRowFailed    = "failed"
)

type NopObserver struct{}

func (NopObserver) TitleStored(DecisionKind) {}
func (NopObserver) BatchRow(string)          {}
func (NopObserver) Reconciled(int)           {}
func (NopObserver) LockWaited(time.Duration) {}
