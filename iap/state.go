package iap

// TransactionState is the per-product state of a purchase as seen by the
// Coordinator.
type TransactionState string

const (
	StateIdle           TransactionState = "idle"
	StatePurchasing     TransactionState = "purchasing"
	StateValidating     TransactionState = "validating"
	StateShouldValidate TransactionState = "shouldValidate"
	StateValidated      TransactionState = "validated"
	StateInvalided      TransactionState = "invalided"
)

func (s TransactionState) String() string {
	return string(s)
}

func (s TransactionState) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

var transitions = map[TransactionState]map[TransactionState]struct{}{
	StateIdle:           {StatePurchasing: {}, StateShouldValidate: {}, StateValidated: {}},
	StatePurchasing:     {StateShouldValidate: {}, StateIdle: {}, StateInvalided: {}},
	StateShouldValidate: {StateValidating: {}, StateValidated: {}, StateInvalided: {}},
	StateValidating:     {StateValidated: {}, StateInvalided: {}, StateShouldValidate: {}},
	StateValidated:      {StateInvalided: {}, StateShouldValidate: {}},
	StateInvalided:      {StatePurchasing: {}, StateShouldValidate: {}},
}

// CanTransition reports whether from -> to is an edge of the purchase state
// machine. Edges into validated that skip validating come from renewals and
// restores finished against a fresh receipt snapshot.
func CanTransition(from, to TransactionState) bool {
	if from == to {
		return true
	}
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
