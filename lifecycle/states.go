package lifecycle

import (
	"fmt"
	"strings"
)

// OnChainState mirrors the escrow contract's datum state. It is authoritative
// and only ever written by the chain reconciler.
type OnChainState string

const (
	StateFundsLocked        OnChainState = "FundsLocked"
	StateResultSubmitted    OnChainState = "ResultSubmitted"
	StateRefundRequested    OnChainState = "RefundRequested"
	StateDisputed           OnChainState = "Disputed"
	StateWithdrawn          OnChainState = "Withdrawn"
	StateRefundWithdrawn    OnChainState = "RefundWithdrawn"
	StateDisputedWithdrawn  OnChainState = "DisputedWithdrawn"
	StateFundsOrDatumInvalid OnChainState = "FundsOrDatumInvalid"
)

// Valid reports whether the state is one of the supported datum states.
func (s OnChainState) Valid() bool {
	switch s {
	case StateFundsLocked, StateResultSubmitted, StateRefundRequested,
		StateDisputed, StateWithdrawn, StateRefundWithdrawn,
		StateDisputedWithdrawn, StateFundsOrDatumInvalid:
		return true
	default:
		return false
	}
}

// Terminal reports whether the escrow can never leave this state again.
func (s OnChainState) Terminal() bool {
	switch s {
	case StateWithdrawn, StateRefundWithdrawn, StateDisputedWithdrawn, StateFundsOrDatumInvalid:
		return true
	default:
		return false
	}
}

// ParseOnChainState normalises a datum state string reported by the indexer.
func ParseOnChainState(raw string) (OnChainState, error) {
	state := OnChainState(strings.TrimSpace(raw))
	if !state.Valid() {
		return "", fmt.Errorf("lifecycle: unknown on-chain state %q", raw)
	}
	return state, nil
}

// onChainTransitions is the set of datum transitions the contract permits.
// A nil "from" key (represented by the empty state) covers the initial lock.
var onChainTransitions = map[OnChainState][]OnChainState{
	"": {StateFundsLocked},
	StateFundsLocked: {
		StateResultSubmitted, StateRefundRequested, StateDisputed,
		StateWithdrawn, StateRefundWithdrawn, StateFundsOrDatumInvalid,
	},
	StateResultSubmitted: {StateRefundRequested, StateDisputed, StateWithdrawn},
	StateRefundRequested: {StateFundsLocked, StateDisputed, StateRefundWithdrawn},
	StateDisputed:        {StateDisputedWithdrawn},
}

// ValidateOnChainTransition reports whether the contract allows moving from
// the current datum state to the observed one. The current state is nil before
// the first lock is observed.
func ValidateOnChainTransition(current *OnChainState, next OnChainState) error {
	from := OnChainState("")
	if current != nil {
		from = *current
	}
	if from == next {
		return fmt.Errorf("lifecycle: transition %s -> %s is a no-op", from, next)
	}
	for _, allowed := range onChainTransitions[from] {
		if allowed == next {
			return nil
		}
	}
	if from == "" {
		return fmt.Errorf("lifecycle: initial state must be %s, observed %s", StateFundsLocked, next)
	}
	return fmt.Errorf("lifecycle: transition from %s to %s is not permitted", from, next)
}
