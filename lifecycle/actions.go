package lifecycle

import "fmt"

// NextAction describes the next blockchain step the dispatcher must attempt
// for a payment or purchase. Exactly one action row is active per entity.
type NextAction string

const (
	// Shared variants.
	ActionWaitingForExternalAction NextAction = "WaitingForExternalAction"
	ActionWaitingForManualAction   NextAction = "WaitingForManualAction"
	ActionNone                     NextAction = "None"

	// Payment-side variants.
	ActionAuthorizeRefundRequested NextAction = "AuthorizeRefundRequested"
	ActionSubmitResultRequested    NextAction = "SubmitResultRequested"

	// Purchase-side variants.
	ActionSetRefundRequested   NextAction = "SetRefundRequestedRequested"
	ActionUnSetRefundRequested NextAction = "UnSetRefundRequestedRequested"
)

// Requested reports whether the action is a *Requested variant, i.e. work the
// dispatcher still has to submit on chain.
func (a NextAction) Requested() bool {
	switch a {
	case ActionAuthorizeRefundRequested, ActionSubmitResultRequested,
		ActionSetRefundRequested, ActionUnSetRefundRequested:
		return true
	default:
		return false
	}
}

// ValidForPayment reports whether the action may appear on a payment row.
func (a NextAction) ValidForPayment() bool {
	switch a {
	case ActionWaitingForExternalAction, ActionAuthorizeRefundRequested,
		ActionSubmitResultRequested, ActionWaitingForManualAction, ActionNone:
		return true
	default:
		return false
	}
}

// ValidForPurchase reports whether the action may appear on a purchase row.
func (a NextAction) ValidForPurchase() bool {
	switch a {
	case ActionWaitingForExternalAction, ActionSetRefundRequested,
		ActionUnSetRefundRequested, ActionWaitingForManualAction, ActionNone:
		return true
	default:
		return false
	}
}

// ActionErrorType classifies why an action ended up in manual review.
type ActionErrorType string

const (
	ErrorNetwork              ActionErrorType = "NetworkError"
	ErrorValidation           ActionErrorType = "ValidationError"
	ErrorInsufficientFunds    ActionErrorType = "InsufficientFunds"
	ErrorUnexpectedTransition ActionErrorType = "UnexpectedTransition"
	ErrorUnknown              ActionErrorType = "Unknown"
)

// RegistrationState tracks the agent-registry NFT lifecycle.
type RegistrationState string

const (
	RegistrationRequested   RegistrationState = "RegistrationRequested"
	RegistrationConfirmed   RegistrationState = "RegistrationConfirmed"
	RegistrationFailed      RegistrationState = "RegistrationFailed"
	DeregistrationRequested RegistrationState = "DeregistrationRequested"
	DeregistrationConfirmed RegistrationState = "DeregistrationConfirmed"
)

var registrationTransitions = map[RegistrationState][]RegistrationState{
	RegistrationRequested:   {RegistrationConfirmed, RegistrationFailed},
	RegistrationConfirmed:   {DeregistrationRequested},
	DeregistrationRequested: {DeregistrationConfirmed},
}

// ValidateRegistrationTransition ensures registry rows only move along the
// mint/burn lifecycle.
func ValidateRegistrationTransition(current, next RegistrationState) error {
	if current == next {
		return nil
	}
	for _, allowed := range registrationTransitions[current] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("lifecycle: registration transition from %s to %s is not permitted", current, next)
}

// Deletable reports whether a registry row in this state may be removed from
// the local store.
func (s RegistrationState) Deletable() bool {
	return s == RegistrationFailed || s == DeregistrationConfirmed
}
