package lifecycle

import "testing"

func ptr(s OnChainState) *OnChainState { return &s }

func TestOnChainTransitionTable(t *testing.T) {
	cases := []struct {
		name    string
		current *OnChainState
		next    OnChainState
		wantErr bool
	}{
		{"initial lock", nil, StateFundsLocked, false},
		{"initial cannot skip to result", nil, StateResultSubmitted, true},
		{"locked to result", ptr(StateFundsLocked), StateResultSubmitted, false},
		{"locked to refund requested", ptr(StateFundsLocked), StateRefundRequested, false},
		{"locked to disputed", ptr(StateFundsLocked), StateDisputed, false},
		{"locked to withdrawn", ptr(StateFundsLocked), StateWithdrawn, false},
		{"locked to refund withdrawn", ptr(StateFundsLocked), StateRefundWithdrawn, false},
		{"locked to invalid", ptr(StateFundsLocked), StateFundsOrDatumInvalid, false},
		{"locked to disputed withdrawn", ptr(StateFundsLocked), StateDisputedWithdrawn, true},
		{"result to withdrawn", ptr(StateResultSubmitted), StateWithdrawn, false},
		{"result to refund requested", ptr(StateResultSubmitted), StateRefundRequested, false},
		{"result to disputed", ptr(StateResultSubmitted), StateDisputed, false},
		{"result back to locked", ptr(StateResultSubmitted), StateFundsLocked, true},
		{"refund cancel", ptr(StateRefundRequested), StateFundsLocked, false},
		{"refund to disputed", ptr(StateRefundRequested), StateDisputed, false},
		{"refund to refund withdrawn", ptr(StateRefundRequested), StateRefundWithdrawn, false},
		{"refund to withdrawn", ptr(StateRefundRequested), StateWithdrawn, true},
		{"disputed to disputed withdrawn", ptr(StateDisputed), StateDisputedWithdrawn, false},
		{"disputed to withdrawn", ptr(StateDisputed), StateWithdrawn, true},
		{"terminal withdrawn is final", ptr(StateWithdrawn), StateFundsLocked, true},
		{"no-op is rejected", ptr(StateFundsLocked), StateFundsLocked, true},
	}
	for _, tc := range cases {
		err := ValidateOnChainTransition(tc.current, tc.next)
		if tc.wantErr && err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := []OnChainState{StateWithdrawn, StateRefundWithdrawn, StateDisputedWithdrawn, StateFundsOrDatumInvalid}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []OnChainState{StateFundsLocked, StateResultSubmitted, StateRefundRequested, StateDisputed}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestParseOnChainState(t *testing.T) {
	if _, err := ParseOnChainState(" FundsLocked "); err != nil {
		t.Fatalf("parse with whitespace: %v", err)
	}
	if _, err := ParseOnChainState("Locked"); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestNextActionVariants(t *testing.T) {
	if !ActionSubmitResultRequested.Requested() || !ActionSetRefundRequested.Requested() {
		t.Fatal("requested variants misclassified")
	}
	if ActionWaitingForExternalAction.Requested() || ActionNone.Requested() {
		t.Fatal("idle variants misclassified as requested")
	}
	if ActionSetRefundRequested.ValidForPayment() {
		t.Fatal("purchase action accepted on payment")
	}
	if ActionSubmitResultRequested.ValidForPurchase() {
		t.Fatal("payment action accepted on purchase")
	}
}

func TestRegistrationTransitions(t *testing.T) {
	if err := ValidateRegistrationTransition(RegistrationRequested, RegistrationConfirmed); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := ValidateRegistrationTransition(RegistrationConfirmed, DeregistrationRequested); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if err := ValidateRegistrationTransition(RegistrationRequested, DeregistrationConfirmed); err == nil {
		t.Fatal("expected error skipping to deregistration confirmed")
	}
	if err := ValidateRegistrationTransition(DeregistrationRequested, RegistrationConfirmed); err == nil {
		t.Fatal("expected error rolling a burn request back to confirmed")
	}
	if !RegistrationFailed.Deletable() || !DeregistrationConfirmed.Deletable() {
		t.Fatal("terminal registry states must be deletable")
	}
	if RegistrationConfirmed.Deletable() {
		t.Fatal("confirmed registration must not be deletable")
	}
}
