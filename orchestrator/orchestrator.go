// Package orchestrator implements the request-driven escrow operations:
// entity creation with full invariant checking, guarded next-action
// transitions and the manual error recovery path. On-chain state is never
// written here; that stays with the reconciler.
package orchestrator

import (
	"errors"
	"log/slog"
	"time"

	"escrowd/chain"
	"escrowd/faults"
	"escrowd/signer"
	"escrowd/store"
)

// Config wires the orchestrator's collaborators. Now is injectable so the
// time-window rules are testable.
type Config struct {
	Store   *store.Store
	Adapter chain.Adapter
	Signer  signer.Signer
	Logger  *slog.Logger
	Now     func() time.Time
}

// Orchestrator validates and executes escrow requests.
type Orchestrator struct {
	store   *store.Store
	adapter chain.Adapter
	signer  signer.Signer
	logger  *slog.Logger
	now     func() time.Time
}

// New builds an orchestrator from its config, filling defaults.
func New(cfg Config) *Orchestrator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   cfg.Store,
		adapter: cfg.Adapter,
		signer:  cfg.Signer,
		logger:  logger,
		now:     now,
	}
}

// Time-window constraints shared by payment and purchase creation. All
// values are unix milliseconds.
const (
	minPayBySlack         = 5 * time.Minute
	minSubmitLead         = 15 * time.Minute
	minUnlockGap          = 15 * time.Minute
	minDisputeGap         = 15 * time.Minute
	defaultUnlockOffset   = 6 * time.Hour
	defaultDisputeOffset  = 12 * time.Hour
	agentIdentifierMinLen = 57
	policyIDLen           = 56
)

// TimeWindows is the resolved set of escrow deadlines.
type TimeWindows struct {
	PayByTime                 int64
	SubmitResultTime          int64
	UnlockTime                int64
	ExternalDisputeUnlockTime int64
}

// resolveWindows fills defaults and checks the five deadline inequalities.
func resolveWindows(now time.Time, payBy, submitResult int64, unlock, dispute *int64) (TimeWindows, error) {
	nowMs := now.UnixMilli()
	w := TimeWindows{PayByTime: payBy, SubmitResultTime: submitResult}
	if unlock != nil {
		w.UnlockTime = *unlock
	} else {
		w.UnlockTime = submitResult + defaultUnlockOffset.Milliseconds()
	}
	if dispute != nil {
		w.ExternalDisputeUnlockTime = *dispute
	} else {
		w.ExternalDisputeUnlockTime = submitResult + defaultDisputeOffset.Milliseconds()
	}

	if w.PayByTime > w.SubmitResultTime-minPayBySlack.Milliseconds() {
		return w, faults.New(faults.InvalidArgument, "payByTime must precede submitResultTime by at least 5 minutes")
	}
	if w.PayByTime < nowMs-minPayBySlack.Milliseconds() {
		return w, faults.New(faults.InvalidArgument, "payByTime lies more than 5 minutes in the past")
	}
	if w.SubmitResultTime < nowMs+minSubmitLead.Milliseconds() {
		return w, faults.New(faults.InvalidArgument, "submitResultTime must be at least 15 minutes away")
	}
	if w.SubmitResultTime > w.UnlockTime-minUnlockGap.Milliseconds() {
		return w, faults.New(faults.InvalidArgument, "unlockTime must trail submitResultTime by at least 15 minutes")
	}
	if w.ExternalDisputeUnlockTime < w.UnlockTime+minDisputeGap.Milliseconds() {
		return w, faults.New(faults.InvalidArgument, "externalDisputeUnlockTime must trail unlockTime by at least 15 minutes")
	}
	return w, nil
}

// policyID extracts the minting policy from an agent identifier.
func policyID(agentIdentifier string) string {
	return agentIdentifier[:policyIDLen]
}

// adapterFault maps indexer errors onto the API taxonomy.
func adapterFault(err error, context string) error {
	switch {
	case err == nil:
		return nil
	case chain.IsNotFound(err):
		return faults.Wrap(faults.NotFound, err, "%s", context)
	case errors.Is(err, chain.ErrUnavailable):
		return faults.Wrap(faults.ChainAdapterUnavailable, err, "%s", context)
	default:
		return faults.Wrap(faults.Internal, err, "%s", context)
	}
}

func isLowerHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
