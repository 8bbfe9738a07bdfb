package server

import (
	"net/http"

	"github.com/google/uuid"

	"escrowd/earnings"
	"escrowd/faults"
	"escrowd/lifecycle"
	"escrowd/models"
	"escrowd/orchestrator"
	"escrowd/store"
	"escrowd/webhooks"
)

type createPurchaseRequest struct {
	Network                   string  `json:"network"`
	BlockchainIdentifier      string  `json:"blockchainIdentifier"`
	AgentIdentifier           string  `json:"agentIdentifier"`
	IdentifierFromPurchaser   string  `json:"identifierFromPurchaser"`
	SellerVkey                string  `json:"sellerVkey"`
	InputHash                 string  `json:"inputHash"`
	PayByTime                 int64   `json:"payByTime"`
	SubmitResultTime          int64   `json:"submitResultTime"`
	UnlockTime                int64   `json:"unlockTime"`
	ExternalDisputeUnlockTime int64   `json:"externalDisputeUnlockTime"`
	Metadata                  *string `json:"metadata,omitempty"`
}

func (s *Server) handleCreatePurchase(w http.ResponseWriter, r *http.Request) {
	var body createPurchaseRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	purchase, err := s.orchestrator.CreatePurchase(r.Context(), orchestrator.CreatePurchaseInput{
		Network:                   models.Network(body.Network),
		BlockchainIdentifier:      body.BlockchainIdentifier,
		AgentIdentifier:           body.AgentIdentifier,
		IdentifierFromPurchaser:   body.IdentifierFromPurchaser,
		SellerVkey:                body.SellerVkey,
		InputHash:                 body.InputHash,
		PayByTime:                 body.PayByTime,
		SubmitResultTime:          body.SubmitResultTime,
		UnlockTime:                body.UnlockTime,
		ExternalDisputeUnlockTime: body.ExternalDisputeUnlockTime,
		Metadata:                  body.Metadata,
		RequestedBy:               callerKey(r).ID,
	})
	if err != nil {
		// Idempotent create: the existing purchase rides along with the
		// AlreadyExists fault so clients can resume.
		if faults.KindOf(err) == faults.AlreadyExists && purchase != nil {
			writeJSON(w, http.StatusOK, purchaseToView(purchase))
			return
		}
		writeError(w, err)
		return
	}
	s.publish(r, webhooks.Event{
		Type:                 webhooks.EventPurchaseStateChanged,
		Network:              body.Network,
		BlockchainIdentifier: purchase.BlockchainIdentifier,
		Attributes:           map[string]string{"created": "true"},
	})
	writeJSON(w, http.StatusCreated, purchaseToView(purchase))
}

func (s *Server) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	query := store.PurchaseQuery{
		Network:              models.Network(r.URL.Query().Get("network")),
		SmartContractAddress: r.URL.Query().Get("smartContractAddress"),
		SearchQuery:          r.URL.Query().Get("searchQuery"),
		IncludeHistory:       r.URL.Query().Get("includeHistory") == "true",
	}
	if raw := r.URL.Query().Get("onChainState"); raw != "" {
		state, err := lifecycle.ParseOnChainState(raw)
		if err != nil {
			writeError(w, faults.New(faults.InvalidArgument, "unknown onChainState %q", raw))
			return
		}
		query.OnChainStates = []lifecycle.OnChainState{state}
	}
	if raw := r.URL.Query().Get("cursorId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, faults.New(faults.InvalidArgument, "malformed cursorId"))
			return
		}
		query.CursorID = &id
	}
	query.Limit = parseLimit(r, 10)

	purchases, err := s.store.ListPurchases(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]purchaseView, 0, len(purchases))
	for i := range purchases {
		views = append(views, purchaseToView(&purchases[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purchases": views})
}

func (s *Server) handleResolvePurchase(w http.ResponseWriter, r *http.Request) {
	var body resolveRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	purchase, err := s.orchestrator.ResolvePurchase(r.Context(),
		models.Network(body.Network), body.BlockchainIdentifier, body.IncludeHistory)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purchaseToView(purchase))
}

func (s *Server) handleRequestRefund(w http.ResponseWriter, r *http.Request) {
	var body transitionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	purchase, err := s.orchestrator.RequestPurchaseRefund(r.Context(),
		models.Network(body.Network), body.BlockchainIdentifier)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(r, webhooks.Event{
		Type:                 webhooks.EventPurchaseStateChanged,
		Network:              body.Network,
		BlockchainIdentifier: purchase.BlockchainIdentifier,
		Attributes:           map[string]string{"nextAction": string(purchase.NextAction.RequestedAction)},
	})
	writeJSON(w, http.StatusOK, purchaseToView(purchase))
}

func (s *Server) handleCancelRefundRequest(w http.ResponseWriter, r *http.Request) {
	var body transitionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	purchase, err := s.orchestrator.CancelPurchaseRefundRequest(r.Context(),
		models.Network(body.Network), body.BlockchainIdentifier)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(r, webhooks.Event{
		Type:                 webhooks.EventPurchaseStateChanged,
		Network:              body.Network,
		BlockchainIdentifier: purchase.BlockchainIdentifier,
		Attributes:           map[string]string{"nextAction": string(purchase.NextAction.RequestedAction)},
	})
	writeJSON(w, http.StatusOK, purchaseToView(purchase))
}

func (s *Server) handleRecoverPurchase(w http.ResponseWriter, r *http.Request) {
	var body transitionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	purchase, err := s.orchestrator.RecoverPurchase(r.Context(),
		models.Network(body.Network), body.BlockchainIdentifier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purchaseToView(purchase))
}

func (s *Server) handlePurchaseDiff(kind store.DiffKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query, err := parseDiffQuery(r, kind)
		if err != nil {
			writeError(w, err)
			return
		}
		purchases, err := s.store.PurchaseDiff(r.Context(), query)
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]purchaseView, 0, len(purchases))
		for i := range purchases {
			views = append(views, purchaseToView(&purchases[i]))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"purchases": views})
	}
}

func (s *Server) handlePurchaseSpending(w http.ResponseWriter, r *http.Request) {
	var body earningsRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	report, err := earnings.PurchaseSpending(r.Context(), s.store, earnings.Query{
		Network:         models.Network(body.Network),
		AgentIdentifier: body.AgentIdentifier,
		StartMillis:     body.StartDate,
		EndMillis:       body.EndDate,
		TimeZone:        body.TimeZone,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
