package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"escrowd/earnings"
	"escrowd/faults"
	"escrowd/lifecycle"
	"escrowd/models"
	"escrowd/orchestrator"
	"escrowd/store"
	"escrowd/webhooks"
)

type createPaymentRequest struct {
	Network                   string  `json:"network"`
	AgentIdentifier           string  `json:"agentIdentifier"`
	InputHash                 string  `json:"inputHash"`
	IdentifierFromPurchaser   string  `json:"identifierFromPurchaser"`
	PayByTime                 int64   `json:"payByTime"`
	SubmitResultTime          int64   `json:"submitResultTime"`
	UnlockTime                *int64  `json:"unlockTime,omitempty"`
	ExternalDisputeUnlockTime *int64  `json:"externalDisputeUnlockTime,omitempty"`
	Metadata                  *string `json:"metadata,omitempty"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var body createPaymentRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	payment, err := s.orchestrator.CreatePayment(r.Context(), orchestrator.CreatePaymentInput{
		Network:                 models.Network(body.Network),
		AgentIdentifier:         body.AgentIdentifier,
		InputHash:               body.InputHash,
		IdentifierFromPurchaser: body.IdentifierFromPurchaser,
		PayByTime:               body.PayByTime,
		SubmitResultTime:        body.SubmitResultTime,
		UnlockTime:              body.UnlockTime,
		ExternalDisputeUnlock:   body.ExternalDisputeUnlockTime,
		Metadata:                body.Metadata,
		RequestedBy:             callerKey(r).ID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(r, webhooks.Event{
		Type:                 webhooks.EventPaymentActionChanged,
		Network:              body.Network,
		BlockchainIdentifier: payment.BlockchainIdentifier,
		Attributes:           map[string]string{"nextAction": string(payment.NextAction.RequestedAction)},
	})
	writeJSON(w, http.StatusCreated, paymentToView(payment))
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	query := store.PaymentQuery{
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

	payments, err := s.store.ListPayments(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]paymentView, 0, len(payments))
	for i := range payments {
		views = append(views, paymentToView(&payments[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payments": views})
}

type resolveRequest struct {
	Network              string `json:"network"`
	BlockchainIdentifier string `json:"blockchainIdentifier"`
	IncludeHistory       bool   `json:"includeHistory,omitempty"`
}

func (s *Server) handleResolvePayment(w http.ResponseWriter, r *http.Request) {
	var body resolveRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	payment, err := s.orchestrator.ResolvePayment(r.Context(),
		models.Network(body.Network), body.BlockchainIdentifier, body.IncludeHistory)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentToView(payment))
}

type transitionRequest struct {
	Network              string `json:"network"`
	BlockchainIdentifier string `json:"blockchainIdentifier"`
	ResultHash           string `json:"resultHash,omitempty"`
}

func (s *Server) handleAuthorizeRefund(w http.ResponseWriter, r *http.Request) {
	var body transitionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	payment, err := s.orchestrator.AuthorizePaymentRefund(r.Context(),
		models.Network(body.Network), body.BlockchainIdentifier)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(r, webhooks.Event{
		Type:                 webhooks.EventPaymentActionChanged,
		Network:              body.Network,
		BlockchainIdentifier: payment.BlockchainIdentifier,
		Attributes:           map[string]string{"nextAction": string(payment.NextAction.RequestedAction)},
	})
	writeJSON(w, http.StatusOK, paymentToView(payment))
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	var body transitionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	payment, err := s.orchestrator.SubmitPaymentResult(r.Context(),
		models.Network(body.Network), body.BlockchainIdentifier, body.ResultHash)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(r, webhooks.Event{
		Type:                 webhooks.EventPaymentActionChanged,
		Network:              body.Network,
		BlockchainIdentifier: payment.BlockchainIdentifier,
		Attributes:           map[string]string{"nextAction": string(payment.NextAction.RequestedAction)},
	})
	writeJSON(w, http.StatusOK, paymentToView(payment))
}

func (s *Server) handleRecoverPayment(w http.ResponseWriter, r *http.Request) {
	var body transitionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	payment, err := s.orchestrator.RecoverPayment(r.Context(),
		models.Network(body.Network), body.BlockchainIdentifier)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(r, webhooks.Event{
		Type:                 webhooks.EventPaymentStateChanged,
		Network:              body.Network,
		BlockchainIdentifier: payment.BlockchainIdentifier,
		Attributes:           map[string]string{"recovered": "true"},
	})
	writeJSON(w, http.StatusOK, paymentToView(payment))
}

func (s *Server) handlePaymentDiff(kind store.DiffKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query, err := parseDiffQuery(r, kind)
		if err != nil {
			writeError(w, err)
			return
		}
		payments, err := s.store.PaymentDiff(r.Context(), query)
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]paymentView, 0, len(payments))
		for i := range payments {
			views = append(views, paymentToView(&payments[i]))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"payments": views})
	}
}

type earningsRequest struct {
	Network         string  `json:"network"`
	AgentIdentifier *string `json:"agentIdentifier,omitempty"`
	StartDate       int64   `json:"startDate,omitempty"`
	EndDate         int64   `json:"endDate,omitempty"`
	TimeZone        string  `json:"timeZone"`
}

func (s *Server) handlePaymentIncome(w http.ResponseWriter, r *http.Request) {
	var body earningsRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	report, err := earnings.PaymentIncome(r.Context(), s.store, earnings.Query{
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

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func parseDiffQuery(r *http.Request, kind store.DiffKind) (store.DiffQuery, error) {
	query := store.DiffQuery{Kind: kind, Limit: parseLimit(r, 50)}
	if raw := r.URL.Query().Get("since"); raw != "" {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return query, faults.New(faults.InvalidArgument, "since must be unix milliseconds")
		}
		query.Since = time.UnixMilli(millis)
	}
	if raw := r.URL.Query().Get("cursorId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return query, faults.New(faults.InvalidArgument, "malformed cursorId")
		}
		query.CursorID = &id
	}
	return query, nil
}
