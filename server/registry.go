package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"escrowd/faults"
	"escrowd/lifecycle"
	"escrowd/models"
	"escrowd/store"
	"escrowd/webhooks"
)

type createRegistryRequest struct {
	Network           string  `json:"network"`
	SmartContract     string  `json:"smartContractAddress,omitempty"`
	Name              string  `json:"name"`
	Description       *string `json:"description,omitempty"`
	APIBaseURL        string  `json:"apiBaseUrl"`
	CapabilityName    *string `json:"capabilityName,omitempty"`
	CapabilityVersion *string `json:"capabilityVersion,omitempty"`
	AuthorName        string  `json:"authorName"`
	Tags              string  `json:"tags"`
	Image             string  `json:"image"`

	Pricing struct {
		PricingType string `json:"pricingType"`
		Amounts     []struct {
			Unit   string `json:"unit"`
			Amount string `json:"amount"`
		} `json:"amounts,omitempty"`
	} `json:"pricing"`

	ExampleOutputs []struct {
		Name     string `json:"name"`
		URL      string `json:"url"`
		MimeType string `json:"mimeType"`
	} `json:"exampleOutputs,omitempty"`
}

func (s *Server) handleCreateRegistry(w http.ResponseWriter, r *http.Request) {
	var body createRegistryRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	network := models.Network(body.Network)
	if !network.Valid() {
		writeError(w, faults.New(faults.InvalidArgument, "unknown network %q", body.Network))
		return
	}
	if strings.TrimSpace(body.Name) == "" || strings.TrimSpace(body.APIBaseURL) == "" {
		writeError(w, faults.New(faults.InvalidArgument, "name and apiBaseUrl are required"))
		return
	}
	if strings.TrimSpace(body.Tags) == "" {
		writeError(w, faults.New(faults.InvalidArgument, "at least one tag is required"))
		return
	}
	pricingType := models.PricingType(body.Pricing.PricingType)
	if pricingType != models.PricingFixed && pricingType != models.PricingFree {
		writeError(w, faults.New(faults.InvalidArgument, "unknown pricingType %q", body.Pricing.PricingType))
		return
	}
	if pricingType == models.PricingFixed && len(body.Pricing.Amounts) == 0 {
		writeError(w, faults.New(faults.InvalidArgument, "fixed pricing requires at least one amount"))
		return
	}

	var source *models.PaymentSource
	var err error
	if body.SmartContract != "" {
		source, err = s.store.PaymentSource(r.Context(), network, body.SmartContract)
	} else {
		source, err = s.store.PaymentSourceForNetwork(r.Context(), network)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	request := models.RegistryRequest{
		PaymentSourceID:   source.ID,
		State:             lifecycle.RegistrationRequested,
		Name:              body.Name,
		Description:       body.Description,
		APIBaseURL:        body.APIBaseURL,
		CapabilityName:    body.CapabilityName,
		CapabilityVersion: body.CapabilityVersion,
		AuthorName:        body.AuthorName,
		Tags:              body.Tags,
		Image:             body.Image,
		MetadataVersion:   1,
	}
	pricing := models.Pricing{PricingType: pricingType}
	for i, amount := range body.Pricing.Amounts {
		pricing.FixedAmounts = append(pricing.FixedAmounts, models.FixedPricingAmount{
			Unit: amount.Unit, Amount: amount.Amount, Position: i,
		})
	}
	outputs := make([]models.ExampleOutput, 0, len(body.ExampleOutputs))
	for _, output := range body.ExampleOutputs {
		outputs = append(outputs, models.ExampleOutput{
			Name: output.Name, URL: output.URL, MimeType: output.MimeType,
		})
	}
	if err := s.store.CreateRegistryRequest(r.Context(), &request, pricing, outputs); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.store.RegistryRequestByID(r.Context(), request.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(r, webhooks.Event{
		Type:       webhooks.EventRegistryStateChanged,
		Network:    body.Network,
		Attributes: map[string]string{"registryId": request.ID.String(), "state": string(created.State)},
	})
	writeJSON(w, http.StatusCreated, registryToView(created))
}

func (s *Server) handleListRegistry(w http.ResponseWriter, r *http.Request) {
	network := models.Network(r.URL.Query().Get("network"))
	var states []lifecycle.RegistrationState
	if raw := r.URL.Query().Get("state"); raw != "" {
		states = []lifecycle.RegistrationState{lifecycle.RegistrationState(raw)}
	}
	var cursorID *uuid.UUID
	if raw := r.URL.Query().Get("cursorId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, faults.New(faults.InvalidArgument, "malformed cursorId"))
			return
		}
		cursorID = &id
	}
	requests, err := s.store.ListRegistryRequests(r.Context(), network, states, cursorID, parseLimit(r, 10))
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]registryView, 0, len(requests))
	for i := range requests {
		views = append(views, registryToView(&requests[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"registrations": views})
}

func (s *Server) handleRegistryByAgent(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agentIdentifier")
	if agent == "" {
		writeError(w, faults.New(faults.InvalidArgument, "agentIdentifier is required"))
		return
	}
	request, err := s.store.RegistryRequestByAgent(r.Context(), agent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registryToView(request))
}

// handleRegistryWallet resolves the selling wallet that holds a registered
// agent's NFT, so buyers can address payments.
func (s *Server) handleRegistryWallet(w http.ResponseWriter, r *http.Request) {
	vkey := r.URL.Query().Get("walletVkey")
	network := models.Network(r.URL.Query().Get("network"))
	if vkey == "" {
		writeError(w, faults.New(faults.InvalidArgument, "walletVkey is required"))
		return
	}
	sources, err := s.store.ListPaymentSources(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	for _, source := range sources {
		if network != "" && source.Network != network {
			continue
		}
		for _, wallet := range source.Wallets {
			if wallet.WalletVkey == vkey {
				writeJSON(w, http.StatusOK, map[string]string{
					"walletVkey":    wallet.WalletVkey,
					"walletAddress": wallet.WalletAddress,
					"type":          string(wallet.Type),
					"network":       string(source.Network),
				})
				return
			}
		}
	}
	writeError(w, faults.New(faults.NotFound, "no wallet with vkey %s", vkey))
}

type registryActionRequest struct {
	ID              string `json:"id,omitempty"`
	AgentIdentifier string `json:"agentIdentifier,omitempty"`
}

func (s *Server) resolveRegistryTarget(r *http.Request, body registryActionRequest) (*models.RegistryRequest, error) {
	if body.ID != "" {
		id, err := uuid.Parse(body.ID)
		if err != nil {
			return nil, faults.New(faults.InvalidArgument, "malformed id")
		}
		return s.store.RegistryRequestByID(r.Context(), id)
	}
	if body.AgentIdentifier != "" {
		return s.store.RegistryRequestByAgent(r.Context(), body.AgentIdentifier)
	}
	return nil, faults.New(faults.InvalidArgument, "id or agentIdentifier is required")
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	var body registryActionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	request, err := s.resolveRegistryTarget(r, body)
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.TransitionRegistryRequest(r.Context(), request.ID, lifecycle.DeregistrationRequested, nil)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, err)
			return
		}
		writeError(w, faults.Wrap(faults.PreconditionFailed, err, "deregister"))
		return
	}
	s.publish(r, webhooks.Event{
		Type:       webhooks.EventRegistryStateChanged,
		Attributes: map[string]string{"registryId": updated.ID.String(), "state": string(updated.State)},
	})
	writeJSON(w, http.StatusOK, registryToView(updated))
}

func (s *Server) handleDeleteRegistry(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		writeError(w, faults.New(faults.InvalidArgument, "id is required"))
		return
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, faults.New(faults.InvalidArgument, "malformed id"))
		return
	}
	if err := s.store.DeleteRegistryRequest(r.Context(), id); err != nil {
		if err == store.ErrNotFound {
			writeError(w, err)
			return
		}
		writeError(w, faults.Wrap(faults.PreconditionFailed, err, "delete registration"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRegistryDiff(w http.ResponseWriter, r *http.Request) {
	query, err := parseDiffQuery(r, store.DiffAny)
	if err != nil {
		writeError(w, err)
		return
	}
	requests, err := s.store.RegistryDiff(r.Context(), query.Since, query.CursorID, query.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]registryView, 0, len(requests))
	for i := range requests {
		views = append(views, registryToView(&requests[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"registrations": views})
}
