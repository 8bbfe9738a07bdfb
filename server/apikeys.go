package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"

	"escrowd/faults"
	"escrowd/models"
)

type createAPIKeyRequest struct {
	Permission   string  `json:"permission"`
	UsageLimited bool    `json:"usageLimited"`
	Network      *string `json:"network,omitempty"`
	Credits      []struct {
		Unit   string `json:"unit"`
		Amount string `json:"amount"`
	} `json:"credits,omitempty"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var body createAPIKeyRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	permission := models.APIKeyPermission(body.Permission)
	if permissionRank(permission) == 0 {
		writeError(w, faults.New(faults.InvalidArgument, "unknown permission %q", body.Permission))
		return
	}
	var network *models.Network
	if body.Network != nil {
		n := models.Network(*body.Network)
		if !n.Valid() {
			writeError(w, faults.New(faults.InvalidArgument, "unknown network %q", *body.Network))
			return
		}
		network = &n
	}
	credits := make([]models.APIKeyUnitValue, 0, len(body.Credits))
	for _, credit := range body.Credits {
		credits = append(credits, models.APIKeyUnitValue{Unit: credit.Unit, Amount: credit.Amount})
	}

	token, err := newToken()
	if err != nil {
		writeError(w, faults.Wrap(faults.Internal, err, "generate token"))
		return
	}
	key, err := s.store.CreateAPIKey(r.Context(), token, permission, body.UsageLimited, network, credits)
	if err != nil {
		writeError(w, err)
		return
	}
	// The raw token leaves the process exactly once.
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":  token,
		"apiKey": apiKeyToView(key),
	})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.ListAPIKeys(r.Context(), parseLimit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]apiKeyView, 0, len(keys))
	for i := range keys {
		views = append(views, apiKeyToView(&keys[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"apiKeys": views})
}

type updateAPIKeyRequest struct {
	ID         string `json:"id"`
	Status     string `json:"status,omitempty"`
	AddCredits []struct {
		Unit   string `json:"unit"`
		Amount string `json:"amount"`
	} `json:"addCredits,omitempty"`
}

func (s *Server) handleUpdateAPIKey(w http.ResponseWriter, r *http.Request) {
	var body updateAPIKeyRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id, err := uuid.Parse(body.ID)
	if err != nil {
		writeError(w, faults.New(faults.InvalidArgument, "malformed id"))
		return
	}
	if body.Status != "" {
		if models.APIKeyStatus(body.Status) != models.APIKeyRevoked {
			writeError(w, faults.New(faults.InvalidArgument, "status can only be set to %s", models.APIKeyRevoked))
			return
		}
		if err := s.store.RevokeAPIKey(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}
	if len(body.AddCredits) > 0 {
		topUp := make([]models.UnitValue, 0, len(body.AddCredits))
		for _, credit := range body.AddCredits {
			topUp = append(topUp, models.UnitValue{Unit: credit.Unit, Amount: credit.Amount})
		}
		if err := s.store.RefundCredits(r.Context(), id, topUp); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
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
	if err := s.store.RevokeAPIKey(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// handleAPIKeyStatus returns the caller's own key, credits included.
func (s *Server) handleAPIKeyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiKeyToView(callerKey(r)))
}

type createWebhookEndpointRequest struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
}

func (s *Server) handleCreateWebhookEndpoint(w http.ResponseWriter, r *http.Request) {
	var body createWebhookEndpointRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.EventType == "" || body.URL == "" || body.Secret == "" {
		writeError(w, faults.New(faults.InvalidArgument, "eventType, url and secret are required"))
		return
	}
	endpoint := models.WebhookEndpoint{
		APIKeyID:  callerKey(r).ID,
		EventType: body.EventType,
		URL:       body.URL,
		Secret:    body.Secret,
	}
	if err := s.store.CreateWebhookEndpoint(r.Context(), &endpoint); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, webhookEndpointToView(&endpoint))
}

func (s *Server) handleListWebhookEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := s.store.WebhookEndpointsForKey(r.Context(), callerKey(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]webhookEndpointView, 0, len(endpoints))
	for i := range endpoints {
		views = append(views, webhookEndpointToView(&endpoints[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"endpoints": views})
}

func (s *Server) handleDeleteWebhookEndpoint(w http.ResponseWriter, r *http.Request) {
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
	if err := s.store.DeleteWebhookEndpoint(r.Context(), id, callerKey(r).ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
