package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/credentials"
	"github.com/ekaya-inc/ekaya-decks/pkg/llm"
)

// SetCredentialRequest is the body of PUT /api/credentials.
type SetCredentialRequest struct {
	APIKey string `json:"api_key"`
}

// CredentialStatus reports whether the configured API key is accepted.
type CredentialStatus struct {
	Configured bool   `json:"configured"`
	Valid      bool   `json:"valid"`
	Message    string `json:"message,omitempty"`
}

// CredentialsHandler validates and stores the generation service API key.
type CredentialsHandler struct {
	store   credentials.Store // nil when no sealing key is configured
	clients llm.GenerationClientFactory
	logger  *zap.Logger
}

// NewCredentialsHandler creates a new credentials handler. store may be nil,
// in which case the key can only be validated, not replaced.
func NewCredentialsHandler(store credentials.Store, clients llm.GenerationClientFactory, logger *zap.Logger) *CredentialsHandler {
	return &CredentialsHandler{
		store:   store,
		clients: clients,
		logger:  logger,
	}
}

// RegisterRoutes registers the credentials handler's routes on the given mux.
func (h *CredentialsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/credentials/validate", h.Validate)
	mux.HandleFunc("PUT /api/credentials", h.Set)
	mux.HandleFunc("DELETE /api/credentials", h.Clear)
}

// Validate handles POST /api/credentials/validate
func (h *CredentialsHandler) Validate(w http.ResponseWriter, r *http.Request) {
	status, err := h.check(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to validate API key")
		return
	}
	writeResponse(w, h.logger, http.StatusOK, status)
}

// Set handles PUT /api/credentials
// The key is stored and then validated; the response reports the result.
func (h *CredentialsHandler) Set(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, h.logger, http.StatusNotImplemented, "credentials_read_only",
			"Storing API keys requires CREDENTIALS_KEY to be configured")
		return
	}

	var req SetCredentialRequest
	if !decodeJSON(w, r, h.logger, &req) {
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_input", "api_key is required")
		return
	}

	if err := h.store.SetKey(r.Context(), req.APIKey); err != nil {
		writeServiceError(w, h.logger, err, "Failed to store API key")
		return
	}

	status, err := h.check(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to validate API key")
		return
	}
	writeResponse(w, h.logger, http.StatusOK, status)
}

// Clear handles DELETE /api/credentials
func (h *CredentialsHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, h.logger, http.StatusNotImplemented, "credentials_read_only",
			"Storing API keys requires CREDENTIALS_KEY to be configured")
		return
	}
	if err := h.store.SetKey(r.Context(), ""); err != nil {
		writeServiceError(w, h.logger, err, "Failed to remove API key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// check builds a client from the current key and asks the service to accept it.
// A missing or rejected key is a result, not an error.
func (h *CredentialsHandler) check(ctx context.Context) (CredentialStatus, error) {
	client, err := h.clients.CreateDefault(ctx)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindAuth {
			return CredentialStatus{Message: "No API key is configured"}, nil
		}
		return CredentialStatus{}, err
	}

	valid, err := client.ValidateCredential(ctx)
	if err != nil {
		return CredentialStatus{}, err
	}
	status := CredentialStatus{Configured: true, Valid: valid}
	if !valid {
		status.Message = "The API key was rejected"
	}
	return status, nil
}
