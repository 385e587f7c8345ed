// Copyright 2025 Harvesthand
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// ClientAuthenticator extracts tenant and client-session identity from HTTP
// requests. Implementations should validate auth (e.g., JWT) and provide
// both identifiers.
type ClientAuthenticator interface {
	GetTenantID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// HTTPHandlers provides the HTTP surface of the upsert gateway.
type HTTPHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates a new instance of gateway handlers.
func NewHTTPHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	return &HTTPHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register installs the gateway routes on mux.
func (h *HTTPHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/sync/upsert", h.HandleUpsert)
	mux.HandleFunc("/sync/status", h.HandleStatus)
}

// HandleUpsert processes a single idempotent record upsert.
func (h *HTTPHandlers) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only POST method is allowed")
		return
	}

	tenantID, err := h.authenticator.GetTenantID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, err.Error())
		return
	}
	sourceID, err := h.authenticator.GetSourceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, err.Error())
		return
	}

	var req UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Failed to parse upsert request")
		return
	}

	response, err := h.service.ProcessUpsert(r.Context(), tenantID, sourceID, &req)
	if err != nil {
		h.writeUpsertError(w, tenantID, &req, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode upsert response", "error", err, "tenant_id", tenantID)
	}
}

// writeUpsertError maps service errors to the wire taxonomy. The duplicate
// signature (409 unique_violation) must stay distinguishable from other
// error classes: clients convert it to success.
func (h *HTTPHandlers) writeUpsertError(w http.ResponseWriter, tenantID string, req *UpsertRequest, err error) {
	switch {
	case errors.Is(err, ErrDuplicate):
		h.writeError(w, http.StatusConflict, CodeUniqueViolation, err.Error())
	case errors.Is(err, ErrUnregisteredTable):
		h.writeError(w, http.StatusBadRequest, CodeUnregisteredTable, err.Error())
	case errors.Is(err, ErrTenantMismatch):
		h.writeError(w, http.StatusForbidden, CodeTenantMismatch, err.Error())
	case errors.Is(err, ErrBadPayload):
		h.writeError(w, http.StatusBadRequest, CodeBadPayload, err.Error())
	default:
		h.logger.Error("Failed to process upsert", "error", err,
			"tenant_id", tenantID, "table", req.TableName)
		h.writeError(w, http.StatusInternalServerError, CodeUpsertFailed, "Failed to process upsert")
	}
}

// HandleStatus reports gateway health and registered tables.
func (h *HTTPHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only GET method is allowed")
		return
	}

	response := StatusResponse{
		Status:           "healthy",
		AppName:          h.service.config.AppName,
		RegisteredTables: h.service.RegisteredTables(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// writeError writes a standardized error response.
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
