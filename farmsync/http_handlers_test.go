// Copyright 2025 Harvesthand
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubAuthenticator answers with fixed identities, or fails when tenant is
// empty.
type stubAuthenticator struct {
	tenant string
	source string
}

func (a *stubAuthenticator) GetTenantID(r *http.Request) (string, error) {
	if a.tenant == "" {
		return "", fmt.Errorf("authorization header required")
	}
	return a.tenant, nil
}

func (a *stubAuthenticator) GetSourceID(r *http.Request) (string, error) {
	if a.source == "" {
		return "", fmt.Errorf("missing did in token")
	}
	return a.source, nil
}

func newTestHandlers(t *testing.T, auth ClientAuthenticator) *HTTPHandlers {
	t.Helper()
	if auth == nil {
		auth = &stubAuthenticator{tenant: "farm-1", source: "phone-abc"}
	}
	return NewHTTPHandlers(newTestService(t, nil), auth, slog.Default())
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &errResp))
	return errResp
}

func postUpsert(h *HTTPHandlers, req *UpsertRequest) *httptest.ResponseRecorder {
	body, _ := json.Marshal(req)
	r := httptest.NewRequest("POST", "/sync/upsert", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.HandleUpsert(rr, r)
	return rr
}

func TestHandleUpsertMethodNotAllowed(t *testing.T) {
	h := newTestHandlers(t, nil)

	r := httptest.NewRequest("GET", "/sync/upsert", nil)
	rr := httptest.NewRecorder()
	h.HandleUpsert(rr, r)

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	require.Equal(t, CodeMethodNotAllowed, decodeError(t, rr).Error)
}

func TestHandleUpsertAuthFailure(t *testing.T) {
	h := newTestHandlers(t, &stubAuthenticator{})

	rr := postUpsert(h, validRequest())
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, CodeAuthenticationFailed, decodeError(t, rr).Error)
}

func TestHandleUpsertMissingSourceID(t *testing.T) {
	h := newTestHandlers(t, &stubAuthenticator{tenant: "farm-1"})

	rr := postUpsert(h, validRequest())
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, CodeAuthenticationFailed, decodeError(t, rr).Error)
}

func TestHandleUpsertMalformedBody(t *testing.T) {
	h := newTestHandlers(t, nil)

	r := httptest.NewRequest("POST", "/sync/upsert", bytes.NewReader([]byte("{not json")))
	rr := httptest.NewRecorder()
	h.HandleUpsert(rr, r)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, CodeInvalidRequest, decodeError(t, rr).Error)
}

func TestHandleUpsertUnregisteredTable(t *testing.T) {
	h := newTestHandlers(t, nil)

	req := validRequest()
	req.TableName = "tractors"
	rr := postUpsert(h, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, CodeUnregisteredTable, decodeError(t, rr).Error)
}

func TestHandleUpsertTenantMismatch(t *testing.T) {
	h := newTestHandlers(t, &stubAuthenticator{tenant: "farm-2", source: "phone-abc"})

	rr := postUpsert(h, validRequest()) // payload says farm-1
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, CodeTenantMismatch, decodeError(t, rr).Error)
}

func TestHandleUpsertBadPayload(t *testing.T) {
	h := newTestHandlers(t, nil)

	req := validRequest()
	req.Payload = json.RawMessage(`{"tenant_id":"farm-1"}`)
	rr := postUpsert(h, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, CodeBadPayload, decodeError(t, rr).Error)
}

func TestWriteUpsertErrorTaxonomy(t *testing.T) {
	h := newTestHandlers(t, nil)

	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{fmt.Errorf("%w: harvests.rec-1", ErrDuplicate), http.StatusConflict, CodeUniqueViolation},
		{fmt.Errorf("%w: tractors", ErrUnregisteredTable), http.StatusBadRequest, CodeUnregisteredTable},
		{fmt.Errorf("%w: payload tenant %q", ErrTenantMismatch, "farm-2"), http.StatusForbidden, CodeTenantMismatch},
		{fmt.Errorf("%w: missing id", ErrBadPayload), http.StatusBadRequest, CodeBadPayload},
		{errors.New("pool exhausted"), http.StatusInternalServerError, CodeUpsertFailed},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		h.writeUpsertError(rr, "farm-1", validRequest(), tt.err)
		require.Equal(t, tt.wantStatus, rr.Code, "error %v", tt.err)
		require.Equal(t, tt.wantCode, decodeError(t, rr).Error, "error %v", tt.err)
	}
}

func TestHandleStatus(t *testing.T) {
	h := newTestHandlers(t, nil)

	r := httptest.NewRequest("GET", "/sync/status", nil)
	rr := httptest.NewRecorder()
	h.HandleStatus(rr, r)

	require.Equal(t, http.StatusOK, rr.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	require.Equal(t, "healthy", status.Status)
	require.ElementsMatch(t, DefaultTables, status.RegisteredTables)

	r = httptest.NewRequest("POST", "/sync/status", nil)
	rr = httptest.NewRecorder()
	h.HandleStatus(rr, r)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestClosedServiceRejectsUpserts(t *testing.T) {
	service := newTestService(t, nil)
	require.NoError(t, service.Close())
	require.NoError(t, service.Close()) // idempotent

	_, err := service.ProcessUpsert(httptest.NewRequest("POST", "/", nil).Context(),
		"farm-1", "phone-abc", validRequest())
	require.ErrorIs(t, err, ErrClosed)
}
