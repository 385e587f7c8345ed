// Copyright 2025 Harvesthand
// SPDX-License-Identifier: Apache-2.0

package farmsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harvesthand/farmsync/farmsync"
)

// UpsertResult is the gateway outcome for one record: the stored row, plus a
// conflict marker when the server detected a concurrent edit and chose to
// report it rather than overwrite.
type UpsertResult struct {
	Row      json.RawMessage
	Conflict bool
}

// Gateway is the remote idempotent upsert entry point the engine drains
// against. Implementations must treat a previously-seen idempotency key as a
// no-op success.
type Gateway interface {
	Upsert(ctx context.Context, table string, payload json.RawMessage) (*UpsertResult, error)
}

// GatewayError is an application-level error response from the gateway,
// distinguishable from transport failures by carrying an HTTP status and a
// structured code.
type GatewayError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IsDuplicate reports whether err is the hard-duplicate signature: the same
// logical entity was already durably applied, so the engine treats the
// outcome as success rather than failure.
func IsDuplicate(err error) bool {
	var ge *GatewayError
	if !errors.As(err, &ge) {
		return false
	}
	return ge.StatusCode == http.StatusConflict || ge.Code == farmsync.CodeUniqueViolation
}

// IsNetworkError reports whether err is transport-level (timeout, connection
// failure, no HTTP status) rather than an application-level rejection.
// Network errors are retried automatically with backoff; application errors
// are not.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.StatusCode == 0
	}
	return true
}

// HTTPGateway talks to the farmsync gateway over HTTP.
type HTTPGateway struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT
	HTTP    *http.Client
}

// NewHTTPGateway creates a gateway client with a sane default timeout.
func NewHTTPGateway(baseURL string, token func(context.Context) (string, error)) *HTTPGateway {
	return &HTTPGateway{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Upsert submits one record mutation. Non-2xx responses with a decodable
// error envelope come back as *GatewayError; transport failures come back
// as-is so the engine can classify them as network errors.
func (g *HTTPGateway) Upsert(ctx context.Context, table string, payload json.RawMessage) (*UpsertResult, error) {
	reqBody, err := json.Marshal(&farmsync.UpsertRequest{
		TableName: table,
		Payload:   payload,
	})
	if err != nil {
		return nil, &GatewayError{StatusCode: http.StatusBadRequest, Code: farmsync.CodeBadPayload,
			Message: fmt.Sprintf("failed to marshal upsert request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", g.BaseURL+"/sync/upsert", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := g.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth token: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		gatewayErr := &GatewayError{StatusCode: resp.StatusCode}
		var errResp farmsync.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			gatewayErr.Code = errResp.Error
			gatewayErr.Message = errResp.Message
		} else {
			gatewayErr.Message = string(body)
		}
		return nil, gatewayErr
	}

	var upsertResp farmsync.UpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&upsertResp); err != nil {
		return nil, fmt.Errorf("failed to decode upsert response: %w", err)
	}

	return &UpsertResult{
		Row:      upsertResp.Row,
		Conflict: upsertResp.Conflict,
	}, nil
}
