// Copyright 2025 Harvesthand
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth handles JWT authentication for the gateway API.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator.
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
	}
}

// JWTClaims carries the identities the gateway needs: the tenant in the
// standard sub claim and the originating client session in did.
type JWTClaims struct {
	DeviceID string `json:"did"` // Client session ID (becomes source_id)
	jwt.RegisteredClaims
}

// GenerateToken generates a token for one tenant/client-session pair.
func (j *JWTAuth) GenerateToken(tenantID, deviceID string, expiration time.Duration) (string, error) {
	claims := &JWTClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "farmsync",
			Subject:   tenantID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a token and returns the claims.
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.DeviceID == "" {
			return nil, fmt.Errorf("missing did (client session ID) in token")
		}
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (tenant ID) in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

func (j *JWTAuth) bearerClaims(r *http.Request) (*JWTClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("authorization header required")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return nil, fmt.Errorf("bearer token required")
	}

	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// GetTenantID extracts the tenant ID from the JWT sub claim (implements ClientAuthenticator).
func (j *JWTAuth) GetTenantID(r *http.Request) (string, error) {
	claims, err := j.bearerClaims(r)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// GetSourceID extracts the client session ID from the did claim (implements ClientAuthenticator).
func (j *JWTAuth) GetSourceID(r *http.Request) (string, error) {
	claims, err := j.bearerClaims(r)
	if err != nil {
		return "", err
	}
	return claims.DeviceID, nil
}
