// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth provides Bearer token authentication for the daemon API.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/AwakeAndReady/Biomed-IoT/internal/daemon/httputil"
)

// BearerAuthenticator verifies API requests against a shared API key.
type BearerAuthenticator struct {
	apiKey string
}

// NewBearerAuthenticator creates an authenticator for the given API key.
func NewBearerAuthenticator(apiKey string) *BearerAuthenticator {
	return &BearerAuthenticator{apiKey: apiKey}
}

// ExtractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token value (without "Bearer " prefix) and an error if invalid.
func (a *BearerAuthenticator) ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	// Bearer prefix is case-insensitive per RFC 6750
	if !strings.HasPrefix(header, "Bearer ") && !strings.HasPrefix(header, "bearer ") {
		return "", fmt.Errorf("invalid Authorization header format, expected 'Bearer <token>'")
	}

	token := strings.TrimSpace(header[7:])
	if token == "" {
		return "", fmt.Errorf("empty Bearer token")
	}
	return token, nil
}

// Authenticate verifies the request's Bearer token against the API key using
// a constant-time comparison.
func (a *BearerAuthenticator) Authenticate(r *http.Request) error {
	token, err := a.ExtractBearerToken(r)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.apiKey)) != 1 {
		return fmt.Errorf("invalid Bearer token")
	}
	return nil
}

// Middleware wraps next, rejecting unauthenticated requests with 401.
func (a *BearerAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Authenticate(r); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="sandboxd"`)
			httputil.WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
