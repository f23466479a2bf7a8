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

// Package client is a thin HTTP client for the sandboxd API, used by the
// sandboxctl command.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/AwakeAndReady/Biomed-IoT/internal/sandbox"
)

// Credential is the API's view of a broker credential. Password is set only
// in the response to a create call.
type Credential struct {
	Username    string    `json:"username"`
	Password    string    `json:"password,omitempty"`
	DisplayName string    `json:"display_name"`
	RoleName    string    `json:"role_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a sandboxd instance.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client for the daemon at baseURL.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// do performs one API call, decoding a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if jerr := json.Unmarshal(data, &apiErr); jerr != nil || apiErr.Error == "" {
			apiErr.Error = string(data)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// SandboxAction requests a lifecycle action for tenant and returns the
// resulting sandbox view.
func (c *Client) SandboxAction(ctx context.Context, tenant, action string) (sandbox.Info, error) {
	var info sandbox.Info
	path := fmt.Sprintf("/v1/tenants/%s/sandbox/%s", url.PathEscape(tenant), url.PathEscape(action))
	err := c.do(ctx, http.MethodPost, path, nil, &info)
	return info, err
}

// SandboxStatus fetches the current sandbox view for tenant.
func (c *Client) SandboxStatus(ctx context.Context, tenant string) (sandbox.Info, error) {
	var info sandbox.Info
	path := fmt.Sprintf("/v1/tenants/%s/sandbox", url.PathEscape(tenant))
	err := c.do(ctx, http.MethodGet, path, nil, &info)
	return info, err
}

// CreateCredential issues a new broker credential for tenant.
func (c *Client) CreateCredential(ctx context.Context, tenant, role, displayName string) (Credential, error) {
	var cred Credential
	path := fmt.Sprintf("/v1/tenants/%s/credentials", url.PathEscape(tenant))
	err := c.do(ctx, http.MethodPost, path, map[string]string{
		"role":         role,
		"display_name": displayName,
	}, &cred)
	return cred, err
}

// ListCredentials lists tenant's credentials (passwords omitted).
func (c *Client) ListCredentials(ctx context.Context, tenant string) ([]Credential, error) {
	var creds []Credential
	path := fmt.Sprintf("/v1/tenants/%s/credentials", url.PathEscape(tenant))
	err := c.do(ctx, http.MethodGet, path, nil, &creds)
	return creds, err
}

// ReviseCredential updates a credential's display name.
func (c *Client) ReviseCredential(ctx context.Context, username, displayName string) error {
	path := "/v1/credentials/" + url.PathEscape(username)
	return c.do(ctx, http.MethodPatch, path, map[string]string{
		"display_name": displayName,
	}, nil)
}

// RetireCredential deletes a credential.
func (c *Client) RetireCredential(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodDelete, "/v1/credentials/"+url.PathEscape(username), nil, nil)
}

// Version fetches the daemon's version metadata.
func (c *Client) Version(ctx context.Context) (map[string]string, error) {
	var v map[string]string
	err := c.do(ctx, http.MethodGet, "/v1/version", nil, &v)
	return v, err
}
