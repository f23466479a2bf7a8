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

// Package flows seeds a freshly started sandbox with its starter flow
// definition over the sandbox's own admin HTTP API, authenticated with a
// short-lived token signed by the sandbox's per-instance secret.
package flows

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	intlog "github.com/AwakeAndReady/Biomed-IoT/internal/log"
)

//go:embed flows.template.json
var flowsTemplate string

// topicIDPlaceholder marks the spots in the template where the tenant's
// topic id is spliced into MQTT topic strings.
const topicIDPlaceholder = "MQTT_TOPIC_ID"

// Bootstrapper pushes the rendered starter flow into a sandbox.
type Bootstrapper struct {
	httpClient *http.Client
	tokenTTL   time.Duration
	logger     *slog.Logger
}

// New creates a Bootstrapper issuing tokens valid for tokenTTL.
func New(tokenTTL time.Duration, logger *slog.Logger) *Bootstrapper {
	return &Bootstrapper{
		httpClient: &http.Client{},
		tokenTTL:   tokenTTL,
		logger:     intlog.WithComponent(logger, "flows"),
	}
}

// Request identifies the sandbox to seed and the material to seed it with.
type Request struct {
	// Port is the published host port of the sandbox.
	Port int
	// TopicID is spliced into the template's MQTT topic subscriptions.
	TopicID string
	// Secret is the sandbox's per-instance signing secret.
	Secret string
	// Username becomes the token's identity claim; the sandbox logs it as
	// the author of the deployed flow.
	Username string
}

type flowClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Push renders the starter flow for req.TopicID and deploys it to the
// sandbox at 127.0.0.1:req.Port. Any non-2xx response is an error; the
// caller decides whether to retry on a later action.
func (b *Bootstrapper) Push(ctx context.Context, req Request) error {
	token, err := b.signToken(req.Secret, req.Username)
	if err != nil {
		return fmt.Errorf("flows: failed to sign deploy token: %w", err)
	}

	body := Render(req.TopicID)
	url := fmt.Sprintf("http://127.0.0.1:%d/flows", req.Port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		return fmt.Errorf("flows: failed to build deploy request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("flows: deploy request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("flows: sandbox rejected deploy: status %d: %s", resp.StatusCode, detail)
	}

	b.logger.Info("starter flow deployed",
		slog.Int(intlog.PortKey, req.Port),
		slog.String("topic_id", req.TopicID))
	return nil
}

// Render substitutes the tenant's topic id into the embedded template.
func Render(topicID string) string {
	return strings.ReplaceAll(flowsTemplate, topicIDPlaceholder, topicID)
}

func (b *Bootstrapper) signToken(secret, username string) (string, error) {
	now := time.Now()
	claims := flowClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(b.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
