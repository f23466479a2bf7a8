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

// Package api provides the HTTP API for the daemon.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AwakeAndReady/Biomed-IoT/internal/broker"
	"github.com/AwakeAndReady/Biomed-IoT/internal/daemon/httputil"
	intlog "github.com/AwakeAndReady/Biomed-IoT/internal/log"
	"github.com/AwakeAndReady/Biomed-IoT/internal/sandbox"
	"github.com/AwakeAndReady/Biomed-IoT/internal/store"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// SandboxController is the lifecycle surface the API exposes.
type SandboxController interface {
	Create(ctx context.Context, tenant string) error
	Run(ctx context.Context, tenant string) error
	Stop(ctx context.Context, tenant string) error
	Restart(ctx context.Context, tenant string) error
	Delete(ctx context.Context, tenant string) error
	Status(ctx context.Context, tenant string) (sandbox.Info, error)
}

// CredentialManager is the broker credential surface the API exposes.
type CredentialManager interface {
	IssueCredential(ctx context.Context, tenant string, kind broker.RoleKind, displayName string) (store.Credential, error)
	ReviseCredential(ctx context.Context, username, displayName string) error
	RetireCredential(ctx context.Context, username string) error
}

// CredentialDirectory lists a tenant's locally persisted credentials.
type CredentialDirectory interface {
	ListCredentials(ctx context.Context, tenant string) ([]store.Credential, error)
}

// MetricsHandler provides a Prometheus metrics endpoint.
type MetricsHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Router wraps an http.ServeMux with request logging.
type Router struct {
	mux         *http.ServeMux
	config      RouterConfig
	controller  SandboxController
	credentials CredentialManager
	directory   CredentialDirectory
	logger      *slog.Logger
}

// NewRouter creates a new HTTP router with all API endpoints.
func NewRouter(cfg RouterConfig, ctl SandboxController, creds CredentialManager, dir CredentialDirectory, logger *slog.Logger) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		config:      cfg,
		controller:  ctl,
		credentials: creds,
		directory:   dir,
		logger:      intlog.WithComponent(logger, "api"),
	}

	r.mux.HandleFunc("POST /v1/tenants/{tenant}/sandbox/{action}", r.handleSandboxAction)
	r.mux.HandleFunc("GET /v1/tenants/{tenant}/sandbox", r.handleSandboxStatus)

	r.mux.HandleFunc("POST /v1/tenants/{tenant}/credentials", r.handleCredentialCreate)
	r.mux.HandleFunc("GET /v1/tenants/{tenant}/credentials", r.handleCredentialList)
	r.mux.HandleFunc("PATCH /v1/credentials/{username}", r.handleCredentialRevise)
	r.mux.HandleFunc("DELETE /v1/credentials/{username}", r.handleCredentialRetire)

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.HandleFunc("GET /", r.handleRoot)

	return r
}

// SetMetricsHandler registers the Prometheus metrics handler.
func (r *Router) SetMetricsHandler(handler MetricsHandler) {
	if handler != nil {
		r.mux.HandleFunc("GET /metrics", handler.ServeHTTP)
	}
}

// ServeHTTP implements http.Handler with request logging around the mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	defer func() {
		r.logger.Info("request completed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}()
	r.mux.ServeHTTP(w, req)
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// writeActionError maps the controller's error taxonomy onto HTTP statuses.
func writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sandbox.ErrPrecondition):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sandbox.ErrTimeout):
		httputil.WriteError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, sandbox.ErrPartialProvisioning),
		errors.Is(err, sandbox.ErrRemoteUnavailable):
		httputil.WriteError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, broker.ErrNotProvisioned):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	default:
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleRoot handles GET / for basic connectivity.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "sandboxd",
		"version": r.config.Version,
	})
}

// handleHealth handles GET /v1/health.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleVersion handles GET /v1/version.
func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
	})
}
