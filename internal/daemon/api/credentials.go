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

package api

import (
	"net/http"
	"time"

	"github.com/AwakeAndReady/Biomed-IoT/internal/broker"
	"github.com/AwakeAndReady/Biomed-IoT/internal/daemon/httputil"
	"github.com/AwakeAndReady/Biomed-IoT/internal/store"
)

// credentialResponse is the API view of a broker credential. The password is
// included only in the creation response; it is not recoverable afterwards.
type credentialResponse struct {
	Username    string    `json:"username"`
	Password    string    `json:"password,omitempty"`
	DisplayName string    `json:"display_name"`
	RoleName    string    `json:"role_name"`
	CreatedAt   time.Time `json:"created_at"`
}

func toCredentialResponse(cred store.Credential, withPassword bool) credentialResponse {
	resp := credentialResponse{
		Username:    cred.Username,
		DisplayName: cred.DisplayName,
		RoleName:    cred.RoleName,
		CreatedAt:   cred.CreatedAt,
	}
	if withPassword {
		resp.Password = cred.Password
	}
	return resp
}

// handleCredentialCreate handles POST /v1/tenants/{tenant}/credentials.
func (r *Router) handleCredentialCreate(w http.ResponseWriter, req *http.Request) {
	tenant := req.PathValue("tenant")
	if tenant == "" {
		httputil.WriteError(w, http.StatusBadRequest, "missing tenant")
		return
	}

	var body struct {
		Role        string `json:"role"`
		DisplayName string `json:"display_name"`
	}
	if err := httputil.DecodeJSON(req, &body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var kind broker.RoleKind
	switch body.Role {
	case "sender", "":
		kind = broker.RoleSender
	case "receiver":
		kind = broker.RoleReceiver
	default:
		httputil.WriteError(w, http.StatusBadRequest, "role must be sender or receiver")
		return
	}

	cred, err := r.credentials.IssueCredential(req.Context(), tenant, kind, body.DisplayName)
	if err != nil {
		writeActionError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toCredentialResponse(cred, true))
}

// handleCredentialList handles GET /v1/tenants/{tenant}/credentials.
func (r *Router) handleCredentialList(w http.ResponseWriter, req *http.Request) {
	tenant := req.PathValue("tenant")
	if tenant == "" {
		httputil.WriteError(w, http.StatusBadRequest, "missing tenant")
		return
	}

	creds, err := r.directory.ListCredentials(req.Context(), tenant)
	if err != nil {
		writeActionError(w, err)
		return
	}
	out := make([]credentialResponse, 0, len(creds))
	for _, cred := range creds {
		out = append(out, toCredentialResponse(cred, false))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// handleCredentialRevise handles PATCH /v1/credentials/{username}.
func (r *Router) handleCredentialRevise(w http.ResponseWriter, req *http.Request) {
	username := req.PathValue("username")

	var body struct {
		DisplayName string `json:"display_name"`
	}
	if err := httputil.DecodeJSON(req, &body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := r.credentials.ReviseCredential(req.Context(), username, body.DisplayName); err != nil {
		writeActionError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"username":     username,
		"display_name": body.DisplayName,
	})
}

// handleCredentialRetire handles DELETE /v1/credentials/{username}.
func (r *Router) handleCredentialRetire(w http.ResponseWriter, req *http.Request) {
	username := req.PathValue("username")

	if err := r.credentials.RetireCredential(req.Context(), username); err != nil {
		writeActionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
