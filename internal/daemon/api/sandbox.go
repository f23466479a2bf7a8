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

	"github.com/AwakeAndReady/Biomed-IoT/internal/daemon/httputil"
)

// handleSandboxAction handles POST /v1/tenants/{tenant}/sandbox/{action}.
func (r *Router) handleSandboxAction(w http.ResponseWriter, req *http.Request) {
	tenant := req.PathValue("tenant")
	if tenant == "" {
		httputil.WriteError(w, http.StatusBadRequest, "missing tenant")
		return
	}

	var err error
	switch action := req.PathValue("action"); action {
	case "create":
		err = r.controller.Create(req.Context(), tenant)
	case "run":
		err = r.controller.Run(req.Context(), tenant)
	case "stop":
		err = r.controller.Stop(req.Context(), tenant)
	case "restart":
		err = r.controller.Restart(req.Context(), tenant)
	case "delete":
		err = r.controller.Delete(req.Context(), tenant)
	default:
		httputil.WriteError(w, http.StatusBadRequest, "unknown action "+action)
		return
	}
	if err != nil {
		writeActionError(w, err)
		return
	}

	info, err := r.controller.Status(req.Context(), tenant)
	if err != nil {
		writeActionError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}

// handleSandboxStatus handles GET /v1/tenants/{tenant}/sandbox.
func (r *Router) handleSandboxStatus(w http.ResponseWriter, req *http.Request) {
	tenant := req.PathValue("tenant")
	if tenant == "" {
		httputil.WriteError(w, http.StatusBadRequest, "missing tenant")
		return
	}

	info, err := r.controller.Status(req.Context(), tenant)
	if err != nil {
		writeActionError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}
