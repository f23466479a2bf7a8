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

package sandbox

import "github.com/AwakeAndReady/Biomed-IoT/internal/runtime"

// State is the derived lifecycle state of a tenant's sandbox.
type State string

const (
	// StateAbsent means no container exists for the tenant.
	StateAbsent State = "absent"
	// StateStarting means the container is up but its health check has not
	// passed yet. Starting accepts no action; callers retry later.
	StateStarting State = "starting"
	// StateRunning means the container is up and healthy.
	StateRunning State = "running"
	// StateStopped means the container exists but is not running.
	StateStopped State = "stopped"
	// StateUnavailable covers every other status/health combination
	// (restarting, dead, paused, an exited container reporting healthy).
	StateUnavailable State = "unavailable"
)

// DeriveState maps a raw container status to a lifecycle state. It is pure
// and called on a fresh Inspect each time state is needed; derived state is
// never cached across actions.
func DeriveState(st runtime.Status) State {
	if !st.Present {
		return StateAbsent
	}
	switch {
	case st.State == "running" && st.Health == "starting":
		return StateStarting
	case st.State == "running" && st.Health == "healthy":
		return StateRunning
	case st.State == "exited" && st.Health == "unhealthy":
		return StateStopped
	default:
		return StateUnavailable
	}
}
