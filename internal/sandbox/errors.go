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

import "errors"

var (
	// ErrRemoteUnavailable means the container runtime, broker or proxy was
	// unreachable or refused the call. No local state was mutated beyond
	// what had already succeeded.
	ErrRemoteUnavailable = errors.New("sandbox: remote system unavailable")

	// ErrPrecondition means the requested action is not legal from the
	// sandbox's current state. It is rejected before any remote call.
	ErrPrecondition = errors.New("sandbox: action precondition not met")

	// ErrPartialProvisioning means an action succeeded partway: local state
	// reflects exactly the steps that completed, never more. Re-issuing the
	// action is safe; it re-derives state from a fresh inspect.
	ErrPartialProvisioning = errors.New("sandbox: provisioning incomplete")

	// ErrTimeout means a remote call exceeded its deadline. The remote side
	// effect may or may not have completed; the next action must re-inspect
	// rather than assume either.
	ErrTimeout = errors.New("sandbox: remote call timed out")
)
