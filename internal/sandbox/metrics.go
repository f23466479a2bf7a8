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

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// actionsTotal tracks lifecycle actions by action name and outcome
	actionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biomed_sandbox_actions_total",
			Help: "Total sandbox lifecycle actions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// actionDuration tracks end-to-end action latency
	actionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "biomed_sandbox_action_duration_seconds",
			Help:    "Sandbox lifecycle action duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"action"},
	)

	// bootstrapsTotal tracks starter-flow pushes into fresh sandboxes
	bootstrapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biomed_sandbox_flow_bootstraps_total",
			Help: "Total starter-flow bootstrap attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// recordAction classifies err into an outcome label and records the action.
func recordAction(action string, start time.Time, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrPrecondition):
		outcome = "precondition"
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrPartialProvisioning):
		outcome = "partial"
	case errors.Is(err, ErrRemoteUnavailable):
		outcome = "remote_unavailable"
	default:
		outcome = "error"
	}
	actionsTotal.WithLabelValues(action, outcome).Inc()
	actionDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
}

// recordBootstrap records one starter-flow push attempt.
func recordBootstrap(err error) {
	if err != nil {
		bootstrapsTotal.WithLabelValues("failure").Inc()
		return
	}
	bootstrapsTotal.WithLabelValues("success").Inc()
}
