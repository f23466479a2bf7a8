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

// Package sandbox implements the per-tenant lifecycle state machine that
// keeps the container runtime, the broker's access-control store and the
// edge-proxy routing table consistent with one persisted record per tenant.
//
// There is no cross-system transaction. Every action re-derives live state
// from a fresh container inspect, performs ordered writes with a fixed
// source-of-truth rule per step, and persists exactly what succeeded, so a
// crash mid-sequence is repaired by the next action rather than by rollback.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/AwakeAndReady/Biomed-IoT/internal/broker"
	"github.com/AwakeAndReady/Biomed-IoT/internal/flows"
	intlog "github.com/AwakeAndReady/Biomed-IoT/internal/log"
	"github.com/AwakeAndReady/Biomed-IoT/internal/runtime"
	"github.com/AwakeAndReady/Biomed-IoT/internal/store"
)

// Port discovery after a start is eventually consistent: docker assigns the
// published port asynchronously relative to the start call returning.
const (
	portWaitAttempts = 5
	portWaitDelay    = 200 * time.Millisecond
)

// Provisioner is the broker-side access-control surface the controller uses.
type Provisioner interface {
	EnsureTenantRoles(ctx context.Context, tenant string) (store.TopicIdentity, error)
	DeleteTenantRoles(ctx context.Context, tenant string) error
	IssueCredential(ctx context.Context, tenant string, kind broker.RoleKind, displayName string) (store.Credential, error)
	SandboxCredential(ctx context.Context, tenant string) (store.Credential, error)
	RemoveTenantCredentials(ctx context.Context, tenant string) error
}

// Runtime is the container-runtime surface the controller uses.
type Runtime interface {
	Inspect(ctx context.Context, name string) (runtime.Status, error)
	Create(ctx context.Context, spec runtime.Spec) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	PublishedPort(ctx context.Context, name string, internalPort int) (int, bool, error)
}

// Routes is the edge-proxy routing surface the controller uses.
type Routes interface {
	Sync(ctx context.Context, name string, port int) error
	Remove(ctx context.Context, name string) error
}

// Bootstrapper seeds a fresh sandbox with its starter flow.
type Bootstrapper interface {
	Push(ctx context.Context, req flows.Request) error
}

// Config carries the static sandbox parameters injected into every
// container environment, plus the per-remote-call deadline.
type Config struct {
	Image        string
	InternalPort int
	Network      string

	// DockerHostIP is how sandboxes reach host services from inside the
	// docker network.
	DockerHostIP string
	// BrokerPort is the broker listener sandboxes connect to.
	BrokerPort int

	InfluxOrg    string
	InfluxHost   string
	InfluxPort   int
	InfluxBucket string
	InfluxToken  string

	RemoteTimeout time.Duration
}

// Info is the externally reported view of a tenant's sandbox.
type Info struct {
	Tenant        string `json:"tenant"`
	State         State  `json:"state"`
	ContainerName string `json:"container_name,omitempty"`
	Port          *int   `json:"port,omitempty"`
	IsConfigured  bool   `json:"is_configured"`
}

// Controller owns the per-tenant sandbox state machine.
//
// Actions for the same tenant are serialized on a striped lock; different
// tenants proceed in parallel. The shared broker namespace and proxy file
// are serialized inside their own components.
type Controller struct {
	store     *store.Store
	broker    Provisioner
	runtime   Runtime
	routes    Routes
	bootstrap Bootstrapper
	cfg       Config
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewController wires a Controller from its collaborators.
func NewController(st *store.Store, prov Provisioner, rt Runtime, routes Routes, bs Bootstrapper, cfg Config, logger *slog.Logger) *Controller {
	return &Controller{
		store:     st,
		broker:    prov,
		runtime:   rt,
		routes:    routes,
		bootstrap: bs,
		cfg:       cfg,
		logger:    intlog.WithComponent(logger, "sandbox"),
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockTenant serializes actions per tenant and returns the unlock func.
func (c *Controller) lockTenant(tenant string) func() {
	c.mu.Lock()
	m, ok := c.locks[tenant]
	if !ok {
		m = &sync.Mutex{}
		c.locks[tenant] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// remote runs fn under the configured per-call deadline. A deadline hit is
// surfaced as ErrTimeout: the remote side effect's completion is unknown and
// the next action must re-inspect.
func (c *Controller) remote(ctx context.Context, fn func(ctx context.Context) error) error {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RemoteTimeout)
	defer cancel()
	err := fn(rctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// Status reports the tenant's derived sandbox state from a fresh inspect.
func (c *Controller) Status(ctx context.Context, tenant string) (Info, error) {
	rec, err := c.store.GetSandbox(ctx, tenant)
	if errors.Is(err, store.ErrNotFound) {
		return Info{Tenant: tenant, State: StateAbsent}, nil
	}
	if err != nil {
		return Info{}, err
	}

	var status runtime.Status
	if err := c.remote(ctx, func(ctx context.Context) error {
		var ierr error
		status, ierr = c.runtime.Inspect(ctx, rec.ContainerName)
		return ierr
	}); err != nil {
		return Info{}, fmt.Errorf("%w: inspect: %w", ErrRemoteUnavailable, err)
	}

	return Info{
		Tenant:        tenant,
		State:         DeriveState(status),
		ContainerName: rec.ContainerName,
		Port:          rec.ContainerPort,
		IsConfigured:  rec.IsConfigured,
	}, nil
}

// Create provisions a tenant's sandbox from scratch: broker roles and the
// sandbox's own credential first (a sandbox may not exist without its
// messaging identity), then container create+start, port discovery, route
// sync, and a one-time starter-flow bootstrap.
func (c *Controller) Create(ctx context.Context, tenant string) (err error) {
	start := time.Now()
	defer func() { recordAction("create", start, err) }()
	defer c.lockTenant(tenant)()

	var identity store.TopicIdentity
	if err = c.remote(ctx, func(ctx context.Context) error {
		var perr error
		identity, perr = c.broker.EnsureTenantRoles(ctx, tenant)
		return perr
	}); err != nil {
		return fmt.Errorf("create: ensure roles: %w", err)
	}

	var cred store.Credential
	if err = c.remote(ctx, func(ctx context.Context) error {
		var perr error
		cred, perr = c.broker.SandboxCredential(ctx, tenant)
		if errors.Is(perr, store.ErrNotFound) {
			cred, perr = c.broker.IssueCredential(ctx, tenant, broker.RoleSender, "sandbox")
		}
		return perr
	}); err != nil {
		// Invariant (c): no sandbox without its broker identity.
		return fmt.Errorf("create: sandbox credential: %w", err)
	}

	rec, created, err := c.store.GetOrCreateSandbox(ctx, tenant)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if !created {
		var status runtime.Status
		if err = c.remote(ctx, func(ctx context.Context) error {
			var ierr error
			status, ierr = c.runtime.Inspect(ctx, rec.ContainerName)
			return ierr
		}); err != nil {
			return fmt.Errorf("%w: create: inspect: %w", ErrRemoteUnavailable, err)
		}
		if status.Present {
			return fmt.Errorf("%w: sandbox for tenant %s already exists", ErrPrecondition, tenant)
		}
		// The record outlived its container. Rotate name and secret so the
		// replacement is a genuinely fresh sandbox.
		if rec, err = c.store.ResetSandbox(ctx, tenant); err != nil {
			return fmt.Errorf("create: %w", err)
		}
	}

	spec := runtime.Spec{
		Name:         rec.ContainerName,
		Image:        c.cfg.Image,
		Env:          c.sandboxEnv(identity, cred, rec),
		VolumeName:   rec.ContainerName + "-volume",
		InternalPort: c.cfg.InternalPort,
		Network:      c.cfg.Network,
	}
	if err = c.remote(ctx, func(ctx context.Context) error {
		return c.runtime.Create(ctx, spec)
	}); err != nil {
		if errors.Is(err, runtime.ErrAlreadyExists) {
			return fmt.Errorf("%w: %w", ErrPrecondition, err)
		}
		return fmt.Errorf("%w: create container: %w", ErrRemoteUnavailable, err)
	}
	if err = c.remote(ctx, func(ctx context.Context) error {
		return c.runtime.Start(ctx, rec.ContainerName)
	}); err != nil {
		return fmt.Errorf("%w: container created but not started: %w", ErrPartialProvisioning, err)
	}

	port, err := c.discoverPort(ctx, rec.ContainerName)
	if err != nil {
		return fmt.Errorf("%w: container started but port unknown: %w", ErrPartialProvisioning, err)
	}
	if err = c.store.UpdateSandboxPort(ctx, tenant, &port); err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if err = c.remote(ctx, func(ctx context.Context) error {
		return c.routes.Sync(ctx, rec.ContainerName, port)
	}); err != nil {
		return fmt.Errorf("%w: container running but route not synced: %w", ErrPartialProvisioning, err)
	}

	if err = c.pushStarterFlow(ctx, tenant, rec, identity, port); err != nil {
		return fmt.Errorf("%w: container running but flow bootstrap failed: %w", ErrPartialProvisioning, err)
	}

	c.logger.Info("sandbox created",
		slog.String(intlog.TenantKey, tenant),
		slog.String(intlog.ContainerKey, rec.ContainerName),
		slog.Int(intlog.PortKey, port))
	return nil
}

// Run reconciles a sandbox that should already exist: refresh the persisted
// port and route when they are stale against live state, and retry a
// not-yet-successful bootstrap. It never starts a stopped container.
func (c *Controller) Run(ctx context.Context, tenant string) (err error) {
	start := time.Now()
	defer func() { recordAction("run", start, err) }()
	defer c.lockTenant(tenant)()

	rec, state, err := c.observe(ctx, tenant)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if state == StateAbsent {
		return fmt.Errorf("%w: no sandbox for tenant %s", ErrPrecondition, tenant)
	}
	if state == StateStarting {
		return fmt.Errorf("%w: sandbox for tenant %s is still starting", ErrPrecondition, tenant)
	}

	port, ok, err := c.livePort(ctx, rec.ContainerName)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if !ok {
		// Not running, no published port. Keep the route entry (a stale
		// route beats none) but honor the port invariant on the record.
		if rec.ContainerPort != nil {
			if err = c.store.UpdateSandboxPort(ctx, tenant, nil); err != nil {
				return fmt.Errorf("run: %w", err)
			}
		}
		return nil
	}

	if rec.ContainerPort == nil || *rec.ContainerPort != port {
		if err = c.store.UpdateSandboxPort(ctx, tenant, &port); err != nil {
			return fmt.Errorf("run: %w", err)
		}
		if err = c.remote(ctx, func(ctx context.Context) error {
			return c.routes.Sync(ctx, rec.ContainerName, port)
		}); err != nil {
			return fmt.Errorf("%w: route sync: %w", ErrPartialProvisioning, err)
		}
	}

	if !rec.IsConfigured {
		identity, ierr := c.store.GetTopicIdentity(ctx, tenant)
		if ierr != nil {
			return fmt.Errorf("run: %w", ierr)
		}
		if err = c.pushStarterFlow(ctx, tenant, rec, identity, port); err != nil {
			return fmt.Errorf("%w: flow bootstrap failed: %w", ErrPartialProvisioning, err)
		}
	}
	return nil
}

// Stop halts a running sandbox. The record and route are synced with the
// about-to-be-stale port before the stop call, while the port is still
// observable; afterwards the record's port is cleared and the route entry is
// left in place until the next action refreshes it.
func (c *Controller) Stop(ctx context.Context, tenant string) (err error) {
	start := time.Now()
	defer func() { recordAction("stop", start, err) }()
	defer c.lockTenant(tenant)()

	rec, state, err := c.observe(ctx, tenant)
	if err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if state != StateRunning {
		return fmt.Errorf("%w: sandbox for tenant %s is %s, not running", ErrPrecondition, tenant, state)
	}

	if port, ok, perr := c.livePort(ctx, rec.ContainerName); perr == nil && ok {
		if err = c.store.UpdateSandboxPort(ctx, tenant, &port); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		if err = c.remote(ctx, func(ctx context.Context) error {
			return c.routes.Sync(ctx, rec.ContainerName, port)
		}); err != nil {
			c.logger.Warn("route sync before stop failed",
				slog.String(intlog.TenantKey, tenant), intlog.Error(err))
		}
	}

	if err = c.remote(ctx, func(ctx context.Context) error {
		return c.runtime.Stop(ctx, rec.ContainerName)
	}); err != nil {
		return fmt.Errorf("%w: stop container: %w", ErrRemoteUnavailable, err)
	}

	if err = c.store.UpdateSandboxPort(ctx, tenant, nil); err != nil {
		return fmt.Errorf("stop: %w", err)
	}

	c.logger.Info("sandbox stopped",
		slog.String(intlog.TenantKey, tenant),
		slog.String(intlog.ContainerKey, rec.ContainerName))
	return nil
}

// Restart restarts a stopped sandbox, then rediscovers the (new) published
// port and syncs record and route to it.
func (c *Controller) Restart(ctx context.Context, tenant string) (err error) {
	start := time.Now()
	defer func() { recordAction("restart", start, err) }()
	defer c.lockTenant(tenant)()

	rec, state, err := c.observe(ctx, tenant)
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	if state != StateStopped {
		return fmt.Errorf("%w: sandbox for tenant %s is %s, not stopped", ErrPrecondition, tenant, state)
	}

	if err = c.remote(ctx, func(ctx context.Context) error {
		return c.runtime.Restart(ctx, rec.ContainerName)
	}); err != nil {
		return fmt.Errorf("%w: restart container: %w", ErrRemoteUnavailable, err)
	}

	port, err := c.discoverPort(ctx, rec.ContainerName)
	if err != nil {
		return fmt.Errorf("%w: container restarted but port unknown: %w", ErrPartialProvisioning, err)
	}
	if err = c.store.UpdateSandboxPort(ctx, tenant, &port); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	if err = c.remote(ctx, func(ctx context.Context) error {
		return c.routes.Sync(ctx, rec.ContainerName, port)
	}); err != nil {
		return fmt.Errorf("%w: route sync: %w", ErrPartialProvisioning, err)
	}

	if !rec.IsConfigured {
		identity, ierr := c.store.GetTopicIdentity(ctx, tenant)
		if ierr != nil {
			return fmt.Errorf("restart: %w", ierr)
		}
		if err = c.pushStarterFlow(ctx, tenant, rec, identity, port); err != nil {
			return fmt.Errorf("%w: flow bootstrap failed: %w", ErrPartialProvisioning, err)
		}
	}

	c.logger.Info("sandbox restarted",
		slog.String(intlog.TenantKey, tenant),
		slog.Int(intlog.PortKey, port))
	return nil
}

// Delete tears a tenant's sandbox down from any state. Container stop and
// remove are best-effort; local record, route entry, broker roles and
// credentials are always cleaned up so deletion is idempotent and a tenant
// can re-provision afterwards. Remote failures are reported joined, after
// the cleanup ran as far as it could.
func (c *Controller) Delete(ctx context.Context, tenant string) (err error) {
	start := time.Now()
	defer func() { recordAction("delete", start, err) }()
	defer c.lockTenant(tenant)()

	var errs []error

	rec, gerr := c.store.GetSandbox(ctx, tenant)
	switch {
	case errors.Is(gerr, store.ErrNotFound):
		// No record, nothing container- or route-side to undo.
	case gerr != nil:
		return fmt.Errorf("delete: %w", gerr)
	default:
		if serr := c.remote(ctx, func(ctx context.Context) error {
			return c.runtime.Stop(ctx, rec.ContainerName)
		}); serr != nil {
			c.logger.Warn("stop before remove failed",
				slog.String(intlog.TenantKey, tenant), intlog.Error(serr))
		}
		if rerr := c.remote(ctx, func(ctx context.Context) error {
			return c.runtime.Remove(ctx, rec.ContainerName)
		}); rerr != nil {
			errs = append(errs, fmt.Errorf("remove container: %w", rerr))
		}
		if rerr := c.remote(ctx, func(ctx context.Context) error {
			return c.routes.Remove(ctx, rec.ContainerName)
		}); rerr != nil {
			errs = append(errs, fmt.Errorf("remove route: %w", rerr))
		}
		if derr := c.store.DeleteSandbox(ctx, tenant); derr != nil {
			errs = append(errs, derr)
		}
	}

	if cerr := c.remote(ctx, func(ctx context.Context) error {
		return c.broker.RemoveTenantCredentials(ctx, tenant)
	}); cerr != nil {
		errs = append(errs, fmt.Errorf("remove credentials: %w", cerr))
	}
	if rerr := c.remote(ctx, func(ctx context.Context) error {
		return c.broker.DeleteTenantRoles(ctx, tenant)
	}); rerr != nil {
		errs = append(errs, fmt.Errorf("delete roles: %w", rerr))
	}

	if err = errors.Join(errs...); err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	c.logger.Info("sandbox deleted", slog.String(intlog.TenantKey, tenant))
	return nil
}

// observe loads the tenant's record and derives the live state from a fresh
// inspect. A missing record reports StateAbsent with a zero record.
func (c *Controller) observe(ctx context.Context, tenant string) (store.SandboxRecord, State, error) {
	rec, err := c.store.GetSandbox(ctx, tenant)
	if errors.Is(err, store.ErrNotFound) {
		return store.SandboxRecord{}, StateAbsent, nil
	}
	if err != nil {
		return store.SandboxRecord{}, StateAbsent, err
	}

	var status runtime.Status
	if err := c.remote(ctx, func(ctx context.Context) error {
		var ierr error
		status, ierr = c.runtime.Inspect(ctx, rec.ContainerName)
		return ierr
	}); err != nil {
		return rec, StateAbsent, fmt.Errorf("%w: inspect: %w", ErrRemoteUnavailable, err)
	}
	return rec, DeriveState(status), nil
}

// livePort fetches the currently published host port, if any.
func (c *Controller) livePort(ctx context.Context, name string) (int, bool, error) {
	var (
		port int
		ok   bool
	)
	err := c.remote(ctx, func(ctx context.Context) error {
		var perr error
		port, ok, perr = c.runtime.PublishedPort(ctx, name, c.cfg.InternalPort)
		return perr
	})
	if err != nil {
		return 0, false, fmt.Errorf("%w: published port: %w", ErrRemoteUnavailable, err)
	}
	return port, ok, nil
}

// discoverPort polls for the published port after a start or restart.
func (c *Controller) discoverPort(ctx context.Context, name string) (int, error) {
	for attempt := 0; ; attempt++ {
		port, ok, err := c.livePort(ctx, name)
		if err != nil {
			return 0, err
		}
		if ok {
			return port, nil
		}
		if attempt >= portWaitAttempts-1 {
			return 0, fmt.Errorf("no published port for container %s", name)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(portWaitDelay):
		}
	}
}

// pushStarterFlow deploys the starter flow once per fresh container. The
// push fully replaces the sandbox's flow state, so it is gated on the
// record's configured flag and the flag is set only on a confirmed 2xx.
func (c *Controller) pushStarterFlow(ctx context.Context, tenant string, rec store.SandboxRecord, identity store.TopicIdentity, port int) error {
	if rec.IsConfigured {
		return nil
	}
	err := c.remote(ctx, func(ctx context.Context) error {
		return c.bootstrap.Push(ctx, flows.Request{
			Port:     port,
			TopicID:  identity.TopicID,
			Secret:   rec.SandboxSecret,
			Username: tenant,
		})
	})
	recordBootstrap(err)
	if err != nil {
		return err
	}
	return c.store.SetConfigured(ctx, tenant, true)
}

// sandboxEnv builds the container environment: broker reachability and
// credentials, time-series sink, topic namespace, and the control-API
// signing secret.
func (c *Controller) sandboxEnv(identity store.TopicIdentity, cred store.Credential, rec store.SandboxRecord) map[string]string {
	return map[string]string{
		"MQTT_HOST":       c.cfg.DockerHostIP,
		"MQTT_PORT":       strconv.Itoa(c.cfg.BrokerPort),
		"MQTT_USERNAME":   cred.Username,
		"MQTT_PASSWORD":   cred.Password,
		"MQTT_TOPIC_ID":   identity.TopicID,
		"INFLUXDB_ORG":    c.cfg.InfluxOrg,
		"INFLUXDB_HOST":   c.cfg.InfluxHost,
		"INFLUXDB_PORT":   strconv.Itoa(c.cfg.InfluxPort),
		"INFLUXDB_URL":    fmt.Sprintf("http://%s:%d", c.cfg.InfluxHost, c.cfg.InfluxPort),
		"INFLUXDB_BUCKET": c.cfg.InfluxBucket,
		"INFLUXDB_TOKEN":  c.cfg.InfluxToken,
		"SECRET_KEY":      rec.SandboxSecret,
	}
}
