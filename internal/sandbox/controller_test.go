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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AwakeAndReady/Biomed-IoT/internal/broker"
	"github.com/AwakeAndReady/Biomed-IoT/internal/broker/dynsec"
	"github.com/AwakeAndReady/Biomed-IoT/internal/flows"
	"github.com/AwakeAndReady/Biomed-IoT/internal/runtime"
	"github.com/AwakeAndReady/Biomed-IoT/internal/store"
)

// fakeDynSec simulates the broker's dynamic-security store.
type fakeDynSec struct {
	mu      sync.Mutex
	roles   map[string][]dynsec.ACL
	clients map[string]string // username -> rolename

	createClientErr error
}

func newFakeDynSec() *fakeDynSec {
	return &fakeDynSec{
		roles:   make(map[string][]dynsec.ACL),
		clients: make(map[string]string),
	}
}

func (f *fakeDynSec) CreateRole(_ context.Context, name string, acls []dynsec.ACL) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roles[name]; ok {
		return &dynsec.CommandError{Command: "createRole", Reason: "Role already exists"}
	}
	f.roles[name] = acls
	return nil
}

func (f *fakeDynSec) DeleteRole(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.roles, name)
	return nil
}

func (f *fakeDynSec) CreateClient(_ context.Context, username, password, textname, rolename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createClientErr != nil {
		return f.createClientErr
	}
	f.clients[username] = rolename
	return nil
}

func (f *fakeDynSec) ModifyClient(_ context.Context, username, textname string) error {
	return nil
}

func (f *fakeDynSec) DeleteClient(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, username)
	return nil
}

func (f *fakeDynSec) roleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.roles)
}

func (f *fakeDynSec) clientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// fakeContainer is one simulated container.
type fakeContainer struct {
	state  string
	health string
	port   int
}

// fakeRuntime simulates the container runtime, assigning a fresh published
// port on every start or restart the way docker's dynamic binding does.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	nextPort   int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*fakeContainer), nextPort: 32768}
}

func (f *fakeRuntime) Inspect(_ context.Context, name string) (runtime.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return runtime.Status{Present: false}, nil
	}
	return runtime.Status{Present: true, State: c.state, Health: c.health}, nil
}

func (f *fakeRuntime) Create(_ context.Context, spec runtime.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[spec.Name]; ok {
		return fmt.Errorf("%w: %s", runtime.ErrAlreadyExists, spec.Name)
	}
	f.containers[spec.Name] = &fakeContainer{state: "created", health: "none"}
	return nil
}

func (f *fakeRuntime) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return errors.New("no such container")
	}
	c.state = "running"
	c.health = "healthy"
	c.port = f.nextPort
	f.nextPort++
	return nil
}

func (f *fakeRuntime) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return errors.New("no such container")
	}
	c.state = "exited"
	c.health = "unhealthy"
	c.port = 0
	return nil
}

func (f *fakeRuntime) Restart(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return errors.New("no such container")
	}
	c.state = "running"
	c.health = "healthy"
	c.port = f.nextPort
	f.nextPort++
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, name)
	return nil
}

func (f *fakeRuntime) PublishedPort(_ context.Context, name string, _ int) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok || c.port == 0 {
		return 0, false, nil
	}
	return c.port, true, nil
}

func (f *fakeRuntime) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// fakeRoutes records the routing table in memory.
type fakeRoutes struct {
	mu      sync.Mutex
	entries map[string]int
}

func newFakeRoutes() *fakeRoutes {
	return &fakeRoutes{entries: make(map[string]int)}
}

func (f *fakeRoutes) Sync(_ context.Context, name string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[name] = port
	return nil
}

func (f *fakeRoutes) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, name)
	return nil
}

func (f *fakeRoutes) get(name string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.entries[name]
	return p, ok
}

// fakeBootstrapper counts starter-flow pushes.
type fakeBootstrapper struct {
	mu      sync.Mutex
	pushes  []flows.Request
	pushErr error
}

func (f *fakeBootstrapper) Push(_ context.Context, req flows.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes = append(f.pushes, req)
	return nil
}

func (f *fakeBootstrapper) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

type testEnv struct {
	ctl    *Controller
	store  *store.Store
	dynsec *fakeDynSec
	rt     *fakeRuntime
	routes *fakeRoutes
	boot   *fakeBootstrapper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.DiscardHandler)
	ds := newFakeDynSec()
	prov := broker.NewProvisioner(st, ds, logger)
	rt := newFakeRuntime()
	routes := newFakeRoutes()
	boot := &fakeBootstrapper{}

	cfg := Config{
		Image:         "custom-node-red",
		InternalPort:  1880,
		Network:       "bridge",
		DockerHostIP:  "172.17.0.1",
		BrokerPort:    1884,
		InfluxOrg:     "biomed",
		InfluxHost:    "172.17.0.1",
		InfluxPort:    8086,
		InfluxBucket:  "tenant-bucket",
		InfluxToken:   "influx-token",
		RemoteTimeout: 5 * time.Second,
	}
	ctl := NewController(st, prov, rt, routes, boot, cfg, logger)
	return &testEnv{ctl: ctl, store: st, dynsec: ds, rt: rt, routes: routes, boot: boot}
}

func TestCreate_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ctl.Create(ctx, "alice"))

	// Broker side: two roles and the sandbox's own credential.
	assert.Equal(t, 2, env.dynsec.roleCount())
	assert.Equal(t, 1, env.dynsec.clientCount())

	rec, err := env.store.GetSandbox(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, rec.ContainerPort)
	assert.True(t, rec.IsConfigured)

	// Runtime agrees with the record.
	port, ok, err := env.rt.PublishedPort(ctx, rec.ContainerName, 1880)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, port, *rec.ContainerPort)

	// Route mirrors the running sandbox.
	routed, ok := env.routes.get(rec.ContainerName)
	require.True(t, ok)
	assert.Equal(t, port, routed)

	// Starter flow pushed exactly once, with the tenant's topic id.
	require.Equal(t, 1, env.boot.pushCount())
	ident, err := env.store.GetTopicIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ident.TopicID, env.boot.pushes[0].TopicID)
	assert.Equal(t, rec.SandboxSecret, env.boot.pushes[0].Secret)

	info, err := env.ctl.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, info.State)
}

func TestCreate_AlreadyExists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ctl.Create(ctx, "alice"))
	err := env.ctl.Create(ctx, "alice")
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.Equal(t, 1, env.rt.count())
}

func TestCreate_ConcurrentRequestsYieldOneContainer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- env.ctl.Create(ctx, "alice")
		}()
	}
	err1, err2 := <-results, <-results

	var failures int
	for _, err := range []error{err1, err2} {
		if err != nil {
			assert.ErrorIs(t, err, ErrPrecondition)
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one create must lose the race")
	assert.Equal(t, 1, env.rt.count())

	_, err := env.store.GetSandbox(ctx, "alice")
	assert.NoError(t, err)
}

func TestCreate_BrokerCredentialFailureBlocksCreation(t *testing.T) {
	env := newTestEnv(t)
	env.dynsec.createClientErr = errors.New("broker down")
	ctx := context.Background()

	err := env.ctl.Create(ctx, "alice")
	require.Error(t, err)

	// No container, no local credential row.
	assert.Equal(t, 0, env.rt.count())
	creds, err := env.store.ListCredentials(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestStop_SyncsRouteBeforeStopAndClearsPort(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ctl.Create(ctx, "alice"))
	rec, err := env.store.GetSandbox(ctx, "alice")
	require.NoError(t, err)
	oldPort := *rec.ContainerPort

	require.NoError(t, env.ctl.Stop(ctx, "alice"))

	rec, err = env.store.GetSandbox(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, rec.ContainerPort, "stopped sandbox must persist no port")

	// The route keeps the last-known port until the next action refreshes it.
	routed, ok := env.routes.get(rec.ContainerName)
	require.True(t, ok)
	assert.Equal(t, oldPort, routed)

	info, err := env.ctl.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, info.State)
}

func TestStop_NotRunning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.ctl.Stop(ctx, "alice")
	assert.ErrorIs(t, err, ErrPrecondition)

	require.NoError(t, env.ctl.Create(ctx, "alice"))
	require.NoError(t, env.ctl.Stop(ctx, "alice"))
	err = env.ctl.Stop(ctx, "alice")
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestRestart_DiscoversNewPort(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ctl.Create(ctx, "alice"))
	rec, err := env.store.GetSandbox(ctx, "alice")
	require.NoError(t, err)
	oldPort := *rec.ContainerPort

	require.NoError(t, env.ctl.Stop(ctx, "alice"))
	require.NoError(t, env.ctl.Restart(ctx, "alice"))

	rec, err = env.store.GetSandbox(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, rec.ContainerPort)
	assert.NotEqual(t, oldPort, *rec.ContainerPort)

	routed, ok := env.routes.get(rec.ContainerName)
	require.True(t, ok)
	assert.Equal(t, *rec.ContainerPort, routed)
}

func TestRestart_RequiresStopped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ctl.Create(ctx, "alice"))
	err := env.ctl.Restart(ctx, "alice")
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestBootstrap_RunsExactlyOncePerFreshContainer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ctl.Create(ctx, "alice"))
	require.Equal(t, 1, env.boot.pushCount())

	require.NoError(t, env.ctl.Stop(ctx, "alice"))
	require.NoError(t, env.ctl.Restart(ctx, "alice"))
	require.NoError(t, env.ctl.Run(ctx, "alice"))

	assert.Equal(t, 1, env.boot.pushCount(), "configured sandbox must not be re-seeded")
}

func TestBootstrapFailure_RetriedOnNextRun(t *testing.T) {
	env := newTestEnv(t)
	env.boot.pushErr = errors.New("flows endpoint not up yet")
	ctx := context.Background()

	err := env.ctl.Create(ctx, "alice")
	assert.ErrorIs(t, err, ErrPartialProvisioning)

	rec, err := env.store.GetSandbox(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, rec.IsConfigured)

	env.boot.mu.Lock()
	env.boot.pushErr = nil
	env.boot.mu.Unlock()

	require.NoError(t, env.ctl.Run(ctx, "alice"))
	assert.Equal(t, 1, env.boot.pushCount())

	rec, err = env.store.GetSandbox(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, rec.IsConfigured)
}

func TestRun_RefreshesStalePort(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ctl.Create(ctx, "alice"))
	rec, err := env.store.GetSandbox(ctx, "alice")
	require.NoError(t, err)

	// Simulate a restart behind the orchestrator's back.
	require.NoError(t, env.rt.Restart(ctx, rec.ContainerName))

	require.NoError(t, env.ctl.Run(ctx, "alice"))

	fresh, err := env.store.GetSandbox(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, fresh.ContainerPort)
	assert.NotEqual(t, *rec.ContainerPort, *fresh.ContainerPort)

	routed, ok := env.routes.get(rec.ContainerName)
	require.True(t, ok)
	assert.Equal(t, *fresh.ContainerPort, routed)
}

func TestRun_NoSandbox(t *testing.T) {
	env := newTestEnv(t)

	err := env.ctl.Run(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestDelete_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Deleting a tenant that never existed is a successful no-op.
	require.NoError(t, env.ctl.Delete(ctx, "alice"))

	require.NoError(t, env.ctl.Create(ctx, "alice"))
	rec, err := env.store.GetSandbox(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, env.ctl.Delete(ctx, "alice"))

	assert.Equal(t, 0, env.rt.count())
	_, ok := env.routes.get(rec.ContainerName)
	assert.False(t, ok)
	assert.Equal(t, 0, env.dynsec.roleCount())
	assert.Equal(t, 0, env.dynsec.clientCount())
	_, err = env.store.GetSandbox(ctx, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, env.ctl.Delete(ctx, "alice"))
}

func TestCreate_AfterDeleteReprovisions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ctl.Create(ctx, "alice"))
	first, err := env.store.GetSandbox(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, env.ctl.Delete(ctx, "alice"))
	require.NoError(t, env.ctl.Create(ctx, "alice"))

	second, err := env.store.GetSandbox(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first.ContainerName, second.ContainerName)
	assert.True(t, second.IsConfigured)
	assert.Equal(t, 2, env.boot.pushCount(), "a fresh container is seeded again")
}

func TestCreate_RecordSurvivedContainerRotatesIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ctl.Create(ctx, "alice"))
	first, err := env.store.GetSandbox(ctx, "alice")
	require.NoError(t, err)

	// Container vanished (pruned) but the record stayed.
	require.NoError(t, env.rt.Remove(ctx, first.ContainerName))

	require.NoError(t, env.ctl.Create(ctx, "alice"))
	second, err := env.store.GetSandbox(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first.ContainerName, second.ContainerName)
	assert.NotEqual(t, first.SandboxSecret, second.SandboxSecret)
}
