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

// Package runtime is a thin synchronous wrapper over the docker control API
// for one named sandbox container: create, start, stop, restart, remove,
// inspect and published-port discovery.
//
// The runtime assigns and revokes the published host port asynchronously
// relative to control calls returning, so port discovery always performs a
// fresh inspect.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

// ErrAlreadyExists is returned by Create when a container of the requested
// name exists. Callers must inspect first; Create never adopts an existing
// container.
var ErrAlreadyExists = errors.New("runtime: container already exists")

// Status is the raw observed state of a named container. Present is false
// when no container of that name exists; Health is "none" when the image
// defines no health check or none has run yet.
type Status struct {
	Present bool
	State   string
	Health  string
}

// Spec describes the container to create. All fields are immutable identity
// and configuration; live state is always re-read via Inspect.
type Spec struct {
	Name         string
	Image        string
	Env          map[string]string
	VolumeName   string
	InternalPort int
	Network      string
}

// Client wraps the docker SDK client.
type Client struct {
	docker client.APIClient
}

// New creates a Client from the environment (DOCKER_HOST etc.).
func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runtime: docker client init failed: %w", err)
	}
	return &Client{docker: cli}, nil
}

// NewWithAPIClient creates a Client around an existing docker API client.
func NewWithAPIClient(api client.APIClient) *Client {
	return &Client{docker: api}
}

// Inspect returns the observed status of the named container.
func (c *Client) Inspect(ctx context.Context, name string) (Status, error) {
	resp, err := c.docker.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Status{Present: false}, nil
		}
		return Status{}, fmt.Errorf("runtime: failed to inspect container %s: %w", name, err)
	}

	st := Status{Present: true, Health: "none"}
	if resp.State != nil {
		st.State = resp.State.Status
		if resp.State.Health != nil {
			st.Health = resp.State.Health.Status
		}
	}
	return st, nil
}

// Create creates the container described by spec. The internal port is
// published on a dynamically assigned host port; the data volume is mounted
// at /data; the restart policy keeps the sandbox up across host reboots
// until explicitly stopped.
func (c *Client) Create(ctx context.Context, spec Spec) error {
	status, err := c.Inspect(ctx, spec.Name)
	if err != nil {
		return err
	}
	if status.Present {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, spec.Name)
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(spec.InternalPort))
	if err != nil {
		return fmt.Errorf("runtime: invalid internal port %d: %w", spec.InternalPort, err)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          envSlice(spec.Env),
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		// Empty HostPort requests a dynamically assigned port.
		PortBindings:  nat.PortMap{port: []nat.PortBinding{{}}},
		Binds:         []string{spec.VolumeName + ":/data"},
		NetworkMode:   container.NetworkMode(spec.Network),
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	if _, err := c.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name); err != nil {
		return fmt.Errorf("runtime: failed to create container %s: %w", spec.Name, err)
	}
	return nil
}

// Start starts the named container.
func (c *Client) Start(ctx context.Context, name string) error {
	if err := c.docker.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("runtime: failed to start container %s: %w", name, err)
	}
	return nil
}

// Stop stops the named container using the runtime's default grace period.
func (c *Client) Stop(ctx context.Context, name string) error {
	if err := c.docker.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return fmt.Errorf("runtime: failed to stop container %s: %w", name, err)
	}
	return nil
}

// Restart restarts the named container.
func (c *Client) Restart(ctx context.Context, name string) error {
	if err := c.docker.ContainerRestart(ctx, name, container.StopOptions{}); err != nil {
		return fmt.Errorf("runtime: failed to restart container %s: %w", name, err)
	}
	return nil
}

// Remove removes the named container. Removing an absent container is a
// no-op.
func (c *Client) Remove(ctx context.Context, name string) error {
	if err := c.docker.ContainerRemove(ctx, name, container.RemoveOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("runtime: failed to remove container %s: %w", name, err)
	}
	return nil
}

// PublishedPort performs a fresh inspect and returns the host port currently
// published for the container's internal port. ok is false when no mapping
// exists (container absent, stopped, or mapping not yet assigned).
func (c *Client) PublishedPort(ctx context.Context, name string, internalPort int) (int, bool, error) {
	resp, err := c.docker.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("runtime: failed to inspect container %s: %w", name, err)
	}
	if resp.NetworkSettings == nil {
		return 0, false, nil
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(internalPort))
	if err != nil {
		return 0, false, fmt.Errorf("runtime: invalid internal port %d: %w", internalPort, err)
	}

	bindings := resp.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return 0, false, nil
	}
	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, false, fmt.Errorf("runtime: unparseable host port %q for %s: %w", bindings[0].HostPort, name, err)
	}
	return hostPort, true, nil
}

// envSlice converts an env map into docker's KEY=VALUE form, sorted for
// deterministic container configs.
func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
