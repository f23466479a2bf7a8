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

// Package route maintains the edge proxy's routing table: one nginx
// server-block fragment per sandbox mapping the stable container name to the
// sandbox's current published port, plus a reload trigger.
package route

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	intlog "github.com/AwakeAndReady/Biomed-IoT/internal/log"
)

const fragmentTemplate = `# Managed by sandboxd. Do not edit.
location /nodered/%s/ {
	proxy_pass http://127.0.0.1:%d/;
	proxy_http_version 1.1;
	proxy_set_header Upgrade $http_upgrade;
	proxy_set_header Connection "upgrade";
	proxy_set_header Host $host;
	proxy_set_header X-Real-IP $remote_addr;
	proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
	proxy_set_header X-Forwarded-Proto $scheme;
}
`

// Coordinator regenerates proxy route fragments and triggers reloads.
//
// The proxy configuration is a single shared resource across all tenants, so
// every write-then-reload runs inside one process-wide critical section; two
// tenants' route syncs never interleave on the file system.
type Coordinator struct {
	confDir string
	logger  *slog.Logger

	mu     sync.Mutex
	reload func(ctx context.Context) error
}

// New creates a Coordinator writing fragments into confDir and reloading the
// proxy with reloadCommand.
func New(confDir string, reloadCommand []string, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		confDir: confDir,
		logger:  intlog.WithComponent(logger, "route"),
		reload: func(ctx context.Context) error {
			cmd := exec.CommandContext(ctx, reloadCommand[0], reloadCommand[1:]...)
			if out, err := cmd.CombinedOutput(); err != nil {
				return fmt.Errorf("route: proxy reload failed: %w (output: %s)", err, out)
			}
			return nil
		},
	}
}

// SetReloadFunc replaces the reload trigger. Intended for tests.
func (c *Coordinator) SetReloadFunc(fn func(ctx context.Context) error) {
	c.reload = fn
}

// Sync writes (or overwrites) the route fragment for name and reloads the
// proxy. A reload failure is reported but does not undo the written
// fragment: a stale-but-present route beats no route, and the next action
// retries the sync.
func (c *Coordinator) Sync(ctx context.Context, name string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.confDir, 0o755); err != nil {
		return fmt.Errorf("route: failed to create conf dir: %w", err)
	}

	// Temp-write then rename so the proxy never reads a half-written
	// fragment.
	target := c.fragmentPath(name)
	tmp, err := os.CreateTemp(c.confDir, name+".conf.tmp-*")
	if err != nil {
		return fmt.Errorf("route: failed to create temp fragment: %w", err)
	}
	content := fmt.Sprintf(fragmentTemplate, name, port)
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("route: failed to write fragment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("route: failed to write fragment: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("route: failed to install fragment: %w", err)
	}

	c.logger.Info("route fragment written",
		slog.String(intlog.ContainerKey, name),
		slog.Int(intlog.PortKey, port))

	if err := c.reload(ctx); err != nil {
		c.logger.Warn("proxy reload failed, fragment left in place", intlog.Error(err))
		return err
	}
	return nil
}

// Remove deletes the route fragment for name and reloads the proxy.
// Removing an absent fragment is a no-op that still triggers a reload.
func (c *Coordinator) Remove(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.fragmentPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("route: failed to remove fragment: %w", err)
	}

	c.logger.Info("route fragment removed", slog.String(intlog.ContainerKey, name))

	if err := c.reload(ctx); err != nil {
		c.logger.Warn("proxy reload failed after fragment removal", intlog.Error(err))
		return err
	}
	return nil
}

func (c *Coordinator) fragmentPath(name string) string {
	return filepath.Join(c.confDir, name+".conf")
}
