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

// Package daemon wires the orchestrator's components together and serves the
// HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AwakeAndReady/Biomed-IoT/internal/broker"
	"github.com/AwakeAndReady/Biomed-IoT/internal/broker/dynsec"
	"github.com/AwakeAndReady/Biomed-IoT/internal/config"
	"github.com/AwakeAndReady/Biomed-IoT/internal/daemon/api"
	"github.com/AwakeAndReady/Biomed-IoT/internal/daemon/auth"
	"github.com/AwakeAndReady/Biomed-IoT/internal/flows"
	intlog "github.com/AwakeAndReady/Biomed-IoT/internal/log"
	"github.com/AwakeAndReady/Biomed-IoT/internal/route"
	"github.com/AwakeAndReady/Biomed-IoT/internal/runtime"
	"github.com/AwakeAndReady/Biomed-IoT/internal/sandbox"
	"github.com/AwakeAndReady/Biomed-IoT/internal/store"
)

// Options carries build metadata into the daemon.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the assembled orchestrator.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store  *store.Store
	dynsec *dynsec.Client
	server *http.Server
}

// New assembles a Daemon from cfg: record store, dynamic-security client,
// provisioner, container runtime, route coordinator, flow bootstrapper, the
// lifecycle controller, and the HTTP API around them.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := intlog.New(&intlog.Config{
		Level:  cfg.Log.Level,
		Format: intlog.Format(cfg.Log.Format),
	})

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ds, err := dynsec.Connect(dynsec.Config{
		Host:     cfg.Broker.Host,
		Port:     cfg.Broker.Port,
		Username: cfg.Broker.AdminUsername,
		Password: cfg.Broker.AdminPassword,
	}, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connect broker dynamic security: %w", err)
	}

	rt, err := runtime.New()
	if err != nil {
		ds.Close()
		st.Close()
		return nil, fmt.Errorf("init container runtime: %w", err)
	}

	provisioner := broker.NewProvisioner(st, ds, logger)
	routes := route.New(cfg.Routes.ConfDir, cfg.Routes.ReloadCommand, logger)
	bootstrapper := flows.New(cfg.Flows.TokenTTL, logger)

	controller := sandbox.NewController(st, provisioner, rt, routes, bootstrapper, sandbox.Config{
		Image:         cfg.Runtime.Image,
		InternalPort:  cfg.Runtime.InternalPort,
		Network:       cfg.Runtime.Network,
		DockerHostIP:  cfg.Runtime.DockerHostIP,
		BrokerPort:    cfg.Broker.DockerPort,
		InfluxOrg:     cfg.Influx.Org,
		InfluxHost:    cfg.Influx.Host,
		InfluxPort:    cfg.Influx.Port,
		InfluxBucket:  cfg.Influx.Bucket,
		InfluxToken:   cfg.Influx.Token,
		RemoteTimeout: cfg.RemoteTimeout,
	}, logger)

	router := api.NewRouter(api.RouterConfig{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	}, controller, provisioner, st, logger)
	router.SetMetricsHandler(promhttp.Handler())

	var handler http.Handler = router
	if cfg.Auth.APIKey != "" {
		handler = auth.NewBearerAuthenticator(cfg.Auth.APIKey).Middleware(router)
	} else {
		logger.Warn("no API key configured, API is unauthenticated")
	}

	return &Daemon{
		cfg:    cfg,
		logger: intlog.WithComponent(logger, "daemon"),
		store:  st,
		dynsec: ds,
		server: &http.Server{
			Addr:              cfg.Listen.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start serves the HTTP API until ctx is cancelled or the listener fails.
func (d *Daemon) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("listening", slog.String("addr", d.cfg.Listen.Addr))
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server gracefully, then releases the broker
// connection and the record store.
func (d *Daemon) Shutdown(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
	defer cancel()

	err := d.server.Shutdown(sctx)

	d.dynsec.Close()
	if cerr := d.store.Close(); cerr != nil && err == nil {
		err = cerr
	}

	d.logger.Info("shutdown complete")
	return err
}
