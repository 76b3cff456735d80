/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/fleetwatch/pkg/alerts"
	"github.com/carverauto/fleetwatch/pkg/api"
	"github.com/carverauto/fleetwatch/pkg/broadcast"
	"github.com/carverauto/fleetwatch/pkg/collector"
	"github.com/carverauto/fleetwatch/pkg/config"
	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
	"github.com/carverauto/fleetwatch/pkg/registry"
	"github.com/carverauto/fleetwatch/pkg/scan"
	"github.com/carverauto/fleetwatch/pkg/scheduler"
	"github.com/carverauto/fleetwatch/pkg/state"
	"github.com/carverauto/fleetwatch/pkg/sweeper"
)

const shutdownTimeout = 10 * time.Second

var errFailedToLoadConfig = fmt.Errorf("failed to load config")

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/fleetwatch/fleetwatch.json", "Path to fleetwatch config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config.FleetWatchConfig

	if err := config.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	mainLogger, err := logger.New(ctx, cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	reg, err := registry.Load(cfg.HostsFile, mainLogger.WithComponent("registry"))
	if err != nil {
		return fmt.Errorf("failed to load host registry: %w", err)
	}

	store := state.NewStore(mainLogger.WithComponent("state"))

	var scanner scan.Scanner

	probeTimeout := cfg.ProbeTimeout.Duration()
	if cfg.ProbeMode == string(scan.ModeTCP) {
		scanner = scan.NewTCPScanner(probeTimeout, cfg.ProbeConcurrency, mainLogger.WithComponent("scan"))
	} else {
		scanner = scan.NewPingScanner(probeTimeout, cfg.ProbeConcurrency, mainLogger.WithComponent("scan"))
	}
	defer func() { _ = scanner.Stop() }()

	prober := scan.NewProber(scanner, cfg.SweepTimeout.Duration())
	disco := sweeper.New(reg, prober, cfg.Subnet, scan.Mode(cfg.ProbeMode), mainLogger.WithComponent("sweeper"))

	resolver := collector.NewFileCredentialResolver(reg.Defaults().KeyPath, mainLogger.WithComponent("collector"))
	sshCollector := collector.NewSSHCollector(resolver, cfg.CollectTimeout.Duration(), mainLogger.WithComponent("collector"))

	defer sshCollector.Close()

	alertSvc := alerts.NewService(cfg.Alerts, mainLogger.WithComponent("alerts"))

	broadcaster := broadcast.NewBroadcaster(func() ([]models.Machine, *models.NetworkSummary) {
		summary := store.Summary()
		return store.Snapshot(), &summary
	}, 0, mainLogger.WithComponent("broadcast"))

	sched := scheduler.New(scheduler.Config{
		Interval:           cfg.ScanInterval.Duration(),
		CollectConcurrency: int64(cfg.CollectConcurrency),
		HostIP:             cfg.HostIP,
		ProbeMode:          scan.Mode(cfg.ProbeMode),
	}, scheduler.Deps{
		Discoverer:  disco,
		Prober:      prober,
		Store:       store,
		Collector:   sshCollector,
		Local:       collector.NewLocalCollector(mainLogger.WithComponent("collector")),
		Broadcaster: broadcaster,
		Alerts:      alertSvc,
		Logger:      mainLogger.WithComponent("scheduler"),
	})

	srv := api.NewServer(store, reg, sched, broadcaster, alertSvc, cfg.CORSOrigins, mainLogger.WithComponent("api"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := sched.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		err := srv.Start(cfg.ListenAddr)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		<-gctx.Done()

		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = sched.Stop(shCtx)

		return srv.Shutdown(shCtx)
	})

	mainLogger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("subnet", cfg.Subnet).
		Str("probe_mode", cfg.ProbeMode).
		Msg("fleetwatch started")

	return g.Wait()
}
