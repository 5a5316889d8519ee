// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package run implements the main long-running mode of the agent.
package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meterview/meterview/pkg/api"
	"github.com/meterview/meterview/pkg/archive"
	"github.com/meterview/meterview/pkg/camera"
	"github.com/meterview/meterview/pkg/cmdutil"
	"github.com/meterview/meterview/pkg/config"
	"github.com/meterview/meterview/pkg/consumption"
	"github.com/meterview/meterview/pkg/orchestrator"
	"github.com/meterview/meterview/pkg/timeseries"
	"github.com/meterview/meterview/pkg/util/log"
	"github.com/meterview/meterview/pkg/version"
)

const stopGrace = 30 * time.Second

// Command returns the run subcommand.
func Command(globalArgs *cmdutil.GlobalArgs) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the meter monitoring agent",
		Long:  `Runs all enabled meter monitors, the timeseries writer and the dashboard API until interrupted.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return start(globalArgs)
		},
	}
}

func start(globalArgs *cmdutil.GlobalArgs) error {
	settings := config.SettingsFromEnv()
	if err := log.SetupLogger(settings.LogLevel); err != nil {
		return fmt.Errorf("cannot set up logger: %w", err)
	}
	defer log.Flush()

	log.Infof("Starting meterview %s", version.AgentVersion)

	store, err := config.NewStore(globalArgs.MetersConfigPath, globalArgs.PricingConfigPath)
	if err != nil {
		return &cmdutil.ExitError{Code: cmdutil.ExitConfig, Err: err}
	}

	arc, err := archive.Open(settings.StorageRoot)
	if err != nil {
		return &cmdutil.ExitError{Code: cmdutil.ExitStorage, Err: fmt.Errorf("cannot open snapshot archive: %w", err)}
	}

	writer, err := timeseries.NewWriter(settings.StorageRoot, settings)
	if err != nil {
		return &cmdutil.ExitError{Code: cmdutil.ExitStorage, Err: fmt.Errorf("cannot open timeseries store: %w", err)}
	}
	defer writer.Close()

	cam := camera.NewClient()
	orch := orchestrator.New(store, cam, arc, writer)
	if err := orch.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := store.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("Config watcher stopped: %v", err) //nolint:errcheck
		}
	}()
	go orch.WatchReloads(ctx)

	srv := api.NewServer(settings.HTTPListenAddr, store, writer, arc, consumption.New(writer), orch, cam)
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		log.Infof("Received %s, shutting down", sig)
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP server died: %v", err) //nolint:errcheck
			orch.Stop(stopGrace)
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warnf("HTTP server drain: %v", err) //nolint:errcheck
	}
	orch.Stop(stopGrace)
	log.Info("Shutdown complete")
	return nil
}
