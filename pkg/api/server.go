// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package api implements the agent's HTTP/JSON surface for the dashboard:
// readings, history, snapshots, consumption, status and manual triggers.
package api

import (
	"context"
	"fmt"
	stdLog "log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/meterview/meterview/pkg/archive"
	"github.com/meterview/meterview/pkg/camera"
	"github.com/meterview/meterview/pkg/config"
	"github.com/meterview/meterview/pkg/consumption"
	"github.com/meterview/meterview/pkg/orchestrator"
	"github.com/meterview/meterview/pkg/telemetry"
	"github.com/meterview/meterview/pkg/timeseries"
	"github.com/meterview/meterview/pkg/util/log"
)

// Server wires the dashboard API over the agent components. Handlers only
// read component state; the capture and reprocess routes delegate to the
// per-meter monitor mutex.
type Server struct {
	store      *config.Store
	writer     *timeseries.Writer
	archive    *archive.Archive
	aggregator *consumption.Aggregator
	orch       *orchestrator.Orchestrator
	camera     *camera.Client

	srv *http.Server
}

// NewServer builds the API server for the given listen address.
func NewServer(addr string, store *config.Store, writer *timeseries.Writer, arc *archive.Archive, agg *consumption.Aggregator, orch *orchestrator.Orchestrator, cam *camera.Client) *Server {
	s := &Server{
		store:      store,
		writer:     writer,
		archive:    arc,
		aggregator: agg,
		orch:       orch,
		camera:     cam,
	}

	router := mux.NewRouter()
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed",
			fmt.Errorf("method %s not allowed on %s", r.Method, r.URL.Path))
	})
	apiRouter := router.PathPrefix("/api").Subrouter()

	apiRouter.HandleFunc("/config/meters", s.handleConfigMeters).Methods(http.MethodGet)
	apiRouter.HandleFunc("/config/pricing", s.handleConfigPricing).Methods(http.MethodGet)
	apiRouter.HandleFunc("/latest/{meter}", s.handleLatest).Methods(http.MethodGet)
	apiRouter.HandleFunc("/history/{meter}", s.handleHistory).Methods(http.MethodGet)
	apiRouter.HandleFunc("/consumption/{meter}", s.handleConsumption).Methods(http.MethodGet)
	apiRouter.HandleFunc("/snapshots/{meter}", s.handleSnapshots).Methods(http.MethodGet)
	apiRouter.HandleFunc("/snapshot/{meter}/{id}/image", s.handleSnapshotImage).Methods(http.MethodGet)
	apiRouter.HandleFunc("/snapshot/{meter}/{id}/sidecar", s.handleSnapshotSidecar).Methods(http.MethodGet)
	apiRouter.HandleFunc("/capture/{meter}", s.handleCapture).Methods(http.MethodPost)
	apiRouter.HandleFunc("/reprocess/{meter}/{id}", s.handleReprocess).Methods(http.MethodPost)
	apiRouter.HandleFunc("/stream/{meter}", s.handleStream).Methods(http.MethodGet)
	apiRouter.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	router.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n")) //nolint:errcheck
	}).Methods(http.MethodGet)

	errorLog := stdLog.New(logWriter{}, "", 0)
	s.srv = &http.Server{
		Addr: addr,
		Handler: handlers.RecoveryHandler(
			handlers.RecoveryLogger(errorLog),
		)(router),
		ErrorLog:          errorLog,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Stop. It returns http.ErrServerClosed on clean
// shutdown, any other error means the listener died.
func (s *Server) Start() error {
	log.Infof("HTTP API listening on %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Stop drains in-flight requests until the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// logWriter routes the http.Server error log into the agent logger.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	log.Errorf("HTTP server: %s", p)
	return len(p), nil
}
