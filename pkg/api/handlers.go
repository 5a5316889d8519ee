// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/meterview/meterview/pkg/archive"
	"github.com/meterview/meterview/pkg/camera"
	"github.com/meterview/meterview/pkg/config"
	"github.com/meterview/meterview/pkg/monitor"
	"github.com/meterview/meterview/pkg/reading"
	"github.com/meterview/meterview/pkg/util/log"
	"github.com/meterview/meterview/pkg/vision"
)

type errorResponse struct {
	Status  string `json:"status"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("Cannot write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	writeJSON(w, status, errorResponse{Status: "error", Kind: kind, Message: err.Error()})
}

// writeOperationError maps pipeline failures onto the API contract:
// unknown snapshots are 404, upstream capture and provider failures are
// 502 with their error kind.
func writeOperationError(w http.ResponseWriter, err error) {
	var camErr *camera.Error
	var parseErr *reading.ParseError
	switch {
	case errors.Is(err, archive.ErrNotFound):
		writeError(w, http.StatusNotFound, "SnapshotNotFound", err)
	case errors.As(err, &camErr):
		writeError(w, http.StatusBadGateway, string(camErr.Kind), err)
	case errors.Is(err, vision.ErrRateLimited):
		writeError(w, http.StatusBadGateway, "ProviderRateLimited", err)
	case errors.Is(err, vision.ErrUnavailable):
		writeError(w, http.StatusBadGateway, "VisionUnavailable", err)
	case errors.As(err, &parseErr):
		writeError(w, http.StatusBadGateway, "ParseError", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal", err)
	}
}

// meterOf resolves the {meter} path variable, answering 404 when the meter
// is not configured.
func (s *Server) meterOf(w http.ResponseWriter, r *http.Request) (config.Meter, bool) {
	name := mux.Vars(r)["meter"]
	meter, ok := s.store.Current().GetMeter(name)
	if !ok {
		writeError(w, http.StatusNotFound, "UnknownMeter", fmt.Errorf("no meter named %q", name))
		return config.Meter{}, false
	}
	return meter, true
}

func (s *Server) monitorOf(w http.ResponseWriter, r *http.Request) (*monitor.Monitor, bool) {
	meter, ok := s.meterOf(w, r)
	if !ok {
		return nil, false
	}
	m, ok := s.orch.GetMonitor(meter.Name)
	if !ok {
		writeError(w, http.StatusNotFound, "MeterDisabled", fmt.Errorf("meter %q has no running monitor", meter.Name))
		return nil, false
	}
	return m, true
}

func (s *Server) handleConfigMeters(w http.ResponseWriter, _ *http.Request) {
	// Meter JSON tags omit credentials; nothing else is secret.
	writeJSON(w, http.StatusOK, s.store.Current().Meters)
}

func (s *Server) handleConfigPricing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Current().Pricing)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	meter, ok := s.meterOf(w, r)
	if !ok {
		return
	}
	latest, err := s.writer.QueryLatest(meter.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", err)
		return
	}
	if latest == nil {
		writeError(w, http.StatusNotFound, "NoReadings", fmt.Errorf("meter %q has no readings yet", meter.Name))
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	meter, ok := s.meterOf(w, r)
	if !ok {
		return
	}

	span, err := parseRange(r.URL.Query().Get("range"), 7*24*time.Hour)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err)
		return
	}

	now := time.Now().UTC()
	readings, err := s.writer.QueryRange(meter.Name, now.Add(-span), now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", err)
		return
	}
	// Newest last; callers wanting newest-first reverse client-side.
	if limit > 0 && len(readings) > limit {
		readings = readings[len(readings)-limit:]
	}
	if readings == nil {
		readings = []reading.Reading{}
	}
	writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleConsumption(w http.ResponseWriter, r *http.Request) {
	meter, ok := s.meterOf(w, r)
	if !ok {
		return
	}

	period, err := parseRange(r.URL.Query().Get("period"), 24*time.Hour)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err)
		return
	}
	interval, err := parseInterval(r.URL.Query().Get("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err)
		return
	}

	buckets, err := s.aggregator.Aggregate(meter.Name, period, interval)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	meter, ok := s.meterOf(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err)
		return
	}

	refs, err := s.archive.List(meter.Name, limit, r.URL.Query().Get("before"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", err)
		return
	}
	if refs == nil {
		refs = []archive.Ref{}
	}
	writeJSON(w, http.StatusOK, refs)
}

func (s *Server) handleSnapshotImage(w http.ResponseWriter, r *http.Request) {
	meter, ok := s.meterOf(w, r)
	if !ok {
		return
	}
	img, err := s.archive.GetImage(meter.Name, mux.Vars(r)["id"])
	if err != nil {
		writeOperationError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(img) //nolint:errcheck
}

func (s *Server) handleSnapshotSidecar(w http.ResponseWriter, r *http.Request) {
	meter, ok := s.meterOf(w, r)
	if !ok {
		return
	}
	sidecar, err := s.archive.GetSidecar(meter.Name, mux.Vars(r)["id"])
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sidecar)
}

type captureResponse struct {
	Status   string           `json:"status"`
	NoChange bool             `json:"no_change,omitempty"`
	Reading  *reading.Reading `json:"reading,omitempty"`
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	m, ok := s.monitorOf(w, r)
	if !ok {
		return
	}
	result, err := m.CaptureOnce(r.Context())
	if errors.Is(err, reading.ErrDuplicateCapture) {
		writeJSON(w, http.StatusOK, captureResponse{Status: "ok", NoChange: true})
		return
	}
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, captureResponse{Status: "ok", Reading: result})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	m, ok := s.monitorOf(w, r)
	if !ok {
		return
	}
	result, err := m.Reprocess(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, reading.ErrDuplicateCapture) {
		writeJSON(w, http.StatusOK, captureResponse{Status: "ok", NoChange: true})
		return
	}
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, captureResponse{Status: "ok", Reading: result})
}

// handleStream proxies the camera's MJPEG stream for the live-preview pane.
// The copy runs until the client or the camera hangs up.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	meter, ok := s.meterOf(w, r)
	if !ok {
		return
	}
	resp, err := s.camera.Stream(r.Context(), meter)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "multipart/x-mixed-replace"
	}
	w.Header().Set("Content-Type", contentType)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Debugf("Stream for meter %s ended: %v", meter.Name, err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"meters":          s.orch.Status(),
		"pending_replays": s.writer.PendingReplays(),
	})
}

// parseRange understands Go durations plus a "d" day suffix, with an
// optional leading minus ("-7d" and "7d" mean the same lookback).
func parseRange(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	raw = strings.TrimPrefix(raw, "-")
	if strings.HasSuffix(raw, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("bad range %q", raw)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("bad range %q", raw)
	}
	return d, nil
}

// parseInterval accepts the named buckets plus raw durations.
func parseInterval(raw string) (time.Duration, error) {
	switch raw {
	case "", "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	case "minute":
		return time.Minute, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("bad interval %q", raw)
	}
	return d, nil
}

func parseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad limit %q", raw)
	}
	return n, nil
}
