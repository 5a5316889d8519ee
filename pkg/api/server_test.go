// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterview/meterview/pkg/archive"
	"github.com/meterview/meterview/pkg/camera"
	"github.com/meterview/meterview/pkg/config"
	"github.com/meterview/meterview/pkg/consumption"
	"github.com/meterview/meterview/pkg/orchestrator"
	"github.com/meterview/meterview/pkg/reading"
	"github.com/meterview/meterview/pkg/timeseries"
)

const testMeters = `
meters:
  - name: water_main
    type: water
    unit: gallons
    enabled: true
    reading_interval_seconds: 300
    max_change_per_reading: 50
    camera:
      endpoint_url: http://127.0.0.1:1/snapshot.jpg
      endpoint_kind: still
      auth:
        kind: basic
        user: camuser
        pass: camsecret
    vision:
      primary:
        provider: gemini
        model: flash
        prompt_profile: simple_water
`

const testPricing = `
water:
  currency: USD
  rate_per_unit: 0.004
`

type testAPI struct {
	srv     *httptest.Server
	writer  *timeseries.Writer
	archive *archive.Archive
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	dir := t.TempDir()
	metersPath := filepath.Join(dir, "meters.yaml")
	pricingPath := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(metersPath, []byte(testMeters), 0o644))
	require.NoError(t, os.WriteFile(pricingPath, []byte(testPricing), 0o644))

	store, err := config.NewStore(metersPath, pricingPath)
	require.NoError(t, err)
	arc, err := archive.Open(dir)
	require.NoError(t, err)
	writer, err := timeseries.NewWriter(dir, config.Settings{})
	require.NoError(t, err)
	t.Cleanup(writer.Close)

	cam := camera.NewClient()
	orch := orchestrator.New(store, cam, arc, writer)
	s := NewServer("127.0.0.1:0", store, writer, arc, consumption.New(writer), orch, cam)

	api := &testAPI{
		srv:     httptest.NewServer(s.srv.Handler),
		writer:  writer,
		archive: arc,
	}
	t.Cleanup(api.srv.Close)
	return api
}

func (a *testAPI) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(a.srv.URL + path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func (a *testAPI) post(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(a.srv.URL+path, "application/json", nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func (a *testAPI) seedReadings(t *testing.T, n int) []reading.Reading {
	t.Helper()
	base := time.Now().UTC().Add(-time.Duration(n) * time.Hour)
	out := make([]reading.Reading, 0, n)
	for i := 0; i < n; i++ {
		r := &reading.Reading{
			SchemaVersion: reading.SchemaVersion,
			MeterName:     "water_main",
			Timestamp:     base.Add(time.Duration(i) * time.Hour),
			Total:         float64(1000 + i),
			Confidence:    reading.ConfidenceHigh,
		}
		require.NoError(t, a.writer.Append(context.Background(), r))
		out = append(out, *r)
	}
	return out
}

func TestConfigMetersRedactsCredentials(t *testing.T) {
	api := newTestAPI(t)
	resp, body := api.get(t, "/api/config/meters")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "water_main")
	assert.NotContains(t, string(body), "camuser")
	assert.NotContains(t, string(body), "camsecret")
}

func TestConfigPricing(t *testing.T) {
	api := newTestAPI(t)
	resp, body := api.get(t, "/api/config/pricing")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &doc))
	water := doc["water"].(map[string]interface{})
	assert.Equal(t, "USD", water["currency"])
}

func TestLatest(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.get(t, "/api/latest/water_main")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "NoReadings")

	api.seedReadings(t, 3)
	resp, body = api.get(t, "/api/latest/water_main")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var r reading.Reading
	require.NoError(t, json.Unmarshal(body, &r))
	assert.Equal(t, 1002.0, r.Total)
}

func TestUnknownMeter(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{
		"/api/latest/nope",
		"/api/history/nope",
		"/api/consumption/nope",
		"/api/snapshots/nope",
	} {
		resp, body := api.get(t, path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		var e errorResponse
		require.NoError(t, json.Unmarshal(body, &e), path)
		assert.Equal(t, "error", e.Status)
		assert.Equal(t, "UnknownMeter", e.Kind)
	}
}

func TestHistory(t *testing.T) {
	api := newTestAPI(t)
	api.seedReadings(t, 5)

	resp, body := api.get(t, "/api/history/water_main?range=24h")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out []reading.Reading
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out, 5)
	// Oldest first.
	assert.Equal(t, 1000.0, out[0].Total)
	assert.Equal(t, 1004.0, out[4].Total)

	// Limit keeps the newest entries.
	resp, body = api.get(t, "/api/history/water_main?range=24h&limit=2")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out, 2)
	assert.Equal(t, 1003.0, out[0].Total)

	// Day-suffixed ranges parse.
	resp, _ = api.get(t, "/api/history/water_main?range=7d")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = api.get(t, "/api/history/water_main?range=yesterday")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "BadRequest")
}

func TestHistoryEmptyIsArray(t *testing.T) {
	api := newTestAPI(t)
	resp, body := api.get(t, "/api/history/water_main")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]", string(body[:2]))
}

func TestConsumption(t *testing.T) {
	api := newTestAPI(t)
	api.seedReadings(t, 5)

	resp, body := api.get(t, "/api/consumption/water_main?period=6h&interval=hour")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var buckets []consumption.Bucket
	require.NoError(t, json.Unmarshal(body, &buckets))
	assert.Len(t, buckets, 6)

	resp, _ = api.get(t, "/api/consumption/water_main?interval=fortnight")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSnapshots(t *testing.T) {
	api := newTestAPI(t)

	ts := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	r := &reading.Reading{SchemaVersion: reading.SchemaVersion, MeterName: "water_main", Timestamp: ts, Total: 1000, Confidence: reading.ConfidenceHigh}
	image := []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}
	ref, err := api.archive.Put("water_main", image, r, `{"x":1}`, "http://cam/x.jpg")
	require.NoError(t, err)

	resp, body := api.get(t, "/api/snapshots/water_main")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var refs []archive.Ref
	require.NoError(t, json.Unmarshal(body, &refs))
	require.Len(t, refs, 1)
	assert.Equal(t, ref.ID, refs[0].ID)

	resp, body = api.get(t, fmt.Sprintf("/api/snapshot/water_main/%s/image", ref.ID))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, image, body)

	resp, body = api.get(t, fmt.Sprintf("/api/snapshot/water_main/%s/sidecar", ref.ID))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var sc archive.Sidecar
	require.NoError(t, json.Unmarshal(body, &sc))
	assert.Equal(t, 1000.0, sc.Total)
	assert.Equal(t, len(image), sc.ImageSize)

	resp, body = api.get(t, "/api/snapshot/water_main/water_main_19990101T000000Z/image")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "SnapshotNotFound")
}

func TestCaptureWithoutMonitor(t *testing.T) {
	api := newTestAPI(t)
	// The orchestrator was never started, so no monitor is running.
	resp, body := api.post(t, "/api/capture/water_main")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "MeterDisabled")

	resp, body = api.post(t, "/api/reprocess/water_main/some_id")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "MeterDisabled")
}

func TestStatus(t *testing.T) {
	api := newTestAPI(t)
	resp, body := api.get(t, "/api/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "ok", doc["status"])
	assert.Equal(t, 0.0, doc["pending_replays"])
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	resp, body := api.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	resp, _ := api.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)
	resp, body := api.post(t, "/api/latest/water_main")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "error", errResp.Status)
	assert.Equal(t, "MethodNotAllowed", errResp.Kind)
}

func TestParseRange(t *testing.T) {
	d, err := parseRange("", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	for raw, want := range map[string]time.Duration{
		"7d":   7 * 24 * time.Hour,
		"-7d":  7 * 24 * time.Hour,
		"36h":  36 * time.Hour,
		"-90m": 90 * time.Minute,
	} {
		d, err := parseRange(raw, 0)
		require.NoError(t, err, raw)
		assert.Equal(t, want, d, raw)
	}

	for _, raw := range []string{"0d", "-0h", "x", "7w"} {
		_, err := parseRange(raw, 0)
		assert.Error(t, err, raw)
	}
}

func TestParseInterval(t *testing.T) {
	for raw, want := range map[string]time.Duration{
		"":       time.Hour,
		"hour":   time.Hour,
		"day":    24 * time.Hour,
		"minute": time.Minute,
		"15m":    15 * time.Minute,
	} {
		d, err := parseInterval(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, d, raw)
	}
	_, err := parseInterval("fortnight")
	assert.Error(t, err)
}
