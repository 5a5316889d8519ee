// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package camera

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterview/meterview/pkg/config"
)

func makeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	buf := bytes.NewBuffer(nil)
	require.NoError(t, jpeg.Encode(buf, img, nil))
	return buf.Bytes()
}

func stillMeter(url string) config.Meter {
	return config.Meter{
		Name: "m1",
		Camera: config.CameraConfig{
			EndpointURL:  url,
			EndpointKind: config.EndpointStill,
			Auth:         config.AuthConfig{Kind: "none"},
			TimeoutMs:    5000,
		},
	}
}

func TestFetchStill(t *testing.T) {
	frame := makeJPEG(t, 4, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(frame) //nolint:errcheck
	}))
	defer srv.Close()

	got, err := NewClient().Fetch(context.Background(), stillMeter(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestFetchStillNotJPEG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html>login required</html>")) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewClient().Fetch(context.Background(), stillMeter(srv.URL))
	require.Error(t, err)
	var camErr *Error
	require.ErrorAs(t, err, &camErr)
	assert.Equal(t, KindInvalidImage, camErr.Kind)
}

func TestFetchHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient().Fetch(context.Background(), stillMeter(srv.URL))
	var camErr *Error
	require.ErrorAs(t, err, &camErr)
	assert.Equal(t, KindHTTPStatus, camErr.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, camErr.Status)
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	// Unblock the handler before srv.Close waits on it.
	defer close(release)

	meter := stillMeter(srv.URL)
	meter.Camera.TimeoutMs = 50

	start := time.Now()
	_, err := NewClient().Fetch(context.Background(), meter)
	var camErr *Error
	require.ErrorAs(t, err, &camErr)
	assert.Equal(t, KindTimeout, camErr.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchBasicAuth(t *testing.T) {
	frame := makeJPEG(t, 2, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write(frame) //nolint:errcheck
	}))
	defer srv.Close()

	meter := stillMeter(srv.URL)
	meter.Camera.Auth = config.AuthConfig{Kind: "basic", User: "admin", Pass: "secret"}
	_, err := NewClient().Fetch(context.Background(), meter)
	require.NoError(t, err)

	// Without credentials the endpoint answers 401.
	_, err = NewClient().Fetch(context.Background(), stillMeter(srv.URL))
	var camErr *Error
	require.ErrorAs(t, err, &camErr)
	assert.Equal(t, KindHTTPStatus, camErr.Kind)
	assert.Equal(t, http.StatusUnauthorized, camErr.Status)
}

func TestFetchMJPEGFirstFrame(t *testing.T) {
	frame := makeJPEG(t, 4, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")) //nolint:errcheck
		w.Write(frame)                                                 //nolint:errcheck
		w.Write([]byte("\r\n--frame\r\n"))                             //nolint:errcheck
		w.Write(frame)                                                 //nolint:errcheck
	}))
	defer srv.Close()

	meter := stillMeter(srv.URL)
	meter.Camera.EndpointKind = config.EndpointMJPEG
	got, err := NewClient().Fetch(context.Background(), meter)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestStreamRequiresMJPEG(t *testing.T) {
	_, err := NewClient().Stream(context.Background(), stillMeter("http://cam/x.jpg"))
	var camErr *Error
	require.ErrorAs(t, err, &camErr)
	assert.Equal(t, KindInvalidImage, camErr.Kind)
}

func TestFirstJPEGFrame(t *testing.T) {
	frame := append(append([]byte{0xFF, 0xD8}, []byte{0x01, 0x02, 0x03}...), 0xFF, 0xD9)
	stream := append([]byte("--boundary junk "), frame...)
	stream = append(stream, []byte(" trailing")...)

	got, err := firstJPEGFrame(bytes.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestFirstJPEGFrameTruncated(t *testing.T) {
	_, err := firstJPEGFrame(bytes.NewReader([]byte{0xFF, 0xD8, 0x01, 0x02}))
	var camErr *Error
	require.ErrorAs(t, err, &camErr)
	assert.Equal(t, KindInvalidImage, camErr.Kind)
}

func TestRotateJPEG(t *testing.T) {
	frame := makeJPEG(t, 4, 2)

	for degrees, want := range map[int][2]int{
		90:  {2, 4},
		180: {4, 2},
		270: {2, 4},
	} {
		rotated, err := rotateJPEG(frame, degrees)
		require.NoError(t, err)
		img, err := jpeg.Decode(bytes.NewReader(rotated))
		require.NoError(t, err)
		assert.Equal(t, want[0], img.Bounds().Dx(), "rotation %d", degrees)
		assert.Equal(t, want[1], img.Bounds().Dy(), "rotation %d", degrees)
	}

	_, err := rotateJPEG(frame, 45)
	require.Error(t, err)
}
