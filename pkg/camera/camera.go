// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package camera fetches single JPEG frames from meter cameras, either from
// still-image endpoints or as the first complete frame of an MJPEG stream.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/meterview/meterview/pkg/config"
	"github.com/meterview/meterview/pkg/util/log"
)

// maxImageBytes caps a single frame; meter cameras produce frames well
// under this.
const maxImageBytes = 16 << 20

// ErrorKind classifies camera failures for backoff accounting and the API.
type ErrorKind string

// Camera error kinds.
const (
	KindTimeout      ErrorKind = "Timeout"
	KindHTTPStatus   ErrorKind = "HTTPStatus"
	KindInvalidImage ErrorKind = "InvalidImage"
	KindNetworkError ErrorKind = "NetworkError"
)

// Error is a camera-layer failure. All kinds are retryable and count toward
// the per-meter backoff.
type Error struct {
	Kind   ErrorKind
	Status int // set for KindHTTPStatus
	Err    error
}

func (e *Error) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("camera: unexpected HTTP status %d", e.Status)
	}
	return fmt.Sprintf("camera: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client fetches frames from camera endpoints. The zero timeout on the
// underlying http.Client is deliberate: deadlines are per meter, via context.
type Client struct {
	httpClient *http.Client
}

// NewClient returns a camera client.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				// One connection per capture; cameras dislike keep-alive.
				DisableKeepAlives: true,
			},
		},
	}
}

// Fetch grabs one JPEG frame from the meter's camera, applying the
// configured rotation. The meter's timeout_ms bounds the whole operation.
func (c *Client) Fetch(ctx context.Context, meter config.Meter) ([]byte, error) {
	cam := meter.Camera
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cam.TimeoutMs)*time.Millisecond)
	defer cancel()

	resp, err := c.open(ctx, cam)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var frame []byte
	switch cam.EndpointKind {
	case config.EndpointMJPEG:
		frame, err = firstJPEGFrame(io.LimitReader(resp.Body, maxImageBytes))
	default:
		frame, err = readStill(io.LimitReader(resp.Body, maxImageBytes))
	}
	if err != nil {
		return nil, classify(err)
	}

	if cam.RotationDeg != 0 {
		rotated, err := rotateJPEG(frame, cam.RotationDeg)
		if err != nil {
			return nil, &Error{Kind: KindInvalidImage, Err: err}
		}
		frame = rotated
	}

	log.Debugf("Captured %d bytes from camera for meter %s", len(frame), meter.Name)
	return frame, nil
}

// Stream opens the camera's MJPEG endpoint and returns the raw response for
// proxying. The caller owns the body. Still endpoints cannot be streamed.
func (c *Client) Stream(ctx context.Context, meter config.Meter) (*http.Response, error) {
	if meter.Camera.EndpointKind != config.EndpointMJPEG {
		return nil, &Error{Kind: KindInvalidImage, Err: errors.New("meter camera is not an mjpeg endpoint")}
	}
	return c.open(ctx, meter.Camera)
}

func (c *Client) open(ctx context.Context, cam config.CameraConfig) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cam.EndpointURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindNetworkError, Err: err}
	}
	if cam.Auth.Kind == "basic" {
		req.SetBasicAuth(cam.Auth.User, cam.Auth.Pass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &Error{Kind: KindHTTPStatus, Status: resp.StatusCode}
	}
	return resp, nil
}

// classify buckets transport errors into Timeout vs NetworkError.
func classify(err error) error {
	var camErr *Error
	if errors.As(err, &camErr) {
		return camErr
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindNetworkError, Err: err}
}

func readStill(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if !isJPEG(body) {
		return nil, &Error{Kind: KindInvalidImage, Err: errors.New("body does not start with JPEG magic bytes")}
	}
	return body, nil
}
