// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package vision abstracts the image-to-reading model services. Every
// backend takes a JPEG frame and a prompt profile and returns the model's
// raw JSON text plus usage accounting; parsing happens elsewhere.
package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/meterview/meterview/pkg/config"
)

// callDeadline is the hard per-call deadline applied on top of whatever the
// caller's context carries.
const callDeadline = 60 * time.Second

// Raw is the uniform result shape across providers.
type Raw struct {
	JSONText  string
	TokensIn  int
	TokensOut int
	Model     string
	Provider  string
}

// Provider reads a meter image through one model backend.
type Provider interface {
	// Name returns the provider identifier used in configs and readings.
	Name() string
	// Read sends the frame to the given model with the profile's prompt.
	Read(ctx context.Context, image []byte, model, promptProfile string) (*Raw, error)
}

// ErrUnavailable means every configured provider failed for a cycle.
var ErrUnavailable = errors.New("vision: no provider available")

// ErrRateLimited marks provider 429 responses so the caller can distinguish
// quota pressure from hard failures.
var ErrRateLimited = errors.New("vision: rate limited")

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Provider string
	Status   int
	Body     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("vision: %s returned HTTP %d: %s", e.Provider, e.Status, e.Body)
}

// Is lets errors.Is match rate-limit responses through the HTTPError.
func (e *HTTPError) Is(target error) bool {
	return target == ErrRateLimited && e.Status == http.StatusTooManyRequests
}

// New builds the provider for a configured vision target. The API key is
// read from the provider's environment variable at construction so a missing
// key fails at startup.
func New(target config.VisionTarget) (Provider, error) {
	switch target.Provider {
	case "gemini":
		return newGemini()
	case "claude":
		return newClaude()
	case "openai":
		return newOpenAI()
	default:
		return nil, fmt.Errorf("vision: unknown provider %q", target.Provider)
	}
}

func requireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("vision: %s is not set", key)
	}
	return v, nil
}

func newHTTPClient() *http.Client {
	// No client-level timeout; Read applies callDeadline per request.
	return &http.Client{}
}

func callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, callDeadline)
}
