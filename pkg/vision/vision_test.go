// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package vision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterview/meterview/pkg/config"
)

func TestPromptFor(t *testing.T) {
	for _, profile := range config.PromptProfiles {
		p, err := PromptFor(profile)
		require.NoError(t, err, profile)
		assert.Contains(t, p, "JSON", profile)
	}
	_, err := PromptFor("nope")
	require.Error(t, err)
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(config.VisionTarget{Provider: "palm", Model: "x"})
	require.Error(t, err)
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	_, err := New(config.VisionTarget{Provider: "gemini", Model: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")
}

func TestHTTPErrorRateLimited(t *testing.T) {
	err := &HTTPError{Provider: "claude", Status: http.StatusTooManyRequests, Body: "quota"}
	assert.ErrorIs(t, err, ErrRateLimited)

	err = &HTTPError{Provider: "claude", Status: http.StatusInternalServerError}
	assert.NotErrorIs(t, err, ErrRateLimited)
}

func openaiTestProvider(t *testing.T, baseURL string) Provider {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("OPENAI_BASE_URL", baseURL)
	p, err := newOpenAI()
	require.NoError(t, err)
	return p
}

func TestOpenAIRead(t *testing.T) {
	var gotAuth string
	var gotReq openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": `{"odometer_value": 42, "confidence": "high"}`}},
			},
			"usage": map[string]int{"prompt_tokens": 310, "completion_tokens": 25},
		})
	}))
	defer srv.Close()

	p := openaiTestProvider(t, srv.URL)
	raw, err := p.Read(context.Background(), []byte{0xFF, 0xD8}, "gpt-4o-mini", "simple_water")
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
	require.Len(t, gotReq.Messages, 1)
	require.Len(t, gotReq.Messages[0].Content, 2)
	assert.Equal(t, "text", gotReq.Messages[0].Content[0].Type)
	assert.Contains(t, gotReq.Messages[0].Content[0].Text, "odometer_value")
	require.NotNil(t, gotReq.Messages[0].Content[1].ImageURL)
	assert.True(t, strings.HasPrefix(gotReq.Messages[0].Content[1].ImageURL.URL, "data:image/jpeg;base64,"))

	assert.Equal(t, `{"odometer_value": 42, "confidence": "high"}`, raw.JSONText)
	assert.Equal(t, 310, raw.TokensIn)
	assert.Equal(t, 25, raw.TokensOut)
	assert.Equal(t, "openai", raw.Provider)
	assert.Equal(t, "gpt-4o-mini", raw.Model)
}

func TestOpenAIReadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": "rate limit"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	p := openaiTestProvider(t, srv.URL)
	_, err := p.Read(context.Background(), []byte{0xFF, 0xD8}, "gpt-4o-mini", "simple_water")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.Status)
}

func TestOpenAIReadUnknownProfile(t *testing.T) {
	p := openaiTestProvider(t, "http://127.0.0.1:1")
	_, err := p.Read(context.Background(), []byte{0xFF, 0xD8}, "gpt-4o-mini", "nope")
	require.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abcde...", truncate("abcdefgh", 5))
}
