// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

const openaiDefaultBaseURL = "https://api.openai.com/v1"

// openaiProvider also serves OpenAI-compatible local endpoints (ollama,
// llama.cpp server) via OPENAI_BASE_URL.
type openaiProvider struct {
	apiKey string
	client *http.Client
	base   string
}

func newOpenAI() (Provider, error) {
	key, err := requireEnv("OPENAI_API_KEY")
	if err != nil {
		return nil, err
	}
	base := os.Getenv("OPENAI_BASE_URL")
	if base == "" {
		base = openaiDefaultBaseURL
	}
	return &openaiProvider{apiKey: key, client: newHTTPClient(), base: base}, nil
}

func (o *openaiProvider) Name() string { return "openai" }

type openaiRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Messages  []openaiMessage `json:"messages"`
}

type openaiMessage struct {
	Role    string       `json:"role"`
	Content []openaiPart `json:"content"`
}

type openaiPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (o *openaiProvider) Read(ctx context.Context, image []byte, model, promptProfile string) (*Raw, error) {
	prompt, err := PromptFor(promptProfile)
	if err != nil {
		return nil, err
	}

	imgPart := openaiPart{Type: "image_url"}
	imgPart.ImageURL = &struct {
		URL string `json:"url"`
	}{URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)}

	reqBody := openaiRequest{
		Model:     model,
		MaxTokens: 1024,
		Messages: []openaiMessage{{
			Role:    "user",
			Content: []openaiPart{{Type: "text", Text: prompt}, imgPart},
		}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	ctx, cancel := callContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.base+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vision: openai request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{Provider: "openai", Status: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	var parsed openaiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("vision: openai response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("vision: openai returned no choices")
	}

	return &Raw{
		JSONText:  parsed.Choices[0].Message.Content,
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
		Model:     model,
		Provider:  "openai",
	}, nil
}
