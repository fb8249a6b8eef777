package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const openAIEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAIProvider calls the OpenAI chat-completions API.
type OpenAIProvider struct {
	apiKey string
	model  string
	client *http.Client
}

// NewOpenAIProvider creates an OpenAI-backed provider.
func NewOpenAIProvider(apiKey string, client *http.Client) *OpenAIProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAIProvider{apiKey: apiKey, model: "gpt-4o-mini", client: client}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete issues one chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, prompt string, params Params) (string, error) {
	body, err := json.Marshal(openAIRequest{
		Model:       p.model,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build openai request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", transientf(fmt.Errorf("openai request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", transientf(fmt.Errorf("failed to read openai response: %w", err))
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", transientf(fmt.Errorf("openai returned status %d", resp.StatusCode))
	}

	var out openAIResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("failed to decode openai response: %w", err)
	}
	if out.Error != nil {
		if out.Error.Code == "content_filter" || out.Error.Type == "invalid_request_error" && out.Error.Code == "content_policy_violation" {
			return "", fmt.Errorf("%w: %s", errRefused, out.Error.Message)
		}
		return "", fmt.Errorf("openai error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	if out.Choices[0].FinishReason == "content_filter" {
		return "", fmt.Errorf("%w: completion stopped by content filter", errRefused)
	}
	return out.Choices[0].Message.Content, nil
}
