package backend

import (
	"context"
	"fmt"
)

// AnthropicRequest represents the request body for Anthropic API
type AnthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []AnthropicMessage `json:"messages"`
}

// AnthropicMessage represents a message in the conversation
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicContent represents a content block of a response
type AnthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// AnthropicResponse represents the response from Anthropic API
type AnthropicResponse struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Role         string                 `json:"role"`
	Content      []AnthropicContent     `json:"content"`
	Model        string                 `json:"model"`
	StopReason   string                 `json:"stop_reason"`
	StopSequence string                 `json:"stop_sequence"`
	Usage        map[string]interface{} `json:"usage"`
}

// AnthropicClient talks to the Anthropic messages API
type AnthropicClient struct {
	httpBase
	model  string
	apiKey string
}

// NewAnthropicClient creates an Anthropic transport
func NewAnthropicClient(opts Options) *AnthropicClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	model := opts.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicClient{
		httpBase: newHTTPBase(BackendAnthropic, baseURL, opts),
		model:    model,
		apiKey:   opts.APIKey,
	}
}

func (c *AnthropicClient) Ask(ctx context.Context, payload Payload) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	reqMessages := make([]AnthropicMessage, 0, len(payload.History)+1)
	for _, msg := range payload.History {
		reqMessages = append(reqMessages, AnthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	reqMessages = append(reqMessages, AnthropicMessage{Role: "user", Content: payload.Message})

	var apiResp AnthropicResponse
	err := c.post(ctx, "/v1/messages", map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": "2023-06-01",
	}, AnthropicRequest{
		Model:     c.model,
		MaxTokens: 1024,
		System:    payload.SystemPrompt,
		Messages:  reqMessages,
	}, &apiResp)
	if err != nil {
		return "", err
	}

	c.recordUsage(ctx, apiResp.Usage)

	for _, content := range apiResp.Content {
		if content.Type == "text" {
			return content.Text, nil
		}
	}
	return "", ErrEmptyResponse
}
