package backend

import (
	"context"
	"fmt"
)

// DefaultAskURL is where the assistant service listens by default
const DefaultAskURL = "http://127.0.0.1:8000"

// AskRequest represents the request body for the ask endpoint
type AskRequest struct {
	Message      string `json:"message"`
	SystemPrompt string `json:"system_prompt"`
}

// AskResponse represents the response from the ask endpoint
type AskResponse struct {
	Response *string `json:"response"`
}

// AskClient talks to the single POST /ask endpoint
type AskClient struct {
	httpBase
}

// NewAskClient creates a client for the ask endpoint
func NewAskClient(opts Options) *AskClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultAskURL
	}
	return &AskClient{httpBase: newHTTPBase(BackendAsk, baseURL, opts)}
}

// Ask sends only the latest user message; the endpoint keeps no history
func (c *AskClient) Ask(ctx context.Context, payload Payload) (string, error) {
	systemPrompt := payload.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	var apiResp AskResponse
	err := c.post(ctx, "/ask", nil, AskRequest{
		Message:      payload.Message,
		SystemPrompt: systemPrompt,
	}, &apiResp)
	if err != nil {
		return "", err
	}
	if apiResp.Response == nil {
		return "", fmt.Errorf("malformed response: %w", ErrEmptyResponse)
	}
	return *apiResp.Response, nil
}
