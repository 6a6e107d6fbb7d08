package backend

import (
	"context"
	"fmt"
)

// OpenAIRequest represents the request body for OpenAI-compatible APIs
type OpenAIRequest struct {
	Model    string              `json:"model"`
	Messages []map[string]string `json:"messages"`
}

// OpenAIResponse represents the response from OpenAI-compatible APIs
type OpenAIResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]interface{} `json:"usage"`
}

// OpenAIClient talks to OpenAI-compatible chat completion APIs (OpenAI, Grok)
type OpenAIClient struct {
	httpBase
	model  string
	apiKey string
}

// NewOpenAIClient creates an OpenAI-compatible transport; name selects defaults
func NewOpenAIClient(name string, opts Options) *OpenAIClient {
	baseURL, model := "https://api.openai.com", "gpt-3.5-turbo"
	if name == BackendGrok {
		baseURL, model = "https://api.grok.x.ai", "grok-1"
	}
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}
	if opts.Model != "" {
		model = opts.Model
	}
	return &OpenAIClient{
		httpBase: newHTTPBase(name, baseURL, opts),
		model:    model,
		apiKey:   opts.APIKey,
	}
}

func (c *OpenAIClient) Ask(ctx context.Context, payload Payload) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("%s API key not set", c.name)
	}
	messages := chatMessages(payload)
	if payload.SystemPrompt != "" {
		messages = append([]map[string]string{{"role": "system", "content": payload.SystemPrompt}}, messages...)
	}

	var apiResp OpenAIResponse
	err := c.post(ctx, "/v1/chat/completions", map[string]string{
		"Authorization": "Bearer " + c.apiKey,
	}, OpenAIRequest{Model: c.model, Messages: messages}, &apiResp)
	if err != nil {
		return "", err
	}
	c.recordUsage(ctx, apiResp.Usage)

	if len(apiResp.Choices) > 0 {
		return apiResp.Choices[0].Message.Content, nil
	}
	return "", ErrEmptyResponse
}
