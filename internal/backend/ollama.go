package backend

import (
	"context"
)

// DefaultOllamaURL is the local Ollama server address
const DefaultOllamaURL = "http://localhost:11434"

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string              `json:"model"`
	Messages []map[string]string `json:"messages"`
	Stream   bool                `json:"stream"`
}

// OllamaResponse represents the response from Ollama API
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// OllamaClient talks to the Ollama chat API
type OllamaClient struct {
	httpBase
	model string
}

// NewOllamaClient creates an Ollama transport
func NewOllamaClient(opts Options) *OllamaClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	model := opts.Model
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaClient{httpBase: newHTTPBase(BackendOllama, baseURL, opts), model: model}
}

func (c *OllamaClient) Ask(ctx context.Context, payload Payload) (string, error) {
	messages := chatMessages(payload)
	if payload.SystemPrompt != "" {
		messages = append([]map[string]string{{"role": "system", "content": payload.SystemPrompt}}, messages...)
	}

	var apiResp OllamaResponse
	err := c.post(ctx, "/api/chat", nil, OllamaRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
	}, &apiResp)
	if err != nil {
		return "", err
	}
	if apiResp.Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return apiResp.Message.Content, nil
}
