package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"AskChat/internal/session"
)

const (
	BackendAsk       = "ask"
	BackendOllama    = "ollama"
	BackendAnthropic = "anthropic"
	BackendGrok      = "grok"
	BackendOpenAI    = "openai"
)

// DefaultSystemPrompt is sent with every request unless configured otherwise
const DefaultSystemPrompt = "You are a helpful assistant."

// ErrEmptyResponse is returned when the service answered without any text
var ErrEmptyResponse = errors.New("empty response from assistant")

// Payload is the context handed to the assistant service for one turn
type Payload struct {
	Message      string            `json:"message"`
	SystemPrompt string            `json:"system_prompt"`
	History      []session.Message `json:"history,omitempty"` // prior turns, oldest first
}

// Transport performs one request/response exchange with the assistant service.
// Implementations must abort when ctx is cancelled.
type Transport interface {
	Ask(ctx context.Context, payload Payload) (string, error)
	Name() string
}

// Options configures the HTTP transports
type Options struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration // 0 waits indefinitely
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Meter   metric.Meter
}

// New creates the transport registered under name
func New(name string, opts Options) (Transport, error) {
	switch name {
	case "", BackendAsk:
		return NewAskClient(opts), nil
	case BackendOllama:
		return NewOllamaClient(opts), nil
	case BackendOpenAI, BackendGrok:
		return NewOpenAIClient(name, opts), nil
	case BackendAnthropic:
		return NewAnthropicClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", name)
	}
}

// Names lists the supported backends
func Names() []string {
	return []string{BackendAsk, BackendOllama, BackendAnthropic, BackendGrok, BackendOpenAI}
}

// httpBase holds what every HTTP transport shares
type httpBase struct {
	name     string
	http     *resty.Client
	logger   *slog.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	duration metric.Float64Histogram
}

func newHTTPBase(name, baseURL string, opts Options) httpBase {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("askchat")
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter("askchat")
	}
	histogram, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		logger.Warn("failed to create histogram", "error", err)
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "AskChat/1.0").
		SetRetryCount(0)
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}

	return httpBase{
		name:     name,
		http:     client,
		logger:   logger,
		tracer:   tracer,
		meter:    meter,
		duration: histogram,
	}
}

func (b *httpBase) Name() string {
	return b.name
}

// post sends body to path and decodes a 2xx JSON answer into result
func (b *httpBase) post(ctx context.Context, path string, headers map[string]string, body, result any) error {
	ctx, span := b.tracer.Start(ctx, b.name+"_api_call", trace.WithAttributes(
		attribute.String("backend", b.name),
	))
	defer span.End()

	start := time.Now()
	resp, err := b.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		SetResult(result).
		Post(path)
	if b.duration != nil {
		b.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("backend", b.name)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("failed to send request: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))
	if resp.IsError() {
		span.SetStatus(codes.Error, resp.Status())
		return fmt.Errorf("API error: %s - %s", resp.Status(), resp.String())
	}
	return nil
}

// recordUsage records token usage reported by the service as counters
func (b *httpBase) recordUsage(ctx context.Context, usage map[string]interface{}) {
	for key, value := range usage {
		n, ok := value.(float64)
		if !ok {
			continue
		}
		counter, err := b.meter.Int64Counter(
			fmt.Sprintf("llm.usage.%s", key),
			metric.WithDescription(fmt.Sprintf("LLM usage metric: %s", key)),
		)
		if err != nil {
			b.logger.Warn("failed to create counter", "key", key, "error", err)
			continue
		}
		counter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("backend", b.name)))
	}
}

// chatMessages flattens history plus the new user turn into role/content maps
func chatMessages(payload Payload) []map[string]string {
	out := make([]map[string]string, 0, len(payload.History)+1)
	for _, msg := range payload.History {
		out = append(out, map[string]string{"role": msg.Role, "content": msg.Content})
	}
	return append(out, map[string]string{"role": session.RoleUser, "content": payload.Message})
}
