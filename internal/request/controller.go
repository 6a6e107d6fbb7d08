package request

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"AskChat/internal/backend"
)

// Status is the settlement of a call
type Status int

const (
	Success Status = iota
	Failure
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is what a call settled with. Reply is set for Success, Err for Failure.
type Result struct {
	Status Status
	Reply  string
	Err    error
}

// Call is one outbound request issued on a channel
type Call struct {
	channel string
	seq     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	result  Result

	// guarded by the controller mutex
	abandoned bool
}

// Done is closed once the call settled
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call settled and returns its result
func (c *Call) Wait() Result {
	<-c.done
	return c.result
}

// Channel returns the channel the call was issued on
func (c *Call) Channel() string {
	return c.channel
}

// Controller keeps at most one call in flight per channel.
// Issuing on a channel cancels the call already running there.
type Controller struct {
	transport backend.Transport
	timeout   time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer

	issued    metric.Int64Counter
	cancelled metric.Int64Counter
	failed    metric.Int64Counter

	inflight map[string]*Call
	seq      uint64
	mu       sync.Mutex
}

// Option configures a Controller
type Option func(*Controller)

// WithTimeout bounds every call; a timed out call settles as Failure
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithTelemetry sets the tracer and meter used for spans and counters
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(c *Controller) {
		c.tracer = tracer
		c.initMetrics(meter)
	}
}

// NewController creates a controller sending through transport
func NewController(transport backend.Transport, opts ...Option) *Controller {
	c := &Controller{
		transport: transport,
		logger:    slog.Default(),
		tracer:    otel.Tracer("askchat"),
		inflight:  make(map[string]*Call),
	}
	c.initMetrics(otel.Meter("askchat"))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) initMetrics(meter metric.Meter) {
	var err error
	if c.issued, err = meter.Int64Counter("chat.request.issued",
		metric.WithDescription("Requests issued to the assistant service")); err != nil {
		c.logger.Warn("failed to create counter", "name", "chat.request.issued", "error", err)
	}
	if c.cancelled, err = meter.Int64Counter("chat.request.cancelled",
		metric.WithDescription("Requests superseded or torn down before settling")); err != nil {
		c.logger.Warn("failed to create counter", "name", "chat.request.cancelled", "error", err)
	}
	if c.failed, err = meter.Int64Counter("chat.request.failed",
		metric.WithDescription("Requests that settled with an error")); err != nil {
		c.logger.Warn("failed to create counter", "name", "chat.request.failed", "error", err)
	}
}

// Issue cancels any call outstanding on channel, then starts a new one and
// returns without waiting for it.
func (c *Controller) Issue(ctx context.Context, channel string, payload backend.Payload) *Call {
	callCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if prev := c.inflight[channel]; prev != nil {
		prev.abandoned = true
		prev.cancel()
		c.logger.Info("superseded in-flight request", "channel", channel, "seq", prev.seq)
	}
	c.seq++
	call := &Call{
		channel: channel,
		seq:     c.seq,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.inflight[channel] = call
	c.mu.Unlock()

	add(callCtx, c.issued, channel)
	go c.run(callCtx, call, payload)
	return call
}

// Do issues a call and waits for it
func (c *Controller) Do(ctx context.Context, channel string, payload backend.Payload) Result {
	return c.Issue(ctx, channel, payload).Wait()
}

// Cancel abandons the call outstanding on channel, if any
func (c *Controller) Cancel(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if call := c.inflight[channel]; call != nil {
		call.abandoned = true
		call.cancel()
		delete(c.inflight, channel)
		c.logger.Info("cancelled in-flight request", "channel", channel, "seq", call.seq)
	}
}

// Pending reports whether a call is outstanding on channel
func (c *Controller) Pending(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[channel] != nil
}

func (c *Controller) run(ctx context.Context, call *Call, payload backend.Payload) {
	defer close(call.done)
	defer call.cancel()

	ctx, span := c.tracer.Start(ctx, "chat_request", trace.WithAttributes(
		attribute.String("channel", call.channel),
		attribute.String("backend", c.transport.Name()),
	))
	defer span.End()

	askCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		askCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	reply, err := c.transport.Ask(askCtx, payload)

	c.mu.Lock()
	abandoned := call.abandoned || errors.Is(ctx.Err(), context.Canceled)
	if c.inflight[call.channel] == call {
		delete(c.inflight, call.channel)
	}
	c.mu.Unlock()

	switch {
	case abandoned:
		call.result = Result{Status: Cancelled}
		span.SetAttributes(attribute.String("result", "cancelled"))
		add(context.Background(), c.cancelled, call.channel)
	case err != nil:
		call.result = Result{Status: Failure, Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		add(context.Background(), c.failed, call.channel)
		c.logger.Warn("assistant request failed", "channel", call.channel, "seq", call.seq, "error", err)
	default:
		call.result = Result{Status: Success, Reply: reply}
		span.SetAttributes(attribute.String("result", "success"))
	}
}

func add(ctx context.Context, counter metric.Int64Counter, channel string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}
