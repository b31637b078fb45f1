package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/adacab/adacab/internal/observe"
	"github.com/adacab/adacab/internal/resilience"
)

const defaultTimeout = 10 * time.Second

// ClientOption is a functional option for configuring the HTTP clients.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout time.Duration
	breaker *resilience.Breaker
}

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithBreaker guards the client with a circuit breaker. While the breaker is
// open, calls fail fast with OK=false instead of hitting the backend.
func WithBreaker(b *resilience.Breaker) ClientOption {
	return func(c *clientConfig) { c.breaker = b }
}

func buildConfig(opts []ClientOption) clientConfig {
	cfg := clientConfig{timeout: defaultTimeout}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// geocodeResponse is the geocoder's wire reply.
type geocodeResponse struct {
	Found      bool   `json:"found"`
	Normalized string `json:"normalized"`
	Error      string `json:"error,omitempty"`
}

// NewHTTPGeocoder returns a GeocodeFunc backed by the geocoding service at
// baseURL. The service contract is GET /geocode?q=<raw> returning
// {found, normalized, error}.
func NewHTTPGeocoder(baseURL string, opts ...ClientOption) GeocodeFunc {
	cfg := buildConfig(opts)
	client := resty.New().SetBaseURL(baseURL).SetTimeout(cfg.timeout)

	return func(ctx context.Context, raw string) GeocodeResult {
		ctx, span := observe.StartSpan(ctx, "backend.geocode",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.String("geocode.raw", raw)),
		)
		defer span.End()

		var result GeocodeResult
		call := func() error {
			var out geocodeResponse
			resp, err := client.R().
				SetContext(ctx).
				SetQueryParam("q", raw).
				SetResult(&out).
				Get("/geocode")
			if err != nil {
				return fmt.Errorf("backend: geocode: %w", err)
			}
			if resp.IsError() {
				return fmt.Errorf("backend: geocode: status %d", resp.StatusCode())
			}
			if !out.Found {
				result = GeocodeResult{Err: nonEmpty(out.Error, "address not found")}
				return nil
			}
			result = GeocodeResult{OK: true, Normalized: out.Normalized}
			return nil
		}

		if err := execute(cfg.breaker, call); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "geocode request failed")
			observe.Logger(ctx).Warn("geocode request failed", "err", err)
			return GeocodeResult{Err: err.Error()}
		}
		span.SetAttributes(attribute.Bool("geocode.found", result.OK))
		return result
	}
}

// dispatchResponse is the dispatch service's wire reply.
type dispatchResponse struct {
	Accepted  bool   `json:"accepted"`
	BookingID string `json:"booking_id"`
	Error     string `json:"error,omitempty"`
}

// NewHTTPDispatcher returns a DispatchFunc backed by the dispatch service at
// baseURL. The contract is POST /bookings with the booking JSON, returning
// {accepted, booking_id, error}.
func NewHTTPDispatcher(baseURL string, opts ...ClientOption) DispatchFunc {
	cfg := buildConfig(opts)
	client := resty.New().SetBaseURL(baseURL).SetTimeout(cfg.timeout)

	return func(ctx context.Context, req BookingRequest) DispatchResult {
		ctx, span := observe.StartSpan(ctx, "backend.dispatch",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.Int("booking.passengers", req.Passengers)),
		)
		defer span.End()

		var result DispatchResult
		call := func() error {
			var out dispatchResponse
			resp, err := client.R().
				SetContext(ctx).
				SetBody(req).
				SetResult(&out).
				Post("/bookings")
			if err != nil {
				return fmt.Errorf("backend: dispatch: %w", err)
			}
			if resp.IsError() {
				return fmt.Errorf("backend: dispatch: status %d", resp.StatusCode())
			}
			if !out.Accepted {
				result = DispatchResult{Err: nonEmpty(out.Error, "booking rejected")}
				return nil
			}
			result = DispatchResult{OK: true, BookingID: out.BookingID}
			return nil
		}

		if err := execute(cfg.breaker, call); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dispatch request failed")
			observe.Logger(ctx).Warn("dispatch request failed", "err", err)
			return DispatchResult{Err: err.Error()}
		}
		span.SetAttributes(attribute.Bool("dispatch.accepted", result.OK))
		return result
	}
}

func execute(b *resilience.Breaker, fn func() error) error {
	if b == nil {
		return fn()
	}
	return b.Execute(fn)
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
