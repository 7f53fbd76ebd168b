package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/manash/archrefine/internal/provider"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 120 * time.Second
	tracerName     = "github.com/manash/archrefine/internal/provider/openai"
)

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type errorEnvelope struct {
	Error *apiError `json:"error,omitempty"`
}

// client is the transport shared by the three adapters: one resty client,
// one breaker and one tracer per collaborator.
type client struct {
	name    string
	model   string
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
	log     zerolog.Logger
	verbose bool
}

func newClient(name string, cfg *provider.Config, log zerolog.Logger) (*client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, provider.ErrAPIKeyRequired
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := defaultTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	log = log.With().Str("component", "openai").Str("collaborator", name).Logger()

	settings := gobreaker.Settings{
		Name:        "openai-" + name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}

	return &client{
		name:  name,
		model: cfg.Model,
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetAuthToken(cfg.APIKey).
			SetHeader("Content-Type", "application/json").
			SetTimeout(timeout),
		breaker: gobreaker.NewCircuitBreaker(settings),
		tracer:  otel.Tracer(tracerName),
		log:     log,
		verbose: cfg.Verbose,
	}, nil
}

// post sends body to path and decodes a 2xx response into out. failure is
// the sentinel wrapped around every error the call returns.
func (c *client) post(ctx context.Context, path string, body, out any, failure error) error {
	ctx, span := c.tracer.Start(ctx, "openai."+c.name, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("openai.model", c.model),
		attribute.String("http.route", path),
	)

	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %s: %v", provider.ErrCircuitOpen, c.name, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Debug().Err(err).Dur("elapsed", time.Since(start)).Str("path", path).Msg("request failed")
		return fmt.Errorf("%w: %w", failure, err)
	}

	c.log.Debug().Dur("elapsed", time.Since(start)).Str("path", path).Msg("request completed")
	return nil
}

func (c *client) do(ctx context.Context, path string, body, out any) error {
	c.logRequest(path, body)

	var errResp errorEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		SetError(&errResp).
		Post(path)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	c.logResponse(resp.StatusCode(), resp.Body())

	if resp.IsError() {
		if errResp.Error != nil && errResp.Error.Message != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode(), errResp.Error.Message)
		}
		return fmt.Errorf("status %d", resp.StatusCode())
	}
	return nil
}

func (c *client) logRequest(path string, body any) {
	if !c.verbose {
		return
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	c.log.Debug().
		Str("method", "POST").
		Str("path", path).
		Str("authorization", "[REDACTED]").
		RawJSON("body", truncateBase64InJSON(raw)).
		Msg("request")
}

func (c *client) logResponse(status int, body []byte) {
	if !c.verbose {
		return
	}
	ev := c.log.Debug().Int("status", status)
	if json.Valid(body) {
		ev = ev.RawJSON("body", truncateBase64InJSON(body))
	} else {
		ev = ev.Str("body", string(body))
	}
	ev.Msg("response")
}

const truncateAt = 100

func truncateBase64InJSON(body []byte) []byte {
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return body
	}

	data = truncateBase64(data, "")

	result, err := json.Marshal(data)
	if err != nil {
		return body
	}
	return result
}

func truncateBase64(value interface{}, key string) interface{} {
	switch v := value.(type) {
	case string:
		if len(v) > truncateAt && (key == "b64_json" || strings.HasPrefix(v, "data:")) {
			return v[:truncateAt] + "... [truncated]"
		}
	case map[string]interface{}:
		for k, item := range v {
			v[k] = truncateBase64(item, k)
		}
	case []interface{}:
		for i, item := range v {
			v[i] = truncateBase64(item, key)
		}
	}
	return value
}
