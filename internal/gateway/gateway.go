// Package gateway routes model calls through an ordered fallback chain with
// per-model retries, circuit breakers, and shared rate limiting.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clearscript-health/rxscan/internal/config"
	"github.com/clearscript-health/rxscan/internal/resilience"
	"github.com/clearscript-health/rxscan/internal/trace"
	"github.com/clearscript-health/rxscan/pkg/claude"
)

// ErrModelUnavailable means every model in the chain was exhausted.
var ErrModelUnavailable = eris.New("gateway: all models exhausted")

// SchemaError marks a structurally invalid model response. The raw output is
// preserved for the trace. Schema failures are retried like transient errors
// since a second sample frequently parses.
type SchemaError struct {
	Err error
	Raw string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema check failed: %v", e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Request is a single completion request from a stage agent.
type Request struct {
	Stage    string
	RecordID string
	System   string
	Prompt   string
	Image    *claude.ImageAttachment
	// SchemaCheck validates the extracted text before the response is
	// accepted. A non-nil error triggers a retry on the same model.
	SchemaCheck func(text string) error
	MaxTokens   int64
}

// Response is a validated completion.
type Response struct {
	Text  string
	Model string
	Usage claude.TokenUsage
}

// Gateway serializes access to the model provider. Safe for concurrent use.
type Gateway struct {
	client   claude.Client
	models   []string
	breakers map[string]*resilience.CircuitBreaker
	limiter  *rate.Limiter
	retry    resilience.RetryConfig
	timeout  time.Duration
	temp     float64
	sink     trace.Sink
}

// New builds a gateway over the configured model chain.
func New(client claude.Client, cfg config.ClaudeConfig, gw config.GatewayConfig, sink trace.Sink) *Gateway {
	models := cfg.Models()
	breakers := make(map[string]*resilience.CircuitBreaker, len(models))
	for _, m := range models {
		bcfg := resilience.DefaultCircuitBreakerConfig()
		if gw.BreakerFailures > 0 {
			bcfg.FailureThreshold = gw.BreakerFailures
		}
		model := m
		bcfg.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("model circuit state change",
				zap.String("model", model),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
		breakers[m] = resilience.NewCircuitBreaker(bcfg)
	}

	rcfg := resilience.DefaultRetryConfig()
	if gw.RetriesPerModel > 0 {
		rcfg.MaxAttempts = gw.RetriesPerModel
	}

	rps := gw.RequestsPerSec
	if rps <= 0 {
		rps = 2.0
	}

	timeout := time.Duration(gw.CallTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	if sink == nil {
		sink = trace.LogSink{}
	}

	return &Gateway{
		client:   client,
		models:   models,
		breakers: breakers,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		retry:    rcfg,
		timeout:  timeout,
		temp:     cfg.Temperature,
		sink:     sink,
	}
}

// Complete tries each model in chain order until one produces a response
// that passes the schema check. Transient errors and schema failures are
// retried on the same model up to the per-model budget; policy refusals
// advance to the next model immediately. Returns ErrModelUnavailable once
// the chain is exhausted, context errors if the deadline hit first.
func (g *Gateway) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error

	for _, model := range g.models {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "gateway: complete")
		}

		cb := g.breakers[model]
		if cb.State() == resilience.CircuitOpen {
			g.emit(req, model, 0, "circuit_open", 0, "")
			lastErr = resilience.ErrCircuitOpen
			continue
		}

		resp, err := g.tryModel(ctx, cb, model, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "gateway: complete")
		}

		if resilience.IsPolicy(err) {
			zap.L().Warn("model refused request, advancing chain",
				zap.String("model", model),
				zap.String("stage", req.Stage),
			)
			continue
		}

		zap.L().Warn("model exhausted retry budget, advancing chain",
			zap.String("model", model),
			zap.String("stage", req.Stage),
			zap.Error(err),
		)
	}

	if lastErr != nil {
		return nil, eris.Wrap(lastErr, ErrModelUnavailable.Error())
	}
	return nil, ErrModelUnavailable
}

// tryModel runs the per-model retry loop, emitting one trace event per attempt.
func (g *Gateway) tryModel(ctx context.Context, cb *resilience.CircuitBreaker, model string, req Request) (*Response, error) {
	attempt := 0
	rcfg := g.retry
	rcfg.ShouldRetry = func(err error) bool {
		if _, ok := asSchemaError(err); ok {
			return true
		}
		return resilience.IsTransient(err)
	}

	return resilience.DoVal(ctx, rcfg, func(ctx context.Context) (*Response, error) {
		attempt++
		start := time.Now()

		resp, err := g.attempt(ctx, cb, model, req)
		latency := time.Since(start).Milliseconds()

		switch {
		case err == nil:
			g.emit(req, model, attempt, "success", latency, "")
		case resilience.IsPolicy(err):
			g.emit(req, model, attempt, "policy_refusal", latency, err.Error())
		default:
			if se, ok := asSchemaError(err); ok {
				g.emit(req, model, attempt, "schema_failure", latency, truncate(se.Raw, 500))
			} else {
				g.emit(req, model, attempt, "error", latency, err.Error())
			}
		}
		return resp, err
	})
}

func (g *Gateway) attempt(ctx context.Context, cb *resilience.CircuitBreaker, model string, req Request) (*Response, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "gateway: rate limit wait")
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	return resilience.ExecuteVal(callCtx, cb, func(ctx context.Context) (*Response, error) {
		temp := g.temp
		msg, err := g.client.CreateMessage(ctx, claude.MessageRequest{
			Model:       model,
			MaxTokens:   req.MaxTokens,
			Temperature: &temp,
			System:      []claude.SystemBlock{{Text: req.System}},
			Messages: []claude.Message{{
				Role:    "user",
				Content: req.Prompt,
				Image:   req.Image,
			}},
		})
		if err != nil {
			return nil, err
		}

		if msg.StopReason == "refusal" {
			return nil, resilience.NewPolicyError(eris.New("model refused to answer"), model)
		}

		text := extractText(msg)
		if req.SchemaCheck != nil {
			if serr := req.SchemaCheck(text); serr != nil {
				return nil, &SchemaError{Err: serr, Raw: text}
			}
		}

		msg.Usage.LogCost(model, req.Stage)

		return &Response{
			Text:  text,
			Model: model,
			Usage: msg.Usage,
		}, nil
	})
}

func (g *Gateway) emit(req Request, model string, attempt int, outcome string, latency int64, detail string) {
	g.sink.Emit(trace.Event{
		Time:      time.Now(),
		RecordID:  req.RecordID,
		Stage:     req.Stage,
		Model:     model,
		Attempt:   attempt,
		Outcome:   outcome,
		LatencyMS: latency,
		Detail:    detail,
	})
}

// extractText concatenates all text blocks in a response.
func extractText(resp *claude.MessageResponse) string {
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

func asSchemaError(err error) (*SchemaError, bool) {
	var se *SchemaError
	if eris.As(err, &se) {
		return se, true
	}
	return nil, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
