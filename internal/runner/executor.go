package runner

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/kursadbilgin/sampling-engine/internal/domain"
	"github.com/kursadbilgin/sampling-engine/internal/observability"
	"github.com/kursadbilgin/sampling-engine/internal/provider"
	"github.com/kursadbilgin/sampling-engine/internal/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const cancelledMessage = "batch cancelled"

// Executor runs a single iteration to a terminal IterationResult. It never
// returns an error: every outcome is recorded on the result.
type Executor struct {
	provider    domain.Provider
	client      provider.Client
	policy      RetryPolicy
	callTimeout time.Duration
	limiter     ratelimit.RateLimiter
	logger      *zap.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer

	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	randInt63n func(int64) int64
}

func NewExecutor(p domain.Provider, client provider.Client, policy RetryPolicy, callTimeout time.Duration, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}

	return &Executor{
		provider:    p,
		client:      client,
		policy:      policy.normalized(),
		callTimeout: callTimeout,
		logger:      logger,
		tracer:      noop.NewTracerProvider().Tracer(""),
		now:         time.Now,
		sleep:       sleepWithContext,
		randInt63n:  rand.Int63n,
	}
}

func (e *Executor) SetRateLimiter(limiter ratelimit.RateLimiter) {
	e.limiter = limiter
}

func (e *Executor) SetMetrics(metrics *observability.Metrics) {
	e.metrics = metrics
}

func (e *Executor) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		e.tracer = tracer
	}
}

// Execute issues req until it succeeds, fails permanently, exhausts the
// retry budget or ctx is cancelled.
func (e *Executor) Execute(ctx context.Context, index int, req domain.CompletionRequest) domain.IterationResult {
	ctx = observability.WithIterationIndex(ctx, index)
	ctx, span := e.tracer.Start(ctx, "runner.iteration",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("iteration.index", index),
			attribute.String("llm.provider", e.provider.String()),
		),
	)

	started := e.now()
	result := e.execute(ctx, index, req)
	e.metrics.IncIteration(e.provider.String(), result.Status.String())
	e.metrics.ObserveIterationDuration(e.provider.String(), e.now().Sub(started))

	var spanErr error
	if !result.Succeeded() && result.ErrorMessage != nil {
		spanErr = errors.New(*result.ErrorMessage)
	}
	observability.EndSpan(span, spanErr,
		attribute.String("iteration.status", result.Status.String()),
		attribute.Int("iteration.retry_count", result.RetryCount),
	)

	return result
}

func (e *Executor) execute(ctx context.Context, index int, req domain.CompletionRequest) domain.IterationResult {
	result := domain.IterationResult{Index: index}
	logger := observability.WithContextLogger(e.logger, ctx)

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return cancelled(result)
		}

		e.waitForRateLimit(ctx, logger)
		if ctx.Err() != nil {
			return cancelled(result)
		}

		outcome := e.attempt(ctx, req)
		err := outcome.err
		result.RetryCount = attempt
		result.LatencyMs = &outcome.latencyMs

		// A client that ignores ctx may still answer after cancellation.
		if ctx.Err() != nil {
			return cancelled(result)
		}

		if err == nil {
			result.Status = domain.IterationSuccess
			result.Response = outcome.completion
			result.ErrorMessage = nil
			return result
		}

		status := classify(err, outcome.deadlineHit)
		message := err.Error()
		result.Status = status
		result.Response = nil
		result.ErrorMessage = &message

		if attempt >= e.policy.MaxRetries || !e.shouldRetry(status, err) {
			logger.Warn("iteration failed",
				zap.String("status", status.String()),
				zap.Int("retryCount", attempt),
				zap.Error(err),
			)
			return result
		}

		wait := e.retryDelay(attempt, err)
		e.metrics.IncRetry(e.provider.String(), status.String())
		logger.Debug("retrying iteration",
			zap.String("status", status.String()),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
		)

		if err := e.sleep(ctx, wait); err != nil {
			return cancelled(result)
		}
	}
}

type attemptOutcome struct {
	completion  *domain.Completion
	err         error
	latencyMs   float64
	deadlineHit bool
}

// attempt runs one provider call under its own deadline.
func (e *Executor) attempt(ctx context.Context, req domain.CompletionRequest) attemptOutcome {
	attemptCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	started := e.now()
	completion, err := e.client.Complete(attemptCtx, req)
	latencyMs := float64(e.now().Sub(started).Microseconds()) / 1000

	if err == nil && completion == nil {
		err = &provider.ProviderError{
			Provider:  e.provider,
			Kind:      provider.KindOther,
			Message:   "provider returned no completion",
			Transient: true,
		}
	}

	return attemptOutcome{
		completion:  completion,
		err:         err,
		latencyMs:   latencyMs,
		deadlineHit: errors.Is(attemptCtx.Err(), context.DeadlineExceeded),
	}
}

func (e *Executor) waitForRateLimit(ctx context.Context, logger *zap.Logger) {
	if e.limiter == nil {
		return
	}
	if err := e.limiter.Wait(ctx, e.provider.String()); err != nil && ctx.Err() == nil {
		// Pacing is best effort; the call proceeds unpaced.
		logger.Warn("rate limiter unavailable", zap.Error(err))
	}
}

func (e *Executor) shouldRetry(status domain.IterationStatus, err error) bool {
	if !e.policy.retryable(status) {
		return false
	}
	if status != domain.IterationFailed {
		return true
	}

	var providerErr *provider.ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}
	return true
}

// retryDelay honours a server-provided Retry-After before falling back to
// exponential backoff.
func (e *Executor) retryDelay(attempt int, err error) time.Duration {
	if retryAfter, ok := provider.RetryAfterOf(err); ok {
		return retryAfter
	}
	return e.policy.backoff(attempt, e.randInt63n)
}

func classify(err error, deadlineHit bool) domain.IterationStatus {
	switch provider.KindOf(err) {
	case provider.KindAuth:
		return domain.IterationAuthError
	case provider.KindRateLimited:
		return domain.IterationRateLimited
	case provider.KindTimeout:
		return domain.IterationTimeout
	}
	if deadlineHit {
		return domain.IterationTimeout
	}
	return domain.IterationFailed
}

func cancelled(result domain.IterationResult) domain.IterationResult {
	message := cancelledMessage
	result.Status = domain.IterationCancelled
	result.Response = nil
	result.ErrorMessage = &message
	return result
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
