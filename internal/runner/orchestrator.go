// Package runner executes probabilistic batches: one prompt sampled N times
// against a provider under a concurrency cap, with per-iteration retries
// and a statistically aggregated result.
package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/sampling-engine/internal/domain"
	"github.com/kursadbilgin/sampling-engine/internal/observability"
	"github.com/kursadbilgin/sampling-engine/internal/provider"
	"github.com/kursadbilgin/sampling-engine/internal/ratelimit"
	"github.com/kursadbilgin/sampling-engine/internal/stats"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// BatchStore persists a batch when it starts and once more when it reaches
// a terminal state. Nothing is written in between.
type BatchStore interface {
	Create(ctx context.Context, batch *domain.BatchResult) error
	Finalize(ctx context.Context, batch *domain.BatchResult) error
}

// ClientResolver returns the completion client for a provider.
type ClientResolver interface {
	Get(p domain.Provider) (provider.Client, error)
}

var _ ClientResolver = (*provider.Registry)(nil)

// Orchestrator runs batches and publishes their progress.
type Orchestrator struct {
	providers   ClientResolver
	store       BatchStore
	policy      RetryPolicy
	callTimeout time.Duration
	logger      *zap.Logger
	metrics     *observability.Metrics
	limiter     ratelimit.RateLimiter
	tracer      trace.Tracer
	progress    *progressHub
	observer    func(domain.RunnerProgress)

	now   func() time.Time
	newID func() string
}

func NewOrchestrator(
	providers ClientResolver,
	store BatchStore,
	policy RetryPolicy,
	callTimeout time.Duration,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = discardStore{}
	}

	return &Orchestrator{
		providers:   providers,
		store:       store,
		policy:      policy,
		callTimeout: callTimeout,
		logger:      logger,
		tracer:      noop.NewTracerProvider().Tracer(""),
		progress:    newProgressHub(),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	o.metrics = metrics
}

func (o *Orchestrator) SetRateLimiter(limiter ratelimit.RateLimiter) {
	o.limiter = limiter
}

func (o *Orchestrator) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		o.tracer = tracer
	}
}

// SetProgressObserver registers fn to receive every progress snapshot of
// every batch, in order, on the collecting goroutine. fn must not block.
func (o *Orchestrator) SetProgressObserver(fn func(domain.RunnerProgress)) {
	o.observer = fn
}

// Subscribe streams progress of a running batch. The channel carries the
// latest snapshot only and is closed once the batch is finalized.
func (o *Orchestrator) Subscribe(batchID string) (<-chan domain.RunnerProgress, error) {
	return o.progress.subscribe(batchID)
}

// Unsubscribe stops delivery to a channel returned by Subscribe and closes it.
func (o *Orchestrator) Unsubscribe(batchID string, ch <-chan domain.RunnerProgress) {
	o.progress.unsubscribe(batchID, ch)
}

// IsRunning reports whether batchID is currently executing in this process.
func (o *Orchestrator) IsRunning(batchID string) bool {
	return o.progress.active(batchID)
}

// Run executes req to completion. Invalid requests fail with an error
// matching domain.ErrConfiguration before anything is started or stored.
// Iteration failures and cancellation are recorded on the result and never
// returned as errors.
func (o *Orchestrator) Run(ctx context.Context, req domain.RunnerRequest) (*domain.BatchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if o.providers == nil {
		return nil, domain.ConfigurationErrorf("no providers configured")
	}
	client, err := o.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	batchID := strings.TrimSpace(req.BatchID)
	if batchID == "" {
		batchID = o.newID()
	} else if _, err := uuid.Parse(batchID); err != nil {
		return nil, domain.ConfigurationErrorf("batch id %q is not a UUID", req.BatchID)
	}

	total := req.Config.Iterations
	if err := o.progress.open(batchID, total); err != nil {
		return nil, err
	}
	defer o.progress.close(batchID)

	ctx = observability.WithBatchID(ctx, batchID)
	ctx, span := o.tracer.Start(ctx, "runner.batch", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.String("llm.provider", req.Provider.String()),
		attribute.Int("batch.iterations", total),
		attribute.Int("batch.max_concurrency", req.Config.MaxConcurrency),
	))
	logger := observability.WithContextLogger(o.logger, ctx)

	batch := &domain.BatchResult{
		ID:           batchID,
		Provider:     req.Provider,
		Prompt:       req.Prompt,
		SystemPrompt: req.Config.SystemPrompt,
		Config:       req.Config,
		Status:       domain.BatchStatusRunning,
		StartedAt:    o.now().UTC(),
		Iterations:   []domain.IterationResult{},
	}
	if req.Config.Model != nil {
		batch.Model = strings.TrimSpace(*req.Config.Model)
	}

	if err := o.store.Create(ctx, batch); err != nil {
		observability.EndSpan(span, err)
		return nil, fmt.Errorf("create batch: %w", err)
	}

	o.metrics.IncBatchesActive()
	defer o.metrics.DecBatchesActive()

	logger.Info("batch started",
		zap.String("provider", req.Provider.String()),
		zap.Int("iterations", total),
		zap.Int("maxConcurrency", req.Config.MaxConcurrency),
	)

	executor := NewExecutor(req.Provider, client, o.policy, o.callTimeout, o.logger)
	executor.SetMetrics(o.metrics)
	executor.SetRateLimiter(o.limiter)
	executor.SetTracer(o.tracer)

	batch.Iterations = o.fanOut(ctx, batchID, req, executor)

	o.finalize(ctx, batch)

	err = o.store.Finalize(context.WithoutCancel(ctx), batch)
	observability.EndSpan(span, err,
		attribute.String("batch.status", batch.Status.String()),
		attribute.Int("batch.successful", batch.SuccessfulIterations),
	)
	if err != nil {
		logger.Error("failed to persist batch result", zap.Error(err))
		return batch, fmt.Errorf("finalize batch: %w", err)
	}

	logger.Info("batch finished",
		zap.String("status", batch.Status.String()),
		zap.Int("successful", batch.SuccessfulIterations),
		zap.Int("failed", batch.FailedIterations),
		zap.Float64("durationMs", *batch.TotalDurationMs),
	)

	return batch, nil
}

// fanOut launches iterations in index order through the gate and collects
// their results into index slots. It returns once every slot is filled.
func (o *Orchestrator) fanOut(ctx context.Context, batchID string, req domain.RunnerRequest, executor *Executor) []domain.IterationResult {
	total := req.Config.Iterations
	completionReq := req.CompletionRequest()
	gate := NewGate(req.Config.MaxConcurrency)
	providerLabel := req.Provider.String()

	results := make(chan domain.IterationResult, total)

	go func() {
		var wg sync.WaitGroup
		defer func() {
			wg.Wait()
			close(results)
		}()

		for i := 0; i < total; i++ {
			if err := gate.Acquire(ctx); err != nil {
				return
			}
			// Acquire may win the race against a cancelled context.
			if ctx.Err() != nil {
				gate.Release()
				return
			}

			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				defer gate.Release()

				o.metrics.IncIterationsInFlight(providerLabel)
				defer o.metrics.DecIterationsInFlight(providerLabel)

				results <- executor.Execute(ctx, index, completionReq)
			}(i)
		}
	}()

	slots := make([]domain.IterationResult, total)
	filled := make([]bool, total)
	completed, successful, failed := 0, 0, 0

	for result := range results {
		slots[result.Index] = result
		filled[result.Index] = true

		completed++
		if result.Succeeded() {
			successful++
		} else {
			failed++
		}
		o.report(domain.NewRunnerProgress(batchID, completed, total, successful, failed))
	}

	if completed < total {
		for i := range slots {
			if filled[i] {
				continue
			}
			slots[i] = cancelled(domain.IterationResult{Index: i})
			completed++
			failed++
		}
		o.report(domain.NewRunnerProgress(batchID, completed, total, successful, failed))
	}

	return slots
}

func (o *Orchestrator) report(p domain.RunnerProgress) {
	o.progress.publish(p)
	if o.observer != nil {
		o.observer(p)
	}
}

// finalize derives statistics and the terminal status from the iterations.
func (o *Orchestrator) finalize(ctx context.Context, batch *domain.BatchResult) {
	batch.BatchStatistics = stats.Aggregate(batch.Iterations)

	switch {
	case batch.StatusCounts[domain.IterationCancelled] > 0:
		batch.Status = domain.BatchStatusCancelled
	case batch.SuccessfulIterations == batch.TotalIterations:
		batch.Status = domain.BatchStatusCompleted
	default:
		batch.Status = domain.BatchStatusPartialFailure
	}

	if batch.Model == "" {
		batch.Model = firstResponseModel(batch.Iterations)
	}

	completedAt := o.now().UTC()
	duration := completedAt.Sub(batch.StartedAt)
	durationMs := float64(duration.Microseconds()) / 1000
	batch.CompletedAt = &completedAt
	batch.TotalDurationMs = &durationMs

	o.metrics.IncBatch(batch.Provider.String(), batch.Status.String())
	o.metrics.ObserveBatchDuration(batch.Provider.String(), duration)

	if ctx.Err() != nil {
		observability.WithContextLogger(o.logger, ctx).Warn("batch cancelled",
			zap.Int("cancelled", batch.StatusCounts[domain.IterationCancelled]),
			zap.Error(ctx.Err()),
		)
	}
}

func firstResponseModel(iterations []domain.IterationResult) string {
	for _, it := range iterations {
		if it.Succeeded() && it.Response != nil && it.Response.Model != "" {
			return it.Response.Model
		}
	}
	return ""
}

type discardStore struct{}

func (discardStore) Create(context.Context, *domain.BatchResult) error   { return nil }
func (discardStore) Finalize(context.Context, *domain.BatchResult) error { return nil }
