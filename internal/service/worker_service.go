package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/sampling-engine/internal/domain"
	"github.com/kursadbilgin/sampling-engine/internal/observability"
	"github.com/kursadbilgin/sampling-engine/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// BatchRunner executes one batch to completion.
type BatchRunner interface {
	Run(ctx context.Context, req domain.RunnerRequest) (*domain.BatchResult, error)
}

type WorkerService struct {
	runner       BatchRunner
	consumer     queue.Consumer
	logger       *zap.Logger
	concurrency  int
	batchTimeout time.Duration
}

func NewWorkerService(
	runner BatchRunner,
	consumer queue.Consumer,
	concurrency int,
	batchTimeout time.Duration,
	logger *zap.Logger,
) (*WorkerService, error) {
	if runner == nil {
		return nil, fmt.Errorf("batch runner is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		runner:       runner,
		consumer:     consumer,
		logger:       logger,
		concurrency:  concurrency,
		batchTimeout: batchTimeout,
	}, nil
}

// Start consumes every provider queue with concurrency workers each and runs
// batch messages until context cancellation.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	queueNames := queue.WorkQueueNames()
	if len(queueNames) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	workerID := 0
	for _, queueName := range queueNames {
		for i := 0; i < s.concurrency; i++ {
			workerID++
			id := workerID
			queueName := queueName

			g.Go(func() error {
				s.logger.Info("worker started",
					zap.Int("workerId", id),
					zap.String("queue", queueName),
				)

				err := s.consumer.Consume(groupCtx, queueName, s.processMessage)
				if err != nil {
					s.logger.Error("worker stopped with error",
						zap.Int("workerId", id),
						zap.String("queue", queueName),
						zap.Error(err),
					)
					return err
				}

				s.logger.Info("worker stopped",
					zap.Int("workerId", id),
					zap.String("queue", queueName),
				)
				return nil
			})
		}
	}

	return g.Wait()
}

// processMessage runs one batch. The returned error decides the delivery:
// nil acks, queue.Reject dead-letters and anything else requeues.
func (s *WorkerService) processMessage(ctx context.Context, msg queue.BatchMessage) error {
	ctx = observability.WithBatchID(ctx, msg.BatchID())
	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("correlationId", msg.CorrelationID),
	)

	if s.batchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.batchTimeout)
		defer cancel()
	}

	result, err := s.runner.Run(ctx, msg.Request)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrConflict):
		logger.Warn("batch already started, skipping redelivery", zap.Error(err))
		return nil
	case errors.Is(err, domain.ErrConfiguration):
		logger.Error("batch configuration rejected", zap.Error(err))
		return queue.Reject(err)
	case result != nil:
		// Iterations already ran; a redelivery would sample the provider again.
		logger.Error("batch ran but its result was not stored", zap.Error(err))
		return queue.Reject(err)
	default:
		return fmt.Errorf("failed to run batch %s: %w", msg.BatchID(), err)
	}
}
