package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kursadbilgin/sampling-engine/internal/domain"
	"github.com/kursadbilgin/sampling-engine/internal/provider"
	"github.com/kursadbilgin/sampling-engine/internal/queue"
	"github.com/kursadbilgin/sampling-engine/internal/repository"
	"go.uber.org/zap"
)

// BatchReader is the read side of batch persistence.
type BatchReader interface {
	GetByID(ctx context.Context, id string) (*domain.BatchResult, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.BatchSummary, int64, error)
}

// ProviderResolver reports whether a provider can be used by this deployment.
type ProviderResolver interface {
	Get(p domain.Provider) (provider.Client, error)
}

// Submission is the receipt for a queued batch.
type Submission struct {
	BatchID       string
	CorrelationID string
	Provider      domain.Provider
	Iterations    int
	Queue         string
}

type BatchService struct {
	batches   BatchReader
	publisher queue.Publisher
	providers ProviderResolver
	logger    *zap.Logger
	newID     func() string
}

func NewBatchService(
	batches BatchReader,
	publisher queue.Publisher,
	providers ProviderResolver,
	logger *zap.Logger,
) (*BatchService, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchService{
		batches:   batches,
		publisher: publisher,
		providers: providers,
		logger:    logger,
		newID:     uuid.NewString,
	}, nil
}

// Submit validates req, assigns a batch id and queues it for a worker.
// Validation failures match domain.ErrConfiguration and nothing is published.
func (s *BatchService) Submit(ctx context.Context, req domain.RunnerRequest, correlationID string) (*Submission, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.providers != nil {
		if _, err := s.providers.Get(req.Provider); err != nil {
			return nil, err
		}
	}

	req.BatchID = s.newID()
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		correlationID = req.BatchID
	}

	queueName := queue.QueueName(req.Provider)
	msg := queue.BatchMessage{CorrelationID: correlationID, Request: req}
	if err := s.publisher.Publish(ctx, queueName, msg); err != nil {
		s.logger.Error("failed to publish batch",
			zap.String("batchId", req.BatchID),
			zap.String("provider", req.Provider.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to publish batch: %w", err)
	}

	s.logger.Info("batch queued",
		zap.String("batchId", req.BatchID),
		zap.String("correlationId", correlationID),
		zap.String("provider", req.Provider.String()),
		zap.Int("iterations", req.Config.Iterations),
	)

	return &Submission{
		BatchID:       req.BatchID,
		CorrelationID: correlationID,
		Provider:      req.Provider,
		Iterations:    req.Config.Iterations,
		Queue:         queueName,
	}, nil
}

func (s *BatchService) GetByID(ctx context.Context, id string) (*domain.BatchResult, error) {
	id = strings.TrimSpace(id)
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	return s.batches.GetByID(ctx, id)
}

func (s *BatchService) List(ctx context.Context, params repository.ListParams) ([]domain.BatchSummary, int64, error) {
	return s.batches.List(ctx, params)
}
