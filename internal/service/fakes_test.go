package service

import (
	"context"
	"errors"
	"sync"

	"github.com/kursadbilgin/sampling-engine/internal/domain"
	"github.com/kursadbilgin/sampling-engine/internal/provider"
	"github.com/kursadbilgin/sampling-engine/internal/queue"
	"github.com/kursadbilgin/sampling-engine/internal/repository"
)

type fakeBatchReader struct {
	getByIDFn func(ctx context.Context, id string) (*domain.BatchResult, error)
	listFn    func(ctx context.Context, params repository.ListParams) ([]domain.BatchSummary, int64, error)
}

func (f *fakeBatchReader) GetByID(ctx context.Context, id string) (*domain.BatchResult, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeBatchReader) List(ctx context.Context, params repository.ListParams) ([]domain.BatchSummary, int64, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params)
	}
	return nil, 0, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	publishFn func(ctx context.Context, queueName string, msg queue.BatchMessage) error
	published []queue.BatchMessage
	queues    []string
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.BatchMessage) error {
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.queues = append(f.queues, queueName)
	f.mu.Unlock()
	if f.publishFn != nil {
		return f.publishFn(ctx, queueName, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error {
	return nil
}

type fakeResolver struct {
	configured map[domain.Provider]bool
}

func (f *fakeResolver) Get(p domain.Provider) (provider.Client, error) {
	if !f.configured[p] {
		return nil, domain.ConfigurationErrorf("provider %q is not configured", p)
	}
	return provider.ClientFunc(func(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
		return nil, errors.New("not used")
	}), nil
}

type fakeRunner struct {
	runFn func(ctx context.Context, req domain.RunnerRequest) (*domain.BatchResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, req domain.RunnerRequest) (*domain.BatchResult, error) {
	if f.runFn != nil {
		return f.runFn(ctx, req)
	}
	return &domain.BatchResult{ID: req.BatchID, Status: domain.BatchStatusCompleted}, nil
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queue string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error {
	return nil
}

func validRequest() domain.RunnerRequest {
	return domain.RunnerRequest{
		Prompt:   "which laptop should I buy?",
		Provider: domain.ProviderOpenAI,
		Config:   domain.DefaultBatchConfig(),
	}
}
