package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/sampling-engine/internal/domain"
	"github.com/kursadbilgin/sampling-engine/internal/queue"
	"go.uber.org/zap"
)

func testMessage() queue.BatchMessage {
	req := validRequest()
	req.BatchID = "0d7b4a52-8f36-4b7a-9d43-2f1c1a2b3c4d"
	return queue.BatchMessage{CorrelationID: "corr-1", Request: req}
}

func TestWorkerServiceProcessMessageOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		result     *domain.BatchResult
		err        error
		wantErr    bool
		wantReject bool
	}{
		{name: "success acks", result: &domain.BatchResult{Status: domain.BatchStatusCompleted}},
		{name: "cancelled batch acks", result: &domain.BatchResult{Status: domain.BatchStatusCancelled}},
		{name: "already started acks", err: domain.ErrConflict},
		{name: "configuration error dead-letters", err: domain.ConfigurationErrorf("no key"), wantErr: true, wantReject: true},
		{name: "finalize failure dead-letters", result: &domain.BatchResult{Status: domain.BatchStatusCompleted}, err: errors.New("finalize batch: db down"), wantErr: true, wantReject: true},
		{name: "create failure requeues", err: errors.New("create batch: db down"), wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			runner := &fakeRunner{runFn: func(ctx context.Context, req domain.RunnerRequest) (*domain.BatchResult, error) {
				return tt.result, tt.err
			}}
			worker, err := NewWorkerService(runner, &fakeConsumer{}, 1, time.Minute, zap.NewNop())
			if err != nil {
				t.Fatalf("NewWorkerService() error = %v", err)
			}

			err = worker.processMessage(context.Background(), testMessage())
			if (err != nil) != tt.wantErr {
				t.Fatalf("processMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if errors.Is(err, queue.ErrReject) != tt.wantReject {
				t.Fatalf("processMessage() reject = %v, want %v", errors.Is(err, queue.ErrReject), tt.wantReject)
			}
		})
	}
}

func TestWorkerServiceProcessMessageAppliesBatchTimeout(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{runFn: func(ctx context.Context, req domain.RunnerRequest) (*domain.BatchResult, error) {
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Fatal("batch context should carry a deadline")
		}
		if time.Until(deadline) > 5*time.Second {
			t.Fatalf("deadline too far: %v", time.Until(deadline))
		}
		if req.BatchID != testMessage().BatchID() {
			t.Fatalf("batch id = %s", req.BatchID)
		}
		return &domain.BatchResult{Status: domain.BatchStatusCompleted}, nil
	}}

	worker, _ := NewWorkerService(runner, &fakeConsumer{}, 1, 5*time.Second, nil)
	if err := worker.processMessage(context.Background(), testMessage()); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}
}

func TestWorkerServiceStartConsumesEveryQueue(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	counts := map[string]int{}
	consumer := &fakeConsumer{consumeFn: func(ctx context.Context, queueName string, handler queue.MessageHandler) error {
		mu.Lock()
		counts[queueName]++
		mu.Unlock()
		return nil
	}}

	worker, _ := NewWorkerService(&fakeRunner{}, consumer, 2, 0, zap.NewNop())
	if err := worker.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for _, name := range queue.WorkQueueNames() {
		if counts[name] != 2 {
			t.Fatalf("consumers on %s = %d, want 2", name, counts[name])
		}
	}
}

func TestWorkerServiceStartPropagatesConsumerError(t *testing.T) {
	t.Parallel()

	consumeErr := errors.New("consume failed")
	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, handler queue.MessageHandler) error {
			return consumeErr
		},
	}

	worker, err := NewWorkerService(&fakeRunner{}, consumer, 3, time.Minute, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}

	err = worker.Start(context.Background())
	if !errors.Is(err, consumeErr) {
		t.Fatalf("Start() error = %v, want %v", err, consumeErr)
	}
}

func TestNewWorkerServiceValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewWorkerService(nil, &fakeConsumer{}, 1, 0, nil); err == nil {
		t.Fatal("expected error without runner")
	}
	if _, err := NewWorkerService(&fakeRunner{}, nil, 1, 0, nil); err == nil {
		t.Fatal("expected error without consumer")
	}
}
