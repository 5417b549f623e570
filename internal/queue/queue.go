package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/sampling-engine/internal/domain"
)

// Publisher publishes batch messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg BatchMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message. A nil error acks the
// delivery, an error wrapping ErrReject dead-letters it and any other error
// requeues it.
type MessageHandler func(ctx context.Context, msg BatchMessage) error

// Consumer consumes batch messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

// ErrReject marks a handler failure that must not be redelivered.
var ErrReject = errors.New("reject message")

// Reject wraps err so the consumer routes the delivery to the dead-letter queue.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrReject, err)
}

var supportedProviders = []domain.Provider{
	domain.ProviderOpenAI,
	domain.ProviderAnthropic,
	domain.ProviderPerplexity,
}

// QueueName returns the provider work queue name, e.g. batches.openai.
func QueueName(p domain.Provider) string {
	return fmt.Sprintf("batches.%s", providerRoutingKey(p))
}

// DLQName returns the dead-letter queue name for a provider, e.g. dlq.batches.openai.
func DLQName(p domain.Provider) string {
	return fmt.Sprintf("dlq.%s", QueueName(p))
}

// WorkQueueNames returns one work queue per supported provider.
func WorkQueueNames() []string {
	queues := make([]string, 0, len(supportedProviders))
	for _, p := range supportedProviders {
		queues = append(queues, QueueName(p))
	}
	return queues
}

// DLQNames returns one dead-letter queue per supported provider.
func DLQNames() []string {
	queues := make([]string, 0, len(supportedProviders))
	for _, p := range supportedProviders {
		queues = append(queues, DLQName(p))
	}
	return queues
}
