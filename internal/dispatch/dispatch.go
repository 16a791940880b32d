package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultQueueKey = "tryon:jobs:queue"

// ErrEmpty reports that no job was available within the receive timeout.
var ErrEmpty = errors.New("queue empty")

// Dispatcher hands job ids to the generation worker over a redis list.
// Delivery is at-least-once: a lost submit leaves the job pending and the
// reconciliation sweeper pushes it again.
type Dispatcher struct {
	client   *redis.Client
	queueKey string
	logger   *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueueKey overrides the redis list key.
func WithQueueKey(key string) Option {
	return func(dispatcher *Dispatcher) {
		if key != "" {
			dispatcher.queueKey = key
		}
	}
}

// New wires a Dispatcher.
func New(client *redis.Client, logger *zap.Logger, options ...Option) (*Dispatcher, error) {
	if client == nil {
		return nil, errors.New("dispatch: nil redis client")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := &Dispatcher{client: client, queueKey: defaultQueueKey, logger: logger}
	for _, option := range options {
		if option != nil {
			option(dispatcher)
		}
	}
	return dispatcher, nil
}

// Submit pushes one job id onto the queue.
func (dispatcher *Dispatcher) Submit(ctx context.Context, jobID string) error {
	if err := dispatcher.client.LPush(ctx, dispatcher.queueKey, jobID).Err(); err != nil {
		dispatchFailures.Inc()
		return fmt.Errorf("dispatch submit: %w", err)
	}
	dispatchSubmits.Inc()
	dispatcher.logger.Debug("job dispatched", zap.String("job_id", jobID))
	return nil
}

// Receive blocks up to timeout for the next job id. ErrEmpty on timeout.
func (dispatcher *Dispatcher) Receive(ctx context.Context, timeout time.Duration) (string, error) {
	values, err := dispatcher.client.BRPop(ctx, timeout, dispatcher.queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("dispatch receive: %w", err)
	}
	// BRPOP returns [key, value].
	if len(values) != 2 {
		return "", fmt.Errorf("dispatch receive: unexpected reply %v", values)
	}
	return values[1], nil
}

// Depth reports the current queue length.
func (dispatcher *Dispatcher) Depth(ctx context.Context) (int64, error) {
	return dispatcher.client.LLen(ctx, dispatcher.queueKey).Result()
}
