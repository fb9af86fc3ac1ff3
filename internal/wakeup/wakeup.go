// Package wakeup lets enqueuers nudge idle workers so a new job does not wait
// out a full poll interval. It is an optimisation only: workers still poll,
// so a lost notification costs latency, never a job.
package wakeup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/papito/postgres-job-queue/internal/job"
)

// Notifier announces that a job was enqueued. Call it after the enqueuing
// transaction committed, or a woken worker may not see the row yet.
type Notifier interface {
	Notify(ctx context.Context, t job.Type) error
}

// Nop is the Notifier used when no broker is configured.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, job.Type) error { return nil }

// Redis publishes enqueue events on a Redis pub/sub channel and turns them
// back into worker wake-ups.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis returns a Redis notifier on channel.
func NewRedis(client *redis.Client, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

// Notify publishes t on the channel.
func (r *Redis) Notify(ctx context.Context, t job.Type) error {
	if err := r.client.Publish(ctx, r.channel, string(t)).Err(); err != nil {
		return fmt.Errorf("publish wakeup: %w", err)
	}
	return nil
}

// Listen subscribes to the channel and returns a wake-up stream for
// worker.WithWakeup. Each message is offered to one idle worker and dropped
// if none is waiting. The subscription ends when ctx is cancelled; the
// returned channel is never closed.
func (r *Redis) Listen(ctx context.Context) (<-chan struct{}, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close() //nolint:errcheck
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	out := make(chan struct{})
	go func() {
		defer sub.Close() //nolint:errcheck
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					slog.Warn("wakeup subscription closed", "channel", r.channel)
					return
				}
				select {
				case out <- struct{}{}:
				default:
					slog.Debug("wakeup dropped, no idle worker", "job_type", msg.Payload)
				}
			}
		}
	}()
	return out, nil
}
