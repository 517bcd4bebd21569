// Package mirror republishes notification events to a Redis channel so
// that processes other than connected browsers (dashboards, workers) can
// subscribe to the same stream.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/redis/go-redis/v9"

	"github.com/phenolab/streamnotify/internal/domain"
	"github.com/phenolab/streamnotify/internal/metrics"
	"github.com/phenolab/streamnotify/internal/platform/retry"
)

// Publisher is the slice of the Redis client the mirror needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Mirror forwards events to a Redis pub/sub channel. It implements
// domain.Sink: publish failures are logged and counted, never propagated,
// so a flaky Redis cannot stall the notification loop. A circuit breaker
// sheds publishes entirely while Redis is down, so a dead server costs one
// timeout per breaker probe instead of one per event.
type Mirror struct {
	client  Publisher
	channel string
	breaker circuitbreaker.CircuitBreaker[any]
}

func New(client Publisher, channel string) *Mirror {
	return &Mirror{
		client:  client,
		channel: channel,
		breaker: newBreaker(),
	}
}

// newBreaker opens after 5 consecutive failures, probes again after 30s,
// and closes on the first successful probe.
func newBreaker() circuitbreaker.CircuitBreaker[any] {
	return circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(5).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Mirror circuit breaker state changed",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.MirrorCircuitState.Set(stateToFloat(e.NewState))
		}).
		Build()
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// Connect dials the Redis server named by rawURL and verifies it responds
// to a ping, backing off on transient failures before giving up.
func Connect(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)

	policy := retry.Policy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Redis not reachable, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
	alwaysRetry := func(error) retry.Action { return retry.Retry }

	if err := retry.DoVoid(ctx, policy, alwaysRetry, func() error {
		return client.Ping(ctx).Err()
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// Publish serialises the event and PUBLISHes it on the mirror channel.
func (m *Mirror) Publish(ctx context.Context, event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to serialise event for mirror", "kind", event.Kind, "error", err)
		metrics.MirrorPublishesTotal.WithLabelValues("error").Inc()
		return
	}

	if !m.breaker.TryAcquirePermit() {
		metrics.MirrorPublishesTotal.WithLabelValues("open").Inc()
		return
	}

	if err := m.client.Publish(ctx, m.channel, data).Err(); err != nil {
		m.breaker.RecordError(err)
		slog.Warn("Failed to mirror event", "channel", m.channel, "error", err)
		metrics.MirrorPublishesTotal.WithLabelValues("error").Inc()
		return
	}

	m.breaker.RecordSuccess()
	metrics.MirrorPublishesTotal.WithLabelValues("ok").Inc()
}
