package signaling

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"secureconnect-callagent/pkg/constants"
	apperrors "secureconnect-callagent/pkg/errors"
	"secureconnect-callagent/pkg/logger"
	"secureconnect-callagent/pkg/metrics"
)

// ChannelFor returns the Pub/Sub channel addressed to a user
func ChannelFor(userID string) string {
	return fmt.Sprintf("signaling:user:%s", userID)
}

// RedisTransport exchanges signaling over Redis Pub/Sub, one channel per
// user. It is used when agents and the backend share a Redis deployment.
type RedisTransport struct {
	client       *redis.Client
	userID       string
	pingInterval time.Duration

	connected atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRedisTransport creates a transport receiving on the user's channel
func NewRedisTransport(client *redis.Client, userID string, pingInterval time.Duration) *RedisTransport {
	if pingInterval <= 0 {
		pingInterval = constants.WebSocketPingInterval
	}
	return &RedisTransport{
		client:       client,
		userID:       userID,
		pingInterval: pingInterval,
		done:         make(chan struct{}),
	}
}

// IsConnected reports the last observed Redis health
func (t *RedisTransport) IsConnected() bool {
	return t.connected.Load()
}

// Send publishes the message on the recipient's channel
func (t *RedisTransport) Send(ctx context.Context, msg *Message) error {
	if !t.IsConnected() {
		return apperrors.ConnectionFailedError("Signaling transport is not connected")
	}
	if msg.ToUserID == "" {
		return fmt.Errorf("%s has no recipient", msg.Type)
	}

	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}
	if err := t.client.Publish(ctx, ChannelFor(msg.ToUserID), data).Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeConnectionFailed, "Failed to publish signaling message", err)
	}

	metrics.SignalingMessagesTotal.WithLabelValues(msg.Type, "outbound").Inc()
	return nil
}

// Start subscribes to the user's channel and starts the receive loop
func (t *RedisTransport) Start(ctx context.Context, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := t.client.Subscribe(ctx, ChannelFor(t.userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", ChannelFor(t.userID), err)
	}

	t.cancel = cancel
	t.setConnected(true)
	go t.run(ctx, pubsub, sink)
	return nil
}

// Close stops the receive loop
func (t *RedisTransport) Close() error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	<-t.done
	return nil
}

func (t *RedisTransport) run(ctx context.Context, pubsub *redis.PubSub, sink Sink) {
	defer close(t.done)
	defer pubsub.Close()

	ch := pubsub.Channel()
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.setConnected(false)
			return

		case msg, ok := <-ch:
			if !ok {
				t.setConnected(false)
				return
			}
			sink.Deliver(ctx, []byte(msg.Payload))

		case <-ticker.C:
			err := t.client.Ping(ctx).Err()
			switch {
			case err != nil && t.IsConnected():
				logger.Warn("Signaling Redis unreachable", zap.Error(err))
				t.setConnected(false)
			case err == nil && !t.IsConnected():
				logger.Info("Signaling Redis reachable again", zap.String("user_id", t.userID))
				t.setConnected(true)
				sink.Reconnected(ctx)
			}
		}
	}
}

func (t *RedisTransport) setConnected(v bool) {
	t.connected.Store(v)
	if v {
		metrics.SignalingConnected.Set(1)
	} else {
		metrics.SignalingConnected.Set(0)
	}
}
