package signaling

import (
	"context"

	"go.uber.org/zap"

	apperrors "secureconnect-callagent/pkg/errors"
	"secureconnect-callagent/pkg/logger"
	"secureconnect-callagent/pkg/metrics"
)

// Sink receives raw inbound frames and reconnect notifications from a
// transport. Frames are delivered from a single goroutine in arrival order.
type Sink interface {
	Deliver(ctx context.Context, raw []byte)
	Reconnected(ctx context.Context)
}

// Transport is the realtime signaling channel
type Transport interface {
	IsConnected() bool
	Send(ctx context.Context, msg *Message) error
	// Start connects in the background and keeps the channel up until ctx is done
	Start(ctx context.Context, sink Sink) error
	Close() error
}

// Handler consumes validated signaling
type Handler interface {
	HandleSignal(ctx context.Context, msg *Message)
	HandleTransportReconnected(ctx context.Context)
}

// Router validates inbound frames and forwards the valid ones to a Handler
type Router struct {
	handler  Handler
	rejected func(ctx context.Context, err *apperrors.AppError)
}

// NewRouter creates a router for handler
func NewRouter(handler Handler) *Router {
	return &Router{handler: handler}
}

// OnRejected registers a callback for dropped malformed payloads
func (r *Router) OnRejected(fn func(ctx context.Context, err *apperrors.AppError)) {
	r.rejected = fn
}

// Deliver implements Sink
func (r *Router) Deliver(ctx context.Context, raw []byte) {
	msg, err := Decode(raw)
	if err != nil {
		appErr := apperrors.GetAppError(err)
		metrics.SignalingRejectedTotal.WithLabelValues(string(appErr.Code)).Inc()
		logger.Warn("Dropping malformed signaling payload",
			zap.String("code", string(appErr.Code)),
			zap.Error(err))
		if r.rejected != nil {
			r.rejected(ctx, appErr)
		}
		return
	}

	metrics.SignalingMessagesTotal.WithLabelValues(msg.Type, "inbound").Inc()
	r.handler.HandleSignal(ctx, msg)
}

// Reconnected implements Sink
func (r *Router) Reconnected(ctx context.Context) {
	metrics.SignalingReconnectsTotal.Inc()
	r.handler.HandleTransportReconnected(ctx)
}
