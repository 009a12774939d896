package signaling

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"secureconnect-callagent/pkg/constants"
	apperrors "secureconnect-callagent/pkg/errors"
	"secureconnect-callagent/pkg/logger"
	"secureconnect-callagent/pkg/metrics"
	"secureconnect-callagent/pkg/resilience"
)

// WSConfig configures the WebSocket transport
type WSConfig struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
}

// WSTransport is a WebSocket client to the backend signaling endpoint. It
// redials with exponential backoff and reports every reconnection after the
// first successful connection.
type WSTransport struct {
	cfg    WSConfig
	dialer *websocket.Dialer

	mu        sync.RWMutex
	send      chan []byte
	closed    chan struct{}
	connected bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSTransport creates a transport; call Start to connect
func NewWSTransport(cfg WSConfig) *WSTransport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = constants.WebSocketHandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = constants.WebSocketPingInterval
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	return &WSTransport{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		done:   make(chan struct{}),
	}
}

// IsConnected reports whether a connection is currently up
func (t *WSTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Send queues a message on the live connection
func (t *WSTransport) Send(ctx context.Context, msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}

	t.mu.RLock()
	send, closed, connected := t.send, t.closed, t.connected
	t.mu.RUnlock()
	if !connected {
		return apperrors.ConnectionFailedError("Signaling transport is not connected")
	}

	select {
	case send <- data:
		metrics.SignalingMessagesTotal.WithLabelValues(msg.Type, "outbound").Inc()
		return nil
	case <-closed:
		return apperrors.ConnectionFailedError("Signaling connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the connection loop in the background
func (t *WSTransport) Start(ctx context.Context, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.run(ctx, sink)
	return nil
}

// Close stops the connection loop and waits for it to exit
func (t *WSTransport) Close() error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	<-t.done
	return nil
}

func (t *WSTransport) run(ctx context.Context, sink Sink) {
	defer close(t.done)

	backoff := resilience.Backoff{InitialBackoff: t.cfg.MinBackoff, MaxBackoff: t.cfg.MaxBackoff}
	failures := 0
	everConnected := false

	for {
		conn, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			delay := backoff.Delay(failures)
			logger.Warn("Signaling dial failed, retrying",
				zap.String("url", t.cfg.URL),
				zap.Duration("backoff", delay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		failures = 0
		send := make(chan []byte, 256)
		closed := make(chan struct{})
		t.setConn(send, closed)
		logger.Info("Signaling transport connected", zap.String("url", t.cfg.URL))

		if everConnected {
			sink.Reconnected(ctx)
		}
		everConnected = true

		writerDone := make(chan struct{})
		go t.writePump(conn, send, closed, writerDone)
		err = t.readPump(ctx, conn, sink)

		t.clearConn()
		close(closed)
		<-writerDone

		if ctx.Err() != nil {
			return
		}
		logger.Warn("Signaling connection lost", zap.Error(err))
	}
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", t.cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}
	return conn, nil
}

func (t *WSTransport) setConn(send chan []byte, closed chan struct{}) {
	t.mu.Lock()
	t.send = send
	t.closed = closed
	t.connected = true
	t.mu.Unlock()
	metrics.SignalingConnected.Set(1)
}

func (t *WSTransport) clearConn() {
	t.mu.Lock()
	t.send = nil
	t.closed = nil
	t.connected = false
	t.mu.Unlock()
	metrics.SignalingConnected.Set(0)
}

// readPump is the only reader, so frames reach the sink in arrival order
func (t *WSTransport) readPump(ctx context.Context, conn *websocket.Conn, sink Sink) error {
	defer conn.Close()

	// close the socket when the agent shuts down so ReadMessage returns
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	readWait := t.cfg.PingInterval * 2
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		sink.Deliver(ctx, message)
	}
}

// writePump owns all writes on conn. A write failure closes the socket so
// readPump returns and run redials.
func (t *WSTransport) writePump(conn *websocket.Conn, send <-chan []byte, closed <-chan struct{}, done chan<- struct{}) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case <-closed:
			conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Warn("Signaling write failed", zap.Error(err))
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
