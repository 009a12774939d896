package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"secureconnect-callagent/internal/events"
	"secureconnect-callagent/pkg/constants"
	"secureconnect-callagent/pkg/logger"
	"secureconnect-callagent/pkg/metrics"
)

// TypeSnapshot is the first frame of every stream
const TypeSnapshot events.Type = "snapshot"

// Source is the session as seen by the event stream
type Source interface {
	Subscribe(buffer int) *events.Subscription
}

// Snapshotter optionally provides the initial state frame
type Snapshotter interface {
	Snapshot() any
}

// SnapshotFunc adapts a function to Snapshotter
type SnapshotFunc func() any

// Snapshot implements Snapshotter
func (f SnapshotFunc) Snapshot() any { return f() }

// EventStream pushes session events to UI clients over WebSocket
type EventStream struct {
	source     Source
	snapshot   Snapshotter
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
	pingPeriod time.Duration

	mu      sync.Mutex
	clients map[*streamClient]struct{}

	// semaphore limits concurrent streams
	semaphore chan struct{}
}

type streamClient struct {
	conn *websocket.Conn
	sub  *events.Subscription
	done chan struct{}
	once sync.Once
}

// EventStreamOptions configures an EventStream
type EventStreamOptions struct {
	AllowedOrigins []string
	MaxConnections int
	PingPeriod     time.Duration
	Snapshot       Snapshotter
	Metrics        *metrics.Metrics
}

// NewEventStream creates an event stream over source
func NewEventStream(source Source, opts EventStreamOptions) *EventStream {
	allowed := make(map[string]bool, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		allowed[origin] = true
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 16
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = constants.WebSocketPingInterval
	}

	return &EventStream{
		source:     source,
		snapshot:   opts.Snapshot,
		metrics:    opts.Metrics,
		pingPeriod: opts.PingPeriod,
		clients:    make(map[*streamClient]struct{}),
		semaphore:  make(chan struct{}, opts.MaxConnections),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Local tools connect without an Origin header
				if origin == "" {
					return true
				}
				return allowed[origin]
			},
		},
	}
}

// ServeWS upgrades the request and streams events until the client leaves
// GET /v1/call/events
func (s *EventStream) ServeWS(c *gin.Context) {
	select {
	case s.semaphore <- struct{}{}:
	default:
		logger.Warn("Event stream rejected: max connections reached",
			zap.Int("max_connections", cap(s.semaphore)))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-s.semaphore
		logger.Warn("WebSocket upgrade failed", zap.Error(err))
		if s.metrics != nil {
			s.metrics.RecordEventStreamError("upgrade")
		}
		return
	}

	client := &streamClient{
		conn: conn,
		sub:  s.source.Subscribe(constants.EventBufferSize),
		done: make(chan struct{}),
	}
	s.register(client)

	go s.writePump(client)
	go s.readPump(client)
}

// Connections returns the number of open streams
func (s *EventStream) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client
func (s *EventStream) Close() {
	s.mu.Lock()
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.unregister(c)
	}
}

func (s *EventStream) register(c *streamClient) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetEventStreamConnections(n)
	}
}

func (s *EventStream) unregister(c *streamClient) {
	c.once.Do(func() {
		close(c.done)
		c.sub.Unsubscribe()
		c.conn.Close()

		s.mu.Lock()
		delete(s.clients, c)
		n := len(s.clients)
		s.mu.Unlock()
		<-s.semaphore
		if s.metrics != nil {
			s.metrics.SetEventStreamConnections(n)
		}
	})
}

// readPump discards client frames; it exists to process control frames
// and detect disconnects.
func (s *EventStream) readPump(c *streamClient) {
	defer s.unregister(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(s.pingPeriod * 2))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.pingPeriod * 2))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Event stream closed", zap.Error(err))
			}
			return
		}
	}
}

func (s *EventStream) writePump(c *streamClient) {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		s.unregister(c)
	}()

	if s.snapshot != nil {
		if !s.write(c, events.Event{Type: TypeSnapshot, Payload: s.snapshot.Snapshot(), Timestamp: time.Now()}) {
			return
		}
	}

	for {
		select {
		case <-c.done:
			return
		case evt, ok := <-c.sub.C:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !s.write(c, evt) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *EventStream) write(c *streamClient, evt events.Event) bool {
	payload, err := json.Marshal(evt)
	if err != nil {
		logger.Warn("Failed to encode event", zap.String("type", string(evt.Type)), zap.Error(err))
		if s.metrics != nil {
			s.metrics.RecordEventStreamError("encode")
		}
		return true
	}

	c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if s.metrics != nil {
			s.metrics.RecordEventStreamError("write")
		}
		return false
	}
	if s.metrics != nil {
		s.metrics.RecordEventStreamMessage(string(evt.Type))
	}
	return true
}
