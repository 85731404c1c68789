package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gorilla/websocket"
)

// RelayBufferSize is the number of batches queued per client before new
// batches are dropped for that client.
const RelayBufferSize = 32

// Relay forwards stream batches to connected Feed clients. HandleEvent can be
// registered as the stream trigger; ServeHTTP accepts client connections.
type Relay struct {
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	pingInterval time.Duration
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[*relayClient]struct{}
}

type relayClient struct {
	ws   *websocket.Conn
	send chan []byte
}

// NewRelay creates a relay.
func NewRelay(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		logger:       logger,
		pingInterval: 20 * time.Second,
		writeTimeout: 10 * time.Second,
		clients:      make(map[*relayClient]struct{}),
	}
}

// ServeHTTP upgrades the request and forwards batches until the client goes away.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Info("relay upgrade failed", "error", err)
		return
	}
	c := &relayClient{ws: ws, send: make(chan []byte, RelayBufferSize)}

	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(req.Context())
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
		ws.Close()
	}()

	go r.write(ctx, cancel, c)

	// Reads only surface close frames and disconnects.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Relay) write(ctx context.Context, cancel context.CancelFunc, c *relayClient) {
	defer cancel()
	defer c.ws.Close()

	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		var message []byte
		select {
		case <-ctx.Done():
			return
		case message = <-c.send:
		case <-ticker.C:
			message = []byte{}
		}

		messageType := websocket.TextMessage
		if len(message) == 0 {
			messageType = websocket.BinaryMessage
		}
		c.ws.SetWriteDeadline(time.Now().Add(r.writeTimeout))
		if err := c.ws.WriteMessage(messageType, message); err != nil {
			r.logger.Info("relay write failed", "error", err)
			return
		}
	}
}

// Clients returns the number of connected clients.
func (r *Relay) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// HandleEvent forwards a batch to every connected client. A client whose
// queue is full misses the batch; it recovers through a refresh.
func (r *Relay) HandleEvent(ctx context.Context, event events.DynamoDBEvent) error {
	if len(event.Records) == 0 {
		return nil
	}
	message, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		select {
		case c.send <- message:
		default:
			r.logger.Warn("relay client queue full, batch dropped", "records", len(event.Records))
		}
	}
	return nil
}

// Close disconnects every client.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		c.ws.Close()
	}
}
