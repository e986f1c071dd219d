package alerting

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

const (
	maxStreamClients = 200
	writeDeadline    = 5 * time.Second
	streamBuffer     = 64
)

// StreamHub broadcasts alerts to websocket subscribers. A single broadcaster
// goroutine owns the client set; dead connections are dropped on write error.
type StreamHub struct {
	logger   hclog.Logger
	upgrader websocket.Upgrader

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	alerts     chan Alert
	stop       chan struct{}
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

func NewStreamHub(logger hclog.Logger) *StreamHub {
	return &StreamHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		alerts:     make(chan Alert, streamBuffer),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		clients:    make(map[*websocket.Conn]struct{}),
	}
}

func (h *StreamHub) Name() string { return "stream" }

// Notify queues an alert for broadcast. When the buffer is full the oldest
// pending alert is dropped rather than blocking the sender.
func (h *StreamHub) Notify(_ context.Context, a Alert) error {
	select {
	case h.alerts <- a:
	default:
		select {
		case <-h.alerts:
		default:
		}
		h.alerts <- a
	}
	return nil
}

// Start launches the broadcaster loop.
func (h *StreamHub) Start() {
	go h.run()
}

// Stop closes every client connection and halts the broadcaster.
func (h *StreamHub) Stop() {
	close(h.stop)
	<-h.done
}

func (h *StreamHub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxStreamClients {
				h.mu.Unlock()
				conn.Close()
				h.logger.Warn("alert stream connection rejected", "max", maxStreamClients)
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("alert stream client connected", "total", total)

		case conn := <-h.unregister:
			h.drop(conn)

		case a := <-h.alerts:
			h.broadcast(a)
		}
	}
}

func (h *StreamHub) broadcast(a Alert) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteJSON(a); err != nil {
			h.logger.Debug("alert stream write failed, dropping client", "error", err)
			h.drop(conn)
		}
	}
}

func (h *StreamHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

func (h *StreamHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// ClientCount reports connected subscribers.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades a request into a stream subscription. Reads are drained
// and discarded; the hub only pushes.
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("alert stream upgrade failed", "error", err)
		return
	}
	select {
	case h.register <- conn:
	case <-h.stop:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.stop:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
