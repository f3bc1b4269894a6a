package rulesync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 16
)

// Hub is the server end of the websocket sync channel. Notifications received
// from one peer are delivered to local subscribers and to every other peer.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
	subs     handlers

	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
	wg     sync.WaitGroup
}

type peer struct {
	conn *websocket.Conn
	send chan Notification
}

// NewHub returns a hub ready to be mounted as an HTTP handler.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
		peers:  make(map[*peer]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "sync hub closed", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("sync upgrade failed", zap.Error(err))
		return
	}

	p := &peer{conn: conn, send: make(chan Notification, sendBuffer)}
	if !h.register(p) {
		conn.Close()
		return
	}
	h.logger.Info("sync peer connected", zap.String("remote", r.RemoteAddr))

	h.wg.Add(1)
	go h.writeLoop(p)

	h.readLoop(r.Context(), p)
	h.unregister(p)
	h.logger.Info("sync peer disconnected", zap.String("remote", r.RemoteAddr))
}

// Publish sends n to every connected peer. Peers whose buffer is full miss it.
func (h *Hub) Publish(_ context.Context, n Notification) error {
	return h.broadcast(n, nil)
}

func (h *Hub) Subscribe(fn Handler) func() {
	return h.subs.add(fn)
}

// Clients reports the number of connected peers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Close disconnects every peer and waits for their goroutines to exit.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for p := range h.peers {
		delete(h.peers, p)
		close(p.send)
	}
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}

func (h *Hub) register(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.peers[p] = struct{}{}
	return true
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p]; ok {
		delete(h.peers, p)
		close(p.send)
	}
}

func (h *Hub) broadcast(n Notification, except *peer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	for p := range h.peers {
		if p == except {
			continue
		}
		select {
		case p.send <- n:
		default:
			h.logger.Warn("sync peer too slow, dropping notification", zap.String("key", n.Key))
		}
	}
	return nil
}

func (h *Hub) readLoop(ctx context.Context, p *peer) {
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var n Notification
		if err := p.conn.ReadJSON(&n); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("sync read error", zap.Error(err))
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(pongWait))

		if n.Key == "" {
			continue
		}
		if n.At.IsZero() {
			n.At = time.Now().UTC()
		}
		h.subs.dispatch(ctx, n)
		_ = h.broadcast(n, p)
	}
}

func (h *Hub) writeLoop(p *peer) {
	defer h.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case n, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteJSON(n); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
