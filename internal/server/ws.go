package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

type wsClient struct {
	conn   *websocket.Conn
	market string // empty receives every market
	send   chan []byte
}

// WSHub streams emitted envelopes to websocket clients. A client that falls
// wsSendBuffer messages behind is disconnected; it can catch up from the
// event log.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	upgrader websocket.Upgrader
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewWSHub(metrics *observability.Metrics, logger zerolog.Logger) *WSHub {
	return &WSHub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: metrics,
		logger:  logger,
	}
}

// Run broadcasts envelopes from in until it closes or ctx ends.
func (h *WSHub) Run(ctx context.Context, in <-chan *event.EventEnvelope) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return nil
			}
			if h.metrics != nil {
				h.metrics.SetChannelMetrics("websocket", len(in), cap(in))
			}
			h.Broadcast(env)
		}
	}
}

// Broadcast queues env for every client subscribed to its market.
func (h *WSHub) Broadcast(env *event.EventEnvelope) {
	data, err := env.MarshalWire()
	if err != nil {
		h.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("ws encode failed")
		return
	}

	var slow []*wsClient
	h.mu.RLock()
	for c := range h.clients {
		if c.market != "" && c.market != env.Market {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("ws client too slow, disconnecting")
		h.remove(c)
	}
}

// Clients is the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades GET /v1/ws. ?market= limits the stream to one market.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	c := &wsClient{
		conn:   conn,
		market: r.URL.Query().Get("market"),
		send:   make(chan []byte, wsSendBuffer),
	}
	h.add(c)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *WSHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
	h.logger.Info().Str("market", c.market).Int("total", n).Msg("ws client connected")
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
}

func (h *WSHub) closeAll() {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.remove(c)
	}
}

// readPump discards client messages and detects disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer h.remove(c)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
