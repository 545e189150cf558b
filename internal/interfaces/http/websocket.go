package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"depthview/internal/application/service/orderbook"
	marketdata "depthview/internal/domain/entity/marketdata"
	"depthview/internal/infrastructure/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1024
	sendBuffer     = 8
)

// subscription is what a dashboard client sends to switch pair or aggregation level.
type subscription struct {
	Symbol string `json:"symbol"`
	Step   string `json:"step"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	symbol string
	step   decimal.Decimal
}

func (c *wsClient) subscribed() (string, decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.symbol, c.step
}

func (c *wsClient) subscribe(symbol string, step decimal.Decimal) {
	c.mu.Lock()
	c.symbol, c.step = symbol, step
	c.mu.Unlock()
}

// Hub pushes aggregated views to dashboard websocket clients after every refresh.
type Hub struct {
	books    *orderbook.Service
	metrics  *metrics.Metrics
	logger   *logrus.Entry
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func NewHub(books *orderbook.Service, m *metrics.Metrics, logger *logrus.Logger) *Hub {
	return &Hub{
		books:   books,
		metrics: m,
		logger:  logger.WithField("component", "ws_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve upgrades the request. The symbol and step query params pick the initial subscription.
func (h *Hub) Serve(c *gin.Context) {
	symbol, err := h.books.ResolveSymbol(c.Query("symbol"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	step, err := h.books.ResolveStep(c.Query("step"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		symbol: symbol,
		step:   step,
	}
	h.register(client)

	go h.writePump(client)
	if snapshot, ok := h.books.Latest(symbol); ok {
		h.pushView(client, snapshot)
	}
	h.readPump(client)
}

// Notify renders snapshot for every client watching symbol. Views are built once per step.
func (h *Hub) Notify(symbol string, snapshot *marketdata.OrderBookSnapshot) {
	views := make(map[string][]byte)
	for _, client := range h.snapshotClients() {
		clientSymbol, step := client.subscribed()
		if clientSymbol != symbol {
			continue
		}
		key := step.String()
		payload, ok := views[key]
		if !ok {
			payload = h.renderView(snapshot, step)
			views[key] = payload
		}
		h.enqueue(client, payload)
	}
}

// NotifyFailure tells every client watching symbol that the last refresh failed.
func (h *Hub) NotifyFailure(symbol string, err error) {
	payload := errorPayload(err)
	for _, client := range h.snapshotClients() {
		if clientSymbol, _ := client.subscribed(); clientSymbol == symbol {
			h.enqueue(client, payload)
		}
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	for _, client := range h.snapshotClients() {
		h.unregister(client)
	}
}

func (h *Hub) register(client *wsClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetWSClients(n)
	h.logger.WithField("clients", n).Debug("websocket client connected")
}

func (h *Hub) unregister(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetWSClients(n)
	h.logger.WithField("clients", n).Debug("websocket client disconnected")
}

func (h *Hub) snapshotClients() []*wsClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		out = append(out, client)
	}
	return out
}

// enqueue drops clients whose buffer is full instead of blocking the refresher.
func (h *Hub) enqueue(client *wsClient, payload []byte) {
	h.mu.RLock()
	_, ok := h.clients[client]
	if ok {
		select {
		case client.send <- payload:
		default:
			ok = false
		}
	}
	h.mu.RUnlock()
	if !ok {
		h.unregister(client)
	}
}

func (h *Hub) readPump(client *wsClient) {
	defer func() {
		h.unregister(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var sub subscription
		if err := client.conn.ReadJSON(&sub); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) && !errors.Is(err, websocket.ErrCloseSent) {
				h.logger.WithError(err).Debug("websocket read failed")
			}
			return
		}
		h.resubscribe(client, sub)
	}
}

func (h *Hub) resubscribe(client *wsClient, sub subscription) {
	symbol, err := h.books.ResolveSymbol(sub.Symbol)
	if err != nil {
		h.enqueue(client, errorPayload(err))
		return
	}
	step, err := h.books.ResolveStep(sub.Step)
	if err != nil {
		h.enqueue(client, errorPayload(err))
		return
	}
	client.subscribe(symbol, step)

	if snapshot, ok := h.books.Latest(symbol); ok {
		h.pushView(client, snapshot)
	}
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) pushView(client *wsClient, snapshot *marketdata.OrderBookSnapshot) {
	_, step := client.subscribed()
	h.enqueue(client, h.renderView(snapshot, step))
}

func (h *Hub) renderView(snapshot *marketdata.OrderBookSnapshot, step decimal.Decimal) []byte {
	started := time.Now()
	view, err := orderbook.BuildView(snapshot, step, h.books.Options().TopN)
	h.metrics.ObserveAggregation(started)
	if err != nil {
		return errorPayload(err)
	}
	payload, err := json.Marshal(map[string]interface{}{
		"type": "orderbook",
		"view": view,
	})
	if err != nil {
		return errorPayload(err)
	}
	return payload
}

func errorPayload(err error) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"type":  "error",
		"error": err.Error(),
	})
	return payload
}
