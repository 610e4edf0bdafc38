// Package ws streams bus events to WebSocket clients and accepts run control
// requests over the same connection.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/dohr-michael/agentrunner/internal/events"
)

const sendBuffer = 256

// Control is the subset of run operations a client may request.
// *dispatch.Dispatcher implements it.
type Control interface {
	CancelRun(ctx context.Context, id string) error
	StopRun(ctx context.Context, id string) error
	ApproveRun(ctx context.Context, id, stepID string) (string, error)
}

// Client represents a connected WebSocket client.
type Client struct {
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	runID       string
	unsubscribe func()

	mu     sync.Mutex
	closed bool
}

// Hub manages WebSocket clients and bridges them to the event bus.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	bus     *events.Bus
	control Control
}

// NewHub creates a new WebSocket hub connected to an event bus. control may
// be nil, in which case control requests are refused.
func NewHub(bus *events.Bus, control Control) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		bus:     bus,
		control: control,
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("ws client connected", "clients", len(h.clients), "run_id", c.runID)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.stop()
		slog.Info("ws client disconnected", "clients", len(h.clients))
	}
}

// ServeWS upgrades the request and streams events until the client leaves.
// The run_id query parameter restricts the stream to one run.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		hub:   h,
		runID: r.URL.Query().Get("run_id"),
	}
	client.unsubscribe = h.bus.SubscribeRun(client.forward, client.runID)
	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

// forward queues a bus event for the client.
func (c *Client) forward(e events.Event) {
	frame, err := NewEventFrame(string(e.Type), e.RunID, e)
	if err != nil {
		slog.Error("marshal event frame", "error", err)
		return
	}
	data, err := MarshalFrame(frame)
	if err != nil {
		slog.Error("marshal frame", "error", err)
		return
	}
	c.queue(data)
}

// queue hands data to the write pump. Slow clients miss frames.
func (c *Client) queue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			slog.Error("ws unmarshal frame", "error", err)
			continue
		}
		if frame.Type != FrameTypeRequest {
			slog.Debug("ws unknown frame type", "type", frame.Type)
			continue
		}
		c.handleRequest(ctx, frame)
	}
}

func (c *Client) handleRequest(ctx context.Context, frame Frame) {
	switch Method(frame.Method) {
	case MethodHistory:
		var params HistoryParams
		if len(frame.Params) > 0 {
			if err := json.Unmarshal(frame.Params, &params); err != nil {
				c.sendError(frame.ID, "invalid params")
				return
			}
		}
		if params.RunID == "" {
			params.RunID = c.runID
		}
		if params.Limit <= 0 {
			params.Limit = 50
		}
		var history []events.Event
		if params.RunID != "" {
			history = c.hub.bus.RunHistory(params.RunID, params.Limit)
		} else {
			history = c.hub.bus.History(params.Limit)
		}
		c.sendOK(frame.ID, history)

	case MethodCancelRun, MethodStopRun, MethodApproveRun:
		if c.hub.control == nil {
			c.sendError(frame.ID, "run control unavailable")
			return
		}
		var params RunParams
		if err := json.Unmarshal(frame.Params, &params); err != nil || params.RunID == "" {
			c.sendError(frame.ID, "invalid params")
			return
		}
		payload, err := c.control(ctx, Method(frame.Method), params)
		if err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		c.sendOK(frame.ID, payload)

	default:
		c.sendError(frame.ID, "unknown method: "+frame.Method)
	}
}

func (c *Client) control(ctx context.Context, m Method, p RunParams) (map[string]string, error) {
	ctl := c.hub.control
	switch m {
	case MethodCancelRun:
		return map[string]string{"status": "canceled"}, ctl.CancelRun(ctx, p.RunID)
	case MethodStopRun:
		return map[string]string{"status": "stopped"}, ctl.StopRun(ctx, p.RunID)
	default:
		stepID, err := ctl.ApproveRun(ctx, p.RunID, p.StepID)
		return map[string]string{"status": "approved", "step_id": stepID}, err
	}
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendOK(id string, payload any) {
	f, err := NewResponseFrame(id, true, payload, "")
	if err != nil {
		return
	}
	if data, err := MarshalFrame(f); err == nil {
		c.queue(data)
	}
}

func (c *Client) sendError(id string, errMsg string) {
	f, err := NewResponseFrame(id, false, nil, errMsg)
	if err != nil {
		return
	}
	if data, err := MarshalFrame(f); err == nil {
		c.queue(data)
	}
}

// Close shuts down every client connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		c.stop()
		delete(h.clients, c)
	}
}
