package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dohr-michael/huddle/internal/collab"
	"github.com/dohr-michael/huddle/internal/document"
	"github.com/dohr-michael/huddle/internal/sessions"
)

const writeTimeout = 10 * time.Second

// ParticipantHeader carries the caller's participant id. Identity is
// asserted by the fronting application, not verified here.
const ParticipantHeader = "X-Participant-ID"

// Participant extracts the participant id from the header or the
// "participant" query parameter.
func Participant(r *http.Request) string {
	if p := r.Header.Get(ParticipantHeader); p != "" {
		return p
	}
	return r.URL.Query().Get("participant")
}

// Client is one WebSocket connection bound to a document session. It is
// the session's Transport.
type Client struct {
	conn *websocket.Conn
	hub  *Hub
}

// Hub accepts WebSocket connections and binds each to a collab session.
type Hub struct {
	svc *collab.Service

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates a new WebSocket hub over the collab service.
func NewHub(svc *collab.Service) *Hub {
	return &Hub{
		svc:     svc,
		clients: make(map[*Client]struct{}),
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Debug("ws client connected", "clients", len(h.clients))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		slog.Debug("ws client disconnected", "clients", len(h.clients))
	}
}

// ServeWS handles GET /api/ws?document=<id>[&since=<version>].
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	participant := Participant(r)
	documentID := q.Get("document")
	if participant == "" || documentID == "" {
		http.Error(w, "document and participant are required", http.StatusBadRequest)
		return
	}
	var lastKnown *int64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		lastKnown = &n
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checks belong to the fronting application
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	client := &Client{conn: conn, hub: h}
	h.register(client)
	defer h.unregister(client)

	ctx := r.Context()
	sess, err := h.svc.Connect(ctx, collab.ConnectRequest{
		DocumentID:       documentID,
		Participant:      participant,
		LastKnownVersion: lastKnown,
		Transport:        client,
	})
	if err != nil {
		status := websocket.StatusTryAgainLater
		if collab.ErrorCode(err) == collab.CodeAccessDenied {
			status = websocket.StatusPolicyViolation
		}
		conn.Close(status, collab.ErrorCode(err))
		return
	}

	client.readPump(ctx, sess)
	h.svc.Disconnect(sess.ID)
}

// Send implements sessions.Transport.
func (c *Client) Send(ctx context.Context, msg sessions.Message) error {
	f, err := NewPush(msg)
	if err != nil {
		return err
	}
	data, err := Encode(f)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close implements sessions.Transport.
func (c *Client) Close(reason string) error {
	status := websocket.StatusTryAgainLater
	switch reason {
	case sessions.ReasonClientLeft:
		status = websocket.StatusNormalClosure
	case sessions.ReasonShutdown:
		status = websocket.StatusGoingAway
	}
	return c.conn.Close(status, reason)
}

// readPump reads request frames until the connection drops.
func (c *Client) readPump(ctx context.Context, sess *sessions.Session) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws read closed", "session", sess.ID, "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws read error", "session", sess.ID, "error", err)
			}
			return
		}

		frame, err := Decode(data)
		if err != nil {
			slog.Warn("ws dropped frame", "session", sess.ID, "error", err)
			continue
		}
		if frame.Type != FrameTypeRequest {
			slog.Debug("ws unknown frame type", "type", frame.Type)
			continue
		}
		c.handleRequest(ctx, sess, frame)
	}
}

// handleRequest processes a request frame (method dispatch).
func (c *Client) handleRequest(ctx context.Context, sess *sessions.Session, frame Frame) {
	switch Method(frame.Method) {
	case MethodSubmit:
		var op document.Operation
		if err := frame.DecodeParams(&op); err != nil {
			c.sendError(ctx, frame.ID, collab.CodeInvalidOperation, "invalid params")
			return
		}
		res, err := c.hub.svc.Submit(ctx, collab.SubmitRequest{
			DocumentID:  sess.DocumentID,
			Participant: sess.Participant,
			SessionID:   sess.ID,
			Op:          op,
		})
		if err != nil {
			c.sendError(ctx, frame.ID, collab.ErrorCode(err), err.Error())
			return
		}
		c.sendOK(ctx, frame.ID, res)

	case MethodHeartbeat:
		if err := c.hub.svc.Heartbeat(sess.ID); err != nil {
			c.sendError(ctx, frame.ID, "session_closed", err.Error())
			return
		}
		c.sendOK(ctx, frame.ID, map[string]int64{"acked": sess.LastAcked()})

	default:
		c.sendError(ctx, frame.ID, "unknown_method", "unknown method: "+frame.Method)
	}
}

func (c *Client) sendOK(ctx context.Context, id string, payload any) {
	f, err := NewAck(id, payload)
	if err != nil {
		slog.Error("marshal response", "error", err)
		return
	}
	c.write(ctx, f)
}

func (c *Client) sendError(ctx context.Context, id, code, errMsg string) {
	c.write(ctx, NewFailure(id, code, errMsg))
}

func (c *Client) write(ctx context.Context, f Frame) {
	data, err := Encode(f)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("ws write response", "error", err)
	}
}

// Close shuts down all client connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
	}
}
