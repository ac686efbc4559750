// Package ws provides a WebSocket client for a huddle document session.
package ws

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/dohr-michael/huddle/internal/document"
	wsprotocol "github.com/dohr-michael/huddle/internal/gateway/ws"
	"github.com/dohr-michael/huddle/internal/sessions"
)

// Options selects the document session to open.
type Options struct {
	DocumentID  string
	Participant string
	// Since resumes from a known version; nil asks for a snapshot.
	Since *int64
}

// Client is a WebSocket client bound to one document.
type Client struct {
	conn   *websocket.Conn
	reqSeq uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Endpoint builds the /api/ws URL for a server base URL such as
// "http://127.0.0.1:18430".
func Endpoint(base string, opts Options) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/api/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("document", opts.DocumentID)
	q.Set("participant", opts.Participant)
	if opts.Since != nil {
		q.Set("since", strconv.FormatInt(*opts.Since, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the server at base and opens a document session.
func Dial(ctx context.Context, base string, opts Options) (*Client, error) {
	endpoint, err := Endpoint(base, opts)
	if err != nil {
		return nil, fmt.Errorf("ws endpoint: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	conn.SetReadLimit(8 << 20)

	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
	}, nil
}

// NewOperationID returns a fresh client-generated operation id.
func NewOperationID() string { return "op_" + uuid.NewString() }

// NewRowID returns a fresh client-generated row id.
func NewRowID() string { return "row_" + uuid.NewString() }

// Submit sends an operation and returns the request id its response frame
// will carry.
func (c *Client) Submit(op document.Operation) (string, error) {
	return c.request(wsprotocol.MethodSubmit, op)
}

// Heartbeat keeps the session alive.
func (c *Client) Heartbeat() (string, error) {
	return c.request(wsprotocol.MethodHeartbeat, nil)
}

func (c *Client) request(method wsprotocol.Method, params any) (string, error) {
	seq := atomic.AddUint64(&c.reqSeq, 1)
	id := fmt.Sprintf("req-%d", seq)

	frame, err := wsprotocol.NewRequest(id, method, params)
	if err != nil {
		return "", err
	}
	data, err := wsprotocol.Encode(frame)
	if err != nil {
		return "", err
	}
	return id, c.conn.Write(c.ctx, websocket.MessageText, data)
}

// ReadFrame reads the next frame from the connection.
func (c *Client) ReadFrame() (wsprotocol.Frame, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	return wsprotocol.Decode(data)
}

// Message decodes the session message carried by an event frame.
func Message(f wsprotocol.Frame) (sessions.Message, error) {
	var msg sessions.Message
	if f.Type != wsprotocol.FrameTypeEvent {
		return msg, fmt.Errorf("frame type %q carries no message", f.Type)
	}
	err := f.DecodePayload(&msg)
	return msg, err
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
