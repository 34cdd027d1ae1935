package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/gateway/rpc"
	"github.com/novahq/nova/internal/plugin"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// NotificationMethod is the method name of session event notifications.
const NotificationMethod = "session.event"

// Client represents a single websocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	svc  *Service
	send chan []byte

	mu            sync.Mutex
	subscriptions map[string]plugin.CancelFunc

	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, svc *Service, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		svc:           svc,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]plugin.CancelFunc),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump reads frames from the connection until it closes.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}
		c.handleFrame(ctx, message)
	}
}

// handleFrame decodes one JSON-RPC frame and dispatches it. Methods that
// touch this connection's subscription state are handled here; everything
// else goes through the dispatcher.
func (c *Client) handleFrame(ctx context.Context, data []byte) {
	req, errResp := rpc.Decode(data)
	if errResp != nil {
		c.sendJSON(errResp)
		return
	}

	c.logger.Debug("rpc request",
		zap.String("method", req.Method),
		zap.String("id", string(req.ID)))

	switch req.Method {
	case "agent.invoke":
		c.handleInvoke(ctx, req, false)
	case "agent.resume":
		c.handleInvoke(ctx, req, true)
	case "session.subscribe":
		c.handleSubscribe(req)
	case "session.unsubscribe":
		c.handleUnsubscribe(req)
	default:
		result, err := c.svc.Dispatch(ctx, req.Method, req.Params)
		if err != nil {
			c.sendError(req, err)
			return
		}
		if !req.IsNotification() {
			c.sendJSON(rpc.NewResponse(req.ID, result))
		}
	}
}

// handleInvoke starts a session and auto-subscribes this connection. The
// reply is queued before the subscription is installed, so the replayed
// event stream always arrives after the reply.
func (c *Client) handleInvoke(ctx context.Context, req *rpc.Request, resume bool) {
	var params InvokeParams
	if err := rpc.UnmarshalParams(req.Params, &params); err != nil {
		c.sendError(req, err)
		return
	}
	if resume && params.ResumeSessionID == "" {
		c.sendError(req, apperrors.BadRequest("resume_session_id is required"))
		return
	}

	sess, err := c.svc.Invoke(ctx, params)
	if err != nil {
		c.sendError(req, err)
		return
	}

	if !req.IsNotification() {
		c.sendJSON(rpc.NewResponse(req.ID, InvokeResult{
			SessionID:         sess.ID,
			UpstreamSessionID: sess.UpstreamSessionID,
			Status:            sess.Status,
			AgentID:           sess.AgentID,
			PluginID:          sess.PluginID,
		}))
	}
	c.subscribeSession(sess.ID)
}

func (c *Client) handleSubscribe(req *rpc.Request) {
	var params sessionIDParams
	if err := rpc.UnmarshalParams(req.Params, &params); err != nil {
		c.sendError(req, err)
		return
	}
	if !req.IsNotification() {
		c.sendJSON(rpc.NewResponse(req.ID, map[string]interface{}{
			"subscribed": true,
			"session_id": params.SessionID,
		}))
	}
	c.subscribeSession(params.SessionID)
}

func (c *Client) handleUnsubscribe(req *rpc.Request) {
	var params sessionIDParams
	if err := rpc.UnmarshalParams(req.Params, &params); err != nil {
		c.sendError(req, err)
		return
	}
	c.unsubscribeSession(params.SessionID)
	if !req.IsNotification() {
		c.sendJSON(rpc.NewResponse(req.ID, map[string]interface{}{
			"unsubscribed": true,
			"session_id":   params.SessionID,
		}))
	}
}

// subscribeSession installs a per-connection event subscription. Already
// emitted events are replayed by the session, so subscribing right after
// invoke misses nothing. Subscribing twice is a no-op.
func (c *Client) subscribeSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[sessionID]; ok {
		return
	}
	cancel := c.svc.Stream(sessionID, func(ev plugin.Event) {
		c.sendJSON(rpc.NewNotification(NotificationMethod, ev))
	})
	c.subscriptions[sessionID] = cancel
}

func (c *Client) unsubscribeSession(sessionID string) {
	c.mu.Lock()
	cancel, ok := c.subscriptions[sessionID]
	delete(c.subscriptions, sessionID)
	c.mu.Unlock()
	if ok && cancel != nil {
		cancel()
	}
}

// clearSubscriptions cancels every subscription. Called on disconnect.
func (c *Client) clearSubscriptions() {
	c.mu.Lock()
	cancels := make([]plugin.CancelFunc, 0, len(c.subscriptions))
	for _, cancel := range c.subscriptions {
		if cancel != nil {
			cancels = append(cancels, cancel)
		}
	}
	c.subscriptions = make(map[string]plugin.CancelFunc)
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (c *Client) sendError(req *rpc.Request, err error) {
	if req.IsNotification() {
		c.logger.Warn("error handling notification",
			zap.String("method", req.Method), zap.Error(err))
		return
	}
	c.sendJSON(rpc.NewErrorResponse(req.ID, rpc.ErrorCode(err), err.Error()))
}

// sendJSON queues a frame for the write pump. A full buffer drops the frame
// with a warning; the connection is not torn down.
func (c *Client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping frame")
	}
}

// WritePump writes queued frames and keepalive pings to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
