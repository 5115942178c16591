package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/session/actor"
	"github.com/coderelay/coderelay/internal/session/models"
	wire "github.com/coderelay/coderelay/pkg/subscriberwire"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Maximum frame size allowed from peer
	maxFrameSize = 512 * 1024 // 512KB
)

// outbound is one queued frame. Frames carrying an appended event keep its
// log key so the write pump can suppress events already sent during replay.
type outbound struct {
	key   models.EventKey
	frame []byte
}

// Client is one authorized subscriber connection. The hub owns its lifetime;
// writes go through the send queue so one slow socket never blocks fan-out.
type Client struct {
	id            string
	sessionID     string
	participantID string
	userID        string

	conn  *websocket.Conn
	hub   *Hub
	actor *actor.Actor
	send  chan outbound

	// ctx outlives the upgrade request: net/http cancels the request
	// context as soon as the handler returns, but frames keep arriving for
	// the life of the socket.
	ctx    context.Context
	cancel context.CancelFunc

	// replayed holds the keys sent during the handshake replay. Written
	// once before the pumps start, read-only afterwards.
	replayed map[models.EventKey]bool

	// sendMu guards send against the enqueue/close race: the hub closes
	// the queue while broadcasters may still be enqueuing.
	sendMu     sync.Mutex
	sendClosed bool

	pongTimeout time.Duration

	closeOnce sync.Once
	logger    *logger.Logger
}

// NewClient wraps an authenticated connection.
func NewClient(id, sessionID string, participant *models.Participant, conn *websocket.Conn, hub *Hub, a *actor.Actor, pongTimeout time.Duration, queueSize int, log *logger.Logger) *Client {
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:            id,
		sessionID:     sessionID,
		participantID: participant.ID,
		userID:        participant.UserID,
		conn:          conn,
		hub:           hub,
		actor:         a,
		send:          make(chan outbound, queueSize),
		ctx:           ctx,
		cancel:        cancel,
		replayed:      make(map[models.EventKey]bool),
		pongTimeout:   pongTimeout,
		logger: log.WithFields(
			zap.String("client_id", id),
			zap.String("session_id", sessionID)),
	}
}

// markReplayed records the keys delivered during the handshake. Must be
// called before the pumps start.
func (c *Client) markReplayed(keys []models.EventKey) {
	for _, k := range keys {
		c.replayed[k] = true
	}
}

// enqueue queues a keyless frame (status, presence, errors) for delivery.
func (c *Client) enqueue(frame []byte) {
	c.enqueueEvent(models.EventKey{}, frame)
}

// enqueueEvent queues a frame for delivery. A full queue means the client
// cannot keep up; it is closed and may reconnect and replay.
func (c *Client) enqueueEvent(key models.EventKey, frame []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- outbound{key: key, frame: frame}:
	default:
		c.logger.Warn("send queue full, closing slow client")
		c.closeConn()
	}
}

// closeSend shuts the queue so the write pump drains and sends a close
// frame. Only the hub calls this; safe against concurrent enqueues.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}

// ReadPump consumes frames from the peer until the connection drops or the
// keepalive grace elapses.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.closeConn()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("read error", zap.Error(err))
			}
			return
		}
		// Any inbound frame counts as liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))

		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("invalid frame")
			continue
		}
		c.handleFrame(c.ctx, frame.Type, raw)
	}
}

func (c *Client) handleFrame(ctx context.Context, frameType string, raw []byte) {
	switch frameType {
	case wire.TypePing:
		pong, _ := wire.New(wire.TypePong, nil)
		c.enqueue(pong)

	case wire.TypePrompt:
		var f wire.PromptFrame
		if err := json.Unmarshal(raw, &f); err != nil || f.Content == "" {
			c.sendError("content is required")
			return
		}
		res, err := c.actor.EnqueuePrompt(ctx, actor.PromptParams{
			Content:         f.Content,
			AuthorID:        c.userID,
			Source:          models.SourceWeb,
			ReasoningEffort: f.ReasoningEffort,
		})
		if err != nil {
			c.sendError(apperr.Kind(err))
			return
		}
		ack, _ := wire.New(wire.TypeProcessingStatus, map[string]interface{}{
			"messageId": res.MessageID,
			"status":    res.Status,
		})
		c.enqueue(ack)

	case wire.TypeStop:
		if err := c.actor.Stop(ctx); err != nil {
			c.sendError(apperr.Kind(err))
		}

	case wire.TypeTyping:
		var f wire.TypingFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return
		}
		frame, err := wire.New(wire.TypeTyping, map[string]interface{}{
			"userId": c.userID,
			"typing": f.Typing,
		})
		if err != nil {
			return
		}
		c.hub.BroadcastToSession(c.sessionID, frame)

	default:
		c.sendError("unknown frame type")
	}
}

func (c *Client) sendError(message string) {
	frame, err := wire.New(wire.TypeError, map[string]interface{}{"message": message})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

// WritePump drains the send queue onto the socket, dropping events whose key
// already went out during replay.
func (c *Client) WritePump() {
	defer c.closeConn()

	for out := range c.send {
		if out.key != (models.EventKey{}) && c.replayed[out.key] {
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, out.frame); err != nil {
			c.logger.Debug("write error", zap.Error(err))
			return
		}
	}
	// Hub closed the queue: send a normal close frame.
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
