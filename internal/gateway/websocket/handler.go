package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/session/actor"
	"github.com/coderelay/coderelay/internal/session/models"
	wire "github.com/coderelay/coderelay/pkg/subscriberwire"
)

// subscribeWait bounds how long a fresh connection may sit silent before the
// subscribe frame arrives.
const subscribeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades subscriber connections and runs the subscribe handshake.
type Handler struct {
	hub      *Hub
	registry *actor.Registry
	cfg      *config.Config
	logger   *logger.Logger
}

// NewHandler creates the subscriber channel handler.
func NewHandler(hub *Hub, registry *actor.Registry, cfg *config.Config, log *logger.Logger) *Handler {
	return &Handler{
		hub:      hub,
		registry: registry,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "ws-handler")),
	}
}

// HandleConnection serves GET /ws/sessions/:id. The first frame must be a
// subscribe carrying a valid participant token; anything else closes with
// 4001.
func (h *Handler) HandleConnection(c *gin.Context) {
	sessionID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	a, err := h.registry.Get(c.Request.Context(), sessionID)
	if err != nil {
		h.closeWith(conn, wire.CloseSessionExpired, "unknown session")
		return
	}

	sub, err := h.readSubscribe(conn)
	if err != nil {
		h.closeWith(conn, wire.CloseAuthRequired, "subscribe frame required")
		return
	}
	participant, err := a.AuthorizeToken(c.Request.Context(), sub.Token)
	if err != nil {
		h.closeWith(conn, wire.CloseAuthRequired, "invalid token")
		return
	}

	clientID := sub.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	client := NewClient(clientID, sessionID, participant, conn, h.hub, a,
		h.cfg.Subscriber.PongTimeoutDuration(), h.cfg.Subscriber.SendQueueSize, h.logger)

	// Register before replay so events appended mid-handshake are not lost:
	// live frames queue behind the handshake (the write pump starts after
	// it) and the replay tail, read after registration, covers the gap. The
	// pump drops queued events whose key already went out during replay.
	h.hub.Register(client)
	if err := h.sendSubscribed(c, client, a); err != nil {
		h.logger.Debug("handshake write failed", zap.Error(err))
		h.hub.Unregister(client)
		_ = conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (h *Handler) readSubscribe(conn *websocket.Conn) (*wire.SubscribeFrame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(subscribeWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var sub wire.SubscribeFrame
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, err
	}
	if sub.Type != wire.TypeSubscribe || sub.Token == "" {
		return nil, websocket.ErrBadHandshake
	}
	return &sub, nil
}

// sendSubscribed writes the subscribed frame with the state snapshot, then
// the bounded replay tail ascending, then replay_complete. Replay applies
// latest-wins per callId for tool_call events; the log retains the full
// history.
func (h *Handler) sendSubscribed(c *gin.Context, client *Client, a *actor.Actor) error {
	ctx := c.Request.Context()

	snap, err := a.State(ctx)
	if err != nil {
		return err
	}
	frame, err := wire.New(wire.TypeSubscribed, map[string]interface{}{
		"state":        snap,
		"participants": snap.Participants,
	})
	if err != nil {
		return err
	}
	if err := h.write(client, frame); err != nil {
		return err
	}

	tail, err := a.TailEvents(ctx, h.cfg.Subscriber.ReplayLimit)
	if err != nil {
		return err
	}
	replayed := make([]models.EventKey, 0, len(tail))
	for _, e := range tail {
		replayed = append(replayed, e.Key())
	}
	for _, e := range dedupeToolCalls(tail) {
		frame, err := wire.New(wire.TypeSandboxEvent, map[string]interface{}{
			"event":    e,
			"category": string(models.CategoryOf(e.Type)),
		})
		if err != nil {
			continue
		}
		if err := h.write(client, frame); err != nil {
			return err
		}
	}
	client.markReplayed(replayed)

	done, err := wire.New(wire.TypeReplayComplete, nil)
	if err != nil {
		return err
	}
	return h.write(client, done)
}

// write sends directly on the socket during the handshake, before the write
// pump starts.
func (h *Handler) write(client *Client, frame []byte) error {
	_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return client.conn.WriteMessage(websocket.TextMessage, frame)
}

// dedupeToolCalls keeps only the newest revision of each callId among
// tool_call events, preserving log order for everything kept.
func dedupeToolCalls(events []*models.Event) []*models.Event {
	latest := make(map[string]*models.Event)
	for _, e := range events {
		if e.Type == models.EventToolCall && e.CallID != "" {
			latest[e.CallID] = e
		}
	}
	out := events[:0:0]
	for _, e := range events {
		if e.Type == models.EventToolCall && e.CallID != "" && latest[e.CallID] != e {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (h *Handler) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
