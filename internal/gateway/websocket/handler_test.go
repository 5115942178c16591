package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/db"
	"github.com/coderelay/coderelay/internal/session/actor"
	"github.com/coderelay/coderelay/internal/session/models"
	"github.com/coderelay/coderelay/internal/session/sandbox"
	"github.com/coderelay/coderelay/internal/session/store"
	wire "github.com/coderelay/coderelay/pkg/subscriberwire"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

type wsTestEnv struct {
	server    *httptest.Server
	registry  *actor.Registry
	store     *store.Store
	hub       *Hub
	sessionID string
	token     string
}

func newWsTestEnv(t *testing.T) (*wsTestEnv, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open pool: %v", err)
	}
	st, err := store.New(pool)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sandboxId":"sb-1","hostname":"host-1"}`))
	}))

	log := newTestLogger(t)
	cfg := &config.Config{
		Sandbox: config.SandboxConfig{
			CommandTimeout: 5, CommandRetries: 2, StartRetries: 2,
			HeartbeatThreshold: 90, StopGraceSeconds: 30,
		},
		Aggregator: config.AggregatorConfig{FlushIntervalMs: 3600000, MaxTokens: 1000},
		Models: config.ModelsConfig{
			Default:       "claude-sonnet-4-5",
			Valid:         []string{"claude-sonnet-4-5"},
			ValidEfforts:  []string{"low", "medium", "high"},
			DefaultEffort: "medium",
		},
		Auth:       config.AuthConfig{TokenPepper: "test-pepper"},
		Subscriber: config.SubscriberConfig{ReplayLimit: 5, SendQueueSize: 64, PongTimeout: 60},
	}

	client := sandbox.NewClient(provider.URL, "secret", 5*time.Second, 2, log)
	ctrl := sandbox.NewController(st, client, nil, 2, time.Minute, log)
	registry := actor.NewRegistry(st, nil, ctrl, client, cfg, log)

	sessionID, err := registry.Init(context.Background(), actor.InitParams{
		RepoOwner: "acme", RepoName: "widgets", UserID: "user-1", Model: "claude-sonnet-4-5",
	})
	if err != nil {
		t.Fatalf("failed to init session: %v", err)
	}
	a, err := registry.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("failed to get actor: %v", err)
	}
	tok, err := a.IssueWsToken(context.Background(), "user-1", "alice", "Alice")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	hub := NewHub(log)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	handler := NewHandler(hub, registry, cfg, log)
	router := gin.New()
	router.GET("/ws/sessions/:id", handler.HandleConnection)
	server := httptest.NewServer(router)

	env := &wsTestEnv{
		server:    server,
		registry:  registry,
		store:     st,
		hub:       hub,
		sessionID: sessionID,
		token:     tok.Token,
	}
	cleanup := func() {
		server.Close()
		hubCancel()
		registry.Close()
		provider.Close()
		_ = pool.Close()
	}
	return env, cleanup
}

func (env *wsTestEnv) dial(t *testing.T) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/sessions/" + env.sessionID
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	return conn
}

// subscribe completes the handshake, draining through replay_complete.
func (env *wsTestEnv) subscribe(t *testing.T, conn *gorillaws.Conn) {
	t.Helper()
	sub, _ := json.Marshal(wire.SubscribeFrame{Type: wire.TypeSubscribe, Token: env.token})
	if err := conn.WriteMessage(gorillaws.TextMessage, sub); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	for {
		if readFrame(t, conn)["type"] == wire.TypeReplayComplete {
			return
		}
	}
}

func readFrame(t *testing.T, conn *gorillaws.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	return frame
}

func TestSubscribeHandshakeAndReplay(t *testing.T) {
	env, cleanup := newWsTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	// Seed more events than the replay window holds.
	a, _ := env.registry.Get(ctx, env.sessionID)
	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 8; i++ {
		err := a.Ingress(ctx, &models.Event{
			ID:        "seed-" + string(rune('a'+i)),
			Type:      models.EventError,
			Data:      map[string]interface{}{"n": i},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("failed to seed event: %v", err)
		}
	}

	conn := env.dial(t)
	defer conn.Close()

	sub, _ := json.Marshal(wire.SubscribeFrame{Type: wire.TypeSubscribe, Token: env.token, ClientID: "c-1"})
	if err := conn.WriteMessage(gorillaws.TextMessage, sub); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != wire.TypeSubscribed {
		t.Fatalf("expected subscribed first, got %v", frame["type"])
	}
	if frame["state"] == nil {
		t.Error("expected state snapshot in subscribed frame")
	}

	// Bounded replay, ascending, then replay_complete.
	var lastKey models.EventKey
	replayed := 0
	for {
		frame = readFrame(t, conn)
		if frame["type"] == wire.TypeReplayComplete {
			break
		}
		if frame["type"] != wire.TypeSandboxEvent {
			t.Fatalf("unexpected frame during replay: %v", frame["type"])
		}
		replayed++
		key := frameEventKey(t, frame)
		if replayed > 1 && !lastKey.Less(key) {
			t.Errorf("replay not ascending: %+v after %+v", key, lastKey)
		}
		lastKey = key
	}
	if replayed != 5 {
		t.Errorf("expected replay bounded to 5 events, got %d", replayed)
	}
}

func frameEventKey(t *testing.T, frame map[string]interface{}) models.EventKey {
	t.Helper()
	ev := frame["event"].(map[string]interface{})
	created, err := time.Parse(time.RFC3339Nano, ev["created_at"].(string))
	if err != nil {
		t.Fatalf("failed to parse created_at: %v", err)
	}
	return models.EventKey{CreatedAt: created.UnixMilli(), ID: ev["id"].(string)}
}

func TestSubscribeWithBadTokenCloses4001(t *testing.T) {
	env, cleanup := newWsTestEnv(t)
	defer cleanup()

	conn := env.dial(t)
	defer conn.Close()

	sub, _ := json.Marshal(wire.SubscribeFrame{Type: wire.TypeSubscribe, Token: "wrong"})
	if err := conn.WriteMessage(gorillaws.TextMessage, sub); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*gorillaws.CloseError)
	if !ok || closeErr.Code != wire.CloseAuthRequired {
		t.Fatalf("expected close %d, got %v", wire.CloseAuthRequired, err)
	}
}

func TestPingPong(t *testing.T) {
	env, cleanup := newWsTestEnv(t)
	defer cleanup()

	conn := env.dial(t)
	defer conn.Close()

	sub, _ := json.Marshal(wire.SubscribeFrame{Type: wire.TypeSubscribe, Token: env.token})
	if err := conn.WriteMessage(gorillaws.TextMessage, sub); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	// Drain handshake frames.
	for {
		if readFrame(t, conn)["type"] == wire.TypeReplayComplete {
			break
		}
	}

	if err := conn.WriteMessage(gorillaws.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != wire.TypePong {
		t.Errorf("expected pong, got %v", frame["type"])
	}
}

func TestDedupeToolCallsLatestWins(t *testing.T) {
	mk := func(id, callID string) *models.Event {
		return &models.Event{ID: id, Type: models.EventToolCall, CallID: callID}
	}
	events := []*models.Event{
		mk("e1", "call-1"),
		{ID: "e2", Type: models.EventToolResult, CallID: "call-1"},
		mk("e3", "call-1"), // newer revision of call-1
		mk("e4", "call-2"),
	}

	out := dedupeToolCalls(events)
	ids := make([]string, 0, len(out))
	for _, e := range out {
		ids = append(ids, e.ID)
	}

	want := []string{"e2", "e3", "e4"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestPromptsFlowAfterHandshake(t *testing.T) {
	env, cleanup := newWsTestEnv(t)
	defer cleanup()

	conn := env.dial(t)
	defer conn.Close()
	env.subscribe(t, conn)

	// The upgrade handler has returned by now; the connection must keep
	// accepting prompts for its whole life.
	time.Sleep(50 * time.Millisecond)

	prompt, _ := json.Marshal(wire.PromptFrame{Type: wire.TypePrompt, Content: "run the tests"})
	if err := conn.WriteMessage(gorillaws.TextMessage, prompt); err != nil {
		t.Fatalf("failed to send prompt: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != wire.TypeProcessingStatus {
		t.Fatalf("expected processing_status ack, got %v (%v)", frame["type"], frame["message"])
	}
	if frame["messageId"] == nil {
		t.Error("expected messageId in ack")
	}
}

func eventFrame(t *testing.T, e *models.Event) []byte {
	t.Helper()
	frame, err := wire.New(wire.TypeSandboxEvent, map[string]interface{}{
		"event":    e,
		"category": string(models.CategoryOf(e.Type)),
	})
	if err != nil {
		t.Fatalf("failed to build frame: %v", err)
	}
	return frame
}

func TestReplayedEventNotRepeatedLive(t *testing.T) {
	env, cleanup := newWsTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	a, _ := env.registry.Get(ctx, env.sessionID)
	seeded := &models.Event{
		ID:        "seed-1",
		Type:      models.EventError,
		Data:      map[string]interface{}{"n": 1},
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	}
	if err := a.Ingress(ctx, seeded); err != nil {
		t.Fatalf("failed to seed event: %v", err)
	}

	conn := env.dial(t)
	defer conn.Close()
	env.subscribe(t, conn)

	// A fan-out racing the handshake can carry an event the replay already
	// delivered; the duplicate must be dropped, later events kept.
	env.hub.BroadcastEventToSession(env.sessionID, seeded.Key(), eventFrame(t, seeded))
	live := &models.Event{
		ID:        "live-1",
		Type:      models.EventError,
		CreatedAt: time.Now().UTC(),
	}
	env.hub.BroadcastEventToSession(env.sessionID, live.Key(), eventFrame(t, live))

	frame := readFrame(t, conn)
	if frame["type"] != wire.TypeSandboxEvent {
		t.Fatalf("expected sandbox_event, got %v", frame["type"])
	}
	if got := frameEventKey(t, frame).ID; got != "live-1" {
		t.Errorf("expected replayed event suppressed and live-1 delivered, got %s", got)
	}
}

func TestSubscribeRefreshesLastSeen(t *testing.T) {
	env, cleanup := newWsTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	before, err := env.store.GetParticipantByUserID(ctx, env.sessionID, "user-1")
	if err != nil {
		t.Fatalf("failed to load participant: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	conn := env.dial(t)
	defer conn.Close()
	env.subscribe(t, conn)

	after, err := env.store.GetParticipantByUserID(ctx, env.sessionID, "user-1")
	if err != nil {
		t.Fatalf("failed to load participant: %v", err)
	}
	if !after.LastSeen.After(before.LastSeen) {
		t.Errorf("expected subscribe to refresh last_seen, got %v then %v",
			before.LastSeen, after.LastSeen)
	}
}
