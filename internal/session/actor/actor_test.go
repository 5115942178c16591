package actor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/coderelay/coderelay/internal/common/apperr"
	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/db"
	"github.com/coderelay/coderelay/internal/session/models"
	"github.com/coderelay/coderelay/internal/session/sandbox"
	"github.com/coderelay/coderelay/internal/session/store"
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

func testConfig() *config.Config {
	return &config.Config{
		Sandbox: config.SandboxConfig{
			CommandTimeout:     5,
			CommandRetries:     2,
			StartRetries:       2,
			HeartbeatThreshold: 90,
			StopGraceSeconds:   30,
		},
		Aggregator: config.AggregatorConfig{FlushIntervalMs: 3600000, MaxTokens: 1000},
		Models: config.ModelsConfig{
			Default:       "claude-sonnet-4-5",
			Valid:         []string{"claude-sonnet-4-5", "claude-opus-4-1"},
			ValidEfforts:  []string{"none", "low", "medium", "high", "xhigh", "max"},
			DefaultEffort: "medium",
		},
		Auth: config.AuthConfig{TokenPepper: "test-pepper"},
	}
}

func newTestRegistry(t *testing.T) (*Registry, *store.Store, func()) {
	t.Helper()
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
	cfg := testConfig()
	client := sandbox.NewClient(provider.URL, "secret", 5*time.Second, 2, log)
	ctrl := sandbox.NewController(st, client, nil, 2, time.Minute, log)
	reg := NewRegistry(st, nil, ctrl, client, cfg, log)

	cleanup := func() {
		reg.Close()
		provider.Close()
		_ = pool.Close()
	}
	return reg, st, cleanup
}

func initSession(t *testing.T, reg *Registry, effort string) string {
	t.Helper()
	id, err := reg.Init(context.Background(), InitParams{
		RepoOwner:       "acme",
		RepoName:        "widgets",
		UserID:          "user-1",
		Model:           "claude-sonnet-4-5",
		ReasoningEffort: effort,
	})
	if err != nil {
		t.Fatalf("failed to init session: %v", err)
	}
	return id
}

func TestInitIdempotent(t *testing.T) {
	reg, st, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	id1, err := reg.Init(ctx, InitParams{
		SessionID: "fixed-id", RepoOwner: "acme", RepoName: "widgets", UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("first init failed: %v", err)
	}
	id2, err := reg.Init(ctx, InitParams{
		SessionID: "fixed-id", RepoOwner: "other", RepoName: "irrelevant", UserID: "user-2",
	})
	if err != nil {
		t.Fatalf("second init failed: %v", err)
	}
	if id1 != id2 || id1 != "fixed-id" {
		t.Errorf("expected both inits to return fixed-id, got %s and %s", id1, id2)
	}

	// The second init did not overwrite the session.
	session, err := st.GetSession(ctx, "fixed-id")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if session.RepoOwner != "acme" {
		t.Errorf("expected repo owner acme, got %s", session.RepoOwner)
	}

	// The creating user is the owner.
	participants, err := st.ListParticipants(ctx, "fixed-id")
	if err != nil {
		t.Fatalf("failed to list participants: %v", err)
	}
	if len(participants) != 1 || participants[0].Role != models.RoleOwner {
		t.Errorf("expected a single owner participant, got %+v", participants)
	}
}

func TestInitUnknownModelFallsBack(t *testing.T) {
	reg, st, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	id, err := reg.Init(ctx, InitParams{
		RepoOwner: "acme", RepoName: "widgets", UserID: "user-1", Model: "gpt-99",
	})
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	session, err := st.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if session.Model != "claude-sonnet-4-5" {
		t.Errorf("expected fallback to default model, got %s", session.Model)
	}
}

func TestInvalidEffortDroppedAtInit(t *testing.T) {
	reg, st, cleanup := newTestRegistry(t)
	defer cleanup()

	id := initSession(t, reg, "invalid")
	session, err := st.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if session.ReasoningEffort != "" {
		t.Errorf("expected invalid effort dropped, got %q", session.ReasoningEffort)
	}
}

func TestEnqueuePrompt(t *testing.T) {
	reg, st, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()
	id := initSession(t, reg, "")

	a, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get actor: %v", err)
	}

	res, err := a.EnqueuePrompt(ctx, PromptParams{
		Content:  "Fix the login bug",
		AuthorID: "user-1",
		Source:   models.SourceWeb,
	})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if res.MessageID == "" {
		t.Fatal("expected a message id")
	}
	if res.Status != "queued" && res.Status != "processing" {
		t.Errorf("unexpected status %q", res.Status)
	}

	msg, err := st.GetMessage(ctx, res.MessageID)
	if err != nil {
		t.Fatalf("failed to get message: %v", err)
	}
	if msg.Status != models.MessagePending && msg.Status != models.MessageProcessing {
		t.Errorf("expected pending or processing, got %s", msg.Status)
	}

	// A user_message event with matching messageId and content exists.
	page, err := a.ListEvents(ctx, store.ListEventsOptions{Type: models.EventUserMessage, Limit: 10})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(page.Events) != 1 {
		t.Fatalf("expected 1 user_message event, got %d", len(page.Events))
	}
	ev := page.Events[0]
	if ev.Data["messageId"] != res.MessageID || ev.Data["content"] != "Fix the login bug" {
		t.Errorf("unexpected event data: %+v", ev.Data)
	}
}

func TestEnqueueRejectedWhenArchived(t *testing.T) {
	reg, _, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()
	id := initSession(t, reg, "")

	a, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get actor: %v", err)
	}
	if err := a.Archive(ctx); err != nil {
		t.Fatalf("failed to archive: %v", err)
	}

	_, err = a.EnqueuePrompt(ctx, PromptParams{Content: "nope", AuthorID: "user-1"})
	if apperr.Kind(err) != apperr.KindSessionTerminal {
		t.Errorf("expected session_terminal, got %v", err)
	}

	if err := a.Unarchive(ctx); err != nil {
		t.Fatalf("failed to unarchive: %v", err)
	}
	if _, err := a.EnqueuePrompt(ctx, PromptParams{Content: "ok now", AuthorID: "user-1"}); err != nil {
		t.Errorf("expected enqueue after unarchive to succeed, got %v", err)
	}
}

func TestEnqueueRejectedWhenCompleted(t *testing.T) {
	reg, st, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()
	id := initSession(t, reg, "")

	if err := st.UpdateSessionStatus(ctx, id, models.SessionCompleted); err != nil {
		t.Fatalf("failed to complete session: %v", err)
	}
	a, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get actor: %v", err)
	}

	_, err = a.EnqueuePrompt(ctx, PromptParams{Content: "nope", AuthorID: "user-1"})
	if apperr.Kind(err) != apperr.KindSessionTerminal {
		t.Errorf("expected session_terminal for completed session, got %v", err)
	}
}

func TestSecondOwnerJoinsAsMember(t *testing.T) {
	reg, st, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()
	id := initSession(t, reg, "")

	a, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get actor: %v", err)
	}

	// Init already seated user-1 as owner.
	p, err := a.UpsertParticipant(ctx, &models.Participant{UserID: "user-2", Role: models.RoleOwner})
	if err != nil {
		t.Fatalf("failed to upsert participant: %v", err)
	}
	if p.Role != models.RoleMember {
		t.Errorf("expected second owner demoted to member, got %s", p.Role)
	}
	stored, err := st.GetParticipantByUserID(ctx, id, "user-2")
	if err != nil {
		t.Fatalf("failed to load participant: %v", err)
	}
	if stored.Role != models.RoleMember {
		t.Errorf("expected member persisted, got %s", stored.Role)
	}

	_, err = a.UpsertParticipant(ctx, &models.Participant{UserID: "user-3", Role: "admin"})
	if apperr.Kind(err) != apperr.KindBadRequest {
		t.Errorf("expected bad_request for unknown role, got %v", err)
	}
}

func TestReasoningEffortPrecedence(t *testing.T) {
	reg, st, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()
	id := initSession(t, reg, "max")

	a, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get actor: %v", err)
	}

	withOverride, err := a.EnqueuePrompt(ctx, PromptParams{
		Content: "a", AuthorID: "user-1", ReasoningEffort: "high",
	})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	without, err := a.EnqueuePrompt(ctx, PromptParams{Content: "b", AuthorID: "user-1"})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	invalid, err := a.EnqueuePrompt(ctx, PromptParams{
		Content: "c", AuthorID: "user-1", ReasoningEffort: "turbo",
	})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	msg, _ := st.GetMessage(ctx, withOverride.MessageID)
	if msg.ReasoningEffort != "high" {
		t.Errorf("expected per-message override high, got %q", msg.ReasoningEffort)
	}
	msg, _ = st.GetMessage(ctx, without.MessageID)
	if msg.ReasoningEffort != "" {
		t.Errorf("expected empty effort, got %q", msg.ReasoningEffort)
	}
	msg, _ = st.GetMessage(ctx, invalid.MessageID)
	if msg.ReasoningEffort != "" {
		t.Errorf("expected invalid effort dropped, got %q", msg.ReasoningEffort)
	}

	// The session row retains its own default.
	session, _ := st.GetSession(ctx, id)
	if session.ReasoningEffort != "max" {
		t.Errorf("expected session effort max, got %q", session.ReasoningEffort)
	}

	// The fallback chain resolves at command-build time.
	cfg := testConfig()
	if got := cfg.Models.ResolveEffort("high", "max"); got != "high" {
		t.Errorf("expected high, got %s", got)
	}
	if got := cfg.Models.ResolveEffort("", "max"); got != "max" {
		t.Errorf("expected max, got %s", got)
	}
	if got := cfg.Models.ResolveEffort("", ""); got != "medium" {
		t.Errorf("expected model default medium, got %s", got)
	}
}

func TestExecutionCompleteAdvancesQueue(t *testing.T) {
	reg, st, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()
	id := initSession(t, reg, "")

	a, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get actor: %v", err)
	}

	first, err := a.EnqueuePrompt(ctx, PromptParams{Content: "first", AuthorID: "user-1"})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	second, err := a.EnqueuePrompt(ctx, PromptParams{Content: "second", AuthorID: "user-1"})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	// Wait for the dispatcher to pick up the first message.
	waitForStatus(t, st, first.MessageID, models.MessageProcessing)

	// At most one message processing at any time.
	msg, _ := st.GetMessage(ctx, second.MessageID)
	if msg.Status != models.MessagePending {
		t.Errorf("expected second message pending, got %s", msg.Status)
	}

	err = a.Ingress(ctx, &models.Event{
		Type:      models.EventExecutionComplete,
		MessageID: first.MessageID,
		Data:      map[string]interface{}{"success": true},
	})
	if err != nil {
		t.Fatalf("failed to ingest completion: %v", err)
	}

	waitForStatus(t, st, first.MessageID, models.MessageCompleted)
	final, _ := st.GetMessage(ctx, first.MessageID)
	if final.CompletedAt == nil {
		t.Error("expected completedAt to be set")
	}

	// The queue advances to the second message.
	waitForStatus(t, st, second.MessageID, models.MessageProcessing)
}

func waitForStatus(t *testing.T, st *store.Store, messageID string, want models.MessageStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := st.GetMessage(context.Background(), messageID)
		if err == nil && msg.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	msg, _ := st.GetMessage(context.Background(), messageID)
	t.Fatalf("message %s never reached %s, last status %v", messageID, want, msg)
}

func TestIssueWsToken(t *testing.T) {
	reg, st, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()
	id := initSession(t, reg, "")

	a, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get actor: %v", err)
	}

	res, err := a.IssueWsToken(ctx, "user-1", "alice", "Alice")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if res.Token == "" || res.ParticipantID == "" {
		t.Fatal("expected token and participant id")
	}

	// The stored value is a 64-hex digest distinct from the raw token.
	p, err := st.GetParticipantByUserID(ctx, id, "user-1")
	if err != nil {
		t.Fatalf("failed to get participant: %v", err)
	}
	if p.TokenHash == res.Token {
		t.Error("raw token must never be stored")
	}
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(p.TokenHash) {
		t.Errorf("expected 64-hex hash, got %q", p.TokenHash)
	}

	// The raw token authorizes a subscriber.
	found, err := a.AuthorizeToken(ctx, res.Token)
	if err != nil {
		t.Fatalf("failed to authorize: %v", err)
	}
	if found.ID != res.ParticipantID {
		t.Errorf("expected participant %s, got %s", res.ParticipantID, found.ID)
	}

	if _, err := a.AuthorizeToken(ctx, "wrong-token"); apperr.Kind(err) != apperr.KindUnauthorized {
		t.Errorf("expected unauthorized for wrong token, got %v", err)
	}

	if _, err := a.IssueWsToken(ctx, "", "", ""); apperr.Kind(err) != apperr.KindBadRequest {
		t.Errorf("expected bad_request for missing userId, got %v", err)
	}
}

func TestStateSnapshot(t *testing.T) {
	reg, _, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()
	id := initSession(t, reg, "max")

	a, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get actor: %v", err)
	}

	snap, err := a.State(ctx)
	if err != nil {
		t.Fatalf("failed to read state: %v", err)
	}
	if snap.Session == nil || snap.Session.ID != id {
		t.Fatal("expected session in snapshot")
	}
	if snap.Session.ReasoningEffort != "max" {
		t.Errorf("expected reasoningEffort max in snapshot, got %q", snap.Session.ReasoningEffort)
	}
	if len(snap.Participants) != 1 {
		t.Errorf("expected 1 participant, got %d", len(snap.Participants))
	}
	if snap.Sandbox == nil {
		t.Error("expected sandbox record in snapshot")
	}
}
