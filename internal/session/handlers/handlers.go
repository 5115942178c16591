// Package handlers exposes the operator HTTP surface: the authenticated
// /internal/* API consumed by the gateway and the sandbox, the artifact
// upload endpoint, and health.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/apperr"
	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/httpmw"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/session/actor"
	"github.com/coderelay/coderelay/internal/session/artifacts"
	"github.com/coderelay/coderelay/internal/session/models"
	"github.com/coderelay/coderelay/internal/session/store"
	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

// SessionHandlers serves the operator channel.
type SessionHandlers struct {
	registry *actor.Registry
	store    *store.Store
	files    *artifacts.Storage
	cfg      *config.Config
	logger   *logger.Logger
}

// RegisterRoutes mounts all operator endpoints on the router.
func RegisterRoutes(router *gin.Engine, registry *actor.Registry, st *store.Store, files *artifacts.Storage, cfg *config.Config, log *logger.Logger) *SessionHandlers {
	h := &SessionHandlers{
		registry: registry,
		store:    st,
		files:    files,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "session-handlers")),
	}

	router.GET("/healthz", h.healthz)
	router.GET("/artifacts/:session/:file", h.serveArtifact)

	auth := httpmw.OperatorAuth(cfg.Auth.OperatorSecret)

	internal := router.Group("/internal", auth)
	internal.POST("/init", h.init)
	internal.POST("/prompt", h.prompt)
	internal.POST("/ws-token", h.wsToken)
	internal.GET("/participants", h.listParticipants)
	internal.POST("/participants", h.addParticipant)
	internal.GET("/messages", h.listMessages)
	internal.GET("/events", h.listEvents)
	internal.GET("/state", h.state)
	internal.POST("/sandbox-event", h.sandboxEvent)
	internal.POST("/stop", h.stop)
	internal.POST("/archive", h.archive)
	internal.POST("/unarchive", h.unarchive)

	router.POST("/sessions/:id/artifact", auth, h.uploadArtifact)

	return h
}

func (h *SessionHandlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "workspace": h.cfg.Workspace.ID})
}

// getActor resolves the session id from either the body DTO or query string.
func (h *SessionHandlers) getActor(c *gin.Context, sessionID string) (*actor.Actor, bool) {
	if sessionID == "" {
		sessionID = c.Query("sessionId")
	}
	if sessionID == "" {
		respondError(c, h.logger, apperr.BadRequest("sessionId is required"))
		return nil, false
	}
	a, err := h.registry.Get(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, h.logger, err)
		return nil, false
	}
	return a, true
}

func (h *SessionHandlers) init(c *gin.Context) {
	var req v1.InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperr.BadRequest("invalid request body"))
		return
	}
	sessionID, err := h.registry.Init(c.Request.Context(), actor.InitParams{
		SessionID:       req.SessionID,
		SessionName:     req.SessionName,
		RepoOwner:       req.RepoOwner,
		RepoName:        req.RepoName,
		RepoID:          req.RepoID,
		UserID:          req.UserID,
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
		GithubLogin:     req.GithubLogin,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, v1.InitResponse{SessionID: sessionID})
}

func (h *SessionHandlers) prompt(c *gin.Context) {
	var req v1.PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperr.BadRequest("invalid request body"))
		return
	}
	a, ok := h.getActor(c, req.SessionID)
	if !ok {
		return
	}

	source := models.MessageSource(req.Source)
	if source == "" {
		source = models.SourceWeb
	}
	res, err := a.EnqueuePrompt(c.Request.Context(), actor.PromptParams{
		Content:         req.Content,
		AuthorID:        req.AuthorID,
		Source:          source,
		Attachments:     req.Attachments,
		CallbackContext: req.CallbackContext,
		ReasoningEffort: req.ReasoningEffort,
		GithubLogin:     req.GithubLogin,
		DisplayName:     req.DisplayName,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, v1.PromptResponse{MessageID: res.MessageID, Status: res.Status})
}

func (h *SessionHandlers) wsToken(c *gin.Context) {
	var req v1.WsTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperr.BadRequest("invalid request body"))
		return
	}
	if req.UserID == "" {
		respondError(c, h.logger, apperr.BadRequest("userId is required"))
		return
	}
	a, ok := h.getActor(c, req.SessionID)
	if !ok {
		return
	}
	res, err := a.IssueWsToken(c.Request.Context(), req.UserID, req.GithubLogin, req.GithubName)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, v1.WsTokenResponse{Token: res.Token, ParticipantID: res.ParticipantID})
}

func (h *SessionHandlers) listParticipants(c *gin.Context) {
	a, ok := h.getActor(c, "")
	if !ok {
		return
	}
	participants, err := a.ListParticipants(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": participants})
}

func (h *SessionHandlers) addParticipant(c *gin.Context) {
	var req v1.ParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperr.BadRequest("invalid request body"))
		return
	}
	if req.UserID == "" {
		respondError(c, h.logger, apperr.BadRequest("userId is required"))
		return
	}
	a, ok := h.getActor(c, req.SessionID)
	if !ok {
		return
	}
	p, err := a.UpsertParticipant(c.Request.Context(), &models.Participant{
		UserID:      req.UserID,
		Role:        models.ParticipantRole(req.Role),
		GithubLogin: req.GithubLogin,
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *SessionHandlers) listMessages(c *gin.Context) {
	a, ok := h.getActor(c, "")
	if !ok {
		return
	}
	page, err := a.ListMessages(c.Request.Context(), store.ListMessagesOptions{
		Status: models.MessageStatus(c.Query("status")),
		Limit:  parseLimit(c.Query("limit")),
		Cursor: c.Query("cursor"),
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, v1.MessagesResponse{
		Messages: page.Messages, HasMore: page.HasMore, Cursor: page.Cursor,
	})
}

func (h *SessionHandlers) listEvents(c *gin.Context) {
	a, ok := h.getActor(c, "")
	if !ok {
		return
	}
	opts := store.ListEventsOptions{
		Type:   c.Query("type"),
		Limit:  parseLimit(c.Query("limit")),
		Cursor: c.Query("cursor"),
		Before: c.Query("before"),
	}
	var page *store.EventPage
	var err error
	if opts.Before != "" {
		page, err = a.LoadOlderEvents(c.Request.Context(), opts.Before, opts.Limit)
	} else {
		page, err = a.ListEvents(c.Request.Context(), opts)
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, v1.EventsResponse{
		Events: page.Events, HasMore: page.HasMore, Cursor: page.Cursor,
	})
}

func (h *SessionHandlers) state(c *gin.Context) {
	a, ok := h.getActor(c, "")
	if !ok {
		return
	}
	snap, err := a.State(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *SessionHandlers) sandboxEvent(c *gin.Context) {
	var req v1.SandboxEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperr.BadRequest("invalid request body"))
		return
	}
	a, ok := h.getActor(c, req.SessionID)
	if !ok {
		return
	}

	e := &models.Event{
		ID:        req.ID,
		Type:      req.Type,
		MessageID: req.MessageID,
		CallID:    req.CallID,
		Data:      req.Data,
	}
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	// Top-level convenience fields fold into the event payload.
	if req.Success != nil {
		e.Data["success"] = *req.Success
	}
	if req.Error != "" {
		e.Data["error"] = req.Error
	}
	if req.Status != "" {
		e.Data["status"] = req.Status
	}
	if req.SHA != "" {
		e.Data["sha"] = req.SHA
	}
	if req.SandboxID != "" {
		e.Data["sandboxId"] = req.SandboxID
	}
	if req.Timestamp > 0 {
		e.CreatedAt = time.UnixMilli(req.Timestamp).UTC()
	}

	if err := a.Ingress(c.Request.Context(), e); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (h *SessionHandlers) stop(c *gin.Context) {
	a, ok := h.getActor(c, sessionIDFromBody(c))
	if !ok {
		return
	}
	if err := a.Stop(c.Request.Context()); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopping": true})
}

func (h *SessionHandlers) archive(c *gin.Context) {
	a, ok := h.getActor(c, sessionIDFromBody(c))
	if !ok {
		return
	}
	if err := a.Archive(c.Request.Context()); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": true})
}

func (h *SessionHandlers) unarchive(c *gin.Context) {
	a, ok := h.getActor(c, sessionIDFromBody(c))
	if !ok {
		return
	}
	if err := a.Unarchive(c.Request.Context()); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": false})
}

// uploadArtifact accepts a multipart file plus metadata, stores the bytes,
// and records an artifact event so subscribers see it in the stream.
func (h *SessionHandlers) uploadArtifact(c *gin.Context) {
	sessionID := c.Param("id")
	a, ok := h.getActor(c, sessionID)
	if !ok {
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		respondError(c, h.logger, apperr.BadRequest("file is required"))
		return
	}
	artifactType := c.PostForm("type")
	if artifactType == "" {
		artifactType = string(models.ArtifactScreenshot)
	}

	url, err := h.files.Save(sessionID, file)
	if err != nil {
		respondError(c, h.logger, apperr.Internal(err))
		return
	}

	data := map[string]interface{}{
		"artifactType": artifactType,
		"url":          url,
	}
	if meta := c.PostForm("metadata"); meta != "" {
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(meta), &parsed); err == nil {
			data["metadata"] = parsed
		}
	}

	e := &models.Event{Type: models.EventArtifact, Data: data}
	if err := a.Ingress(c.Request.Context(), e); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, v1.ArtifactResponse{ArtifactID: e.ID, URL: url})
}

func (h *SessionHandlers) serveArtifact(c *gin.Context) {
	path, err := h.files.FilePath(c.Param("session"), c.Param("file"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found"})
		return
	}
	c.File(path)
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// sessionIDFromBody reads {"sessionId": ...} for endpoints with no other
// body fields.
func sessionIDFromBody(c *gin.Context) string {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		return ""
	}
	return body.SessionID
}
