package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manash/archrefine/internal/session"
	"github.com/manash/archrefine/pkg/models"
)

// HistoryStore is the read side of the run store.
type HistoryStore interface {
	ListSessions(ctx context.Context) ([]*session.StoredSession, error)
	GetSession(ctx context.Context, id string) (*session.StoredSession, error)
	ListIterations(ctx context.Context, sessionID string) ([]*models.Iteration, error)
}

// Handler serves the session API on top of a Registry.
type Handler struct {
	registry *session.Registry
	history  HistoryStore
	hub      *Hub
	upgrader *websocket.Upgrader
	log      zerolog.Logger
}

func NewHandler(registry *session.Registry, history HistoryStore, hub *Hub, log zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		history:  history,
		hub:      hub,
		upgrader: newUpgrader(nil),
		log:      log.With().Str("component", "api").Logger(),
	}
}

type createSessionRequest struct {
	Prompt        string                     `json:"prompt" binding:"required"`
	AutoRefine    bool                       `json:"auto_refine"`
	TargetScore   *int                       `json:"target_score"`
	MaxIterations *int                       `json:"max_iterations"`
	Settings      *models.GenerationSettings `json:"settings"`
	Persona       string                     `json:"persona"`
}

type generateRequest struct {
	Settings *models.GenerationSettings `json:"settings"`
}

type refineRequest struct {
	Feedback      string                     `json:"feedback"`
	ScoreOverride *int                       `json:"score_override"`
	Settings      *models.GenerationSettings `json:"settings"`
}

type updatePromptRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

type autoRefineRequest struct {
	Enabled       *bool `json:"enabled" binding:"required"`
	TargetScore   *int  `json:"target_score"`
	MaxIterations *int  `json:"max_iterations"`
}

type listSessionsResponse struct {
	Sessions []*session.Session `json:"sessions"`
	Total    int                `json:"total"`
}

type historySessionsResponse struct {
	Sessions []*session.StoredSession `json:"sessions"`
	Total    int                      `json:"total"`
}

type historySessionResponse struct {
	*session.StoredSession
	Iterations []*models.Iteration `json:"iterations"`
}

// bindOptionalJSON binds the body when there is one. Empty bodies are valid
// for endpoints whose fields are all optional.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	sess, err := h.registry.Create(session.CreateRequest{
		Prompt:        req.Prompt,
		AutoRefine:    req.AutoRefine,
		TargetScore:   req.TargetScore,
		MaxIterations: req.MaxIterations,
		Settings:      req.Settings,
		Persona:       models.Persona(req.Persona),
	})
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.registry.List()
	c.JSON(http.StatusOK, listSessionsResponse{Sessions: sessions, Total: len(sessions)})
}

func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.registry.Get(c.Param("id"))
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) CloseSession(c *gin.Context) {
	if err := h.registry.Close(c.Param("id")); err != nil {
		h.abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) AcceptSession(c *gin.Context) {
	sess, err := h.registry.Accept(c.Param("id"))
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Generate runs generate and evaluate for the current prompt. It also
// serves as regenerate.
func (h *Handler) Generate(c *gin.Context) {
	var req generateRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}

	it, err := h.registry.RunGenerateEvaluate(c.Request.Context(), c.Param("id"), req.Settings)
	if err != nil {
		h.abortWithIteration(c, err, it)
		return
	}
	c.JSON(http.StatusOK, it)
}

func (h *Handler) Refine(c *gin.Context) {
	var req refineRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}

	it, err := h.registry.Refine(c.Request.Context(), c.Param("id"), session.RefineRequest{
		Feedback:      req.Feedback,
		ScoreOverride: req.ScoreOverride,
		Settings:      req.Settings,
	})
	if err != nil {
		h.abortWithIteration(c, err, it)
		return
	}
	c.JSON(http.StatusOK, it)
}

func (h *Handler) UpdatePrompt(c *gin.Context) {
	var req updatePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	sess, err := h.registry.UpdatePrompt(c.Param("id"), req.Prompt)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.registry.Cancel(id); err != nil {
		h.abort(c, err)
		return
	}
	sess, err := h.registry.Get(id)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sess)
}

func (h *Handler) SetAutoRefine(c *gin.Context) {
	var req autoRefineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	sess, err := h.registry.SetAutoRefine(c.Param("id"), session.AutoRefineRequest{
		Enabled:       *req.Enabled,
		TargetScore:   req.TargetScore,
		MaxIterations: req.MaxIterations,
	})
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) HistorySessions(c *gin.Context) {
	if h.history == nil {
		h.abort(c, errHistoryDisabled)
		return
	}
	sessions, err := h.history.ListSessions(c.Request.Context())
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, historySessionsResponse{Sessions: sessions, Total: len(sessions)})
}

func (h *Handler) HistorySession(c *gin.Context) {
	if h.history == nil {
		h.abort(c, errHistoryDisabled)
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	sess, err := h.history.GetSession(ctx, id)
	if err != nil {
		h.abort(c, err)
		return
	}
	iterations, err := h.history.ListIterations(ctx, id)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, historySessionResponse{StoredSession: sess, Iterations: iterations})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"sessions": len(h.registry.List()),
	})
}
