package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"chat-sync/internal/engine"
	"chat-sync/internal/models"
	"chat-sync/internal/remote"
	"chat-sync/internal/repositories"
)

// SyncService is the engine surface exposed over the local API.
type SyncService interface {
	StartSync(ctx context.Context, userID string) error
	StopSync()
	UserID() string
	Status() models.SyncStatus
	ClearSession(ctx context.Context) error
	RunOutboxReconciliation(ctx context.Context) (models.OutboxReport, error)

	ConversationList(ctx context.Context) ([]models.ConversationMessage, error)
	DraftConversation(ctx context.Context, interlocutorID string) (models.Conversation, error)
	Conversation(ctx context.Context, conversationID string) (models.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	RecreateConversation(ctx context.Context, conversationID string) (models.Conversation, error)

	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	SendMessage(ctx context.Context, conversationID string, msg models.Message) (models.Message, error)
	RetryMessage(ctx context.Context, messageID string) (models.Message, error)

	BlockedUsers() []models.BlockedUser
	Block(ctx context.Context, userID string) error
	Unblock(ctx context.Context, userID string) error

	SetOpenConversation(conversationID string)
	ShouldPresent(push models.IncomingPush) bool
}

// SyncHandler serves the local API of the sync engine.
type SyncHandler struct {
	svc SyncService
}

// NewSyncHandler builds a SyncHandler.
func NewSyncHandler(svc SyncService) *SyncHandler {
	return &SyncHandler{svc: svc}
}

// RegisterRoutes mounts every endpoint of the handler on router.
func (h *SyncHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/sync/start", h.StartSync)
	router.POST("/sync/stop", h.StopSync)
	router.GET("/status", h.Status)
	router.POST("/session/clear", h.ClearSession)
	router.PUT("/session/open-conversation", h.SetOpenConversation)
	router.POST("/outbox/reconcile", h.Reconcile)

	router.GET("/conversations", h.ListConversations)
	router.POST("/conversations", h.DraftConversation)
	router.GET("/conversations/:id", h.GetConversation)
	router.DELETE("/conversations/:id", h.DeleteConversation)
	router.POST("/conversations/:id/recreate", h.RecreateConversation)
	router.GET("/conversations/:id/messages", h.ListMessages)
	router.POST("/conversations/:id/messages", h.SendMessage)
	router.POST("/conversations/:id/messages/:message_id/retry", h.RetryMessage)

	router.GET("/blocks", h.ListBlocks)
	router.POST("/blocks/:user_id", h.Block)
	router.DELETE("/blocks/:user_id", h.Unblock)

	router.POST("/notifications/evaluate", h.EvaluateNotification)
}

// StartSync signs the given user in and starts syncing.
func (h *SyncHandler) StartSync(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.StartSync(c.Request.Context(), strings.TrimSpace(req.UserID)); err != nil {
		writeError(c, err, "failed to start sync")
		return
	}
	c.JSON(http.StatusOK, h.svc.Status())
}

func (h *SyncHandler) StopSync(c *gin.Context) {
	h.svc.StopSync()
	c.JSON(http.StatusOK, h.svc.Status())
}

func (h *SyncHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status())
}

// ClearSession stops sync and wipes the local cache.
func (h *SyncHandler) ClearSession(c *gin.Context) {
	if err := h.svc.ClearSession(c.Request.Context()); err != nil {
		writeError(c, err, "failed to clear session")
		return
	}
	c.Status(http.StatusNoContent)
}

// SetOpenConversation records which conversation the user is looking at. An
// empty id clears it.
func (h *SyncHandler) SetOpenConversation(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.svc.SetOpenConversation(req.ConversationID)
	c.Status(http.StatusNoContent)
}

func (h *SyncHandler) Reconcile(c *gin.Context) {
	report, err := h.svc.RunOutboxReconciliation(c.Request.Context())
	if err != nil {
		writeError(c, err, "failed to reconcile outbox")
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListConversations returns the conversation list, newest activity first.
func (h *SyncHandler) ListConversations(c *gin.Context) {
	list, err := h.svc.ConversationList(c.Request.Context())
	if err != nil {
		writeError(c, err, "failed to load conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

// DraftConversation returns the conversation with an interlocutor, creating
// a local draft when none exists.
func (h *SyncHandler) DraftConversation(c *gin.Context) {
	var req struct {
		InterlocutorID string `json:"interlocutor_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.InterlocutorID == h.svc.UserID() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
		return
	}
	conv, err := h.svc.DraftConversation(c.Request.Context(), req.InterlocutorID)
	if err != nil {
		writeError(c, err, "failed to open conversation")
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *SyncHandler) GetConversation(c *gin.Context) {
	conv, err := h.svc.Conversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "failed to load conversation")
		return
	}
	c.JSON(http.StatusOK, conv)
}

// DeleteConversation deletes a conversation for the signed-in user. A
// conversation left in deleting is returned with 202 and retried later.
func (h *SyncHandler) DeleteConversation(c *gin.Context) {
	conv, err := h.svc.DeleteConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "failed to delete conversation")
		return
	}
	if conv.State == models.ConversationDeleting {
		c.JSON(http.StatusAccepted, conv)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SyncHandler) RecreateConversation(c *gin.Context) {
	conv, err := h.svc.RecreateConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "failed to recreate conversation")
		return
	}
	c.JSON(http.StatusOK, conv)
}

// ListMessages returns the visible messages of a conversation.
func (h *SyncHandler) ListMessages(c *gin.Context) {
	msgs, err := h.svc.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "failed to load messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendMessage sends a message into a conversation. The optional id makes
// the call idempotent.
func (h *SyncHandler) SendMessage(c *gin.Context) {
	var req struct {
		ID      string `json:"id"`
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}

	msg, err := h.svc.SendMessage(c.Request.Context(), c.Param("id"), models.Message{ID: req.ID, Content: req.Content})
	if err != nil {
		writeError(c, err, "failed to send message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *SyncHandler) RetryMessage(c *gin.Context) {
	msg, err := h.svc.RetryMessage(c.Request.Context(), c.Param("message_id"))
	if err != nil {
		writeError(c, err, "failed to retry message")
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *SyncHandler) ListBlocks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"blocked_users": h.svc.BlockedUsers()})
}

func (h *SyncHandler) Block(c *gin.Context) {
	if err := h.svc.Block(c.Request.Context(), c.Param("user_id")); err != nil {
		writeError(c, err, "failed to block user")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SyncHandler) Unblock(c *gin.Context) {
	if err := h.svc.Unblock(c.Request.Context(), c.Param("user_id")); err != nil {
		writeError(c, err, "failed to unblock user")
		return
	}
	c.Status(http.StatusNoContent)
}

// EvaluateNotification reports whether an incoming push should be shown.
func (h *SyncHandler) EvaluateNotification(c *gin.Context) {
	var push models.IncomingPush
	if err := c.ShouldBindJSON(&push); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"present": h.svc.ShouldPresent(push)})
}

func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, engine.ErrNotSyncing):
		c.JSON(http.StatusConflict, gin.H{"error": "sync is not running"})
	case errors.Is(err, repositories.ErrNotFound), errors.Is(err, remote.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, models.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, remote.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, remote.ErrNoConnectivity), errors.Is(err, remote.ErrTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "remote unavailable"})
	default:
		jww.ERROR.Printf("[Handler] %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
