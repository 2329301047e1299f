package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.opentelemetry.io/otel"

	"chat-sync/internal/observability"
	"chat-sync/internal/repositories"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler streams conversation list and message snapshots to
// local clients.
type WebSocketHandler struct {
	hub *Hub
}

// NewWebSocketHandler constructs a WebSocketHandler.
func NewWebSocketHandler(hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// Conversations streams the conversation list with last messages.
func (h *WebSocketHandler) Conversations(c *gin.Context) {
	h.handle(c, KindConversations, "")
}

// Messages streams the visible messages of one conversation.
func (h *WebSocketHandler) Messages(c *gin.Context) {
	conversationID := c.Param("id")
	if _, err := h.hub.source.Conversation(c.Request.Context(), conversationID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}
	h.handle(c, KindMessages, conversationID)
}

func (h *WebSocketHandler) handle(c *gin.Context, kind, resourceID string) {
	userID := h.hub.source.UserID()
	if userID == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "sync is not running"})
		return
	}

	ctx, span := otel.Tracer("chat-sync/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		jww.WARN.Printf("[WS] upgrade %s: %v", kind, err)
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	observability.IncWSActive(kind)
	h.hub.PublishEvent(ctx, kind, resourceID, "ws_connect", info, "")
	h.hub.AddClient(kind, resourceID, conn, info)

	// Clients only read; the loop detects the close.
	go func() {
		var closeReason string
		defer func() {
			h.hub.RemoveClient(kind, resourceID, conn)
			observability.DecWSActive(kind)
			h.hub.PublishEvent(context.Background(), kind, resourceID, "ws_disconnect", info, closeReason)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.hub.PublishEvent(context.Background(), kind, resourceID, "ws_error", info, closeReason)
				}
				return
			}
		}
	}()
}
