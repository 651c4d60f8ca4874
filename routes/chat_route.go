package routes

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chat_sync_go/models"
	"chat_sync_go/services"
)

const historyWait = 15 * time.Second

type chatHandlers struct {
	session *services.Session
}

type entryResponse struct {
	models.Message
	Pending bool `json:"pending"`
}

func entries(es []models.Entry) []entryResponse {
	out := make([]entryResponse, len(es))
	for i, e := range es {
		out[i] = entryResponse{Message: e.Message, Pending: e.Pending()}
	}
	return out
}

type directRequest struct {
	Email string `json:"email" binding:"required,email"`
	Reuse bool   `json:"reuse"`
}

type groupRequest struct {
	Name   string   `json:"name" binding:"required"`
	Emails []string `json:"emails" binding:"dive,email"`
}

type sendRequest struct {
	Content string `json:"content" binding:"required"`
}

type typingRequest struct {
	IsTyping bool `json:"isTyping"`
}

type reactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

func SetupChatRoutes(r *gin.Engine, session *services.Session) {
	h := &chatHandlers{session: session}

	v1 := r.Group("/api/v1")
	v1.GET("/chats", h.listConversations)
	v1.POST("/chats/direct", h.createDirect)
	v1.GET("/findOrCreateChat", h.findOrCreateDirect)
	v1.POST("/chats/group", h.createGroup)
	v1.GET("/chats/:chatId/members", h.members)
	v1.DELETE("/chats/:chatId/membership", h.leave)
	v1.DELETE("/views/current", h.closeCurrent)

	v1.GET("/messages/:chatId", h.messages)
	v1.POST("/messages/:chatId", h.send)
	v1.POST("/messages/:chatId/attachments", h.sendAttachment)
	v1.PUT("/messages/:chatId/typing", h.typing)
	v1.POST("/messages/:chatId/read", h.markRead)

	v1.GET("/reactions/:messageId", h.reactions)
	v1.POST("/reactions/:messageId", h.toggleReaction)
}

func (h *chatHandlers) listConversations(c *gin.Context) {
	me, err := h.session.Identity().CurrentUser(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	convs, err := h.session.Conversations().ListForUser(c.Request.Context(), me.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, convs)
}

func (h *chatHandlers) createDirect(c *gin.Context) {
	var req directRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if req.Reuse {
		h.respondFindOrCreate(c, req.Email)
		return
	}
	conv, err := h.session.Conversations().CreateDirect(c.Request.Context(), req.Email)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *chatHandlers) findOrCreateDirect(c *gin.Context) {
	h.respondFindOrCreate(c, c.Query("email"))
}

func (h *chatHandlers) respondFindOrCreate(c *gin.Context, email string) {
	conv, created, err := h.session.Conversations().FindOrCreateDirect(c.Request.Context(), email)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, conv)
}

func (h *chatHandlers) createGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	conv, err := h.session.Conversations().CreateGroup(c.Request.Context(), req.Name, req.Emails)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *chatHandlers) members(c *gin.Context) {
	members, err := h.session.Conversations().Members(c.Request.Context(), c.Param("chatId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, members)
}

func (h *chatHandlers) leave(c *gin.Context) {
	chatID := c.Param("chatId")
	if err := h.session.Conversations().Leave(c.Request.Context(), chatID); err != nil {
		respondError(c, err)
		return
	}
	if v := h.session.Current(); v != nil && v.ConversationID() == chatID {
		v.Close()
	}
	c.Status(http.StatusNoContent)
}

func (h *chatHandlers) closeCurrent(c *gin.Context) {
	h.session.CloseCurrent()
	c.Status(http.StatusNoContent)
}

// view returns the open view for chatId, opening it (and closing any other)
// when needed.
func (h *chatHandlers) view(ctx context.Context, chatID string) (*services.ConversationView, error) {
	if v := h.session.Current(); v != nil && v.ConversationID() == chatID {
		return v, nil
	}
	return h.session.Open(ctx, chatID)
}

func (h *chatHandlers) messages(c *gin.Context) {
	v, err := h.view(c.Request.Context(), c.Param("chatId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !waitLoaded(c, v) {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversationId": v.ConversationID(),
		"messages":       entries(v.Entries()),
		"typing":         v.TypingUsers(),
	})
}

// waitLoaded gives the initial history a bounded time to arrive. It reports
// false when the client went away.
func waitLoaded(c *gin.Context, v *services.ConversationView) bool {
	select {
	case <-v.Loaded():
	case <-time.After(historyWait):
	case <-c.Request.Context().Done():
		return false
	}
	return true
}

func (h *chatHandlers) send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	v, err := h.view(c.Request.Context(), c.Param("chatId"))
	if err != nil {
		respondError(c, err)
		return
	}
	msg, err := v.Send(c.Request.Context(), req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *chatHandlers) sendAttachment(c *gin.Context) {
	maxSize := h.session.Constraints().MaxSize
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not get file from request"})
		return
	}
	file, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not open uploaded file"})
		return
	}
	defer file.Close()

	// One byte past the limit is enough for validation to reject it.
	reader := io.Reader(file)
	if maxSize > 0 {
		reader = io.LimitReader(file, maxSize+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read uploaded file"})
		return
	}

	v, err := h.view(c.Request.Context(), c.Param("chatId"))
	if err != nil {
		respondError(c, err)
		return
	}
	msg, err := v.SendAttachment(c.Request.Context(), c.PostForm("caption"), services.File{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *chatHandlers) typing(c *gin.Context) {
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	v, err := h.view(c.Request.Context(), c.Param("chatId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := v.SetTyping(c.Request.Context(), req.IsTyping); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *chatHandlers) markRead(c *gin.Context) {
	v, err := h.view(c.Request.Context(), c.Param("chatId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !waitLoaded(c, v) {
		return
	}
	n, err := v.MarkRead(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

func (h *chatHandlers) reactions(c *gin.Context) {
	counts, err := h.session.Reactions().List(c.Request.Context(), c.Param("messageId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reactions": counts, "quick": services.QuickReactions})
}

func (h *chatHandlers) toggleReaction(c *gin.Context) {
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	on, err := h.session.Reactions().Toggle(c.Request.Context(), c.Param("messageId"), req.Emoji)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reacted": on})
}
