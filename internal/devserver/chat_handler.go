package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rag-chat-client/internal/middleware"
	"rag-chat-client/internal/model"
	"rag-chat-client/internal/repository"
	"rag-chat-client/pkg/backend"
	"rag-chat-client/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责处理聊天相关的 API 请求。
type ChatHandler struct {
	server *Server
}

// ChatRequest 是 /chat/message、/chat/message/stream 和 WebSocket 首帧的请求体。
type ChatRequest struct {
	Message        string `json:"message" binding:"required"`
	ConversationID *int64 `json:"conversation_id"`
}

// record 是流中的一条记录。
type record = gin.H

// Message 以一次响应返回完整回复。
func (h *ChatHandler) Message(c *gin.Context) {
	user := middleware.CurrentUser(c)
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	ctx := c.Request.Context()

	thread, err := h.server.openTurn(ctx, user, req)
	if err != nil {
		h.turnError(c, err)
		return
	}
	fragments, err := h.server.responder.Reply(ctx, thread.Messages, req.Message)
	if err != nil {
		log.Error("Message: failed to generate reply", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "The assistant could not answer: " + err.Error()})
		return
	}
	reply, err := h.server.conversations.Append(ctx, thread.ID, model.RoleAssistant, strings.Join(fragments, ""))
	if err != nil {
		log.Error("Message: failed to save reply", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to save reply"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":         reply.Content,
		"conversation_id": thread.ID,
		"message_id":      reply.ID,
		"timestamp":       isoformat(reply.CreatedAt),
	})
}

// Stream 以 SSE 记录逐段推送回复。请求校验失败时返回普通的错误响应。
func (h *ChatHandler) Stream(c *gin.Context) {
	user := middleware.CurrentUser(c)
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	ctx := c.Request.Context()

	thread, err := h.server.openTurn(ctx, user, req)
	if err != nil {
		h.turnError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	emit := func(rec record) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}
	if err := h.server.runTurn(ctx, user, thread, req.Message, emit); err != nil {
		log.Warnf("Stream: turn aborted: %v", err)
	}
}

// WebSocket 在 /chat/ws 上执行一轮对话：首帧是 ChatRequest，之后每帧一条记录，结束后正常关闭。
func (h *ChatHandler) WebSocket(c *gin.Context) {
	user, _, ok := middleware.Authenticate(h.server.jwt, h.server.users, h.server, c.Query("token"))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid or expired token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	defer func() {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}()

	emit := func(rec record) error {
		return conn.WriteJSON(rec)
	}

	var req ChatRequest
	if err := conn.ReadJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		_ = emit(errorRecord("invalid chat request"))
		return
	}
	ctx := c.Request.Context()
	thread, err := h.server.openTurn(ctx, user, req)
	if err != nil {
		_ = emit(errorRecord(err.Error()))
		return
	}
	if err := h.server.runTurn(ctx, user, thread, req.Message, emit); err != nil {
		log.Warnf("WebSocket: turn aborted: %v", err)
	}
}

// History 分页返回会话的历史消息。
func (h *ChatHandler) History(c *gin.Context) {
	user := middleware.CurrentUser(c)
	conversationID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "conversation id must be an integer"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || limit < 1 || limit > maxHistoryLimit {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit)})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "offset must not be negative"})
		return
	}

	thread, err := h.server.conversations.Get(c.Request.Context(), user.ID, conversationID)
	if err != nil {
		h.turnError(c, err)
		return
	}

	total := len(thread.Messages)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	messages := make([]backend.HistoryMessage, 0, end-start)
	for _, m := range thread.Messages[start:end] {
		messages = append(messages, backend.HistoryMessage{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Role:           m.Role,
			Content:        m.Content,
			CreatedAt:      model.Timestamp(m.CreatedAt),
		})
	}
	c.JSON(http.StatusOK, backend.HistoryResponse{
		ConversationID: conversationID,
		Messages:       messages,
		TotalMessages:  total,
		HasMore:        end < total,
	})
}

func (h *ChatHandler) turnError(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Conversation not found"})
		return
	}
	log.Error("chat request failed", err)
	c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
}

// openTurn 找到（或新建）本轮的会话并保存用户消息。返回的会话包含这条消息。
func (s *Server) openTurn(ctx context.Context, user *model.User, req ChatRequest) (*model.ChatThread, error) {
	var thread *model.ChatThread
	var err error
	if req.ConversationID == nil {
		thread, err = s.conversations.Create(ctx, user.ID, titleFor(req.Message))
	} else {
		thread, err = s.conversations.Get(ctx, user.ID, *req.ConversationID)
	}
	if err != nil {
		return nil, err
	}
	msg, err := s.conversations.Append(ctx, thread.ID, model.RoleUser, req.Message)
	if err != nil {
		return nil, err
	}
	thread.Messages = append(thread.Messages, *msg)
	return thread, nil
}

// runTurn 生成回复并通过 emit 依次发出 init、content、complete（或 error）记录。
func (s *Server) runTurn(ctx context.Context, user *model.User, thread *model.ChatThread, message string, emit func(record) error) error {
	if err := emit(record{
		"type":            "init",
		"conversation_id": thread.ID,
		"user_id":         user.ID,
		"timestamp":       isoformat(s.now()),
	}); err != nil {
		return err
	}

	fragments, replyErr := s.responder.Reply(ctx, thread.Messages, message)
	var content strings.Builder
	for i, fragment := range fragments {
		if i > 0 && s.opts.FragmentDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.opts.FragmentDelay):
			}
		}
		content.WriteString(fragment)
		if err := emit(record{
			"type":            "content",
			"chunk":           fragment,
			"chunk_index":     i,
			"conversation_id": thread.ID,
			"timestamp":       isoformat(s.now()),
		}); err != nil {
			return err
		}
	}
	if replyErr != nil {
		return emit(errorRecord(replyErr.Error()))
	}

	reply, err := s.conversations.Append(ctx, thread.ID, model.RoleAssistant, content.String())
	if err != nil {
		log.Error("failed to save streamed reply", err)
		return emit(errorRecord("failed to save reply"))
	}
	return emit(record{
		"type":            "complete",
		"conversation_id": thread.ID,
		"message_id":      reply.ID,
		"final_content":   reply.Content,
		"total_chunks":    len(fragments),
		"timestamp":       isoformat(reply.CreatedAt),
	})
}

func errorRecord(msg string) record {
	return record{"type": "error", "error": msg, "timestamp": isoformat(time.Now())}
}

func titleFor(message string) string {
	words := strings.Fields(message)
	if len(words) > 6 {
		return strings.Join(words[:6], " ") + "…"
	}
	return strings.Join(words, " ")
}
