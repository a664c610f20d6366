// Package service 包含了应用的业务逻辑层：把会话存储、会话关联、认证和流式客户端串成一轮完整的对话。
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"rag-chat-client/internal/apperr"
	"rag-chat-client/internal/auth"
	"rag-chat-client/internal/model"
	"rag-chat-client/internal/session"
	"rag-chat-client/internal/store"
	"rag-chat-client/internal/stream"
	"rag-chat-client/pkg/backend"
	"rag-chat-client/pkg/log"
)

const historyPageSize = 100

// Streamer 执行一轮对话，由 stream.Client 实现。
type Streamer interface {
	Stream(ctx context.Context, mode stream.Mode, turn stream.Turn) <-chan stream.Event
}

// HistorySource 获取后端会话历史，由 backend.Client 实现。
type HistorySource interface {
	History(ctx context.Context, conversationID int64, limit, offset int) (*backend.HistoryResponse, error)
}

// Authenticator 是 ChatService 对认证会话的需求，由 auth.Manager 实现。
type Authenticator interface {
	Token() (string, error)
	OnStateChange(fn func(from, to auth.State)) (unsubscribe func())
}

// TurnResult 标识一轮对话写入存储的位置。
type TurnResult struct {
	LocalID string
	ReplyID int64
}

// ChatService 定义了聊天操作的接口。
type ChatService interface {
	NewConversation() string
	SelectConversation(localID string)
	DeleteConversation(localID string)
	Send(ctx context.Context, text string, attachment *model.Attachment) (*TurnResult, error)
	OpenBackendConversation(ctx context.Context, backendID int64) (string, error)
	Reload(ctx context.Context, localID string) error
	Mode() stream.Mode
	SetMode(mode stream.Mode)
	Close()
}

type chatService struct {
	store      *store.Store
	correlator *session.Correlator
	streamer   Streamer
	history    HistorySource
	auth       Authenticator
	status     StatusService
	mode       atomic.Int32

	closeOnce   sync.Once
	unsubscribe func()
}

// NewChatService 创建一个新的 ChatService 实例。认证会话进入 LoggedOut 时会清空 correlator。
func NewChatService(st *store.Store, correlator *session.Correlator, streamer Streamer, history HistorySource,
	authenticator Authenticator, status StatusService, mode stream.Mode) ChatService {
	s := &chatService{
		store:      st,
		correlator: correlator,
		streamer:   streamer,
		history:    history,
		auth:       authenticator,
		status:     status,
	}
	s.mode.Store(int32(mode))
	s.unsubscribe = authenticator.OnStateChange(func(from, to auth.State) {
		if to == auth.LoggedOut {
			log.Infow("session ended, resetting conversation correlation", "from", from.String())
			correlator.Reset()
		}
	})
	return s
}

func (s *chatService) NewConversation() string {
	return s.store.CreateConversation()
}

func (s *chatService) SelectConversation(localID string) {
	s.store.SelectConversation(localID)
}

func (s *chatService) DeleteConversation(localID string) {
	s.store.DeleteConversation(localID)
}

func (s *chatService) Mode() stream.Mode {
	return stream.Mode(s.mode.Load())
}

func (s *chatService) SetMode(mode stream.Mode) {
	s.mode.Store(int32(mode))
}

func (s *chatService) Close() {
	s.closeOnce.Do(s.unsubscribe)
}

// Send 在当前会话（没有则新建）中执行一轮对话，阻塞直到本轮结束。
// 失败会以合成的助手消息写入会话，同时作为 error 返回。
func (s *chatService) Send(ctx context.Context, text string, attachment *model.Attachment) (*TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" && attachment == nil {
		return nil, apperr.Validationf("message text and attachment are both empty")
	}

	localID := s.store.ActiveID()
	if localID == "" {
		localID = s.store.CreateConversation()
	}
	_, replyID, err := s.store.BeginTurn(localID, text, attachment)
	if err != nil {
		return nil, err
	}
	result := &TurnResult{LocalID: localID, ReplyID: replyID}

	// 未登录时不发出任何请求
	if _, err := s.auth.Token(); err != nil {
		s.store.FailAssistantReply(localID, replyID, apperr.UserMessage(err))
		return result, err
	}

	mode := s.Mode()
	turn := stream.Turn{Message: outgoingText(text, attachment), ConversationID: s.backendID(localID)}
	log.Infow("starting turn", "localId", localID, "mode", mode.String(), "hasBackendId", turn.ConversationID != nil)

	for ev := range s.streamer.Stream(ctx, mode, turn) {
		switch e := ev.(type) {
		case stream.Fragment:
			s.store.AppendToPendingReply(localID, replyID, e.Text)
		case stream.Completed:
			err = s.complete(localID, replyID, mode, e)
		case stream.Failed:
			err = s.fail(localID, replyID, e.Err)
		}
	}
	return result, err
}

// backendID 返回本轮使用的后端会话 ID。当前会话以 correlator 为准，
// 非当前会话（例如切走后在后台继续的一轮）使用存储中记录的值。
func (s *chatService) backendID(localID string) *int64 {
	if s.correlator.ActiveLocalID() == localID {
		if id, ok := s.correlator.Get(); ok {
			return &id
		}
		return nil
	}
	if conv, ok := s.store.Conversation(localID); ok {
		return conv.BackendID
	}
	return nil
}

func (s *chatService) complete(localID string, replyID int64, mode stream.Mode, c stream.Completed) error {
	var finalText *string
	if mode == stream.Buffered {
		finalText = &c.Text
	}
	finalized := s.store.FinalizeAssistantReply(localID, replyID, finalText)
	s.status.Set(model.APIOK, "Connected")

	// 会话在本轮进行中被删除时，迟到的结果不再关联
	if !finalized {
		log.Infow("late completion ignored", "localId", localID, "messageId", replyID)
		return nil
	}
	if c.ConversationID == nil {
		return nil
	}
	id := *c.ConversationID
	err := errors.Join(s.correlator.Set(localID, id), s.store.SetBackendID(localID, id))
	if err != nil {
		log.Error("backend conversation id mismatch", err)
	}
	return err
}

func (s *chatService) fail(localID string, replyID int64, err error) error {
	var remote *stream.RemoteError
	text := apperr.UserMessage(err)
	if errors.As(err, &remote) {
		text = remote.Message
	}
	s.store.FailAssistantReply(localID, replyID, text)
	if errors.Is(err, apperr.ErrNetwork) {
		s.status.Set(model.APIError, text)
	}
	log.Warnw("turn failed", "localId", localID, "messageId", replyID, "error", err)
	return err
}

// OpenBackendConversation 为已有的后端会话创建本地会话，并从历史记录填充消息。
func (s *chatService) OpenBackendConversation(ctx context.Context, backendID int64) (string, error) {
	messages, err := s.fetchHistory(ctx, backendID)
	if err != nil {
		return "", err
	}
	localID := s.store.AdoptBackendConversation(backendID, "")
	if err := s.store.ReplaceMessages(localID, messages); err != nil {
		return "", err
	}
	return localID, nil
}

// Reload 用后端历史刷新 localID 的消息。尚未绑定后端会话时返回 ErrValidation。
func (s *chatService) Reload(ctx context.Context, localID string) error {
	conv, ok := s.store.Conversation(localID)
	if !ok {
		return apperr.NotFoundf("conversation %s", localID)
	}
	if conv.BackendID == nil {
		return apperr.Validationf("conversation %s has no backend conversation yet", localID)
	}
	messages, err := s.fetchHistory(ctx, *conv.BackendID)
	if err != nil {
		return err
	}
	return s.store.ReplaceMessages(localID, messages)
}

func (s *chatService) fetchHistory(ctx context.Context, backendID int64) ([]model.Message, error) {
	var out []model.Message
	for offset := 0; ; {
		page, err := s.history.History(ctx, backendID, historyPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to load history for conversation %d: %w", backendID, err)
		}
		for _, m := range page.Messages {
			out = append(out, model.Message{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt.Time()})
		}
		offset += len(page.Messages)
		if !page.HasMore || len(page.Messages) == 0 {
			return out, nil
		}
	}
}

// outgoingText 是发给后端的消息文本。只有附件时用文件名代替。
func outgoingText(text string, attachment *model.Attachment) string {
	if text == "" && attachment != nil {
		return "Attached file: " + attachment.Name
	}
	return text
}
