// Package store 持有所有会话和消息，是界面渲染的唯一数据来源，
// 也是修改它们的唯一入口。
package store

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"rag-chat-client/internal/apperr"
	"rag-chat-client/internal/model"
	"rag-chat-client/internal/session"
	"rag-chat-client/pkg/log"

	"github.com/google/uuid"
)

const (
	// DefaultPlaceholderTitle 是会话在第一条用户消息之前的标题。
	DefaultPlaceholderTitle = "New conversation"
	defaultTitleWords       = 6
	defaultPreviewLength    = 80
)

// Options 控制标题与预览的生成。
type Options struct {
	PlaceholderTitle string
	TitleWords       int
	PreviewLength    int
}

type entry struct {
	conv      model.Conversation
	nextMsgID int64
	titled    bool // 标题已由第一条用户消息生成
}

// Store 是 ConversationStore 的实现。会话按创建时间倒序排列（最新的在最前）。
type Store struct {
	mu         sync.RWMutex
	order      []*entry
	byID       map[string]*entry
	activeID   string
	correlator *session.Correlator
	opts       Options

	now   func() time.Time
	newID func() string

	subs *subscribers
}

// Option 用于定制 Store。
type Option func(*Store)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator 替换本地会话句柄的生成方式。
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// New 创建一个空的 Store。correlator 会随激活会话的切换而同步。
func New(correlator *session.Correlator, opts Options, options ...Option) *Store {
	if opts.PlaceholderTitle == "" {
		opts.PlaceholderTitle = DefaultPlaceholderTitle
	}
	if opts.TitleWords <= 0 {
		opts.TitleWords = defaultTitleWords
	}
	if opts.PreviewLength <= 0 {
		opts.PreviewLength = defaultPreviewLength
	}
	s := &Store{
		byID:       make(map[string]*entry),
		correlator: correlator,
		opts:       opts,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
		subs:       newSubscribers(),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// CreateConversation 在列表头部插入一个空会话并将其设为当前会话。
func (s *Store) CreateConversation() string {
	s.mu.Lock()
	id := s.insertLocked(nil)
	s.mu.Unlock()

	s.subs.publish(Change{Kind: ConversationCreated, LocalID: id})
	return id
}

// AdoptBackendConversation 为一个已存在的后端会话创建本地会话并激活它，用于历史恢复。
func (s *Store) AdoptBackendConversation(backendID int64, title string) string {
	s.mu.Lock()
	id := s.insertLocked(&backendID)
	if title != "" {
		e := s.byID[id]
		e.conv.Title = title
		e.titled = true
	}
	s.mu.Unlock()

	s.subs.publish(Change{Kind: ConversationCreated, LocalID: id})
	return id
}

func (s *Store) insertLocked(backendID *int64) string {
	now := s.now()
	e := &entry{
		conv: model.Conversation{
			LocalID:   s.newID(),
			BackendID: backendID,
			Title:     s.opts.PlaceholderTitle,
			Messages:  []model.Message{},
			CreatedAt: now,
			UpdatedAt: now,
		},
		nextMsgID: 1,
	}
	s.order = append([]*entry{e}, s.order...)
	s.byID[e.conv.LocalID] = e
	s.activeID = e.conv.LocalID
	if s.correlator != nil {
		s.correlator.Bind(e.conv.LocalID, backendID)
	}
	return e.conv.LocalID
}

// SelectConversation 激活 localID。未知的 localID 直接忽略。
func (s *Store) SelectConversation(localID string) {
	s.mu.Lock()
	e, ok := s.byID[localID]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.activeID = localID
	if s.correlator != nil {
		s.correlator.Bind(localID, e.conv.BackendID)
	}
	s.mu.Unlock()

	s.subs.publish(Change{Kind: ConversationSelected, LocalID: localID})
}

// DeleteConversation 删除 localID。若它是当前会话，则激活剩余会话中最新的一个（或不激活任何会话）。
// 无论如何，correlator 都会重新对齐到删除后的当前会话。
func (s *Store) DeleteConversation(localID string) {
	s.mu.Lock()
	if _, ok := s.byID[localID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.byID, localID)
	for i, e := range s.order {
		if e.conv.LocalID == localID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.activeID == localID {
		s.activeID = ""
		if len(s.order) > 0 {
			s.activeID = s.order[0].conv.LocalID
		}
	}
	if s.correlator != nil {
		if active, ok := s.byID[s.activeID]; ok {
			s.correlator.Bind(active.conv.LocalID, active.conv.BackendID)
		} else {
			s.correlator.Reset()
		}
	}
	s.mu.Unlock()

	s.subs.publish(Change{Kind: ConversationDeleted, LocalID: localID})
}

// SetBackendID 记录 localID 的后端会话 ID（只允许设置一次）。
func (s *Store) SetBackendID(localID string, backendID int64) error {
	s.mu.Lock()
	e, ok := s.byID[localID]
	if !ok {
		s.mu.Unlock()
		return apperr.NotFoundf("conversation %s", localID)
	}
	if e.conv.BackendID != nil {
		current := *e.conv.BackendID
		s.mu.Unlock()
		if current != backendID {
			return apperr.Inconsistentf("conversation %s is bound to %d, backend returned %d", localID, current, backendID)
		}
		return nil
	}
	e.conv.BackendID = &backendID
	s.mu.Unlock()

	s.subs.publish(Change{Kind: ConversationUpdated, LocalID: localID})
	return nil
}

// AppendUserMessage 在会话末尾追加一条用户消息，返回消息 ID。
// text 与 attachment 同时为空时返回 ErrValidation。
func (s *Store) AppendUserMessage(localID, text string, attachment *model.Attachment) (int64, error) {
	text = strings.TrimSpace(text)
	if text == "" && attachment == nil {
		return 0, apperr.Validationf("message text and attachment are both empty")
	}

	s.mu.Lock()
	e, ok := s.byID[localID]
	if !ok {
		s.mu.Unlock()
		return 0, apperr.NotFoundf("conversation %s", localID)
	}
	msg := s.appendUserLocked(e, text, attachment)
	s.mu.Unlock()

	s.subs.publish(Change{Kind: MessageAppended, LocalID: localID, MessageID: msg})
	return msg, nil
}

// BeginAssistantReply 追加一条 IsPending 的空助手消息。
// 同一会话已有未完成回复时返回 ErrConflict。
func (s *Store) BeginAssistantReply(localID string) (int64, error) {
	s.mu.Lock()
	e, ok := s.byID[localID]
	if !ok {
		s.mu.Unlock()
		return 0, apperr.NotFoundf("conversation %s", localID)
	}
	if err := conflictLocked(e); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	msg := e.appendPendingLocked(s.now())
	s.mu.Unlock()

	s.subs.publish(Change{Kind: MessageAppended, LocalID: localID, MessageID: msg})
	return msg, nil
}

// BeginTurn 在一次加锁内完成一轮对话的开头：检查未完成回复、追加用户消息、追加未完成的助手消息。
// 已有未完成回复时返回 ErrConflict，且会话不做任何修改。
func (s *Store) BeginTurn(localID, text string, attachment *model.Attachment) (userID, replyID int64, err error) {
	text = strings.TrimSpace(text)
	if text == "" && attachment == nil {
		return 0, 0, apperr.Validationf("message text and attachment are both empty")
	}

	s.mu.Lock()
	e, ok := s.byID[localID]
	if !ok {
		s.mu.Unlock()
		return 0, 0, apperr.NotFoundf("conversation %s", localID)
	}
	if err := conflictLocked(e); err != nil {
		s.mu.Unlock()
		return 0, 0, err
	}
	userID = s.appendUserLocked(e, text, attachment)
	replyID = e.appendPendingLocked(s.now())
	s.mu.Unlock()

	s.subs.publish(Change{Kind: MessageAppended, LocalID: localID, MessageID: userID})
	s.subs.publish(Change{Kind: MessageAppended, LocalID: localID, MessageID: replyID})
	return userID, replyID, nil
}

func (s *Store) appendUserLocked(e *entry, text string, attachment *model.Attachment) int64 {
	msg := e.appendLocked(model.RoleUser, text, s.now())
	if attachment != nil {
		att := *attachment
		e.conv.Messages[len(e.conv.Messages)-1].Attachment = &att
	}
	if !e.titled {
		source := text
		if source == "" {
			source = attachment.Name
		}
		e.conv.Title = deriveTitle(source, s.opts.TitleWords, s.opts.PlaceholderTitle)
		e.titled = true
	}
	e.conv.LastPreview = s.preview(text, attachment)
	return msg
}

func (e *entry) appendPendingLocked(now time.Time) int64 {
	msg := e.appendLocked(model.RoleAssistant, "", now)
	e.conv.Messages[len(e.conv.Messages)-1].IsPending = true
	return msg
}

func conflictLocked(e *entry) error {
	pending, ok := e.conv.PendingMessage()
	if !ok {
		return nil
	}
	log.Warnw("assistant reply already pending", "localId", e.conv.LocalID, "messageId", pending.ID)
	return apperr.Conflictf("conversation %s already has pending reply %d", e.conv.LocalID, pending.ID)
}

// AppendToPendingReply 把 fragment 拼接到未完成的消息上。
// 消息不存在或已完成时不做任何事，迟到的分块因此是无害的。
func (s *Store) AppendToPendingReply(localID string, messageID int64, fragment string) {
	s.mu.Lock()
	m := s.pendingLocked(localID, messageID)
	if m == nil {
		s.mu.Unlock()
		return
	}
	m.Content += fragment
	s.mu.Unlock()

	s.subs.publish(Change{Kind: FragmentAppended, LocalID: localID, MessageID: messageID, Fragment: fragment})
}

// FinalizeAssistantReply 结束未完成的消息。finalText 非 nil 时替换已累积的内容（缓冲模式），
// 否则保留流式累积的内容。返回是否真正生效。
func (s *Store) FinalizeAssistantReply(localID string, messageID int64, finalText *string) bool {
	s.mu.Lock()
	m := s.pendingLocked(localID, messageID)
	if m == nil {
		s.mu.Unlock()
		return false
	}
	if finalText != nil {
		m.Content = *finalText
	}
	s.finishLocked(localID, m)
	s.mu.Unlock()

	s.subs.publish(Change{Kind: MessageFinalized, LocalID: localID, MessageID: messageID})
	return true
}

// FailAssistantReply 与 FinalizeAssistantReply 相同，但用面向用户的错误文本作为内容。
func (s *Store) FailAssistantReply(localID string, messageID int64, errorText string) bool {
	return s.FinalizeAssistantReply(localID, messageID, &errorText)
}

// ReplaceMessages 用后端历史替换会话中的消息，消息 ID 重新从 1 编号。
func (s *Store) ReplaceMessages(localID string, messages []model.Message) error {
	s.mu.Lock()
	e, ok := s.byID[localID]
	if !ok {
		s.mu.Unlock()
		return apperr.NotFoundf("conversation %s", localID)
	}
	if pending, ok := e.conv.PendingMessage(); ok {
		s.mu.Unlock()
		return apperr.Conflictf("conversation %s has pending reply %d", localID, pending.ID)
	}
	e.conv.Messages = make([]model.Message, 0, len(messages))
	e.nextMsgID = 1
	for _, m := range messages {
		m.ID = e.nextMsgID
		m.IsPending = false
		e.nextMsgID++
		e.conv.Messages = append(e.conv.Messages, m)
		if !e.titled && m.Role == model.RoleUser && m.Content != "" {
			e.conv.Title = deriveTitle(m.Content, s.opts.TitleWords, s.opts.PlaceholderTitle)
			e.titled = true
		}
	}
	if n := len(e.conv.Messages); n > 0 {
		last := e.conv.Messages[n-1]
		e.conv.LastPreview = s.preview(last.Content, last.Attachment)
	}
	e.conv.UpdatedAt = s.now()
	s.mu.Unlock()

	s.subs.publish(Change{Kind: ConversationUpdated, LocalID: localID})
	return nil
}

// ActiveID 返回当前会话句柄，没有当前会话时为空字符串。
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Active 返回当前会话的拷贝。
func (s *Store) Active() (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[s.activeID]
	if !ok {
		return model.Conversation{}, false
	}
	return e.conv.Clone(), true
}

// Conversation 返回 localID 对应会话的拷贝。
func (s *Store) Conversation(localID string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[localID]
	if !ok {
		return model.Conversation{}, false
	}
	return e.conv.Clone(), true
}

// Conversations 按顺序返回所有会话的拷贝。
func (s *Store) Conversations() []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Conversation, 0, len(s.order))
	for _, e := range s.order {
		out = append(out, e.conv.Clone())
	}
	return out
}

func (e *entry) appendLocked(role model.Role, content string, now time.Time) int64 {
	id := e.nextMsgID
	e.nextMsgID++
	e.conv.Messages = append(e.conv.Messages, model.Message{
		ID:        id,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	})
	e.conv.UpdatedAt = now
	return id
}

func (s *Store) pendingLocked(localID string, messageID int64) *model.Message {
	e, ok := s.byID[localID]
	if !ok {
		return nil
	}
	for i := range e.conv.Messages {
		m := &e.conv.Messages[i]
		if m.ID == messageID {
			if !m.IsPending {
				return nil
			}
			return m
		}
	}
	return nil
}

func (s *Store) finishLocked(localID string, m *model.Message) {
	m.IsPending = false
	e := s.byID[localID]
	e.conv.LastPreview = s.preview(m.Content, nil)
	e.conv.UpdatedAt = s.now()
}

func (s *Store) preview(text string, attachment *model.Attachment) string {
	if text == "" && attachment != nil {
		text = attachment.Name
	}
	return truncate(strings.Join(strings.Fields(text), " "), s.opts.PreviewLength)
}

func deriveTitle(text string, words int, placeholder string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return placeholder
	}
	if len(fields) <= words {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[:words], " ") + "…"
}

func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "…"
}
