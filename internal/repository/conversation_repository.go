package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"rag-chat-client/internal/model"
	"rag-chat-client/pkg/kv"
)

// ErrConversationNotFound 表示会话不存在或不属于该用户。
var ErrConversationNotFound = errors.New("conversation not found")

const (
	keyConversationSeq = "seq:conversation"
	keyMessageSeq      = "seq:message"
)

// ConversationRepository 定义了参考后端对话历史记录的操作接口。
type ConversationRepository interface {
	Create(ctx context.Context, userID int64, title string) (*model.ChatThread, error)
	// Get 返回 userID 拥有的会话，否则返回 ErrConversationNotFound。
	Get(ctx context.Context, userID, conversationID int64) (*model.ChatThread, error)
	Append(ctx context.Context, conversationID int64, role model.Role, content string) (*model.ChatMessage, error)
}

// kvConversationRepository 把每个会话序列化为一条 JSON 记录保存在 kv.Store 中（内存或 Redis）。
type kvConversationRepository struct {
	store kv.Store
	now   func() time.Time
	mu    sync.Mutex // 串行化读-改-写
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(store kv.Store) ConversationRepository {
	return &kvConversationRepository{store: store, now: time.Now}
}

func conversationKey(id int64) string {
	return fmt.Sprintf("conversation:%d", id)
}

func (r *kvConversationRepository) Create(ctx context.Context, userID int64, title string) (*model.ChatThread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.nextLocked(ctx, keyConversationSeq)
	if err != nil {
		return nil, err
	}
	now := r.now()
	thread := &model.ChatThread{ID: id, UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now, Messages: []model.ChatMessage{}}
	if err := r.saveLocked(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

func (r *kvConversationRepository) Get(ctx context.Context, userID, conversationID int64) (*model.ChatThread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	thread, err := r.loadLocked(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if thread.UserID != userID {
		return nil, ErrConversationNotFound
	}
	return thread, nil
}

func (r *kvConversationRepository) Append(ctx context.Context, conversationID int64, role model.Role, content string) (*model.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	thread, err := r.loadLocked(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	id, err := r.nextLocked(ctx, keyMessageSeq)
	if err != nil {
		return nil, err
	}
	msg := model.ChatMessage{ID: id, ConversationID: conversationID, Role: role, Content: content, CreatedAt: r.now()}
	thread.Messages = append(thread.Messages, msg)
	thread.UpdatedAt = msg.CreatedAt
	if err := r.saveLocked(ctx, thread); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *kvConversationRepository) loadLocked(ctx context.Context, id int64) (*model.ChatThread, error) {
	raw, ok, err := r.store.Get(ctx, conversationKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %d: %w", id, err)
	}
	if !ok {
		return nil, ErrConversationNotFound
	}
	var thread model.ChatThread
	if err := json.Unmarshal([]byte(raw), &thread); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation %d: %w", id, err)
	}
	return &thread, nil
}

func (r *kvConversationRepository) saveLocked(ctx context.Context, thread *model.ChatThread) error {
	data, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation %d: %w", thread.ID, err)
	}
	if err := r.store.Set(ctx, conversationKey(thread.ID), string(data)); err != nil {
		return fmt.Errorf("failed to save conversation %d: %w", thread.ID, err)
	}
	return nil
}

func (r *kvConversationRepository) nextLocked(ctx context.Context, key string) (int64, error) {
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence %s: %w", key, err)
	}
	var n int64
	if ok {
		if n, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return 0, fmt.Errorf("corrupt sequence %s: %w", key, err)
		}
	}
	n++
	if err := r.store.Set(ctx, key, strconv.FormatInt(n, 10)); err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", key, err)
	}
	return n, nil
}
