package auth

import (
	"context"
	"sync"

	"rag-chat-client/internal/model"
	"rag-chat-client/internal/repository"
)

// Vault 持有 token 三元组和用户资料，并把它们写入持久化存储。
// 读操作对外开放；写操作只能经由 Manager 的状态机完成。
type Vault struct {
	mu      sync.RWMutex
	session *model.AuthSession
	repo    repository.TokenRepository
}

// NewVault 创建一个空的 Vault。repo 为 nil 时只保存在内存中。
func NewVault(repo repository.TokenRepository) *Vault {
	return &Vault{repo: repo}
}

// Acquire 返回当前 access token。
func (v *Vault) Acquire() (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.session == nil || v.session.AccessToken == "" {
		return "", false
	}
	return v.session.AccessToken, true
}

// Session 返回当前会话的拷贝。
func (v *Vault) Session() (model.AuthSession, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.session == nil {
		return model.AuthSession{}, false
	}
	out := *v.session
	if v.session.User != nil {
		u := *v.session.User
		out.User = &u
	}
	return out, true
}

func (v *Vault) load(ctx context.Context) (*model.AuthSession, error) {
	if v.repo == nil {
		return nil, nil
	}
	return v.repo.Load(ctx)
}

// put 替换内存中的会话并持久化。持久化失败时内存状态依然生效。
func (v *Vault) put(ctx context.Context, sess model.AuthSession) error {
	v.mu.Lock()
	v.session = &sess
	v.mu.Unlock()
	if v.repo == nil {
		return nil
	}
	return v.repo.Save(ctx, sess.Tokens, sess.User)
}

func (v *Vault) clear(ctx context.Context) error {
	v.mu.Lock()
	v.session = nil
	v.mu.Unlock()
	if v.repo == nil {
		return nil
	}
	return v.repo.Clear(ctx)
}
