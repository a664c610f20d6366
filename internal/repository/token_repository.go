// Package repository 提供了数据访问层的实现：客户端的 token 持久化，以及参考后端的用户和会话存储。
package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"rag-chat-client/internal/model"
	"rag-chat-client/pkg/kv"
)

// 持久化使用的固定键名。
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyTokenType    = "token_type"
	KeyUser         = "user"
)

// TokenRepository 定义了 token 三元组和用户资料的持久化操作。
type TokenRepository interface {
	// Load 读取已保存的会话；没有保存 access token 时返回 nil, nil。
	Load(ctx context.Context) (*model.AuthSession, error)
	Save(ctx context.Context, tokens model.Tokens, user *model.User) error
	Clear(ctx context.Context) error
}

type kvTokenRepository struct {
	store kv.Store
}

// NewTokenRepository 创建一个基于 kv.Store 的 TokenRepository 实例。
func NewTokenRepository(store kv.Store) TokenRepository {
	return &kvTokenRepository{store: store}
}

func (r *kvTokenRepository) Load(ctx context.Context) (*model.AuthSession, error) {
	access, ok, err := r.store.Get(ctx, KeyAccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}
	if !ok || access == "" {
		return nil, nil
	}
	sess := &model.AuthSession{Tokens: model.Tokens{AccessToken: access}}
	if sess.RefreshToken, _, err = r.store.Get(ctx, KeyRefreshToken); err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if sess.TokenType, _, err = r.store.Get(ctx, KeyTokenType); err != nil {
		return nil, fmt.Errorf("failed to load token type: %w", err)
	}
	raw, ok, err := r.store.Get(ctx, KeyUser)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if ok && raw != "" {
		var u model.User
		// 用户资料损坏不影响 token 的恢复，稍后由 profile 接口补齐
		if json.Unmarshal([]byte(raw), &u) == nil {
			sess.User = &u
		}
	}
	return sess, nil
}

func (r *kvTokenRepository) Save(ctx context.Context, tokens model.Tokens, user *model.User) error {
	pairs := [][2]string{
		{KeyAccessToken, tokens.AccessToken},
		{KeyRefreshToken, tokens.RefreshToken},
		{KeyTokenType, tokens.TokenType},
	}
	if user != nil {
		raw, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		pairs = append(pairs, [2]string{KeyUser, string(raw)})
	}
	for _, p := range pairs {
		if err := r.store.Set(ctx, p[0], p[1]); err != nil {
			return fmt.Errorf("failed to save %s: %w", p[0], err)
		}
	}
	return nil
}

func (r *kvTokenRepository) Clear(ctx context.Context) error {
	if err := r.store.Delete(ctx, KeyAccessToken, KeyRefreshToken, KeyTokenType, KeyUser); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
