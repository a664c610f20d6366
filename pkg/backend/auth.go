package backend

import (
	"context"
	"net/http"

	"rag-chat-client/internal/model"
)

// LoginRequest 是登录请求体。
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest 是注册请求体。
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// AuthResponse 是 login / register / refresh 的响应。ExpiresIn 单位为秒，0 表示后端未返回。
type AuthResponse struct {
	Message string      `json:"message,omitempty"`
	User    *model.User `json:"user,omitempty"`
	model.Tokens
	ExpiresIn int64 `json:"expires_in,omitempty"`
}

// VerifyResponse 是 verify-token 的响应。
type VerifyResponse struct {
	Valid  bool   `json:"valid"`
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// ChangePasswordRequest 是修改密码的请求体。
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login 用邮箱和密码登录。
func (c *Client) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register 注册新用户，成功后后端直接返回 token 三元组。
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/register", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh 用 refresh token 换取新的 token 对。后端的 refresh token 是一次性的。
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", "", refreshRequest{RefreshToken: refreshToken}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout 通知后端吊销该用户的 refresh token。
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", accessToken, nil, nil)
}

// ChangePassword 修改当前用户的密码。当前密码错误时后端返回 400，映射为 ErrValidation。
func (c *Client) ChangePassword(ctx context.Context, accessToken string, req ChangePasswordRequest) error {
	return c.do(ctx, http.MethodPost, "/auth/change-password", accessToken, req, nil)
}

// VerifyToken 检查 access token 是否仍然有效。
func (c *Client) VerifyToken(ctx context.Context, accessToken string) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.do(ctx, http.MethodGet, "/auth/verify-token", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Profile 获取当前用户资料。
func (c *Client) Profile(ctx context.Context, accessToken string) (*model.User, error) {
	var out model.User
	if err := c.do(ctx, http.MethodGet, "/auth/profile", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
