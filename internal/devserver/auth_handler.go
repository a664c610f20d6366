package devserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"rag-chat-client/internal/middleware"
	"rag-chat-client/internal/model"
	"rag-chat-client/internal/repository"
	"rag-chat-client/pkg/hash"
	"rag-chat-client/pkg/log"

	"github.com/gin-gonic/gin"
)

// AuthHandler 负责处理认证相关的 API 请求。
type AuthHandler struct {
	server *Server
}

// RegisterRequest 定义了注册 API 的请求体结构。
type RegisterRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required,min=8,max=100"`
	FirstName string `json:"first_name" binding:"max=100"`
	LastName  string `json:"last_name" binding:"max=100"`
}

// LoginRequest 定义了登录 API 的请求体结构。
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RefreshRequest 定义了刷新 token API 的请求体结构。
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// ChangePasswordRequest 定义了修改密码 API 的请求体结构。
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required,min=8,max=128"`
}

type tokenPair struct {
	access, refresh string
}

// Register 创建用户并直接返回 token。
func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Register: invalid request payload, error: %v", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	passwordHash, err := hash.HashPassword(req.Password)
	if err != nil {
		log.Error("Register: failed to hash password", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Registration failed"})
		return
	}
	now := model.Timestamp(h.server.now())
	user := &model.User{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      "user",
		IsActive:  true,
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	user.FullName = strings.TrimSpace(req.FirstName + " " + req.LastName)
	if user.FullName == "" {
		user.FullName = req.Email
	}
	if err := h.server.users.Create(user, passwordHash); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "A user with this email already exists"})
			return
		}
		log.Error("Register: failed to create user", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Registration failed"})
		return
	}

	pair, err := h.server.issueTokens(user)
	if err != nil {
		log.Error("Register: failed to issue tokens", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Registration failed"})
		return
	}
	log.Infof("user %s registered", user.Email)
	c.JSON(http.StatusOK, gin.H{
		"message":       "User created successfully",
		"user":          user,
		"access_token":  pair.access,
		"refresh_token": pair.refresh,
		"token_type":    "bearer",
	})
}

// Login 校验邮箱和密码并签发 token。
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	user, passwordHash, err := h.server.users.FindByEmail(req.Email)
	if err != nil || !hash.CheckPasswordHash(req.Password, passwordHash) {
		log.Warnf("Login: authentication failed for %s", req.Email)
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Incorrect email or password"})
		return
	}
	if !user.IsActive {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Account is disabled"})
		return
	}
	if updated, err := h.server.users.RecordLogin(user.ID, h.server.now()); err == nil {
		user = updated
	}

	pair, err := h.server.issueTokens(user)
	if err != nil {
		log.Error("Login: failed to issue tokens", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Login failed"})
		return
	}
	log.Infof("user %s logged in", user.Email)
	c.JSON(http.StatusOK, gin.H{
		"message":       "Login successful",
		"user":          user,
		"access_token":  pair.access,
		"refresh_token": pair.refresh,
		"token_type":    "bearer",
		"expires_in":    int64(h.server.opts.AccessTokenLifetime / time.Second),
	})
}

// Refresh 用一次性的 refresh token 换取新的 token 对。
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	claims, err := h.server.jwt.VerifyRefreshToken(req.RefreshToken)
	if err != nil || !h.server.consumeRefreshToken(claims.ID) {
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid or expired refresh token"})
		return
	}
	user, err := h.server.users.FindByID(claims.UserID)
	if err != nil || !user.IsActive {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid user"})
		return
	}

	pair, err := h.server.issueTokens(user)
	if err != nil {
		log.Error("Refresh: failed to issue tokens", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Token refresh failed"})
		return
	}
	log.Infof("tokens refreshed for user %d", user.ID)
	c.JSON(http.StatusOK, gin.H{
		"access_token":  pair.access,
		"refresh_token": pair.refresh,
		"token_type":    "bearer",
		"expires_in":    int64(h.server.opts.AccessTokenLifetime / time.Second),
	})
}

// Logout 吊销当前 access token 和该用户的全部 refresh token。
func (h *AuthHandler) Logout(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if claims := middleware.CurrentClaims(c); claims != nil {
		h.server.revokeAccess(claims.ID)
	}
	h.server.revokeRefreshTokens(user.ID)
	c.JSON(http.StatusOK, gin.H{"message": "Logout successful"})
}

// ChangePassword 校验当前密码后替换为新密码。已签发的 token 不受影响。
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	user := middleware.CurrentUser(c)
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	_, passwordHash, err := h.server.users.FindByEmail(user.Email)
	if err != nil || !hash.CheckPasswordHash(req.CurrentPassword, passwordHash) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Current password is incorrect"})
		return
	}
	newHash, err := hash.HashPassword(req.NewPassword)
	if err == nil {
		err = h.server.users.SetPassword(user.ID, newHash, h.server.now())
	}
	if err != nil {
		log.Error("ChangePassword: failed to update password", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Password change failed"})
		return
	}
	log.Infof("password changed for user %d", user.ID)
	c.JSON(http.StatusOK, gin.H{"message": "Password changed successfully"})
}

// VerifyToken 返回当前 token 所属的用户。
func (h *AuthHandler) VerifyToken(c *gin.Context) {
	user := middleware.CurrentUser(c)
	c.JSON(http.StatusOK, gin.H{
		"valid":   true,
		"user_id": user.ID,
		"email":   user.Email,
		"role":    user.Role,
	})
}

// Profile 返回当前用户资料。
func (h *AuthHandler) Profile(c *gin.Context) {
	c.JSON(http.StatusOK, middleware.CurrentUser(c))
}

func (s *Server) issueTokens(user *model.User) (tokenPair, error) {
	access, err := s.jwt.GenerateToken(user.ID, user.Email, user.Role)
	if err != nil {
		return tokenPair{}, err
	}
	refresh, err := s.jwt.GenerateRefreshToken(user.ID, user.Email, user.Role)
	if err != nil {
		return tokenPair{}, err
	}
	claims, err := s.jwt.VerifyRefreshToken(refresh)
	if err != nil {
		return tokenPair{}, err
	}
	s.refreshTokens.Set(claims.ID, user.ID, s.opts.RefreshTokenLifetime)
	return tokenPair{access: access, refresh: refresh}, nil
}

// consumeRefreshToken 校验并作废 jti 对应的 refresh token。
func (s *Server) consumeRefreshToken(jti string) bool {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if _, found := s.refreshTokens.Get(jti); !found {
		return false
	}
	s.refreshTokens.Delete(jti)
	return true
}

func (s *Server) revokeAccess(jti string) {
	s.revoked.Set(jti, struct{}{}, s.opts.AccessTokenLifetime)
}

func (s *Server) revokeRefreshTokens(userID int64) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	for jti, item := range s.refreshTokens.Items() {
		if id, ok := item.Object.(int64); ok && id == userID {
			s.refreshTokens.Delete(jti)
		}
	}
}
