package middleware

import (
	"net/http"
	"strings"

	"rag-chat-client/internal/model"
	"rag-chat-client/pkg/log"
	"rag-chat-client/pkg/token"

	"github.com/gin-gonic/gin"
)

// Gin 上下文中保存认证结果的键。
const (
	ContextUser   = "user"
	ContextClaims = "claims"
)

// UserLookup 按 ID 查找用户。
type UserLookup interface {
	FindByID(id int64) (*model.User, error)
}

// RevocationList 判断 access token（按 jti）是否已在登出时吊销。
type RevocationList interface {
	IsRevoked(jti string) bool
}

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 它会从 Authorization 请求头中提取 Bearer token，验证其有效性，并将 User 和 claims 存入上下文。
// 失败时以 401 和 {"detail": ...} 结束请求。
func AuthMiddleware(jwtManager *token.JWTManager, users UserLookup, revoked RevocationList) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Invalid authorization header"})
			return
		}
		tokenString := strings.TrimPrefix(authHeader, bearerPrefix)

		user, claims, ok := Authenticate(jwtManager, users, revoked, tokenString)
		if !ok {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Invalid or expired token"})
			return
		}

		c.Set(ContextUser, user)
		c.Set(ContextClaims, claims)
		c.Next()
	}
}

// Authenticate 校验 access token 并加载用户。WebSocket 握手等无法携带请求头的入口直接调用它。
func Authenticate(jwtManager *token.JWTManager, users UserLookup, revoked RevocationList, tokenString string) (*model.User, *token.CustomClaims, bool) {
	claims, err := jwtManager.VerifyToken(tokenString)
	if err != nil {
		log.Debugf("token rejected: %v", err)
		return nil, nil, false
	}
	if revoked != nil && revoked.IsRevoked(claims.ID) {
		log.Debugf("token %s has been revoked", claims.ID)
		return nil, nil, false
	}
	user, err := users.FindByID(claims.UserID)
	if err != nil || !user.IsActive {
		return nil, nil, false
	}
	return user, claims, true
}

// CurrentUser 取出 AuthMiddleware 存入的用户。
func CurrentUser(c *gin.Context) *model.User {
	v, ok := c.Get(ContextUser)
	if !ok {
		return nil
	}
	user, _ := v.(*model.User)
	return user
}

// CurrentClaims 取出 AuthMiddleware 存入的 claims。
func CurrentClaims(c *gin.Context) *token.CustomClaims {
	v, ok := c.Get(ContextClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*token.CustomClaims)
	return claims
}
