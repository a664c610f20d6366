// Package devserver 是一个实现聊天后端接口约定的参考服务器，供本地开发和端到端测试使用。
// 用户保存在内存中，会话历史保存在 kv.Store（内存或 Redis）中，回复由 Responder 生成。
package devserver

import (
	"net/http"
	"sync"
	"time"

	"rag-chat-client/internal/config"
	"rag-chat-client/internal/middleware"
	"rag-chat-client/internal/repository"
	"rag-chat-client/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// Version 由 /health 返回。
const Version = "1.0.0"

// Options 是参考服务器的运行参数。
type Options struct {
	JWTSecret            string
	AccessTokenLifetime  time.Duration
	RefreshTokenLifetime time.Duration
	// FragmentDelay 是流式回复中相邻两段之间的间隔。
	FragmentDelay time.Duration
	// Responder 为 nil 时使用 EchoResponder。
	Responder Responder
}

// OptionsFromConfig 从 devserver 配置段构造 Options。
func OptionsFromConfig(c config.DevServerConfig) Options {
	return Options{
		JWTSecret:            c.JWTSecret,
		AccessTokenLifetime:  c.AccessTokenLifetime,
		RefreshTokenLifetime: c.RefreshTokenLifetime,
		FragmentDelay:        c.FragmentDelay,
	}
}

// Server 持有参考后端的全部状态。
type Server struct {
	opts          Options
	jwt           *token.JWTManager
	users         repository.UserRepository
	conversations repository.ConversationRepository
	responder     Responder

	// refreshTokens: jti -> userID。refresh token 只能使用一次。
	refreshTokens *cache.Cache
	refreshMu     sync.Mutex
	// revoked: 登出时吊销的 access token jti。
	revoked *cache.Cache

	now func() time.Time
}

// New 创建 Server。conversations 决定会话历史的存放位置。
func New(opts Options, conversations repository.ConversationRepository) *Server {
	if opts.AccessTokenLifetime <= 0 {
		opts.AccessTokenLifetime = 30 * time.Minute
	}
	if opts.RefreshTokenLifetime <= 0 {
		opts.RefreshTokenLifetime = 7 * 24 * time.Hour
	}
	if opts.Responder == nil {
		opts.Responder = EchoResponder{}
	}
	return &Server{
		opts:          opts,
		jwt:           token.NewJWTManager(opts.JWTSecret, opts.AccessTokenLifetime, opts.RefreshTokenLifetime),
		users:         repository.NewUserRepository(),
		conversations: conversations,
		responder:     opts.Responder,
		refreshTokens: cache.New(opts.RefreshTokenLifetime, 10*time.Minute),
		revoked:       cache.New(opts.AccessTokenLifetime, 10*time.Minute),
		now:           time.Now,
	}
}

// IsRevoked 实现 middleware.RevocationList。
func (s *Server) IsRevoked(jti string) bool {
	_, found := s.revoked.Get(jti)
	return found
}

// Router 创建路由引擎并注册全部接口。
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	authHandler := &AuthHandler{server: s}
	chatHandler := &ChatHandler{server: s}
	requireAuth := middleware.AuthMiddleware(s.jwt, s.users, s)

	r.GET("/health", s.health)

	apiV1 := r.Group("/api/v1")
	{
		apiV1.GET("/health", s.health)

		auth := apiV1.Group("/auth")
		{
			// 无需认证的路由
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
			auth.POST("/refresh", authHandler.Refresh)

			// 需要认证的路由
			authed := auth.Group("")
			authed.Use(requireAuth)
			{
				authed.POST("/logout", authHandler.Logout)
				authed.POST("/change-password", authHandler.ChangePassword)
				authed.GET("/verify-token", authHandler.VerifyToken)
				authed.GET("/profile", authHandler.Profile)
			}
		}

		chat := apiV1.Group("/chat")
		{
			// WebSocket 握手无法携带 Authorization 头，token 放在查询参数中，由处理函数自行校验
			chat.GET("/ws", chatHandler.WebSocket)

			authed := chat.Group("")
			authed.Use(requireAuth)
			{
				authed.POST("/message", chatHandler.Message)
				authed.POST("/message/stream", chatHandler.Stream)
				authed.GET("/history/:id", chatHandler.History)
			}
		}
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": Version})
}

// isoformat 与后端的时间格式一致：不带时区的 ISO8601。
func isoformat(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000")
}
