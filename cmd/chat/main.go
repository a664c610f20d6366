// Package main 是交互式终端聊天客户端的入口点。
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"rag-chat-client/internal/auth"
	"rag-chat-client/internal/config"
	"rag-chat-client/internal/middleware"
	"rag-chat-client/internal/repository"
	"rag-chat-client/internal/service"
	"rag-chat-client/internal/session"
	"rag-chat-client/internal/store"
	"rag-chat-client/internal/stream"
	"rag-chat-client/pkg/backend"
	"rag-chat-client/pkg/kv"
	"rag-chat-client/pkg/log"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（为空时只使用默认值和环境变量）")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器。交互使用时建议配置 log.output_path，避免日志与对话混在一起
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. token 持久化
	tokens, closeTokens, err := openTokenStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatal("初始化 token 存储失败", err)
	}
	defer closeTokens()

	// 4. 后端客户端：认证和健康检查不签名，聊天和历史请求经过 AuthTransport
	base := cfg.Backend.APIBase()
	plain := &http.Client{Timeout: cfg.Backend.RequestTimeout, Transport: &middleware.LoggingTransport{}}
	api := backend.NewClient(base, plain)

	manager := auth.NewManager(api, auth.NewVault(repository.NewTokenRepository(tokens)), auth.Options{
		AccessTokenLifetime: cfg.Auth.AccessTokenLifetime,
		RotationFraction:    cfg.Auth.RotationFraction,
	})
	if ok, err := manager.Restore(ctx); err != nil {
		log.Warnf("恢复登录状态失败: %v", err)
	} else if ok {
		log.Info("已恢复登录状态")
	}
	manager.Start(ctx)
	defer manager.Stop()

	// 流式请求的时长由 stream.Options 控制，这里不设 Timeout
	signed := &http.Client{Transport: middleware.NewAuthTransport(manager, &middleware.LoggingTransport{})}
	streamer := stream.NewClient(base, signed, manager, stream.Options{
		RequestTimeout: cfg.Backend.RequestTimeout,
		IdleTimeout:    cfg.Backend.StreamIdleTimeout,
		MaxBadRecords:  cfg.Chat.MaxBadRecords,
		WebSocket:      cfg.Backend.Transport == "websocket",
	})
	history := backend.NewClient(base, &http.Client{Timeout: cfg.Backend.RequestTimeout, Transport: signed.Transport})

	// 5. 会话状态与服务
	correlator := session.NewCorrelator()
	st := store.New(correlator, store.Options{
		TitleWords:    cfg.Chat.TitleWords,
		PreviewLength: cfg.Chat.PreviewLength,
	})
	status := service.NewStatusService(api)
	mode, _ := stream.ParseMode(cfg.Chat.Mode)
	chat := service.NewChatService(st, correlator, streamer, history, manager, status, mode)
	defer chat.Close()

	go status.Probe(ctx)

	r := &repl{
		in:      os.Stdin,
		out:     os.Stdout,
		manager: manager,
		api:     api,
		store:   st,
		chat:    chat,
		status:  status,
	}
	r.run(ctx)
}

func openTokenStore(ctx context.Context, c config.StorageConfig) (kv.Store, func(), error) {
	switch c.Driver {
	case "redis":
		rs, err := kv.NewRedisStore(ctx, c.Redis.Addr, c.Redis.Password, c.Redis.DB, c.Redis.KeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	case "memory":
		return kv.NewMemoryStore(), func() {}, nil
	default:
		return kv.NewFileStore(c.Path), func() {}, nil
	}
}
