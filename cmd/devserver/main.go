// Package main 启动本地参考后端。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rag-chat-client/internal/config"
	"rag-chat-client/internal/devserver"
	"rag-chat-client/internal/repository"
	"rag-chat-client/pkg/kv"
	"rag-chat-client/pkg/log"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 会话历史的存放位置：配置为 redis 时使用 Redis，否则保存在内存中
	var store kv.Store = kv.NewMemoryStore()
	if cfg.Storage.Driver == "redis" {
		rs, err := kv.NewRedisStore(context.Background(), cfg.Storage.Redis.Addr, cfg.Storage.Redis.Password,
			cfg.Storage.Redis.DB, cfg.Storage.Redis.KeyPrefix+"devserver:")
		if err != nil {
			log.Fatal("连接 Redis 失败", err)
		}
		defer rs.Close()
		store = rs
	}

	// 4. 创建参考后端并注册路由
	gin.SetMode(cfg.DevServer.Mode)
	server := devserver.New(devserver.OptionsFromConfig(cfg.DevServer), repository.NewConversationRepository(store))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.DevServer.Port),
		Handler: server.Router(),
	}

	go func() {
		log.Infof("参考后端启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
