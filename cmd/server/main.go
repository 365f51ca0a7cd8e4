package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"subtask-stream/internal/config"
	"subtask-stream/internal/handler"
	"subtask-stream/internal/model"
	"subtask-stream/internal/service"
	"subtask-stream/internal/storage"
	"subtask-stream/pkg/logger"

	"github.com/gin-gonic/gin"
)

func main() {
	var configPath string
	var withoutModel bool
	flag.StringVar(&configPath, "config", "./configs/config.yaml", "配置文件路径")
	flag.BoolVar(&withoutModel, "no-model", false, "不初始化大模型，只接受外部推送")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	store, err := storage.New(cfg.Storage)
	if err != nil {
		logger.Fatalf("初始化存储失败: %v", err)
	}

	streamService := service.NewStreamService(store, cfg.Stream)

	// 模型初始化失败不影响推流，只是不能自动生成
	var generator *service.Generator
	if !withoutModel {
		chatModel, modelName, err := model.NewChatModel(context.Background(), cfg)
		if err != nil {
			logger.Warnf("模型初始化失败，自动生成不可用: %v", err)
		} else {
			generator = service.NewGenerator(streamService, chatModel, modelName, cfg.Stream.MaxDuration)
		}
	}

	streamHandler := handler.NewStreamHandler(streamService, generator, cfg.Stream)

	gin.SetMode(gin.ReleaseMode)
	router := handler.NewRouter(cfg, streamHandler)

	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	stopBackup := make(chan struct{})
	if cfg.Storage.BackupInterval > 0 {
		go runBackups(store, cfg.Storage.BackupInterval, stopBackup)
	}

	// 启动服务器
	go func() {
		logger.Infof("服务器启动在端口 %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("服务器启动失败: %v", err)
		}
	}()

	// 等待信号优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("服务器正在关闭...")
	close(stopBackup)

	// 生成任务先退出，之后不会再有写入
	if generator != nil {
		generator.Close()
	}
	// 结束所有订阅，推流请求才能返回
	streamService.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("服务器关闭失败: %v", err)
	}
	if err := store.Close(); err != nil {
		logger.Errorf("存储关闭失败: %v", err)
	}
	logger.Info("服务器已关闭")
}

func runBackups(store storage.Storage, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := store.Backup(); err != nil {
				logger.Errorf("备份失败: %v", err)
			}
		case <-stop:
			return
		}
	}
}
