package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"subtask-stream/internal/config"
	"subtask-stream/internal/model"
	"subtask-stream/internal/sseclient"
	"subtask-stream/internal/stream"
	"subtask-stream/pkg/logger"
)

func main() {
	var (
		configPath string
		baseURL    string
		taskID     int64
		subtaskID  int64
		offset     int
	)
	flag.StringVar(&configPath, "config", "./configs/config.yaml", "配置文件路径")
	flag.StringVar(&baseURL, "url", "", "服务地址，默认取 client.base_url")
	flag.Int64Var(&taskID, "task", 0, "任务 ID")
	flag.Int64Var(&subtaskID, "subtask", 0, "子任务 ID")
	flag.IntVar(&offset, "offset", 0, "从第几个字符开始接收")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	// stdout 只输出子任务内容
	logger.SetOutput(os.Stderr)

	if baseURL == "" {
		baseURL = cfg.Client.BaseURL
	}

	client := sseclient.NewClient(baseURL, cfg.Client.ResponseHeaderTimeout)
	ctrl := stream.NewController(client)
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := newWatcher(ctrl, client, os.Stdout, cfg.Client)
	if err := w.run(ctx, model.NewSubscriptionKey(taskID, subtaskID, offset)); err != nil {
		logger.Errorf("watch %d/%d: %v", taskID, subtaskID, err)
		ctrl.Close()
		os.Exit(1)
	}
}
