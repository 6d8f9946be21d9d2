package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"PPRoom/global"
	"PPRoom/logger"
	"PPRoom/tools/ids"

	"go.uber.org/zap"
)

func main() {
	// PPROOM_CONFIG 为空时在 . 与 configs/ 下找 pproom.yaml
	path := os.Getenv("PPROOM_CONFIG")
	cfg, err := global.Load(path)
	if err != nil {
		logger.Error("load config failed", zap.Error(err))
		os.Exit(1)
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   true,
	}); err != nil {
		logger.Error("init logger failed", zap.Error(err))
		os.Exit(1)
	}
	defer logger.Sync()

	if err := ids.SetNodeID(cfg.NodeId); err != nil {
		logger.Error("set snowflake node failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("pproom starting", zap.Stringer("config", cfg))

	// 只有日志级别支持热更新
	if _, err := global.WatchConfig(path, func(c *global.AppConfig) {
		if err := logger.SetLevel(c.Log.Level); err != nil {
			logger.Warn("apply log level failed", zap.Error(err))
		}
	}); err != nil {
		logger.Warn("config watch disabled", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.Error("bootstrap failed", zap.Error(err))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("pproom exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("pproom exit")
}
