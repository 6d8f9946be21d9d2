package global

import (
	"PPRoom/logger"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchConfig 监听配置文件变化，变更后的完整配置通过 onChange 回调。
// 没有配置文件时返回 false。新配置校验失败则丢弃，保留旧值。
// 连接参数等启动期配置不会热生效，调用方只应取可以在线调整的字段（如日志级别）。
func WatchConfig(path string, onChange func(*AppConfig)) (bool, error) {
	v, err := newViper(path)
	if err != nil {
		return false, err
	}
	if v.ConfigFileUsed() == "" {
		return false, nil
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		onChange(cfg)
	})
	v.WatchConfig()
	return true, nil
}
