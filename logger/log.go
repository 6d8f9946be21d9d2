package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Log *zap.Logger

// short 给下面的快捷方法用，跳过一层调用栈，caller 落在业务代码
var short *zap.Logger

// level 控制台与文件共用，运行时可调
var level = zap.NewAtomicLevelAt(zapcore.DebugLevel)

// Config 日志配置
type Config struct {
	Level      string // debug/info/warn/error
	File       string // 为空则只输出到控制台
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func init() {
	setLogger(zap.New(consoleCore(level), zap.AddCaller()))
}

func setLogger(l *zap.Logger) {
	Log = l
	short = l.WithOptions(zap.AddCallerSkip(1))
}

func consoleCore(level zapcore.LevelEnabler) zapcore.Core {
	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		CallerKey:    "caller",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  zapcore.CapitalColorLevelEncoder, // 彩色等级
		EncodeCaller: zapcore.ShortCallerEncoder,
	}
	return zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stdout),
		level,
	)
}

// Init 按配置重建全局 Log；配置了 File 时额外输出 JSON 到滚动文件
func Init(c Config) error {
	l, err := parseLevel(c.Level)
	if err != nil {
		return err
	}
	level.SetLevel(l)
	cores := []zapcore.Core{consoleCore(level)}
	if c.File != "" {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		w := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    orDefault(c.MaxSizeMB, 100),
			MaxBackups: orDefault(c.MaxBackups, 7),
			MaxAge:     orDefault(c.MaxAgeDays, 14),
			Compress:   c.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), level))
	}
	setLogger(zap.New(zapcore.NewTee(cores...), zap.AddCaller()))
	return nil
}

// SetLevel 热更新日志级别
func SetLevel(s string) error {
	l, err := parseLevel(s)
	if err != nil {
		return err
	}
	if l != level.Level() {
		level.SetLevel(l)
		Log.Info("log level changed", zap.Stringer("level", l))
	}
	return nil
}

// Level 当前日志级别
func Level() zapcore.Level { return level.Level() }

func parseLevel(s string) (zapcore.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return l, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

// Sync 进程退出前刷盘
func Sync() { _ = Log.Sync() }

// 快捷方法
func Info(msg string, fields ...zap.Field) { short.Info(msg, fields...) }
func Infof(format string, args ...interface{}) {
	short.Info(fmt.Sprintf(format, args...))
}
func Warn(msg string, fields ...zap.Field)  { short.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { short.Error(msg, fields...) }

func Errorf(format string, args ...interface{}) {
	short.Error(fmt.Sprintf(format, args...))
}

func Debug(msg string, fields ...zap.Field) { short.Debug(msg, fields...) }
