package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	log   = zap.NewNop()
	sugar = log.Sugar()
)

// Init 初始化日志，debug 模式使用控制台格式，cli 模式仅输出警告以上，其余使用 JSON
func Init(mode string) error {
	var zcfg zap.Config
	switch mode {
	case "debug":
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "cli":
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		zcfg.DisableStacktrace = true
	default:
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "time"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	l, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	mu.Lock()
	log = l
	sugar = l.Sugar()
	mu.Unlock()
	return nil
}

// L 获取底层 zap.Logger
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// GetSugar 获取 SugaredLogger
func GetSugar() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Debug 调试日志
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info 信息日志
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn 警告日志
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error 错误日志
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Critical 需要人工对账的严重错误
func Critical(msg string, fields ...zap.Field) {
	L().Error(msg, append(fields, zap.Bool("critical", true))...)
}

// Fatal 致命错误，记录后退出
func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

// Sync 刷新缓冲
func Sync() {
	_ = L().Sync()
}
