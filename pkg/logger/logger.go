package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"go-beaconsoc/pkg/config"
)

// Log 全局日志，Init 之前是 no-op，避免测试和库调用时空指针
var Log = zap.NewNop().Sugar()

func Init() error {
	Log = New(config.GlobalConfig.Log.Level, config.GlobalConfig.Log.Path)
	return nil
}

// New 按级别和路径构造日志；路径为空时输出到标准输出
func New(level, path string) *zap.SugaredLogger {
	var writeSyncer zapcore.WriteSyncer
	if path != "" {
		writeSyncer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		})
	} else {
		writeSyncer = zapcore.Lock(os.Stdout)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		writeSyncer,
		zap.NewAtomicLevelAt(getLogLevel(level)),
	)

	return zap.New(core, zap.AddCaller()).Sugar()
}

func getLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Sync 退出前刷新缓冲
func Sync() {
	_ = Log.Sync()
}
