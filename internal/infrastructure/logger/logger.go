// Package logger builds the process-wide zap logger from config. Components
// never construct loggers themselves; they receive one and attach a
// component field with logger.With.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config 日志配置
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// NewLogger 按配置构建根日志器。未知级别回落到 info，而不是报错：
// 日志配置写错不应该阻止进程启动。
func NewLogger(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	output := cfg.OutputPath
	if output == "" {
		output = "stdout"
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encodingFor(cfg.Format),
		EncoderConfig:    encoderConfigFor(cfg.Format),
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
		Development:      cfg.Format == "console",
	}

	log, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return log, nil
}

func encodingFor(format string) string {
	if format == "console" {
		return "console"
	}
	return "json"
}

func encoderConfigFor(format string) zapcore.EncoderConfig {
	if format == "console" {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return ec
	}
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.StringDurationEncoder
	return ec
}
