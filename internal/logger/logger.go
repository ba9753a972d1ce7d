package logger

import (
	"context"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/e2b-dev/infra/packages/membacking/internal/cfg"
)

// NewLogger builds the process logger: JSON on stdout, the OpenTelemetry log
// bridge when MAPPING_OTEL_LOGS is set, and any extra cores passed in.
func NewLogger(_ context.Context, config cfg.Config, extra ...zapcore.Core) *zap.Logger {
	level := zapcore.InfoLevel
	if config.Debug {
		level = zapcore.DebugLevel
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.Lock(os.Stdout), level),
	}

	if config.OTelLogs {
		cores = append(cores, otelzap.NewCore(config.ServiceName, otelzap.WithLoggerProvider(global.GetLoggerProvider())))
	}

	cores = append(cores, extra...)

	return zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		zap.Fields(
			zap.String("service", config.ServiceName),
			zap.Int("pid", os.Getpid()),
		),
	)
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		MessageKey:     "message",
		LevelKey:       "level",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		LineEnding:     zapcore.DefaultLineEnding,
	}
}
