package logging

import (
	"go.opentelemetry.io/contrib/bridges/otelzap"
	otellog "go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewWithExport creates a logger like New that also mirrors every
// entry to the given OTLP log provider. A nil provider yields a plain
// stderr logger.
func NewWithExport(level, format string, provider otellog.LoggerProvider) (*Logger, error) {
	core, err := newStderrCore(level, format)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return &Logger{zap: zap.New(core)}, nil
	}
	bridge := otelzap.NewCore("deployd", otelzap.WithLoggerProvider(provider))
	return &Logger{zap: zap.New(zapcore.NewTee(core, bridge))}, nil
}
