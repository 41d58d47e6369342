package observability

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultLogLevel = "info"

// ErrInvalidLogLevel is returned for unknown level names.
var ErrInvalidLogLevel = errors.New("invalid log level")

// NewLogger builds a production JSON logger at the given level ("debug", "info", "warn", "error").
func NewLogger(level string) (*zap.Logger, error) {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = defaultLogLevel
	}
	parsedLevel, err := zapcore.ParseLevel(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLogLevel, level)
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(parsedLevel)
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return config.Build()
}
