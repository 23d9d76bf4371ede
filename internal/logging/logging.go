// Package logging builds the process logger of the kvmirror command.
package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Supported formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// ParseLevel converts a level name (debug, info, warn, error) into a zap level.
// An empty name is info.
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	l, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return 0, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

// ValidFormat reports whether format names a supported encoding.
// An empty format is console.
func ValidFormat(format string) bool {
	switch strings.ToLower(format) {
	case "", FormatConsole, FormatJSON:
		return true
	default:
		return false
	}
}

// New builds a logger writing to stderr.
func New(level, format string) (*zap.Logger, error) {
	return NewWithSink(level, format, zapcore.Lock(os.Stderr))
}

// NewWithSink builds a logger writing to w.
func NewWithSink(level, format string, w zapcore.WriteSyncer) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if !ValidFormat(format) {
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if strings.ToLower(format) == FormatJSON {
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, w, zap.NewAtomicLevelAt(lvl))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
