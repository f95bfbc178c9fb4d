// Package logging builds the service's zap loggers and carries request-scoped
// identifiers through context.Context.
package logging

import (
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options tunes NewLoggerWithOptions.
type Options struct {
	Level  string
	Format string
	// FilePath writes to a size-rotated file instead of stdout.
	FilePath string
	// Output replaces stdout when FilePath is empty.
	Output     io.Writer
	MaxSize    int64
	MaxBackups int
	// Service is attached to every entry as the "service" field.
	Service string
}

// NewLogger creates a zap.Logger with the specified level, format, and optional file output.
// level can be debug, info, warn, or error. format can be json or console.
// If filePath is empty, logs are written to stdout.
func NewLogger(level, format, filePath string) (*zap.Logger, error) {
	return NewLoggerWithOptions(Options{Level: level, Format: format, FilePath: filePath, Service: "devkeys"})
}

// NewLoggerWithOptions creates a zap.Logger from opts.
func NewLoggerWithOptions(opts Options) (*zap.Logger, error) {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToLower(opts.Format) == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var out io.Writer = stdout
	if opts.Output != nil {
		out = opts.Output
	}
	ws := zapcore.Lock(zapcore.AddSync(out))
	if opts.FilePath != "" {
		rw, err := NewRotateWriter(opts.FilePath, opts.MaxSize, opts.MaxBackups)
		if err != nil {
			return nil, err
		}
		ws = rw
	}

	core := zapcore.NewCore(encoder, ws, ParseLevel(opts.Level))
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if opts.Service != "" {
		logger = logger.With(zap.String("service", opts.Service))
	}
	return logger, nil
}

// ParseLevel maps debug, info, warn and error (any case) to a zap level. Anything
// else is info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
