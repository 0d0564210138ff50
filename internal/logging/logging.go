package logging

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps "debug", "info", "warn", "error" (case-insensitive) to a
// zap level. Anything else is info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func encoderConfig(color bool) zapcore.EncoderConfig {
	encodeLevel := zapcore.CapitalLevelEncoder
	if color {
		encodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    encodeLevel,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New returns a configured zap logger for the level string. With a
// non-empty file, output goes to that file and is rotated; otherwise to
// stdout.
func New(level, file string) *zap.SugaredLogger {
	var sink zapcore.WriteSyncer
	if file == "" {
		sink = zapcore.Lock(os.Stdout)
	} else {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   filepath.ToSlash(file),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		})
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig(file == "")),
		sink,
		zap.NewAtomicLevelAt(ParseLevel(level)),
	)
	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))).Sugar()
}
