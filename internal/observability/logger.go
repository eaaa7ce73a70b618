// Package observability owns the process-wide logger: a colorized
// console core for operators, an optional rotated JSON file core, and
// the zap globals redirected so stray log.Printf output lands here too.
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/chromewarden/internal/config"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

// ANSI escape codes for the console level column.
const (
	colorBlack   = "\x1b[30m"
	colorRed     = "\x1b[31m"
	colorGreen   = "\x1b[32m"
	colorYellow  = "\x1b[33m"
	colorBlue    = "\x1b[34m"
	colorMagenta = "\x1b[35m"
	colorCyan    = "\x1b[36m"
	colorWhite   = "\x1b[37m"
	colorReset   = "\x1b[0m"
)

var colorMap = map[string]string{
	"black":   colorBlack,
	"red":     colorRed,
	"green":   colorGreen,
	"yellow":  colorYellow,
	"blue":    colorBlue,
	"magenta": colorMagenta,
	"cyan":    colorCyan,
	"white":   colorWhite,
}

// InitializeLogger builds the global logger from cfg. Safe to call more
// than once; only the first call takes effect.
func InitializeLogger(cfg config.LoggerConfig) {
	initializeLogger(cfg, zapcore.Lock(os.Stdout))
}

// initializeLogger is the seam tests use to point console output at a
// buffer instead of stdout.
func initializeLogger(cfg config.LoggerConfig, consoleOut zapcore.WriteSyncer) {
	once.Do(func() {
		level := zap.NewAtomicLevel()
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}

		cores := []zapcore.Core{
			zapcore.NewCore(newEncoder(cfg), consoleOut, level),
		}
		if cfg.LogFile != "" {
			// The file core is always JSON; rotation belongs to lumberjack.
			rotated := zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			})
			cores = append(cores,
				zapcore.NewCore(newEncoder(config.LoggerConfig{Format: "json"}), rotated, level))
		}

		opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
		if cfg.AddSource {
			opts = append(opts, zap.AddCaller())
		}
		logger := zap.New(zapcore.NewTee(cores...), opts...).Named(cfg.ServiceName)

		globalLogger.Store(logger)
		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// newEncoder returns the console encoder with the colorized level
// column, or the plain JSON encoder for every other format.
func newEncoder(cfg config.LoggerConfig) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "console" {
		ec.EncodeLevel = levelEncoder(cfg.Colors)
		return zapcore.NewConsoleEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

// levelEncoder colorizes the level column per the configured palette.
// Levels without a configured color render plain.
func levelEncoder(colors config.ColorConfig) zapcore.LevelEncoder {
	palette := map[zapcore.Level]string{
		zapcore.DebugLevel:  colorMap[colors.Debug],
		zapcore.InfoLevel:   colorMap[colors.Info],
		zapcore.WarnLevel:   colorMap[colors.Warn],
		zapcore.ErrorLevel:  colorMap[colors.Error],
		zapcore.DPanicLevel: colorMap[colors.DPanic],
		zapcore.PanicLevel:  colorMap[colors.Panic],
		zapcore.FatalLevel:  colorMap[colors.Fatal],
	}
	return func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		name := strings.ToUpper(level.String())
		if color := palette[level]; color != "" {
			enc.AppendString(color + name + colorReset)
			return
		}
		enc.AppendString(name)
	}
}

// GetLogger returns the global logger, or a development fallback when
// nothing initialized it yet (early CLI errors, tests).
func GetLogger() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	fallback, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return fallback.Named("fallback")
}

// Sync flushes buffered entries. Sync errors go to stderr: the logger
// itself may be the thing failing.
func Sync() {
	if logger := globalLogger.Load(); logger != nil {
		if err := logger.Sync(); err != nil {
			fmt.Fprintln(os.Stderr, "failed to sync logger:", err)
		}
	}
}
