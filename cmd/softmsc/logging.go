package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ardnew/softmsc/pkg"
)

// Log formats accepted by -log-format.
const (
	formatText = "text"
	formatJSON = "json"
	formatZap  = "zap"
)

// setupLogging configures the stack logger. The zap format routes slog
// records through a zap console core, where debug records arrive as
// logr V(4).
func setupLogging(verbose bool, format string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	pkg.SetLogLevel(level)

	switch format {
	case "", formatText:
		pkg.SetLogFormat(pkg.LogFormatText)
	case formatJSON:
		pkg.SetLogFormat(pkg.LogFormatJSON)
	case formatZap:
		pkg.SetLogHandler(logr.ToSlogHandler(zapLogger(level)))
	default:
		return fmt.Errorf("log format %q: %w", format, pkg.ErrValue)
	}
	return nil
}

func zapLogger(level slog.Level) logr.Logger {
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zapcore.Level(level))
	return zapr.NewLogger(zap.New(core))
}
