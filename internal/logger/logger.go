// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the structured, leveled logging used
// throughout the filesystem: a severity ladder finer-grained than
// log/slog's default (adding TRACE below DEBUG and OFF above ERROR), a
// choice of human-readable text or machine-parseable JSON output, and
// optional rotation of a log file on disk.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, ordered finest to coarsest. These extend log/slog's
// Debug/Info/Warn/Error with a verbose Trace level below Debug and a
// sentinel Off above Error that silences all output.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

// timeLayout renders timestamps for text-format output.
const timeLayout = "02/01/2006 15:04:05.000000"

// RotateConfig configures log file rotation via lumberjack.
type RotateConfig struct {
	MaxSizeMB       int
	MaxBackups      int
	MaxAgeDays      int
	Compress        bool
}

// Config configures the package-level logger.
type Config struct {
	// Format is "text" (default) or "json".
	Format string
	// Severity is one of trace, debug, info, warning, error, off
	// (case-insensitive). Empty defaults to info.
	Severity string
	// FilePath, if non-empty, directs output to that file (through
	// lumberjack and an AsyncLogger) instead of stdout.
	FilePath string
	Rotate   RotateConfig
}

var (
	mu            sync.Mutex
	programLevel  = new(slog.LevelVar)
	currentWriter io.Writer = os.Stdout
	defaultLogger           = slog.New(newHandler(os.Stdout, "text", programLevel))
)

// ParseSeverity parses a severity name as accepted by Config.Severity.
func ParseSeverity(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return LevelInfo, nil
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "WARNING", "WARN":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "OFF":
		return LevelOff, nil
	default:
		return 0, fmt.Errorf("logger: unknown severity %q", s)
	}
}

func severityName(level slog.Level) string {
	switch {
	case level < LevelDebug:
		return "TRACE"
	case level < LevelInfo:
		return "DEBUG"
	case level < LevelWarn:
		return "INFO"
	case level < LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func textReplaceAttr(groups []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.TimeKey:
		return slog.String("time", a.Value.Time().Format(timeLayout))
	case slog.LevelKey:
		return slog.String("severity", severityName(a.Value.Any().(slog.Level)))
	case slog.MessageKey:
		return slog.String("message", a.Value.String())
	}
	return a
}

func jsonReplaceAttr(groups []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.TimeKey:
		t := a.Value.Time()
		return slog.Attr{
			Key: "timestamp",
			Value: slog.GroupValue(
				slog.Int64("seconds", t.Unix()),
				slog.Int64("nanos", int64(t.Nanosecond())),
			),
		}
	case slog.LevelKey:
		return slog.String("severity", severityName(a.Value.Any().(slog.Level)))
	case slog.MessageKey:
		return slog.String("message", a.Value.String())
	}
	return a
}

func newHandler(w io.Writer, format string, level *slog.LevelVar) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		opts.ReplaceAttr = jsonReplaceAttr
		return slog.NewJSONHandler(w, opts)
	}
	opts.ReplaceAttr = textReplaceAttr
	return slog.NewTextHandler(w, opts)
}

// InitLogFile applies cfg, replacing the package-level logger's severity
// threshold, format, and destination. Call once during startup, before
// any filesystem operations begin.
func InitLogFile(cfg Config) error {
	level, err := ParseSeverity(cfg.Severity)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	programLevel.Set(level)

	var w io.Writer = os.Stdout
	if cfg.FilePath != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.Rotate.MaxSizeMB,
			MaxBackups: cfg.Rotate.MaxBackups,
			MaxAge:     cfg.Rotate.MaxAgeDays,
			Compress:   cfg.Rotate.Compress,
		}
		w = NewAsyncLogger(lj, 1000)
	}

	currentWriter = w
	defaultLogger = slog.New(newHandler(w, cfg.Format, programLevel))
	return nil
}

// SetLogFormat switches between "text" and "json" output without
// disturbing the configured severity or destination.
func SetLogFormat(format string) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(newHandler(currentWriter, format, programLevel))
}

// SetSeverity changes the minimum severity that is logged.
func SetSeverity(level slog.Level) {
	programLevel.Set(level)
}

func logger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return defaultLogger
}

// Tracef logs at TRACE severity.
func Tracef(format string, args ...any) { log(LevelTrace, format, args...) }

// Debugf logs at DEBUG severity.
func Debugf(format string, args ...any) { log(LevelDebug, format, args...) }

// Infof logs at INFO severity.
func Infof(format string, args ...any) { log(LevelInfo, format, args...) }

// Warnf logs at WARNING severity.
func Warnf(format string, args ...any) { log(LevelWarn, format, args...) }

// Errorf logs at ERROR severity.
func Errorf(format string, args ...any) { log(LevelError, format, args...) }

func log(level slog.Level, format string, args ...any) {
	logger().Log(context.Background(), level, fmt.Sprintf(format, args...))
}
