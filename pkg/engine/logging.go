// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace is the slog level used for pion trace output.
const LevelTrace = slog.LevelDebug - 4

// NewLoggerFactory returns a pion LoggerFactory writing through logger.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogFactory{logger: logger}
}

type slogFactory struct {
	logger *slog.Logger
}

func (f *slogFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLogger{logger: f.logger.With(slog.String("scope", scope))}
}

type slogLogger struct {
	logger *slog.Logger
}

var _ logging.LeveledLogger = (*slogLogger)(nil)

func (l *slogLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l *slogLogger) Trace(msg string) { l.log(LevelTrace, msg) }

func (l *slogLogger) Tracef(format string, args ...interface{}) {
	l.log(LevelTrace, fmt.Sprintf(format, args...))
}

func (l *slogLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }

func (l *slogLogger) Debugf(format string, args ...interface{}) {
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}

func (l *slogLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }

func (l *slogLogger) Infof(format string, args ...interface{}) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, args...))
}

func (l *slogLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }

func (l *slogLogger) Warnf(format string, args ...interface{}) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, args...))
}

func (l *slogLogger) Error(msg string) { l.log(slog.LevelError, msg) }

func (l *slogLogger) Errorf(format string, args ...interface{}) {
	l.log(slog.LevelError, fmt.Sprintf(format, args...))
}
