package ferrylib

import "log/slog"

type Logger interface {
	Info(msg string, keyValues ...any)
	Warn(msg string, keyValues ...any)
	Error(msg string, keyValues ...any)
	Debug(msg string, keyValues ...any)
}

var DefaultLogger Logger = NewSlogLogger(slog.Default())

type slogLogger struct {
	l *slog.Logger
}

func NewSlogLogger(l *slog.Logger) Logger { return &slogLogger{l: l} }

func (s *slogLogger) Info(msg string, keyValues ...any)  { s.l.Info(msg, keyValues...) }
func (s *slogLogger) Warn(msg string, keyValues ...any)  { s.l.Warn(msg, keyValues...) }
func (s *slogLogger) Error(msg string, keyValues ...any) { s.l.Error(msg, keyValues...) }
func (s *slogLogger) Debug(msg string, keyValues ...any) { s.l.Debug(msg, keyValues...) }
