package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is an interface for logging
type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]interface{})
	Warn(ctx context.Context, msg string, fields map[string]interface{})
	Error(ctx context.Context, msg string, fields map[string]interface{})
	Debug(ctx context.Context, msg string, fields map[string]interface{})
}

type contextKey string

const (
	invocationIDKey   contextKey = "invocation_id"
	conversationIDKey contextKey = "conversation_id"
)

// WithInvocationID returns a context carrying the ID of a generation invocation
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey, id)
}

// InvocationID returns the invocation ID stored in ctx
func InvocationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(invocationIDKey).(string)
	return id, ok && id != ""
}

// WithConversationID returns a context carrying a conversation ID
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationID returns the conversation ID stored in ctx
func ConversationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(conversationIDKey).(string)
	return id, ok && id != ""
}

// ZeroLogger implements Logger using zerolog
type ZeroLogger struct {
	logger zerolog.Logger
	out    io.Writer
	json   bool
	level  zerolog.Level
}

// Option configures a ZeroLogger
type Option func(*ZeroLogger)

// WithLevel sets the minimum level ("debug", "info", "warn", "error")
func WithLevel(level string) Option {
	return func(l *ZeroLogger) {
		l.level = ParseLevel(level)
	}
}

// WithOutput sets the destination writer
func WithOutput(w io.Writer) Option {
	return func(l *ZeroLogger) {
		l.out = w
	}
}

// WithJSON switches from console output to JSON lines
func WithJSON() Option {
	return func(l *ZeroLogger) {
		l.json = true
	}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a new ZeroLogger
func New(options ...Option) *ZeroLogger {
	l := &ZeroLogger{
		out:   os.Stdout,
		level: zerolog.InfoLevel,
	}
	for _, option := range options {
		option(l)
	}

	out := l.out
	if !l.json {
		out = zerolog.ConsoleWriter{Out: l.out, TimeFormat: time.RFC3339}
	}
	l.logger = zerolog.New(out).With().Timestamp().Logger().Level(l.level)
	return l
}

// NewNop returns a logger that discards everything
func NewNop() *ZeroLogger {
	return &ZeroLogger{logger: zerolog.Nop(), level: zerolog.Disabled}
}

// Info logs an info message
func (l *ZeroLogger) Info(ctx context.Context, msg string, fields map[string]interface{}) {
	l.write(ctx, l.logger.Info(), msg, fields)
}

// Warn logs a warning message
func (l *ZeroLogger) Warn(ctx context.Context, msg string, fields map[string]interface{}) {
	l.write(ctx, l.logger.Warn(), msg, fields)
}

// Error logs an error message
func (l *ZeroLogger) Error(ctx context.Context, msg string, fields map[string]interface{}) {
	l.write(ctx, l.logger.Error(), msg, fields)
}

// Debug logs a debug message
func (l *ZeroLogger) Debug(ctx context.Context, msg string, fields map[string]interface{}) {
	l.write(ctx, l.logger.Debug(), msg, fields)
}

func (l *ZeroLogger) write(ctx context.Context, event *zerolog.Event, msg string, fields map[string]interface{}) {
	// Disabled levels return a nil event
	if event == nil {
		return
	}

	if ctx != nil {
		if id, ok := InvocationID(ctx); ok {
			event = event.Str("invocation_id", id)
		}
		if id, ok := ConversationID(ctx); ok {
			event = event.Str("conversation_id", id)
		}
	}

	for k, v := range fields {
		event = event.Interface(k, v)
	}

	event.Msg(msg)
}
