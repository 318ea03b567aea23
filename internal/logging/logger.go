// Package logging provides the structured logger used across every
// component: one logrus instance, plus correlation/incident id helpers
// carried on a context.Context.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const (
	incidentIDKey ctxKey = "incident_id"
	requestIDKey  ctxKey = "request_id"
)

// Config controls level/format/output, mirroring the runtime flags the
// process is started with.
type Config struct {
	Level      string
	Format     string // "json" or "text"
	Output     string // "stdout" or "file"
	FilePrefix string
}

// Logger wraps logrus.Logger with incident/request-id aware helpers.
type Logger struct {
	*logrus.Logger
}

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "watchkeeper"
		}
		if err := os.MkdirAll("logs", 0o755); err != nil {
			l.Errorf("create log dir: %v", err)
			break
		}
		f, err := os.OpenFile(filepath.Join("logs", prefix+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.Errorf("open log file: %v", err)
			break
		}
		l.SetOutput(io.MultiWriter(os.Stdout, f))
	default:
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l}
}

// NewDefault returns a text/info logger to stdout, tagged with a
// component name field on every subsequent entry.
func NewDefault(component string) *Logger {
	l := New(Config{Level: "info", Format: "text", Output: "stdout"})
	l.Logger.AddHook(staticFieldHook{fields: logrus.Fields{"component": component}})
	return l
}

type staticFieldHook struct {
	fields logrus.Fields
}

func (h staticFieldHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h staticFieldHook) Fire(e *logrus.Entry) error {
	for k, v := range h.fields {
		if _, exists := e.Data[k]; !exists {
			e.Data[k] = v
		}
	}
	return nil
}

// WithIncident attaches an incident id to the context for downstream log
// calls to pick up via FromContext.
func WithIncident(ctx context.Context, incidentID string) context.Context {
	return context.WithValue(ctx, incidentIDKey, incidentID)
}

// WithRequest attaches a request id to the context.
func WithRequest(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// Entry returns a log entry pre-populated with any incident/request id
// found on ctx.
func (l *Logger) Entry(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{}
	if v, ok := ctx.Value(incidentIDKey).(string); ok && v != "" {
		fields["incident_id"] = v
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		fields["request_id"] = v
	}
	if len(fields) == 0 {
		return logrus.NewEntry(l.Logger)
	}
	return l.Logger.WithFields(fields)
}
