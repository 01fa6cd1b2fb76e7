// Package logger emits one JSON object per line, service-scoped. Shape:
// timestamp, level, service, action, message, hostname plus caller fields.
package logger

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

type Logger struct {
	service string
	mu      *sync.Mutex
	out     io.Writer
}

// New returns a logger scoped to service, writing to stdout.
func New(service string) *Logger { return NewWithWriter(service, os.Stdout) }

// NewWithWriter is New with an explicit destination; tests capture output
// through it.
func NewWithWriter(service string, out io.Writer) *Logger {
	return &Logger{service: service, mu: &sync.Mutex{}, out: out}
}

// WithService returns a logger sharing the destination under another
// service name.
func (l *Logger) WithService(service string) *Logger {
	return &Logger{service: service, mu: l.mu, out: l.out}
}

func (l *Logger) log(level, action, msg string, fields map[string]any, err error) {
	entry := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"service":   l.service,
		"action":    action,
		"message":   msg,
		"hostname":  hostname(),
	}
	for k, v := range fields {
		entry[k] = v
	}
	if err != nil {
		entry["error"] = err.Error()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = json.NewEncoder(l.out).Encode(entry)
}

func (l *Logger) Debug(action string, fields map[string]any) {
	l.log("DEBUG", action, action, fields, nil)
}

func (l *Logger) Info(action string, fields map[string]any) {
	l.log("INFO", action, action, fields, nil)
}

func (l *Logger) Warn(action string, fields map[string]any) {
	l.log("WARN", action, action, fields, nil)
}

func (l *Logger) Error(action string, err error, fields map[string]any) {
	l.log("ERROR", action, action, fields, err)
}

func hostname() string { h, _ := os.Hostname(); return h }
