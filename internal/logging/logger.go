// Package logging writes structured JSON log lines correlated with the
// active trace and with the tenant, message, delivery and endpoint a line
// concerns.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/austindbirch/hookline/internal/tracing"
)

type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = [...]string{"debug", "info", "warn", "error", "fatal"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelFatal {
		return fmt.Sprintf("level(%d)", l)
	}
	return levelNames[l]
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// ParseLevel accepts the names produced by Level.String, case-insensitively.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Entry is a single log line being built.
type Entry struct {
	Time       time.Time      `json:"time"`
	Level      Level          `json:"level"`
	Message    string         `json:"msg"`
	Service    string         `json:"service,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	MessageID  string         `json:"message_id,omitempty"`
	DeliveryID string         `json:"delivery_id,omitempty"`
	EndpointID string         `json:"endpoint_id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`

	sink *sink
}

// sink serializes writes so concurrent lines never interleave.
type sink struct {
	mu  sync.Mutex
	w   io.Writer
	min atomic.Int32
}

type Logger struct {
	service string
	sink    *sink
}

func New(service string) *Logger {
	return NewWithWriter(service, os.Stdout)
}

func NewWithWriter(service string, w io.Writer) *Logger {
	s := &sink{w: w}
	s.min.Store(int32(LevelDebug))
	return &Logger{service: service, sink: s}
}

// SetLevel drops entries below min.
func (l *Logger) SetLevel(min Level) {
	l.sink.min.Store(int32(min))
}

func (l *Logger) entry() *Entry {
	return &Entry{Time: time.Now().UTC(), Service: l.service, sink: l.sink}
}

// WithContext starts an entry carrying the trace id of ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Entry {
	e := l.entry()
	e.TraceID = tracing.TraceID(ctx)
	return e
}

func (l *Logger) WithFields(fields map[string]any) *Entry {
	return l.entry().WithFields(fields)
}

func (l *Logger) Plain() *Entry {
	return l.entry()
}

func (e *Entry) WithTenant(tenantID string) *Entry {
	e.TenantID = tenantID
	return e
}

func (e *Entry) WithMessage(messageID string) *Entry {
	e.MessageID = messageID
	return e
}

func (e *Entry) WithDelivery(deliveryID string) *Entry {
	e.DeliveryID = deliveryID
	return e
}

func (e *Entry) WithEndpoint(endpointID string) *Entry {
	e.EndpointID = endpointID
	return e
}

func (e *Entry) WithField(key string, value any) *Entry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func (e *Entry) WithFields(fields map[string]any) *Entry {
	for k, v := range fields {
		e.WithField(k, v)
	}
	return e
}

// WithError records err under fields.error; a nil err is ignored.
func (e *Entry) WithError(err error) *Entry {
	if err == nil {
		return e
	}
	return e.WithField("error", err.Error())
}

func (e *Entry) Debug(msg string) { e.write(LevelDebug, msg) }
func (e *Entry) Info(msg string)  { e.write(LevelInfo, msg) }
func (e *Entry) Warn(msg string)  { e.write(LevelWarn, msg) }
func (e *Entry) Error(msg string) { e.write(LevelError, msg) }

// Fatal writes the entry and exits the process with status 1.
func (e *Entry) Fatal(msg string) {
	e.write(LevelFatal, msg)
	os.Exit(1)
}

func (e *Entry) write(level Level, msg string) {
	if int32(level) < e.sink.min.Load() {
		return
	}
	e.Level = level
	e.Message = msg

	data, err := json.Marshal(e)
	if err != nil {
		// unmarshalable field value; keep the line in plain text
		data = fmt.Appendf(nil, "%s [%s] %s (log encoding failed: %v)",
			e.Time.Format(time.RFC3339), level, msg, err)
	}
	data = append(data, '\n')

	e.sink.mu.Lock()
	defer e.sink.mu.Unlock()
	_, _ = e.sink.w.Write(data)
}
