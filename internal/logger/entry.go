package logger

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
)

// Event is one outcome line: an item committed or failed, a fetch retry
// charged, a status request served. Its fields are the ones dashboards
// aggregate on, so they use the metric field names below rather than free
// text.
type Event struct {
	fields Fields
}

// Record starts an Event with optional extra fields.
// Example: logger.Record(nil).Elapsed(d).Artifacts(3).Info(ctx, "Item committed")
func Record(fields Fields) *Event {
	e := &Event{fields: make(Fields, len(fields)+4)}
	for k, v := range fields {
		e.fields[k] = v
	}
	return e
}

func (e *Event) set(key string, value interface{}) *Event {
	e.fields[key] = value
	return e
}

// Elapsed records a stage or request duration in milliseconds.
func (e *Event) Elapsed(d time.Duration) *Event {
	return e.set(FieldDurationMs, d.Milliseconds())
}

// Artifacts records how many artifacts an item produced.
func (e *Event) Artifacts(n int) *Event {
	return e.set(FieldArtifacts, n)
}

// Faces records how many face crops an item produced.
func (e *Event) Faces(n int) *Event {
	return e.set(FieldFaces, n)
}

// Bytes records a byte count both raw and in human form.
func (e *Event) Bytes(n int64) *Event {
	if n < 0 {
		n = 0
	}
	e.set(FieldBytes, n)
	return e.set(FieldSize, humanize.IBytes(uint64(n)))
}

// Attempt records the item's attempt count after the lease or charge.
func (e *Event) Attempt(n int) *Event {
	return e.set(FieldAttempt, n)
}

// Failure records the class an item was routed with and the cause.
// A nil cause records the class alone.
func (e *Event) Failure(class string, cause error) *Event {
	if class != "" {
		e.set(FieldErrorClass, class)
	}
	if cause != nil {
		e.set(FieldError, cause.Error())
	}
	return e
}

// Status records the item status after a transition.
func (e *Event) Status(status string) *Event {
	return e.set(FieldStatus, status)
}

// RetryAfter records when a failed item becomes eligible again.
func (e *Event) RetryAfter(t time.Time) *Event {
	return e.set(FieldRetryAfter, t.UTC().Format(time.RFC3339))
}

// Field records anything the helpers above do not cover.
func (e *Event) Field(key string, value interface{}) *Event {
	return e.set(key, value)
}

func (e *Event) logger(ctx context.Context) *Logger {
	if ctx == nil {
		return GetDefault().WithFields(e.fields)
	}
	return FromContext(ctx).WithFields(e.fields)
}

// Debug logs the event at Debug level with the context's tracing fields.
func (e *Event) Debug(ctx context.Context, format string, args ...interface{}) {
	e.logger(ctx).Debugf(format, args...)
}

// Info logs the event at Info level with the context's tracing fields.
func (e *Event) Info(ctx context.Context, format string, args ...interface{}) {
	e.logger(ctx).Infof(format, args...)
}

// Warn logs the event at Warn level with the context's tracing fields.
func (e *Event) Warn(ctx context.Context, format string, args ...interface{}) {
	e.logger(ctx).Warnf(format, args...)
}
