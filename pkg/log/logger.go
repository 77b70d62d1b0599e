package log

import "time"

// Logger is the structured logger every starpool component writes to.
// Supervisor code, worker processes and plugins all receive one through
// their configuration and default to a no-op.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key-value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// String creates a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an int field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Int64 creates an int64 field.
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

// Uint64 creates a uint64 field. Correlation ids use it.
func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a bool field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err creates an error field with key "error".
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Any creates a field with any value.
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// With returns a Logger that adds fields to every message written to l.
func With(l Logger, fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	if s, ok := l.(scoped); ok {
		return scoped{
			base:   s.base,
			fields: append(append([]Field(nil), s.fields...), fields...),
		}
	}
	return scoped{base: l, fields: fields}
}

type scoped struct {
	base   Logger
	fields []Field
}

func (s scoped) merge(fields []Field) []Field {
	return append(append(make([]Field, 0, len(s.fields)+len(fields)), s.fields...), fields...)
}

func (s scoped) Debug(msg string, fields ...Field) { s.base.Debug(msg, s.merge(fields)...) }
func (s scoped) Info(msg string, fields ...Field)  { s.base.Info(msg, s.merge(fields)...) }
func (s scoped) Warn(msg string, fields ...Field)  { s.base.Warn(msg, s.merge(fields)...) }
func (s scoped) Error(msg string, fields ...Field) { s.base.Error(msg, s.merge(fields)...) }
