package log

import "time"

// Logger is the structured logging surface the replication pipeline writes
// to. The shipping loop, the generation manager and restore all log through
// it, so an embedding process can route replication events into whatever
// logger it already runs.
type Logger interface {
	// Debug records chatty per-object detail, like manifest publishes.
	Debug(msg string, fields ...Field)

	// Info records normal lifecycle events: batches shipped, generations
	// sealed, restores completed.
	Info(msg string, fields ...Field)

	// Warn records degraded-but-recoverable conditions, like upload
	// retries and replication stalls.
	Warn(msg string, fields ...Field)

	// Error records failures that need operator attention.
	Error(msg string, fields ...Field)
}

// Field is one structured key-value attribute on a log event.
type Field struct {
	Key   string
	Value interface{}
}

// String builds a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int builds an int field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Int64 builds an int64 field.
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

// Uint64 builds a uint64 field. Sequence numbers and generation IDs log
// through this one.
func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

// Uint32 builds a uint32 field, sized for page numbers and page sizes.
func Uint32(key string, value uint32) Field {
	return Field{Key: key, Value: value}
}

// Bool builds a bool field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration builds a duration field.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err builds an error field under the conventional "error" key.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Any builds a field from an arbitrary value.
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}
