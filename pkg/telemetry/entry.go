package telemetry

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnsupportedValue is returned when a LogEntry carries a value that is not
// a string, boolean or number.
var ErrUnsupportedValue = errors.New("telemetry: unsupported entry value")

// LogEntry is an opaque key/value record produced by capture components and
// consumed by the batching buffer. Values must be primitives; the shape is
// owned by the producer.
type LogEntry map[string]any

// Validate reports whether every value in the entry is a primitive.
func (e LogEntry) Validate() error {
	for _, key := range e.Keys() {
		switch e[key].(type) {
		case string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			return fmt.Errorf("%w: key %q has type %T", ErrUnsupportedValue, key, e[key])
		}
	}
	return nil
}

// Clone returns a shallow copy of the entry. Values are primitives so a
// shallow copy is fully independent.
func (e LogEntry) Clone() LogEntry {
	if e == nil {
		return nil
	}
	cloned := make(LogEntry, len(e))
	for k, v := range e {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy of the entry with key set to value.
func (e LogEntry) With(key string, value any) LogEntry {
	cloned := e.Clone()
	if cloned == nil {
		cloned = make(LogEntry, 1)
	}
	cloned[key] = value
	return cloned
}

// Keys returns the entry keys in sorted order.
func (e LogEntry) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the value stored under key when it is a string.
func (e LogEntry) String(key string) string {
	if s, ok := e[key].(string); ok {
		return s
	}
	return ""
}
