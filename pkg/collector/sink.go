// Package collector receives batches posted by clients and stores their
// entries verbatim in a pluggable sink.
package collector

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one element of a posted batch.
type Entry struct {
	Raw     json.RawMessage
	Session string
	Kind    string
}

// Batch is one accepted POST.
type Batch struct {
	ID         string
	ReceivedAt time.Time
	Remote     string
	Entries    []Entry
}

// Sink persists batches.
type Sink interface {
	Store(ctx context.Context, batch Batch) error
	Close() error
}

// entryKind labels an entry by its "type" field, falling back to "action".
func entryKind(fields map[string]any) string {
	if v, ok := fields["type"].(string); ok && v != "" {
		return v
	}
	if v, ok := fields["action"].(string); ok {
		return v
	}
	return ""
}
