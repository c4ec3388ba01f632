package navigation

import (
	"time"

	"github.com/clientpulse/clientpulse/pkg/telemetry"
)

// ViewDurationRecord is the terminal summary of one visit to a view.
type ViewDurationRecord struct {
	RouteID   int
	ViewName  string
	ActiveMs  int64
	IdleMs    int64
	HiddenMs  int64
	RoutingMs int64
	Timestamp time.Time
}

// LogEntry renders the record for the batching buffer.
func (r ViewDurationRecord) LogEntry() telemetry.LogEntry {
	return telemetry.LogEntry{
		"type":      "view_duration",
		"id":        r.RouteID,
		"view":      r.ViewName,
		"active":    r.ActiveMs,
		"idle":      r.IdleMs,
		"hidden":    r.HiddenMs,
		"routing":   r.RoutingMs,
		"timestamp": r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}
