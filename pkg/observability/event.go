package observability

import "time"

// Level represents the severity of an emitted event.
type Level string

const (
	// LevelInfo represents informational events that describe normal behaviour.
	LevelInfo Level = "info"
	// LevelWarn represents degraded conditions such as a dropped payload.
	LevelWarn Level = "warn"
	// LevelError captures failures that prevent a component from making progress.
	LevelError Level = "error"
)

// Event models a structured diagnostic record emitted by pipeline components.
// These are operational logs about the pipeline itself, not the telemetry
// entries it delivers.
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Level     Level                  `json:"level"`
	Session   string                 `json:"session,omitempty"`
	Component string                 `json:"component,omitempty"`
	Event     string                 `json:"event"`
	Message   string                 `json:"message,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Clone returns a shallow copy of the event and its fields map so observers
// can annotate their copy without racing the emitter.
func (e Event) Clone() Event {
	clone := e
	if len(e.Fields) > 0 {
		copied := make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			copied[k] = v
		}
		clone.Fields = copied
	}
	return clone
}
