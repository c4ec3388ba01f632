package capture

import (
	"errors"
	"fmt"
	"strings"

	"github.com/clientpulse/clientpulse/pkg/telemetry"
)

var (
	// ErrMalformed marks an event whose target is missing or unusable.
	ErrMalformed = errors.New("capture: malformed event")
	// ErrOutOfScope marks an event on an element outside the allow-list.
	ErrOutOfScope = errors.New("capture: element out of scope")
)

// documentTag is the synthetic whole-document target. Its text content is the
// entire page and is never logged.
const documentTag = "HTML"

var textInputTags = map[string]struct{}{
	"INPUT":    {},
	"TEXTAREA": {},
}

// Normalizer converts raw events into log entries.
type Normalizer struct {
	scope         map[string]struct{}
	maxTextLength int
}

// NewNormalizer builds a normalizer restricted to the given element tags.
// maxTextLength <= 0 disables truncation.
func NewNormalizer(elementsInScope []string, maxTextLength int) *Normalizer {
	scope := make(map[string]struct{}, len(elementsInScope))
	for _, tag := range elementsInScope {
		scope[strings.ToUpper(strings.TrimSpace(tag))] = struct{}{}
	}
	return &Normalizer{scope: scope, maxTextLength: maxTextLength}
}

// InScope reports whether tag is on the allow-list.
func (n *Normalizer) InScope(tag string) bool {
	_, ok := n.scope[strings.ToUpper(tag)]
	return ok
}

// Normalize maps ev to a log entry.
//
// Pointer events produce {action, element, subtype, text, x, y}. Visibility
// and unload events produce {type, action} where action is the visibility
// state at the time of the event.
func (n *Normalizer) Normalize(ev RawEvent) (telemetry.LogEntry, error) {
	switch ev.Kind {
	case KindVisibilityChange:
		return telemetry.LogEntry{"type": "visibility", "action": visibilityOrDefault(ev.Visibility)}, nil
	case KindBeforeUnload:
		return telemetry.LogEntry{"type": "unload", "action": visibilityOrDefault(ev.Visibility)}, nil
	case KindClick, KindMouseOver:
	default:
		return nil, fmt.Errorf("%w: kind %q is not captured", ErrMalformed, ev.Kind)
	}

	if ev.Target == nil || strings.TrimSpace(ev.Target.Tag) == "" {
		return nil, fmt.Errorf("%w: %s event without target", ErrMalformed, ev.Kind)
	}
	tag := strings.ToUpper(ev.Target.Tag)
	if !n.InScope(tag) {
		return nil, fmt.Errorf("%w: %s", ErrOutOfScope, tag)
	}

	subtype := ev.Target.Type
	if subtype == "" {
		subtype = tag
	}

	return telemetry.LogEntry{
		"action":  string(ev.Kind),
		"element": tag,
		"subtype": subtype,
		"text":    n.text(tag, ev.Target),
		"x":       ev.X,
		"y":       ev.Y,
	}, nil
}

func (n *Normalizer) text(tag string, target *Target) string {
	if tag == documentTag {
		return ""
	}
	text := target.Text
	if text == "" {
		if _, ok := textInputTags[tag]; ok {
			text = target.Value
			if text == "" {
				text = target.ID
			}
		}
	}
	return truncate(text, n.maxTextLength)
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func visibilityOrDefault(v Visibility) string {
	if v == "" {
		return string(VisibilityVisible)
	}
	return string(v)
}
