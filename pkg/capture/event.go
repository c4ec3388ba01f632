// Package capture turns raw interaction and document notifications from a
// client into normalized telemetry entries.
package capture

import (
	"sync"
	"time"

	"github.com/clientpulse/clientpulse/pkg/notify"
)

// Kind names a raw notification type.
type Kind string

const (
	KindClick            Kind = "click"
	KindMouseOver        Kind = "mouseover"
	KindVisibilityChange Kind = "visibilitychange"
	KindBeforeUnload     Kind = "beforeunload"
	// KindMouseMove and KindKeyPress only feed the activity clock.
	KindMouseMove Kind = "mousemove"
	KindKeyPress  Kind = "keypress"
)

// Visibility is the document visibility state carried by document events.
type Visibility string

const (
	VisibilityVisible Visibility = "visible"
	VisibilityHidden  Visibility = "hidden"
)

// Target describes the element an interaction was dispatched to.
type Target struct {
	Tag   string `yaml:"tag"`
	Type  string `yaml:"type"`
	ID    string `yaml:"id"`
	Text  string `yaml:"text"`
	Value string `yaml:"value"`
}

// RawEvent is a single notification as delivered by the host.
type RawEvent struct {
	Kind       Kind
	Target     *Target
	X, Y       float64
	Visibility Visibility
	At         time.Time
}

// IsPointer reports whether the kind targets an element.
func (k Kind) IsPointer() bool {
	return k == KindClick || k == KindMouseOver
}

// Dispatcher fans raw events out to listeners registered per kind.
type Dispatcher struct {
	mu   sync.Mutex
	hubs map[Kind]*notify.Hub[RawEvent]
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{hubs: make(map[Kind]*notify.Hub[RawEvent])}
}

// Listen registers handler for kind.
func (d *Dispatcher) Listen(kind Kind, handler func(RawEvent)) *notify.Subscription {
	return d.hub(kind).Listen(handler)
}

// Dispatch delivers ev to every listener of its kind.
func (d *Dispatcher) Dispatch(ev RawEvent) {
	hub, ok := d.lookup(ev.Kind)
	if !ok {
		return
	}
	hub.Publish(ev)
}

// Listeners returns the number of listeners registered for kind.
func (d *Dispatcher) Listeners(kind Kind) int {
	hub, ok := d.lookup(kind)
	if !ok {
		return 0
	}
	return hub.Len()
}

func (d *Dispatcher) hub(kind Kind) *notify.Hub[RawEvent] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if hub, ok := d.hubs[kind]; ok {
		return hub
	}
	hub := notify.NewHub[RawEvent]()
	d.hubs[kind] = hub
	return hub
}

func (d *Dispatcher) lookup(kind Kind) (*notify.Hub[RawEvent], bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hub, ok := d.hubs[kind]
	return hub, ok
}
