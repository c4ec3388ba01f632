// Package navigation tracks the views a client moves through and produces
// one duration record per view exit.
package navigation

import (
	"sync"
	"time"

	"github.com/clientpulse/clientpulse/pkg/clock"
	"github.com/clientpulse/clientpulse/pkg/notify"
)

// Phase identifies a navigation lifecycle notification.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseEnd   Phase = "end"
)

// Notification is published by the Router for every lifecycle step.
type Notification struct {
	Phase             Phase
	ID                int
	URL               string
	URLAfterRedirects string
	At                time.Time
}

// Router publishes navigation notifications and assigns navigation ids.
type Router struct {
	mu     sync.Mutex
	nextID int
	clock  clock.Clock
	hub    *notify.Hub[Notification]
}

// NewRouter constructs a router stamping notifications with clk.
func NewRouter(clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.Real()
	}
	return &Router{clock: clk, hub: notify.NewHub[Notification]()}
}

// Listen registers fn for every notification.
func (r *Router) Listen(fn func(Notification)) *notify.Subscription {
	return r.hub.Listen(fn)
}

// Start begins a navigation to url and returns its id. Ids increase
// monotonically for the lifetime of the router.
func (r *Router) Start(url string) int {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	r.hub.Publish(Notification{Phase: PhaseStart, ID: id, URL: url, At: r.clock.Now()})
	return id
}

// End completes navigation id. redirected is the URL after redirects, empty
// when none happened.
func (r *Router) End(id int, url, redirected string) {
	r.hub.Publish(Notification{
		Phase:             PhaseEnd,
		ID:                id,
		URL:               url,
		URLAfterRedirects: redirected,
		At:                r.clock.Now(),
	})
}

// Navigate runs a complete start/end cycle without redirects.
func (r *Router) Navigate(url string) int {
	id := r.Start(url)
	r.End(id, url, "")
	return id
}
