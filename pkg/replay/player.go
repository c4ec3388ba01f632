package replay

import (
	"context"
	"errors"
	"time"

	"github.com/clientpulse/clientpulse/pkg/capture"
	"github.com/clientpulse/clientpulse/pkg/clock"
	"github.com/clientpulse/clientpulse/pkg/session"
)

// Host is the part of a session a script drives.
type Host interface {
	Periodic() []session.Job
	Dispatch(capture.RawEvent)
	SetVisibility(capture.Visibility)
	Unload()
	Navigate(url string) int
	CompleteNavigation(id int, url, redirected string)
}

// Player replays scripts against a host started with manual loops.
type Player struct {
	host  Host
	clock *clock.FakeClock
	jobs  []scheduled
}

type scheduled struct {
	job  session.Job
	next time.Time
}

// NewPlayer prepares a player. The clock must be the one the host reads.
func NewPlayer(host Host, clk *clock.FakeClock) (*Player, error) {
	if host == nil {
		return nil, errors.New("player requires a host")
	}
	if clk == nil {
		return nil, errors.New("player requires a fake clock")
	}
	p := &Player{host: host, clock: clk}
	now := clk.Now()
	for _, job := range host.Periodic() {
		if job.Interval <= 0 || job.Run == nil {
			continue
		}
		p.jobs = append(p.jobs, scheduled{job: job, next: now.Add(job.Interval)})
	}
	return p, nil
}

// Play runs every step of script in order.
func (p *Player) Play(ctx context.Context, script *Script) error {
	for _, step := range script.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.Advance(step.After())
		p.apply(step)
	}
	return nil
}

// Advance moves the clock forward by d, running each periodic job at every
// deadline it crosses.
func (p *Player) Advance(d time.Duration) {
	target := p.clock.Now().Add(d)
	for {
		next, ok := p.nextDeadline(target)
		if !ok {
			break
		}
		p.moveTo(next)
		for i := range p.jobs {
			if p.jobs[i].next.Equal(next) {
				p.jobs[i].job.Run(next)
				p.jobs[i].next = next.Add(p.jobs[i].job.Interval)
			}
		}
	}
	p.moveTo(target)
}

func (p *Player) nextDeadline(target time.Time) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, s := range p.jobs {
		if s.next.After(target) {
			continue
		}
		if !found || s.next.Before(earliest) {
			earliest = s.next
			found = true
		}
	}
	return earliest, found
}

func (p *Player) moveTo(t time.Time) {
	if d := t.Sub(p.clock.Now()); d > 0 {
		p.clock.Advance(d)
	}
}

func (p *Player) apply(step Step) {
	switch {
	case step.Navigate != "":
		id := p.host.Navigate(step.Navigate)
		if !step.Cancel {
			p.host.CompleteNavigation(id, step.Navigate, step.RedirectTo)
		}
	case step.Event != nil:
		p.host.Dispatch(capture.RawEvent{
			Kind:   capture.Kind(step.Event.Kind),
			Target: step.Event.Target,
			X:      step.Event.X,
			Y:      step.Event.Y,
			At:     p.clock.Now(),
		})
	case step.Visibility != "":
		p.host.SetVisibility(capture.Visibility(step.Visibility))
	case step.Unload:
		p.host.Unload()
	}
}

var _ Host = (*session.Session)(nil)
