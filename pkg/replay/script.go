// Package replay drives a session through a scripted sequence of raw events
// and navigations on a fake clock.
package replay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clientpulse/clientpulse/pkg/capture"
)

// Script is a named list of timed steps.
type Script struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step waits AfterMs and then performs at most one action. A step with no
// action only lets time pass.
type Step struct {
	AfterMs    int        `yaml:"after_ms"`
	Navigate   string     `yaml:"navigate"`
	RedirectTo string     `yaml:"redirect_to"`
	Cancel     bool       `yaml:"cancel"`
	Event      *EventStep `yaml:"event"`
	Visibility string     `yaml:"visibility"`
	Unload     bool       `yaml:"unload"`
}

// EventStep describes a raw interaction.
type EventStep struct {
	Kind   string          `yaml:"kind"`
	Target *capture.Target `yaml:"target"`
	X      float64         `yaml:"x"`
	Y      float64         `yaml:"y"`
}

// After returns the wait before the step.
func (s Step) After() time.Duration {
	return time.Duration(s.AfterMs) * time.Millisecond
}

var eventKinds = map[string]struct{}{
	string(capture.KindClick):     {},
	string(capture.KindMouseOver): {},
	string(capture.KindMouseMove): {},
	string(capture.KindKeyPress):  {},
}

// LoadScript reads a script from path.
func LoadScript(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()
	return ParseScript(f)
}

// ParseScript decodes and validates a script.
func ParseScript(r io.Reader) (*Script, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var script Script
	if err := decoder.Decode(&script); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := script.Validate(); err != nil {
		return nil, err
	}
	return &script, nil
}

// Validate checks every step.
func (s *Script) Validate() error {
	if len(s.Steps) == 0 {
		return errors.New("script has no steps")
	}
	for i, step := range s.Steps {
		if err := step.validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

func (s Step) validate() error {
	if s.AfterMs < 0 {
		return errors.New("after_ms must be non-negative")
	}
	actions := 0
	if s.Navigate != "" {
		actions++
	}
	if s.Event != nil {
		actions++
		if _, ok := eventKinds[s.Event.Kind]; !ok {
			return fmt.Errorf("event kind %q is not supported", s.Event.Kind)
		}
	}
	if s.Visibility != "" {
		actions++
		switch capture.Visibility(s.Visibility) {
		case capture.VisibilityHidden, capture.VisibilityVisible:
		default:
			return fmt.Errorf("visibility %q must be hidden or visible", s.Visibility)
		}
	}
	if s.Unload {
		actions++
	}
	if actions > 1 {
		return errors.New("a step performs at most one action")
	}
	if s.Navigate == "" && (s.RedirectTo != "" || s.Cancel) {
		return errors.New("redirect_to and cancel require navigate")
	}
	if s.Cancel && s.RedirectTo != "" {
		return errors.New("a cancelled navigation cannot redirect")
	}
	return nil
}
