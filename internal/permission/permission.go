// Package permission tracks camera, microphone and media-library
// authorization for a capture session.
package permission

import (
	"context"
	"fmt"
	"sync"

	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/logger"
)

// Capability is a device capability gated by the operating system.
type Capability string

const (
	Camera       Capability = "camera"
	Microphone   Capability = "microphone"
	MediaLibrary Capability = "media-library"
)

// Capabilities lists every capability the coordinator tracks.
var Capabilities = []Capability{Camera, Microphone, MediaLibrary}

// State is the authorization state of a single capability.
type State int

const (
	Unknown State = iota
	Granted
	Denied
)

func (s State) String() string {
	switch s {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Prompter is the operating system permission dialog.
// Prompt blocks until the user answers and reports whether access was granted.
type Prompter interface {
	Prompt(ctx context.Context, c Capability) (bool, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, c Capability) (bool, error)

// Prompt calls f.
func (f PrompterFunc) Prompt(ctx context.Context, c Capability) (bool, error) {
	return f(ctx, c)
}

// Coordinator is the only writer of permission state. Each capability is
// tracked independently so a camera denial never blocks gallery access.
type Coordinator struct {
	prompter Prompter
	log      logger.Logger

	mu     sync.Mutex
	states map[Capability]State
	// per-capability locks serialize prompts without blocking other capabilities
	prompting map[Capability]*sync.Mutex
}

// NewCoordinator creates a Coordinator that asks through p.
func NewCoordinator(p Prompter) *Coordinator {
	c := &Coordinator{
		prompter:  p,
		log:       logger.Global().Module("permission"),
		states:    make(map[Capability]State, len(Capabilities)),
		prompting: make(map[Capability]*sync.Mutex, len(Capabilities)),
	}
	for _, capability := range Capabilities {
		c.prompting[capability] = &sync.Mutex{}
	}
	return c
}

// State returns the stored state without prompting.
func (c *Coordinator) State(capability Capability) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[capability]
}

// Snapshot returns the stored state of every capability.
func (c *Coordinator) Snapshot() map[Capability]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Capability]State, len(Capabilities))
	for _, capability := range Capabilities {
		out[capability] = c.states[capability]
	}
	return out
}

// Ensure returns the capability's state, prompting only when it is Unknown.
// A Granted or Denied capability returns immediately; Denied is only
// re-asked through an explicit Request.
func (c *Coordinator) Ensure(ctx context.Context, capability Capability) (State, error) {
	if err := validate(capability); err != nil {
		return Unknown, err
	}

	lock := c.prompting[capability]
	lock.Lock()
	defer lock.Unlock()

	if s := c.State(capability); s != Unknown {
		return s, nil
	}

	return c.prompt(ctx, capability)
}

// Request re-triggers the operating system prompt exactly once, regardless
// of the stored state, and records the answer.
func (c *Coordinator) Request(ctx context.Context, capability Capability) (State, error) {
	if err := validate(capability); err != nil {
		return Unknown, err
	}

	lock := c.prompting[capability]
	lock.Lock()
	defer lock.Unlock()

	return c.prompt(ctx, capability)
}

// prompt asks once; caller holds the capability's prompt lock.
func (c *Coordinator) prompt(ctx context.Context, capability Capability) (State, error) {
	if c.prompter == nil {
		return c.State(capability), errors.Newf("no permission prompter configured").
			Component("permission").
			Category(errors.CategoryConfiguration).
			Build()
	}

	granted, err := c.prompter.Prompt(ctx, capability)
	if err != nil {
		// The stored state is left untouched so a later Ensure can ask again.
		return c.State(capability), errors.New(fmt.Errorf("prompt for %s: %w", capability, err)).
			Component("permission").
			Category(errors.CategoryPermission).
			Context("capability", string(capability)).
			Build()
	}

	state := Denied
	if granted {
		state = Granted
	}

	c.mu.Lock()
	c.states[capability] = state
	c.mu.Unlock()

	c.log.Info("permission answered",
		logger.String("capability", string(capability)),
		logger.String("state", state.String()))

	return state, nil
}

func validate(capability Capability) error {
	switch capability {
	case Camera, Microphone, MediaLibrary:
		return nil
	default:
		return errors.Newf("unknown capability %q", capability).
			Component("permission").
			Category(errors.CategoryValidation).
			Build()
	}
}
