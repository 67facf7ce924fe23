package lifecycle

import (
	"errors"
	"sync"
)

// State is the coarse service lifecycle shared by the supervisor, the
// readiness orchestrator and the gateway.
type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrNotRunning is returned by operations that require a running service.
var ErrNotRunning = errors.New("service is not running")

// Context is an explicit lifecycle object injected into components instead of
// a shared mutable flag. Transitions are one-way: running -> stopping ->
// stopped.
type Context struct {
	mu    sync.Mutex
	state State
	done  chan struct{}
}

// New returns a Context in the running state.
func New() *Context {
	return &Context{state: StateRunning, done: make(chan struct{})}
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether the service accepts new work.
func (c *Context) Running() bool { return c.State() == StateRunning }

// CheckRunning returns ErrNotRunning unless the service is running.
func (c *Context) CheckRunning() error {
	if !c.Running() {
		return ErrNotRunning
	}
	return nil
}

// BeginStop moves running -> stopping and closes Done. It reports whether this
// call performed the transition; repeat calls are no-ops.
func (c *Context) BeginStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return false
	}
	c.state = StateStopping
	close(c.done)
	return true
}

// MarkStopped moves stopping -> stopped. Calling it from running also closes
// Done so waiters are released.
func (c *Context) MarkStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		close(c.done)
	}
	c.state = StateStopped
}

// Done is closed once a stop has begun. Background loops select on it.
func (c *Context) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}
