// Package lifecycle tracks whether the public endpoint is live.
//
// The guard moves through NotStarted → Starting → Ready → Stopped. A failed
// start returns to NotStarted so that a corrected start can be attempted;
// Ready is reached at most once and Stopped is terminal.
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/tjfontaine/tunnelhook/internal/core/domain"
)

// State is a lifecycle state.
type State int

const (
	NotStarted State = iota
	Starting
	Ready
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Guard is safe for concurrent use.
type Guard struct {
	mu        sync.RWMutex
	state     State
	publicURL string
	lastErr   error
}

// NewGuard returns a guard in the NotStarted state.
func NewGuard() *Guard {
	return &Guard{}
}

// Begin claims the start. Only valid from NotStarted.
func (g *Guard) Begin() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case NotStarted:
		g.state = Starting
		g.lastErr = nil
		return nil
	case Stopped:
		return domain.ErrServerStopped
	default:
		return domain.ErrAlreadyStarted
	}
}

// Ready records the public base URL and marks the endpoint live.
func (g *Guard) Ready(publicURL string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != Starting {
		return fmt.Errorf("ready called in state %s", g.state)
	}
	publicURL = domain.NormalizeBaseURL(publicURL)
	if publicURL == "" {
		return fmt.Errorf("public url cannot be empty")
	}

	g.publicURL = publicURL
	g.state = Ready
	return nil
}

// Fail aborts a start in progress.
func (g *Guard) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == Starting {
		g.state = NotStarted
	}
	g.lastErr = err
}

// Stop moves the guard to its terminal state.
func (g *Guard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = Stopped
}

// State returns the current state.
func (g *Guard) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// IsReady reports whether a start completed and the guard has not stopped.
func (g *Guard) IsReady() bool {
	return g.State() == Ready
}

// PublicBaseURL returns the tunnel URL once Ready.
func (g *Guard) PublicBaseURL() (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	switch g.state {
	case Ready:
		return g.publicURL, nil
	case Stopped:
		return "", domain.ErrServerStopped
	default:
		return "", domain.ErrServerNotStarted
	}
}

// LastError returns the error recorded by the most recent failed start.
func (g *Guard) LastError() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastErr
}
