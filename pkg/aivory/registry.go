// registry.go provides the lockable slot holding the process-wide agent.

package aivory

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyInitialized is returned by Registry.Init when an agent is
// already installed.
var ErrAlreadyInitialized = errors.New("aivory: agent already initialized")

// Registry holds at most one agent. The zero value is an empty registry
// ready for use; tests create their own instead of touching Default.
type Registry struct {
	mu    sync.RWMutex
	agent *Agent
}

var defaultRegistry Registry

// Default returns the process-wide registry.
func Default() *Registry {
	return &defaultRegistry
}

// Init installs the agent returned by build if the registry is empty. If an
// agent is already installed, build is not called and Init returns the
// existing agent with ErrAlreadyInitialized.
func (r *Registry) Init(build func() (*Agent, error)) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agent != nil {
		return r.agent, ErrAlreadyInitialized
	}
	agent, err := build()
	if err != nil {
		return nil, err
	}
	r.agent = agent
	return agent, nil
}

// Agent returns the installed agent, or nil.
func (r *Registry) Agent() *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agent
}

// Shutdown shuts down and removes the installed agent. It is a no-op on an
// empty registry.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	agent := r.agent
	r.agent = nil
	r.mu.Unlock()
	if agent == nil {
		return nil
	}
	return agent.Shutdown(ctx)
}
