package engine

import (
	"context"
	"sync"
)

// Capability caches whether a backend can serve one model. The first Check
// probes the backend; later calls return the cached answer until Invalidate.
type Capability struct {
	engine Engine
	model  string

	mu      sync.Mutex
	checked bool
	ok      bool
}

// NewCapability returns a Capability for model on e. A nil Engine is never
// available.
func NewCapability(e Engine, model string) *Capability {
	return &Capability{engine: e, model: model}
}

// Check reports whether the backend is reachable and has the model.
func (c *Capability) Check(ctx context.Context) bool {
	if c == nil || c.engine == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.checked {
		c.ok = c.engine.IsRunning(ctx) && c.engine.HasModel(ctx, c.model)
		c.checked = true
	}
	return c.ok
}

// Invalidate forgets the cached answer so the next Check probes again.
func (c *Capability) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.checked = false
	c.ok = false
	c.mu.Unlock()
}

// Engine returns the wrapped backend.
func (c *Capability) Engine() Engine {
	if c == nil {
		return nil
	}
	return c.engine
}

// Model returns the model this capability probes.
func (c *Capability) Model() string {
	if c == nil {
		return ""
	}
	return c.model
}
