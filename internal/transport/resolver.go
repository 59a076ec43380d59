package transport

import (
	"fmt"
	"sync"
)

// Resolver maps a tenant's configured messaging channel to its transport.
type Resolver struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{transports: make(map[string]Transport)}
}

// Register adds a transport under its channel name.
func (r *Resolver) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Name()] = t
}

// ForChannel returns the transport for a channel name.
func (r *Resolver) ForChannel(channel string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[channel]
	if !ok {
		return nil, fmt.Errorf("no transport registered for channel %q", channel)
	}
	return t, nil
}
