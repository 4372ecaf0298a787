package ws

import (
	"sync"

	appconfig "arbiflow/config"
	"arbiflow/logger"
)

// Registry is the single authority that creates and destroys managed
// connections, one per venue id, applying one shared policy to all of them.
// Removing a connection is the only supported force-reconnect path: the next
// GetOrCreate for the same venue builds a fresh connection and state machine.
type Registry struct {
	policy appconfig.ConnectionConfig
	mu     sync.Mutex
	conns  map[string]*Conn
	log    *logger.Log
}

// NewRegistry creates a registry applying the given policy to every
// connection it manages.
func NewRegistry(policy appconfig.ConnectionConfig) *Registry {
	return &Registry{
		policy: policy,
		conns:  make(map[string]*Conn),
		log:    logger.GetLogger(),
	}
}

// GetOrCreate returns the venue's existing connection or creates one. The
// returned connection is not yet open; the caller drives Open.
func (r *Registry) GetOrCreate(venueID, url string, callbacks Callbacks, configure ConfigureFn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[venueID]; ok {
		return c
	}

	c := newConn(venueID, url, r.policy, callbacks, configure)
	r.conns[venueID] = c

	r.log.WithComponent("registry").WithFields(logger.Fields{
		"venue": venueID,
		"url":   url,
	}).Info("managed connection created")

	return c
}

// Get returns the venue's connection if one exists.
func (r *Registry) Get(venueID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[venueID]
	return c, ok
}

// Remove forcibly closes and disposes the venue's connection.
func (r *Registry) Remove(venueID string) {
	r.mu.Lock()
	c, ok := r.conns[venueID]
	delete(r.conns, venueID)
	r.mu.Unlock()

	if ok {
		c.Close()
		r.log.WithComponent("registry").WithFields(logger.Fields{"venue": venueID}).Info("managed connection removed")
	}
}

// DisposeAll closes every managed connection. Used on shutdown.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	r.log.WithComponent("registry").WithFields(logger.Fields{"count": len(conns)}).Info("all managed connections disposed")
}
