// Package closure keeps $closure sessions sticky to the upstream they were
// first bound to.
//
// A closure table lives on exactly one upstream, so every call for a given
// session name must reach the same server. The tracker binds a new name to
// the top routing candidate, reuses the binding while it is fresh, and
// expires it after a period without access. Bindings live in a Store: the
// in-memory store serves a single replica, the Redis store lets several
// replicas share them.
package closure

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session has no live binding.
var ErrNotFound = errors.New("closure binding not found")

// Binding ties a closure session name to an upstream.
type Binding struct {
	Name       string    `json:"name"`
	Upstream   string    `json:"upstream"`
	Created    time.Time `json:"created"`
	LastAccess time.Time `json:"lastAccess"`
}

// Store persists bindings with a time-to-live measured from the last write.
type Store interface {
	// Get returns the binding for name, or ErrNotFound if it is absent or
	// expired.
	Get(ctx context.Context, name string) (Binding, error)
	// Put writes b and resets its expiry to ttl from now.
	Put(ctx context.Context, b Binding, ttl time.Duration) error
	// Create writes b only if name has no live binding. It returns the
	// binding in effect and whether b was the one written.
	Create(ctx context.Context, b Binding, ttl time.Duration) (Binding, bool, error)
	// Delete removes the binding; deleting an absent binding is not an error.
	Delete(ctx context.Context, name string) error
	// List returns every live binding.
	List(ctx context.Context) ([]Binding, error)
	Close() error
}

// sweeper is implemented by stores that need expired entries removed.
type sweeper interface {
	Sweep() int
}
