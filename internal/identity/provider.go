// Package identity provides identity CRUD, the operator-auth endpoint,
// and the pluggable authentication-provider registry, so the built-in
// password scheme is one of several interchangeable auth providers.
package identity

import "github.com/morrigan-hq/morrigan-server/internal/model"

// Provider is a pluggable authentication module. validate shape-checks
// offered details; commit derives what is stored (e.g. salting/hashing a
// password) and is never called on reads; authenticate compares a stored
// record against offered details.
type Provider interface {
	// Type returns the wire value of Authentication.Type this provider owns.
	Type() string
	// Validate shape-checks details (e.g. a password's length) before commit.
	Validate(details map[string]interface{}) (clean map[string]interface{}, err error)
	// Commit derives the stored Authentication fields from clean details.
	Commit(clean map[string]interface{}) (*model.Authentication, error)
	// Authenticate compares stored against offered details.
	Authenticate(stored *model.Authentication, offered map[string]interface{}) error
}

// Registry is a provider registry loaded at startup.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a Registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Type()] = p
	}
	return r
}

// Get returns the provider for authType, or false if not registered.
func (r *Registry) Get(authType string) (Provider, bool) {
	p, ok := r.providers[authType]
	return p, ok
}
