// Package classify holds the predicates that decide whether an exchange is a
// failure worth auditing.
//
// Both predicate kinds return true when the exchange should be treated as a
// failure. Resolution walks three tiers, first match wins:
//
//	per-origin override > global override > default
//
// A per-call override carried by a scope sits above all three; see package
// capture.
package classify

import (
	"sync"

	"github.com/gaborage/go-reqlog/exchange"
)

// ErrorClassifier reports whether err marks the exchange as a failure.
type ErrorClassifier func(err error) bool

// ResponseClassifier reports whether a completed exchange is a failure.
type ResponseClassifier func(ex exchange.Exchange) bool

// Resolver resolves the active predicates for an origin.
type Resolver interface {
	ErrorClassifier(origin exchange.Origin) ErrorClassifier
	ResponseClassifier(origin exchange.Origin) ResponseClassifier
}

// DefaultErrorClassifier treats every error as a failure.
func DefaultErrorClassifier(error) bool { return true }

// DefaultResponseClassifier treats a missing or non-2xx status as a failure.
func DefaultResponseClassifier(ex exchange.Exchange) bool {
	return !exchange.IsSuccessStatus(ex.ResponseStatus())
}

// Registry is a thread-safe, map-backed Resolver. Registrations are visible to
// every subsequent resolution; concurrent registrations are last-write-wins.
type Registry struct {
	mu sync.RWMutex

	errDefault  ErrorClassifier
	errGlobal   ErrorClassifier
	errByOrigin map[exchange.Origin]ErrorClassifier

	respDefault  ResponseClassifier
	respGlobal   ResponseClassifier
	respByOrigin map[exchange.Origin]ResponseClassifier
}

var _ Resolver = (*Registry)(nil)

// NewRegistry returns a registry holding only the defaults.
func NewRegistry() *Registry {
	return &Registry{
		errDefault:   DefaultErrorClassifier,
		errByOrigin:  make(map[exchange.Origin]ErrorClassifier),
		respDefault:  DefaultResponseClassifier,
		respByOrigin: make(map[exchange.Origin]ResponseClassifier),
	}
}

// RegisterErrorClassifier installs fn as the global override when no origins
// are given, otherwise as the override for each origin. Nil fn is ignored.
func (r *Registry) RegisterErrorClassifier(fn ErrorClassifier, origins ...exchange.Origin) {
	if r == nil || fn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(origins) == 0 {
		r.errGlobal = fn
		return
	}
	for _, o := range origins {
		r.errByOrigin[o] = fn
	}
}

// RegisterResponseClassifier mirrors RegisterErrorClassifier for responses.
func (r *Registry) RegisterResponseClassifier(fn ResponseClassifier, origins ...exchange.Origin) {
	if r == nil || fn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(origins) == 0 {
		r.respGlobal = fn
		return
	}
	for _, o := range origins {
		r.respByOrigin[o] = fn
	}
}

// ErrorClassifier returns the active error predicate for origin.
func (r *Registry) ErrorClassifier(origin exchange.Origin) ErrorClassifier {
	if r == nil {
		return DefaultErrorClassifier
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.errByOrigin[origin]; ok {
		return fn
	}
	if r.errGlobal != nil {
		return r.errGlobal
	}
	return r.errDefault
}

// ResponseClassifier returns the active response predicate for origin.
func (r *Registry) ResponseClassifier(origin exchange.Origin) ResponseClassifier {
	if r == nil {
		return DefaultResponseClassifier
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.respByOrigin[origin]; ok {
		return fn
	}
	if r.respGlobal != nil {
		return r.respGlobal
	}
	return r.respDefault
}
