package exchange

import (
	"net/http"
	"sort"
	"strings"
)

// Header is a multi-valued header map. Keys keep the casing they were first
// stored with and are matched case-insensitively; values keep insertion order.
type Header map[string][]string

// FromHTTP copies an http.Header. A nil input yields nil.
func FromHTTP(h http.Header) Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Key returns the stored key matching name case-insensitively.
func (h Header) Key(name string) (string, bool) {
	if _, ok := h[name]; ok {
		return name, true
	}
	for k := range h {
		if strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}

// Values returns every value stored under name.
func (h Header) Values(name string) []string {
	if k, ok := h.Key(name); ok {
		return h[k]
	}
	return nil
}

// Get returns the first value stored under name, or "".
func (h Header) Get(name string) string {
	if v := h.Values(name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Has reports whether name is present.
func (h Header) Has(name string) bool {
	_, ok := h.Key(name)
	return ok
}

// Set replaces the values of an existing key, keeping its original casing,
// or adds name when absent.
func (h Header) Set(name string, values ...string) {
	if k, ok := h.Key(name); ok {
		name = k
	}
	h[name] = append([]string(nil), values...)
}

// Add appends a value under the existing key, or under name when absent.
func (h Header) Add(name, value string) {
	if k, ok := h.Key(name); ok {
		name = k
	}
	h[name] = append(h[name], value)
}

// Del removes name regardless of casing.
func (h Header) Del(name string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
}

// Clone returns a deep copy. Cloning nil yields nil.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Keys returns the stored keys sorted case-insensitively.
func (h Header) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})
	return keys
}

// HTTP converts to an http.Header without canonicalizing keys, so the wire
// casing matches the stored casing.
func (h Header) HTTP() http.Header {
	if h == nil {
		return http.Header{}
	}
	out := make(http.Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}
