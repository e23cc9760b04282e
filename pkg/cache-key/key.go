package cachekey

import (
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidKey = fmt.Errorf("invalid cache key")

const componentSeparator = ":"

// Key identifies one cached query result: the endpoint that produced it
// and the caller-supplied lookup name. It is comparable and is used
// directly as a map key by the in-memory store, so the string form is
// only needed at boundaries that require one (persistent stores, logs).
type Key struct {
	// Path is the configured endpoint path, e.g. "/groups".
	Path string
	// Name is the lookup value supplied by the caller.
	Name string
}

// String serializes the key. Both components are query-escaped before
// joining, so the separator can never occur inside an escaped component
// and no two distinct keys share a serialization.
func (k Key) String() string {
	return url.QueryEscape(k.Path) + componentSeparator + url.QueryEscape(k.Name)
}

// Parse is the exact inverse of String.
func Parse(s string) (Key, error) {
	escapedPath, escapedName, found := strings.Cut(s, componentSeparator)
	if !found {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	path, err := url.QueryUnescape(escapedPath)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q: %s", ErrInvalidKey, s, err)
	}
	name, err := url.QueryUnescape(escapedName)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q: %s", ErrInvalidKey, s, err)
	}
	return Key{Path: path, Name: name}, nil
}
