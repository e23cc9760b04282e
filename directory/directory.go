package directory

import (
	"fmt"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog/log"
)

// Searcher is the single-attribute search primitive the query pipeline
// runs on. A request handler and the background refresher both program
// against this interface so tests can substitute a fake directory.
type Searcher interface {
	// Search runs one search and returns the values of the requested
	// attribute, concatenated across all matched entries in match order.
	// Zero matches is a valid, empty result.
	Search(base string, scope Scope, filter, attribute string) ([]string, error)
}

// Conn is a live, bound directory connection.
type Conn interface {
	Searcher
	Close() error
}

// AuthError means the directory rejected the connection or bind.
// It aborts the single operation that attempted it, never the process.
type AuthError struct {
	URL string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("directory auth failed for %s: %s", e.URL, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SearchError means a search was rejected or the connection dropped
// mid-query. It aborts the current pipeline invocation only.
type SearchError struct {
	Base   string
	Filter string
	Err    error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("directory search failed (base=%s, filter=%s): %s", e.Base, e.Filter, e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }

// Scope is a directory search scope.
type Scope int

const (
	ScopeBase Scope = iota
	ScopeOneLevel
	ScopeSubtree
)

// ParseScope maps the configuration scope names onto scopes.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "base":
		return ScopeBase, nil
	case "one":
		return ScopeOneLevel, nil
	case "subtree":
		return ScopeSubtree, nil
	default:
		return 0, fmt.Errorf("invalid search scope: %q", s)
	}
}

func (s Scope) String() string {
	switch s {
	case ScopeBase:
		return "base"
	case ScopeOneLevel:
		return "one"
	case ScopeSubtree:
		return "subtree"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

func (s Scope) ldapScope() int {
	switch s {
	case ScopeBase:
		return ldap.ScopeBaseObject
	case ScopeOneLevel:
		return ldap.ScopeSingleLevel
	default:
		return ldap.ScopeWholeSubtree
	}
}

// EscapeFilterValue escapes a caller-supplied value for safe inclusion
// in a search filter.
func EscapeFilterValue(value string) string {
	return ldap.EscapeFilter(value)
}

type conn struct {
	ldap *ldap.Conn
}

// Connect dials the directory and performs a simple bind.
// Both a dial failure and a rejected bind surface as AuthError.
func Connect(url, bindDN, bindPassword string) (Conn, error) {
	log.Debug().Str("url", url).Msg("Connecting to directory")
	c, err := ldap.DialURL(url)
	if err != nil {
		return nil, &AuthError{URL: url, Err: err}
	}
	if err := c.Bind(bindDN, bindPassword); err != nil {
		c.Close()
		return nil, &AuthError{URL: url, Err: err}
	}
	log.Debug().Str("url", url).Str("bindDn", bindDN).Msg("Directory bind successful")
	return &conn{ldap: c}, nil
}

func (c *conn) Search(base string, scope Scope, filter, attribute string) ([]string, error) {
	log.Trace().
		Str("base", base).
		Stringer("scope", scope).
		Str("filter", filter).
		Str("attribute", attribute).
		Msg("Directory search")

	req := ldap.NewSearchRequest(
		base, scope.ldapScope(), ldap.NeverDerefAliases, 0, 0, false,
		filter, []string{attribute}, nil)
	res, err := c.ldap.Search(req)
	if err != nil {
		return nil, &SearchError{Base: base, Filter: filter, Err: err}
	}

	// The endpoints this daemon fronts are expected to match a single
	// entry. More matches are tolerated and concatenated in match order.
	if n := len(res.Entries); n > 1 {
		log.Warn().
			Str("base", base).
			Str("filter", filter).
			Int("entries", n).
			Msg("Search matched more than one entry, concatenating values")
	}

	values := make([]string, 0)
	for _, entry := range res.Entries {
		values = append(values, entry.GetAttributeValues(attribute)...)
	}
	return values, nil
}

func (c *conn) Close() error {
	c.ldap.Close()
	return nil
}
