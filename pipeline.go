package ldapcache

import (
	"fmt"
	"strings"

	"github.com/ldap-cache/ldap-cache/directory"

	"github.com/rs/zerolog/log"
)

// matchAllFilter matches any single entry during a base-scope DN lookup.
const matchAllFilter = "(objectClass=*)"

// QueryError wraps a failure from any stage of a query pipeline run
// with the endpoint and name it was running for.
type QueryError struct {
	Endpoint string
	Name     string
	Err      error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed for %s name=%q: %s", e.Endpoint, e.Name, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// executeQuery resolves a name through an endpoint's query pipeline:
// it substitutes the name into the endpoint filter, runs the primary
// search, and applies the configured result processing.
//
// The call is all or nothing. A failure at any stage, including any
// single chained DN lookup, fails the whole call and no partial result
// escapes. Zero matches is not a failure, it yields an empty result.
func executeQuery(searcher directory.Searcher, endpoint *EndpointConfig, name string) ([]string, error) {
	filter := strings.Replace(endpoint.SearchFilter, filterPlaceholder,
		directory.EscapeFilterValue(name), 1)
	scope, err := directory.ParseScope(endpoint.SearchScope)
	if err != nil {
		return nil, &QueryError{Endpoint: endpoint.Path, Name: name, Err: err}
	}

	log.Debug().
		Str("endpoint", endpoint.Path).
		Str("name", name).
		Str("filter", filter).
		Msg("Executing directory query")

	values, err := searcher.Search(endpoint.SearchBase, scope, filter, endpoint.Attribute)
	if err != nil {
		return nil, &QueryError{Endpoint: endpoint.Path, Name: name, Err: err}
	}

	if endpoint.ResultProcessing == nil {
		return values, nil
	}

	switch endpoint.ResultProcessing.Type {
	case ResultProcessingDnTranslation:
		translated := make([]string, 0, len(values))
		for _, dn := range values {
			attrValues, err := searcher.Search(dn, directory.ScopeBase,
				matchAllFilter, endpoint.ResultProcessing.Attribute)
			if err != nil {
				return nil, &QueryError{Endpoint: endpoint.Path, Name: name, Err: err}
			}
			translated = append(translated, attrValues...)
		}
		log.Debug().
			Str("endpoint", endpoint.Path).
			Int("dns", len(values)).
			Int("values", len(translated)).
			Msg("DN translation complete")
		return translated, nil
	default:
		log.Warn().
			Str("endpoint", endpoint.Path).
			Str("type", endpoint.ResultProcessing.Type).
			Msg("Unknown result processing type, returning primary result unmodified")
		return values, nil
	}
}
