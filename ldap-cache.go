package ldapcache

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ldap-cache/ldap-cache/cache"
	"github.com/ldap-cache/ldap-cache/directory"
	cachekey "github.com/ldap-cache/ldap-cache/pkg/cache-key"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// advisoryCacheSize is the entry count past which cache growth is
// logged. The cache itself never refuses writes.
const advisoryCacheSize = 100

// ConnectFunc opens a new, bound directory connection.
// The caller owns the connection and must close it.
type ConnectFunc func() (directory.Conn, error)

type Options struct {
	// Validated daemon configuration.
	Config Config
	// Storage for cached query results.
	Cache cache.CacheStore
	// Optional connection factory. Defaults to dialing and binding
	// against the configured directory. Override in tests.
	Connect ConnectFunc
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// LdapCache is the cache-backed query service. It serves one HTTP route
// per configured endpoint and owns the shared result cache. It
// implements http.Handler, so it can be mounted anywhere.
type LdapCache struct {
	cache           cache.CacheStore
	endpoints       []EndpointConfig
	endpointsByPath map[string]*EndpointConfig
	connect         ConnectFunc
	refreshInterval time.Duration
	router          chi.Router
	log             zerolog.Logger
}

// CreateCache initializes the ldap-cache instance and registers the
// endpoint routes. The refresh loop is not started here; run it with
// RefreshLoop so its lifetime is tied to the caller's context.
func CreateCache(options Options) *LdapCache {
	var logger zerolog.Logger
	if options.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *options.Logger
	}
	logger = logger.With().Str("directory", options.Config.Ldap.URL).Logger()

	connect := options.Connect
	if connect == nil {
		ldapConfig := options.Config.Ldap
		connect = func() (directory.Conn, error) {
			return directory.Connect(ldapConfig.URL, ldapConfig.BindDn, ldapConfig.BindPassword)
		}
	}

	a := &LdapCache{
		cache:           options.Cache,
		endpoints:       options.Config.Endpoints,
		endpointsByPath: make(map[string]*EndpointConfig),
		connect:         connect,
		refreshInterval: options.Config.Server.RefreshInterval(),
		router:          chi.NewRouter(),
		log:             logger,
	}

	for i := range a.endpoints {
		endpoint := &a.endpoints[i]
		a.endpointsByPath[endpoint.Path] = endpoint
		a.log.Debug().Str("path", endpoint.Path).Msg("Adding endpoint route")
		a.router.Get(endpoint.Path+"/{name}", a.lookupHandler(endpoint))
	}

	return a
}

// ServeHTTP implements the http.Handler interface.
func (a *LdapCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// lookupHandler serves one endpoint: answer from the cache when
// possible, otherwise resolve through the directory on a connection of
// its own and memoize the result.
func (a *LdapCache) lookupHandler(endpoint *EndpointConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		key := cachekey.Key{Path: endpoint.Path, Name: name}
		logger := a.log.With().Str("endpoint", endpoint.Path).Str("name", name).Logger()

		if values, ok, err := a.cache.Get(key); err != nil {
			logger.Error().Err(err).Msg("Could not read from cache")
		} else if ok {
			logger.Debug().Int("values", len(values)).Int("hit", 1).Msg("Serving cached result")
			a.sendValues(w, logger, values)
			return
		}

		logger.Debug().Int("hit", 0).Msg("Cache miss, querying directory")

		conn, err := a.connect()
		if err != nil {
			logger.Error().Err(err).Msg("Could not connect to directory")
			a.sendUnavailable(w)
			return
		}
		defer conn.Close()

		values, err := executeQuery(conn, endpoint, name)
		if err != nil {
			logger.Error().Err(err).Msg("Could not execute query")
			a.sendUnavailable(w)
			return
		}

		if err := a.cache.Put(key, values); err != nil {
			// Still serve the freshly resolved values.
			logger.Error().Err(err).Msg("Could not write to cache")
		} else {
			a.logCacheSize(logger)
		}

		logger.Info().Int("values", len(values)).Msg("Request resolved from directory")
		a.sendValues(w, logger, values)
	}
}

func (a *LdapCache) sendValues(w http.ResponseWriter, logger zerolog.Logger, values []string) {
	if values == nil {
		values = make([]string, 0)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(values); err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
}

// sendUnavailable reports a directory failure to the client. The cause
// is logged, not exposed: error details name internal DNs and hosts.
func (a *LdapCache) sendUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(map[string]string{"error": "directory unavailable"})
}

func (a *LdapCache) logCacheSize(logger zerolog.Logger) {
	size, err := a.cache.Len()
	if err != nil {
		logger.Error().Err(err).Msg("Could not determine cache size")
		return
	}
	if size > advisoryCacheSize {
		logger.Warn().Int("entries", size).Msg("Cache size is large")
	} else {
		logger.Debug().Int("entries", size).Msg("Cache size")
	}
}
