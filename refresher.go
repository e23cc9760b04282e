package ldapcache

import (
	"context"
	"time"
)

// RefreshLoop re-runs every cached query once per configured interval so
// cached answers do not grow stale. The first cycle runs one full
// interval after the loop starts, never at startup. The loop exits when
// the context is cancelled.
//
// Run this on a goroutine of its own; there must be exactly one.
func (a *LdapCache) RefreshLoop(ctx context.Context) {
	a.log.Info().Dur("interval", a.refreshInterval).Msg("Starting cache refresh loop")
	ticker := time.NewTicker(a.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("Stopping cache refresh loop")
			return
		case <-ticker.C:
			a.refreshOnce()
		}
	}
}

// refreshOnce runs a single refresh cycle: snapshot the cached keys,
// open one shared connection, and re-execute the pipeline for every
// key. A key whose re-query fails keeps its previous value, stale but
// available beats missing. Only a connection failure aborts the cycle;
// the next tick retries from scratch.
func (a *LdapCache) refreshOnce() {
	keys, err := a.cache.Keys()
	if err != nil {
		a.log.Error().Err(err).Msg("Could not list cache keys for refresh")
		return
	}
	if len(keys) == 0 {
		a.log.Trace().Msg("Nothing cached, skipping refresh cycle")
		return
	}

	a.log.Info().Int("entries", len(keys)).Msg("Refreshing cached entries")

	conn, err := a.connect()
	if err != nil {
		a.log.Error().Err(err).Msg("Could not connect to directory for refresh")
		return
	}
	defer conn.Close()

	var refreshed, failed int
	for _, key := range keys {
		// Keys inserted by request misses during this cycle are picked
		// up on the next one.
		endpoint, ok := a.endpointsByPath[key.Path]
		if !ok {
			// A key that no configured endpoint could have produced,
			// e.g. a persistent cache carried over from an older
			// endpoint set.
			failed++
			a.log.Error().Stringer("key", key).Msg("No endpoint matches cached key, skipping")
			continue
		}
		values, err := executeQuery(conn, endpoint, key.Name)
		if err != nil {
			failed++
			a.log.Error().Err(err).Stringer("key", key).Msg("Could not refresh entry, keeping previous value")
			continue
		}
		if err := a.cache.Put(key, values); err != nil {
			failed++
			a.log.Error().Err(err).Stringer("key", key).Msg("Could not store refreshed entry")
			continue
		}
		refreshed++
		a.log.Debug().Stringer("key", key).Int("values", len(values)).Msg("Refreshed entry")
	}

	a.log.Info().Int("refreshed", refreshed).Int("failed", failed).Msg("Refresh cycle complete")
}
