package cache

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	cachekey "github.com/ldap-cache/ldap-cache/pkg/cache-key"

	"github.com/rs/zerolog/log"

	_ "github.com/glebarez/go-sqlite"
)

// CacheStore is the shared store for resolved query results.
// It maps a composite key (endpoint path + lookup name) to the ordered
// value list the query pipeline produced for it. An empty list is a
// valid cached value, distinct from a miss. Entries are only ever
// replaced whole; there is no eviction and no deletion path.
//
// Implementations must be thread-safe: the store is hit concurrently by
// every request goroutine and by the background refresher.
type CacheStore interface {
	// Get returns a copy of the cached values for the given key, if any.
	Get(key cachekey.Key) ([]string, bool, error)
	// Put replaces the entry for the given key atomically with respect
	// to concurrent Get and Put calls.
	Put(key cachekey.Key, values []string) error
	// Keys returns a point-in-time snapshot of all cached keys.
	Keys() ([]cachekey.Key, error)
	// Len returns the current number of cached entries.
	Len() (int, error)
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[cachekey.Key][]string
}

// NewMemCache creates the default in-memory store.
// Contents are lost on restart.
func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[cachekey.Key][]string),
	}
}

func (m MemCache) Get(key cachekey.Key) ([]string, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	values, ok := m.db[key]
	if !ok {
		return nil, false, nil
	}
	return cloneValues(values), true, nil
}

func (m MemCache) Put(key cachekey.Key, values []string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = cloneValues(values)
	return nil
}

func (m MemCache) Keys() ([]cachekey.Key, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]cachekey.Key, 0, len(m.db))
	for key := range m.db {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m MemCache) Len() (int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db), nil
}

// cloneValues copies in and out of the store so no caller can mutate a
// cached slice after the fact. The copy is never nil, so an empty cached
// result stays distinguishable from a miss.
func cloneValues(values []string) []string {
	cloned := make([]string, len(values))
	copy(cloned, values)
	return cloned
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a store persisted to the given sqlite file,
// for deployments that want the cache to survive restarts.
// If the file name is empty, an in-memory db is opened.
func NewSQLiteCache(filename string) SQLiteCache {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s SQLiteCache) Get(key cachekey.Key) ([]string, bool, error) {
	var encoded string
	err := s.db.QueryRow("SELECT value FROM cache WHERE key = ?", key.String()).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var values []string
	if err := json.Unmarshal([]byte(encoded), &values); err != nil {
		return nil, false, err
	}
	if values == nil {
		values = make([]string, 0)
	}
	return values, true, nil
}

func (s SQLiteCache) Put(key cachekey.Key, values []string) error {
	encoded, err := json.Marshal(cloneValues(values))
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO cache (key, value, updated_at) VALUES (?, ?, ?)",
		key.String(), string(encoded), time.Now().Unix())
	return err
}

func (s SQLiteCache) Keys() ([]cachekey.Key, error) {
	rows, err := s.db.Query("SELECT key FROM cache")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]cachekey.Key, 0)
	for rows.Next() {
		var serialized string
		if err := rows.Scan(&serialized); err != nil {
			return keys, err
		}
		key, err := cachekey.Parse(serialized)
		if err != nil {
			// A row written by an older key format. Skip it, it will
			// never be served or refreshed.
			log.Warn().Str("key", serialized).Err(err).Msg("Skipping undecodable cache key")
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s SQLiteCache) Len() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM cache").Scan(&n)
	return n, err
}
