package cache

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	cachekey "github.com/ldap-cache/ldap-cache/pkg/cache-key"
)

func stores(t *testing.T) map[string]CacheStore {
	t.Helper()
	return map[string]CacheStore{
		"memory": NewMemCache(),
		"sqlite": NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db")),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		key := cachekey.Key{Path: "/groups", Name: "eng"}
		values := []string{"alice", "bob", "bob"}
		if err := store.Put(key, values); err != nil {
			t.Fatalf("%s: Put: %s", name, err)
		}
		got, ok, err := store.Get(key)
		if err != nil || !ok {
			t.Fatalf("%s: Get: ok=%v err=%v", name, ok, err)
		}
		if !reflect.DeepEqual(got, values) {
			t.Fatalf("%s: Get returned %v, put %v", name, got, values)
		}
	}
}

func TestEmptyValueIsCachedNotMissing(t *testing.T) {
	for name, store := range stores(t) {
		key := cachekey.Key{Path: "/groups", Name: "nobody"}
		if err := store.Put(key, []string{}); err != nil {
			t.Fatalf("%s: Put: %s", name, err)
		}
		got, ok, err := store.Get(key)
		if err != nil {
			t.Fatalf("%s: Get: %s", name, err)
		}
		if !ok {
			t.Fatalf("%s: Empty entry reported as miss", name)
		}
		if got == nil || len(got) != 0 {
			t.Fatalf("%s: Get returned %#v", name, got)
		}
	}
}

func TestPutReplacesWhole(t *testing.T) {
	for name, store := range stores(t) {
		key := cachekey.Key{Path: "/groups", Name: "eng"}
		store.Put(key, []string{"alice", "bob"})
		store.Put(key, []string{"carol"})
		got, _, _ := store.Get(key)
		if !reflect.DeepEqual(got, []string{"carol"}) {
			t.Fatalf("%s: Entry not replaced, got %v", name, got)
		}
	}
}

func TestGetValuesAreIsolatedFromStore(t *testing.T) {
	for name, store := range stores(t) {
		key := cachekey.Key{Path: "/groups", Name: "eng"}
		put := []string{"alice", "bob"}
		store.Put(key, put)
		put[0] = "mutated"

		first, _, _ := store.Get(key)
		first[1] = "mutated"
		second, _, _ := store.Get(key)

		if !reflect.DeepEqual(second, []string{"alice", "bob"}) {
			t.Fatalf("%s: Cached values leaked mutation: %v", name, second)
		}
	}
}

func TestKeysSnapshot(t *testing.T) {
	for name, store := range stores(t) {
		store.Put(cachekey.Key{Path: "/groups", Name: "eng"}, []string{"a"})
		store.Put(cachekey.Key{Path: "/users", Name: "alice"}, []string{"b"})
		keys, err := store.Keys()
		if err != nil {
			t.Fatalf("%s: Keys: %s", name, err)
		}
		if len(keys) != 2 {
			t.Fatalf("%s: Keys returned %v", name, keys)
		}
		seen := make(map[cachekey.Key]bool)
		for _, key := range keys {
			seen[key] = true
		}
		if !seen[cachekey.Key{Path: "/groups", Name: "eng"}] ||
			!seen[cachekey.Key{Path: "/users", Name: "alice"}] {
			t.Fatalf("%s: Snapshot missing keys: %v", name, keys)
		}
		if n, _ := store.Len(); n != 2 {
			t.Fatalf("%s: Len is %d", name, n)
		}
	}
}

func TestSQLiteKeysSkipsUndecodableRows(t *testing.T) {
	store := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
	store.Put(cachekey.Key{Path: "/groups", Name: "eng"}, []string{"a"})
	// a row in a key format no current endpoint could have written
	if _, err := store.db.Exec(
		"INSERT INTO cache (key, value, updated_at) VALUES ('no-separator', '[]', 0)"); err != nil {
		t.Fatal(err)
	}

	keys, err := store.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || (keys[0] != cachekey.Key{Path: "/groups", Name: "eng"}) {
		t.Fatalf("Keys are %v", keys)
	}
}

func TestConcurrentAccess(t *testing.T) {
	for name, store := range stores(t) {
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := cachekey.Key{Path: "/groups", Name: fmt.Sprintf("g%d", i%4)}
				for j := 0; j < 50; j++ {
					store.Put(key, []string{"a", "b"})
					if values, ok, err := store.Get(key); err != nil || !ok || len(values) != 2 {
						panic(fmt.Sprintf("%s: got %v %v %v", name, values, ok, err))
					}
				}
			}(i)
		}
		wg.Wait()
	}
}
