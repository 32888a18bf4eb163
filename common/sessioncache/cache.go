// Package sessioncache implements a process-wide, TTL-evicting cache from
// opaque session token to resolved identity, with explicit
// read/write/invalidate operations.
//
// Eviction rides on badger's native per-entry TTL (badger.Entry.WithTTL),
// and the store runs in-memory-only by default since the cache holds
// nothing that needs to survive a process restart.
package sessioncache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v2"

	"github.com/syncmesh/core/common/cborutil"
	"github.com/syncmesh/core/common/logging"
)

// Identity is the resolved identity attached to a validated session token.
type Identity struct {
	IdentityID string            `cbor:"identity_id"`
	Traits     map[string]string `cbor:"traits"`
}

// Cache is a process-wide, TTL-evicting cache from opaque session token to
// resolved Identity.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	logger logging.Logger
}

// Options configures the cache.
type Options struct {
	// TTL is the eviction window for a cached entry. Read from
	// SESSION_CACHE_TTL_MS at the process boundary.
	TTL time.Duration
	// Dir, when non-empty, persists the cache to disk across restarts
	// instead of the default in-memory mode. Session caches have no need
	// for this in production but it is useful in tests that want to
	// inspect on-disk state.
	Dir    string
	Logger logging.Logger
}

// New opens the session cache.
func New(opts Options) (*Cache, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New("sessioncache", logging.Options{})
	}

	bopts := badger.DefaultOptions(opts.Dir)
	bopts = bopts.WithLogger(nil)
	if opts.Dir == "" {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("sessioncache: failed to open badger store: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &Cache{db: db, ttl: ttl, logger: logger}, nil
}

// Close releases the underlying badger store.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Read returns the cached identity for token, if present and unexpired.
func (c *Cache) Read(token string) (Identity, bool) {
	var id Identity
	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(token))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if decErr := cborutil.Unmarshal(val, &id); decErr != nil {
				return decErr
			}
			found = true
			return nil
		})
	})
	if err != nil {
		c.logger.Warn("session cache read failed", "error", err)
		return Identity{}, false
	}
	return id, found
}

// Write caches identity for token, to expire after the configured TTL.
func (c *Cache) Write(token string, id Identity) error {
	entry := badger.NewEntry([]byte(token), cborutil.Marshal(id)).WithTTL(c.ttl)
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

// Invalidate removes a cached entry immediately, e.g. on 401/403 from the
// upstream identity provider.
func (c *Cache) Invalidate(token string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(token))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}
