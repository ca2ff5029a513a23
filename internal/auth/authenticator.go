// Package auth validates API keys for the HTTP ingress. Keys come from two
// places: the static operator-issued set in configuration and per-device keys
// provisioned in Redis. Redis lookups are memoized in-process.
package auth

import (
	"context"
	"sync"
	"time"
)

// KeyLookup resolves an API key to the device unique id it was issued for.
type KeyLookup interface {
	DeviceAPIKey(ctx context.Context, apiKey string) (string, error)
}

type cacheEntry struct {
	uniqueID  string
	expiresAt time.Time
}

type Authenticator struct {
	localCache sync.Map
	lookup     KeyLookup
	ttl        time.Duration
	staticKeys map[string]bool
}

func NewAuthenticator(staticKeys []string, lookup KeyLookup, ttl time.Duration) *Authenticator {
	keys := make(map[string]bool, len(staticKeys))
	for _, k := range staticKeys {
		if k != "" {
			keys[k] = true
		}
	}
	return &Authenticator{
		lookup:     lookup,
		ttl:        ttl,
		staticKeys: keys,
	}
}

func (a *Authenticator) Validate(ctx context.Context, apiKey string) bool {
	// Level 0: static config keys
	if a.staticKeys[apiKey] {
		return true
	}

	// Level 1: in-memory cache
	if raw, ok := a.localCache.Load(apiKey); ok {
		entry := raw.(cacheEntry)
		if time.Now().Before(entry.expiresAt) {
			return true
		}
		a.localCache.Delete(apiKey)
	}

	// Level 2: Redis lookup
	if a.lookup == nil {
		return false
	}
	uniqueID, err := a.lookup.DeviceAPIKey(ctx, apiKey)
	if err != nil || uniqueID == "" {
		return false
	}

	a.localCache.Store(apiKey, cacheEntry{
		uniqueID:  uniqueID,
		expiresAt: time.Now().Add(a.ttl),
	})
	return true
}
