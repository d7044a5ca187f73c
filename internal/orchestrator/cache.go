package orchestrator

import (
	"time"

	"github.com/clipfetch/clipfetch"
	"github.com/clipfetch/clipfetch/internal/syncx"
)

// infoCache is a minutes-scale TTL cache of metadata extraction results,
// keyed by source reference. Volume is tiny, so expiry is pure TTL with an
// opportunistic sweep; no LRU accounting.
type infoCache struct {
	ttl     time.Duration
	entries *syncx.RWMutexed[map[string]infoCacheEntry]
	now     func() time.Time
}

type infoCacheEntry struct {
	info      clipfetch.VideoInfo
	expiresAt time.Time
}

func newInfoCache(ttl time.Duration) *infoCache {
	return &infoCache{
		ttl:     ttl,
		entries: syncx.NewRWMutexed(make(map[string]infoCacheEntry)),
		now:     time.Now,
	}
}

func (c *infoCache) get(ref clipfetch.SourceRef) (*clipfetch.VideoInfo, bool) {
	var entry infoCacheEntry
	var ok bool
	_ = c.entries.RLocked(func(entries map[string]infoCacheEntry) error {
		entry, ok = entries[ref.String()]
		return nil
	})
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false
	}
	info := entry.info
	return &info, true
}

func (c *infoCache) put(ref clipfetch.SourceRef, info clipfetch.VideoInfo) {
	now := c.now()
	_ = c.entries.Locked(func(entries map[string]infoCacheEntry) error {
		for key, entry := range entries {
			if now.After(entry.expiresAt) {
				delete(entries, key)
			}
		}
		entries[ref.String()] = infoCacheEntry{info: info, expiresAt: now.Add(c.ttl)}
		return nil
	})
}
