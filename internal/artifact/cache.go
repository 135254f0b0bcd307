package artifact

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	gocache "github.com/patrickmn/go-cache"

	"allura.org/internal/obs"
)

// Cache holds recently resolved references.
type Cache interface {
	Get(ctx context.Context, id string) (*Reference, bool)
	Set(ctx context.Context, ref *Reference)
	Delete(ctx context.Context, id string)
}

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	c *gocache.Cache
}

// NewMemoryCache builds an in-process cache whose entries live for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{c: gocache.New(ttl, 2*ttl)}
}

func (m *MemoryCache) Get(_ context.Context, id string) (*Reference, bool) {
	v, ok := m.c.Get(id)
	if !ok {
		return nil, false
	}
	ref := *v.(*Reference)
	return &ref, true
}

func (m *MemoryCache) Set(_ context.Context, ref *Reference) {
	cp := *ref
	m.c.Set(ref.ID, &cp, gocache.DefaultExpiration)
}

func (m *MemoryCache) Delete(_ context.Context, id string) { m.c.Delete(id) }

// Memcache shares the cache between processes through memcached.
type Memcache struct {
	client *memcache.Client
	ttl    time.Duration
}

// NewMemcache connects to the given memcached servers.
func NewMemcache(ttl time.Duration, servers ...string) *Memcache {
	return &Memcache{client: memcache.New(servers...), ttl: ttl}
}

func memKey(id string) string { return "aref:" + id }

func (m *Memcache) Get(_ context.Context, id string) (*Reference, bool) {
	item, err := m.client.Get(memKey(id))
	if err != nil {
		if err != memcache.ErrCacheMiss {
			log := obs.Component("artifact")
			log.Warn().Err(err).Str("artifact_id", id).Msg("memcache get")
		}
		return nil, false
	}
	var ref Reference
	if err := json.Unmarshal(item.Value, &ref); err != nil {
		return nil, false
	}
	return &ref, true
}

func (m *Memcache) Set(_ context.Context, ref *Reference) {
	raw, err := json.Marshal(ref)
	if err != nil {
		return
	}
	item := &memcache.Item{Key: memKey(ref.ID), Value: raw, Expiration: int32(m.ttl / time.Second)}
	if err := m.client.Set(item); err != nil {
		log := obs.Component("artifact")
		log.Warn().Err(err).Str("artifact_id", ref.ID).Msg("memcache set")
	}
}

func (m *Memcache) Delete(_ context.Context, id string) {
	if err := m.client.Delete(memKey(id)); err != nil && err != memcache.ErrCacheMiss {
		log := obs.Component("artifact")
		log.Warn().Err(err).Str("artifact_id", id).Msg("memcache delete")
	}
}

type noCache struct{}

func (noCache) Get(context.Context, string) (*Reference, bool) { return nil, false }
func (noCache) Set(context.Context, *Reference)                {}
func (noCache) Delete(context.Context, string)                 {}
