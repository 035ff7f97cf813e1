package session

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Repository keeps live sessions in memory until they are deleted or expire.
type Repository struct {
	cache *cache.Cache
}

// NewRepository creates a repository whose entries expire after ttl and are
// purged every ttl/6.
func NewRepository(ttl time.Duration) *Repository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Repository{
		cache: cache.New(ttl, ttl/6),
	}
}

// Save stores s, refreshing its expiration.
func (r *Repository) Save(s *Session) {
	r.cache.Set(s.ID, s, cache.DefaultExpiration)
}

func (r *Repository) Get(id string) (*Session, bool) {
	if x, found := r.cache.Get(id); found {
		return x.(*Session), true
	}
	return nil, false
}

func (r *Repository) Delete(id string) {
	r.cache.Delete(id)
}

func (r *Repository) Len() int {
	return r.cache.ItemCount()
}
