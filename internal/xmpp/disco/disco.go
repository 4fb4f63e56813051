package disco

import (
	"sync"

	"mellium.im/xmpp/jid"
)

// Identity represents a disco identity
type Identity struct {
	Category string
	Type     string
	Name     string
	Lang     string
}

// Feature represents a disco feature
type Feature string

// FeatureMAM is the message archive namespace the sync engine queries.
const FeatureMAM Feature = "urn:xmpp:mam:2"

// Info represents disco info response
type Info struct {
	Identities []Identity
	Features   []Feature
}

// Cache caches disco information
type Cache struct {
	mu   sync.RWMutex
	info map[string]*Info
}

// NewCache creates a new disco cache
func NewCache() *Cache {
	return &Cache{
		info: make(map[string]*Info),
	}
}

// SetInfo sets disco info for a JID
func (c *Cache) SetInfo(j jid.JID, info *Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info[j.String()] = info
}

// GetInfo gets disco info for a JID
func (c *Cache) GetInfo(j jid.JID) *Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info[j.String()]
}

// HasFeature checks if a JID supports a feature
func (c *Cache) HasFeature(j jid.JID, feature Feature) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := c.info[j.String()]
	if info == nil {
		return false
	}

	for _, f := range info.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Clear clears the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = make(map[string]*Info)
}
