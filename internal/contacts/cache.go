package contacts

import (
	"sort"
	"strings"
	"sync"
)

// Cache is the in-memory contact set for one owning user. The sync manager
// is the only writer; readers get copies, never the live records, so a
// concurrent fan-out can never observe a torn snapshot.
type Cache struct {
	mu      sync.RWMutex
	byID    map[string]Contact // keyed by ContactID
	byKey   map[string]string  // remote child key → ContactID
	byEmail map[string]string  // case-folded email → ContactID
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		byID:    make(map[string]Contact),
		byKey:   make(map[string]string),
		byEmail: make(map[string]string),
	}
}

// Get returns the contact with the given remote user id.
func (c *Cache) Get(contactID string) (Contact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ct, ok := c.byID[contactID]
	return ct, ok
}

// GetByEmail returns the contact with the given email, matched
// case-insensitively.
func (c *Cache) GetByEmail(email string) (Contact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byEmail[strings.ToLower(email)]
	if !ok {
		return Contact{}, false
	}
	ct, ok := c.byID[id]
	return ct, ok
}

// GetByKey returns the contact stored under the given remote child key.
func (c *Cache) GetByKey(key string) (Contact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byKey[key]
	if !ok {
		return Contact{}, false
	}
	ct, ok := c.byID[id]
	return ct, ok
}

// Put inserts or replaces a contact, keeping the email index in step.
func (c *Cache) Put(ct Contact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byID[ct.ContactID]; ok && old.Email != "" {
		delete(c.byEmail, strings.ToLower(old.Email))
	}
	c.byID[ct.ContactID] = ct
	if ct.Key != "" {
		c.byKey[ct.Key] = ct.ContactID
	}
	if ct.Email != "" {
		c.byEmail[strings.ToLower(ct.Email)] = ct.ContactID
	}
}

// Remove drops the contact stored under the given remote child key and
// returns it.
func (c *Cache) Remove(key string) (Contact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byKey[key]
	if !ok {
		return Contact{}, false
	}
	ct := c.byID[id]
	delete(c.byKey, key)
	delete(c.byID, id)
	if ct.Email != "" {
		delete(c.byEmail, strings.ToLower(ct.Email))
	}
	return ct, true
}

// Len returns the number of cached contacts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[string]Contact)
	c.byKey = make(map[string]string)
	c.byEmail = make(map[string]string)
}

// Snapshot returns a copy of all contacts sorted by display name, ties
// broken by contact id.
func (c *Cache) Snapshot() []Contact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Contact, 0, len(c.byID))
	for _, ct := range c.byID {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].DisplayName), strings.ToLower(out[j].DisplayName)
		if a != b {
			return a < b
		}
		return out[i].ContactID < out[j].ContactID
	})
	return out
}
