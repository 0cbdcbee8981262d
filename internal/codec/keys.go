package codec

import "sync"

// SessionKeys bundles the pair derived from a single JoinAccept.
type SessionKeys struct {
	NwkSKey [16]byte
	AppSKey [16]byte
}

// SessionKeyCache caches the derived NwkSKey/AppSKey pair per DevEUI so a
// background scheduler tick that re-touches an already-joined device
// doesn't re-run the AES derivation on every poll. Keyed and guarded the
// way a multi-device gateway-side key cache would be, even though this
// end-device process only ever holds one entry at a time.
type SessionKeyCache struct {
	mu   sync.RWMutex
	keys map[[8]byte]SessionKeys
}

// NewSessionKeyCache returns an empty cache.
func NewSessionKeyCache() *SessionKeyCache {
	return &SessionKeyCache{keys: make(map[[8]byte]SessionKeys)}
}

// Get returns the cached keys for devEUI, if present.
func (c *SessionKeyCache) Get(devEUI [8]byte) (SessionKeys, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.keys[devEUI]
	return k, ok
}

// Put stores or replaces the cached keys for devEUI, e.g. after a
// successful join or rejoin.
func (c *SessionKeyCache) Put(devEUI [8]byte, keys SessionKeys) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[devEUI] = keys
}

// Forget drops any cached entry for devEUI, e.g. ahead of a forced rejoin.
func (c *SessionKeyCache) Forget(devEUI [8]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, devEUI)
}
