package kagane

import (
   "encoding/hex"
   "sync"
   "time"
)

// KeyRing holds decrypted content keys indexed by key ID. Key bytes never
// leave the ring except through Checkout, and are overwritten with zeros
// on eviction.
type KeyRing struct {
   mu   sync.RWMutex
   keys map[string]*ringEntry
}

type ringEntry struct {
   key     ContentKey
   session string
}

func NewKeyRing() *KeyRing {
   return &KeyRing{keys: make(map[string]*ringEntry)}
}

func (r *KeyRing) Store(sessionId string, keys []ContentKey) {
   r.mu.Lock()
   defer r.mu.Unlock()
   for _, key := range keys {
      r.keys[hex.EncodeToString(key.Id)] = &ringEntry{key: key, session: sessionId}
   }
}

// Checkout hands the key to fn for the duration of one decrypt call. The
// key must not be retained past fn's return; eviction wipes the backing
// bytes. Returns ErrKeyMismatch if the ID does not resolve or the key has
// expired.
func (r *KeyRing) Checkout(keyId []byte, fn func(ContentKey) error) error {
   r.mu.RLock()
   defer r.mu.RUnlock()
   entry, err := r.lookup(keyId)
   if err != nil {
      return err
   }
   return fn(entry.key)
}

// Has reports whether the key ID resolves to a live key.
func (r *KeyRing) Has(keyId []byte) bool {
   r.mu.RLock()
   defer r.mu.RUnlock()
   _, err := r.lookup(keyId)
   return err == nil
}

// lookup assumes the caller holds at least a read lock.
func (r *KeyRing) lookup(keyId []byte) (*ringEntry, error) {
   entry, ok := r.keys[hex.EncodeToString(keyId)]
   if !ok {
      return nil, ErrKeyMismatch
   }
   key := entry.key
   if !key.Expiry.IsZero() && time.Now().After(key.Expiry) {
      return nil, ErrKeyMismatch
   }
   return entry, nil
}

// Evict wipes and drops every key a session stored.
func (r *KeyRing) Evict(sessionId string) {
   r.mu.Lock()
   defer r.mu.Unlock()
   for id, entry := range r.keys {
      if entry.session == sessionId {
         wipe(entry.key.Key)
         delete(r.keys, id)
      }
   }
}

func wipe(b []byte) {
   for i := range b {
      b[i] = 0
   }
}
