package kagane

import (
   "bytes"
   "errors"
   "testing"
   "time"
)

func testKey(id byte) ContentKey {
   key := make([]byte, 16)
   for i := range key {
      key[i] = id
   }
   return ContentKey{Id: []byte{id}, Key: key}
}

func TestKeyRingCheckout(t *testing.T) {
   ring := NewKeyRing()
   ring.Store("session-a", []ContentKey{testKey(1), testKey(2)})

   var got []byte
   err := ring.Checkout([]byte{2}, func(key ContentKey) error {
      got = append([]byte(nil), key.Key...)
      return nil
   })
   if err != nil {
      t.Fatal(err)
   }
   if !bytes.Equal(got, testKey(2).Key) {
      t.Fatalf("key %x", got)
   }
   if err := ring.Checkout([]byte{9}, func(ContentKey) error { return nil }); !errors.Is(err, ErrKeyMismatch) {
      t.Fatalf("err = %v", err)
   }
}

func TestKeyRingEvictWipes(t *testing.T) {
   ring := NewKeyRing()
   key := testKey(1)
   backing := key.Key
   ring.Store("session-a", []ContentKey{key})
   ring.Evict("session-a")

   var zero [16]byte
   if !bytes.Equal(backing, zero[:]) {
      t.Fatalf("key bytes not wiped: %x", backing)
   }
   if ring.Has([]byte{1}) {
      t.Fatal("evicted key still resolves")
   }
}

func TestKeyRingEvictOtherSession(t *testing.T) {
   ring := NewKeyRing()
   ring.Store("session-a", []ContentKey{testKey(1)})
   ring.Store("session-b", []ContentKey{testKey(2)})
   ring.Evict("session-a")
   if ring.Has([]byte{1}) {
      t.Fatal("session-a key survived eviction")
   }
   if !ring.Has([]byte{2}) {
      t.Fatal("session-b key was collateral damage")
   }
}

func TestKeyRingExpiry(t *testing.T) {
   ring := NewKeyRing()
   expired := testKey(1)
   expired.Expiry = time.Now().Add(-time.Minute)
   live := testKey(2)
   live.Expiry = time.Now().Add(time.Minute)
   ring.Store("session-a", []ContentKey{expired, live})

   if ring.Has([]byte{1}) {
      t.Fatal("expired key resolved")
   }
   if !ring.Has([]byte{2}) {
      t.Fatal("live key did not resolve")
   }
}
