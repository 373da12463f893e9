package kagane

import (
   "context"
   "errors"
   "fmt"
   "sync"
   "sync/atomic"
   "testing"
   "time"
)

// fakeCdm stands in for the emulation layer. Every Open returns a fresh
// single-owner handle; challenges carry a process-unique nonce so tests
// can check for collisions.
type fakeCdm struct {
   nonce atomic.Int64

   mu        sync.Mutex
   opened    []*fakeCdmSession
   keyExpiry time.Time
   keyData   []byte // granted key bytes; nil means a fixed test pattern

   openErr       error
   rejectLicense bool
   malformed     int // this many ParseLicense calls fail before one works
}

func (f *fakeCdm) Open(cred *DeviceCredential, contentId ContentId) (CdmSession, error) {
   if f.openErr != nil {
      return nil, f.openErr
   }
   session := &fakeCdmSession{cdm: f, contentId: contentId}
   f.mu.Lock()
   f.opened = append(f.opened, session)
   f.mu.Unlock()
   return session, nil
}

func (f *fakeCdm) openCount() int {
   f.mu.Lock()
   defer f.mu.Unlock()
   return len(f.opened)
}

type fakeCdmSession struct {
   cdm        *fakeCdm
   contentId  ContentId
   challenges int
   closed     bool
}

func (s *fakeCdmSession) Challenge() ([]byte, error) {
   s.challenges++
   nonce := s.cdm.nonce.Add(1)
   return fmt.Appendf(nil, "challenge:%v:%v", s.contentId, nonce), nil
}

func (s *fakeCdmSession) ParseLicense(response []byte) ([]ContentKey, error) {
   if string(response) != "license" {
      return nil, ErrLicenseMalformed
   }
   if s.cdm.rejectLicense {
      return nil, ErrLicenseRejected
   }
   s.cdm.mu.Lock()
   if s.cdm.malformed > 0 {
      s.cdm.malformed--
      s.cdm.mu.Unlock()
      return nil, ErrLicenseMalformed
   }
   expiry := s.cdm.keyExpiry
   keyData := s.cdm.keyData
   s.cdm.mu.Unlock()
   // Fresh bytes per call: the ring wipes what it evicts.
   key := make([]byte, 16)
   if keyData != nil {
      copy(key, keyData)
   } else {
      for i := range key {
         key[i] = 0xAA
      }
   }
   return []ContentKey{{Id: []byte{0xAA}, Key: key, Expiry: expiry}}, nil
}

func (s *fakeCdmSession) Close() {
   s.closed = true
}

// sendCounter wraps a SendFunc with a call count.
type sendCounter struct {
   calls atomic.Int64
   fn    SendFunc
}

func (c *sendCounter) send(ctx context.Context, challenge []byte) ([]byte, error) {
   c.calls.Add(1)
   return c.fn(ctx, challenge)
}

func okSend(context.Context, []byte) ([]byte, error) {
   return []byte("license"), nil
}

func testExchange(cdm *fakeCdm, send SendFunc) (*licenseExchange, *KeyRing) {
   ring := NewKeyRing()
   cred := &DeviceCredential{
      Type: DeviceAndroid, PrivateKey: []byte("k"), ClientId: []byte("c"),
   }
   return &licenseExchange{cdm: cdm, cred: cred, send: send, ring: ring}, ring
}

func TestLicenseExchange(t *testing.T) {
   cdm := new(fakeCdm)
   counter := sendCounter{fn: okSend}
   exchange, ring := testExchange(cdm, counter.send)

   session, err := exchange.run(context.Background(), ContentId{"s", "c"})
   if err != nil {
      t.Fatal(err)
   }
   if session.State() != StateLicensed {
      t.Fatalf("state %v", session.State())
   }
   if len(session.KeyIds()) == 0 {
      t.Fatal("no key IDs")
   }
   if !ring.Has([]byte{0xAA}) {
      t.Fatal("key not in ring")
   }
   if counter.calls.Load() != 1 {
      t.Fatalf("send calls %v", counter.calls.Load())
   }
   if !cdm.opened[0].closed {
      t.Fatal("CDM handle not released")
   }
}

func TestLicenseRejectedNoRetry(t *testing.T) {
   cdm := &fakeCdm{rejectLicense: true}
   counter := sendCounter{fn: okSend}
   exchange, ring := testExchange(cdm, counter.send)

   _, err := exchange.run(context.Background(), ContentId{"s", "c"})
   if !errors.Is(err, ErrLicenseRejected) {
      t.Fatalf("err = %v", err)
   }
   if counter.calls.Load() != 1 {
      t.Fatalf("rejection must not retry, got %v sends", counter.calls.Load())
   }
   if ring.Has([]byte{0xAA}) {
      t.Fatal("ring has keys after rejection")
   }
}

func TestLicenseMalformedRetries(t *testing.T) {
   cdm := &fakeCdm{malformed: 2}
   counter := sendCounter{fn: okSend}
   exchange, _ := testExchange(cdm, counter.send)

   session, err := exchange.run(context.Background(), ContentId{"s", "c"})
   if err != nil {
      t.Fatal(err)
   }
   if session.State() != StateLicensed {
      t.Fatalf("state %v", session.State())
   }
   if counter.calls.Load() != 3 {
      t.Fatalf("send calls %v", counter.calls.Load())
   }
   // Each retry is a fresh session on a fresh handle, never a rebuilt
   // challenge on the old one.
   if cdm.openCount() != 3 {
      t.Fatalf("opened %v handles", cdm.openCount())
   }
   for _, handle := range cdm.opened {
      if handle.challenges != 1 {
         t.Fatalf("handle built %v challenges", handle.challenges)
      }
   }
}

func TestTransportFaultBudget(t *testing.T) {
   cdm := new(fakeCdm)
   counter := sendCounter{fn: func(context.Context, []byte) ([]byte, error) {
      return nil, errors.New("connection reset")
   }}
   exchange, _ := testExchange(cdm, counter.send)

   _, err := exchange.run(context.Background(), ContentId{"s", "c"})
   if err == nil {
      t.Fatal("expected failure")
   }
   if counter.calls.Load() != licenseRetries+1 {
      t.Fatalf("send calls %v", counter.calls.Load())
   }
}

func TestDeviceRejectedTerminal(t *testing.T) {
   cdm := &fakeCdm{openErr: ErrDeviceRejected}
   counter := sendCounter{fn: okSend}
   exchange, _ := testExchange(cdm, counter.send)

   _, err := exchange.run(context.Background(), ContentId{"s", "c"})
   if !errors.Is(err, ErrDeviceRejected) {
      t.Fatalf("err = %v", err)
   }
   if counter.calls.Load() != 0 {
      t.Fatal("device rejection reached the transport")
   }
}

func TestChallengeSingleUse(t *testing.T) {
   cdm := new(fakeCdm)
   handle, err := cdm.Open(nil, ContentId{"s", "c"})
   if err != nil {
      t.Fatal(err)
   }
   session := newLicenseSession(ContentId{"s", "c"})
   if err := session.buildChallenge(handle); err != nil {
      t.Fatal(err)
   }
   if err := session.buildChallenge(handle); err == nil {
      t.Fatal("second buildChallenge succeeded")
   }
   if _, err := session.handOff(); err != nil {
      t.Fatal(err)
   }
   if _, err := session.handOff(); err == nil {
      t.Fatal("consumed challenge handed off twice")
   }
   if err := session.buildChallenge(handle); err == nil {
      t.Fatal("challenge rebuilt after hand-off")
   }
}

func TestCancellationWipesKeys(t *testing.T) {
   cdm := new(fakeCdm)
   ctx, cancel := context.WithCancel(context.Background())
   send := func(ctx context.Context, challenge []byte) ([]byte, error) {
      // The response arrives, but the caller gave up while it was in
      // flight.
      cancel()
      return []byte("license"), nil
   }
   exchange, ring := testExchange(cdm, send)

   _, err := exchange.run(ctx, ContentId{"s", "c"})
   if err == nil {
      t.Fatal("expected cancellation error")
   }
   if ring.Has([]byte{0xAA}) {
      t.Fatal("partial keys survived cancellation")
   }
}

func TestSessionExpiry(t *testing.T) {
   cdm := new(fakeCdm)
   exchange, ring := testExchange(cdm, okSend)
   exchange.ttl = time.Minute

   session, err := exchange.run(context.Background(), ContentId{"s", "c"})
   if err != nil {
      t.Fatal(err)
   }
   now := time.Now()
   if !session.Usable(now) {
      t.Fatal("fresh session unusable")
   }
   if session.Usable(now.Add(2 * time.Minute)) {
      t.Fatal("session usable past its TTL")
   }
   if session.State() != StateExpired {
      t.Fatalf("state %v", session.State())
   }
   // Once expired, Invalidate clears the ring too.
   session.Invalidate(ring)
   if ring.Has([]byte{0xAA}) {
      t.Fatal("ring has keys after invalidation")
   }
}

func TestSessionProcessLifetime(t *testing.T) {
   cdm := new(fakeCdm)
   exchange, _ := testExchange(cdm, okSend)
   // ttl zero: no declared expiry means valid until the process ends.
   session, err := exchange.run(context.Background(), ContentId{"s", "c"})
   if err != nil {
      t.Fatal(err)
   }
   if !session.Usable(time.Now().Add(1000 * time.Hour)) {
      t.Fatal("process-lifetime session expired")
   }
}

func TestStateString(t *testing.T) {
   states := map[SessionState]string{
      StateNew:              "NEW",
      StateChallengeBuilt:   "CHALLENGE_BUILT",
      StateAwaitingResponse: "AWAITING_RESPONSE",
      StateLicensed:         "LICENSED",
      StateExpired:          "EXPIRED",
      StateError:            "ERROR",
   }
   for state, want := range states {
      if state.String() != want {
         t.Errorf("%d: %v", int(state), state)
      }
   }
}
