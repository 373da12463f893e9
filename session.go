package kagane

import (
   "context"
   "fmt"
   "github.com/google/uuid"
   "github.com/pkg/errors"
   "log"
   "sync"
   "time"
)

type SessionState int

const (
   StateNew SessionState = iota
   StateChallengeBuilt
   StateAwaitingResponse
   StateLicensed
   StateExpired
   StateError
)

func (s SessionState) String() string {
   switch s {
   case StateNew:
      return "NEW"
   case StateChallengeBuilt:
      return "CHALLENGE_BUILT"
   case StateAwaitingResponse:
      return "AWAITING_RESPONSE"
   case StateLicensed:
      return "LICENSED"
   case StateExpired:
      return "EXPIRED"
   case StateError:
      return "ERROR"
   }
   return fmt.Sprintf("SessionState(%d)", int(s))
}

// SendFunc carries the opaque challenge to the license server and returns
// the opaque response. Same shape as the transport the downloader already
// injects for segment traffic.
type SendFunc func(ctx context.Context, challenge []byte) ([]byte, error)

// LicenseSession walks one content ID through challenge, exchange and key
// extraction. A session in LICENSED is reused for decrypts until it
// expires; after that a fresh session (fresh challenge) is required.
type LicenseSession struct {
   Id        string
   ContentId ContentId
   CreatedAt time.Time

   mu        sync.Mutex
   state     SessionState
   challenge []byte
   keyIds    [][]byte
   expiry    time.Time
   err       error
}

func newLicenseSession(contentId ContentId) *LicenseSession {
   return &LicenseSession{
      Id:        uuid.NewString(),
      ContentId: contentId,
      CreatedAt: time.Now(),
   }
}

// advance validates the transition table. ERROR absorbs from any
// non-terminal state.
func (s *LicenseSession) advance(to SessionState) error {
   if to == StateError {
      if s.state == StateError {
         return errors.Errorf("session %v already in ERROR", s.Id)
      }
      s.state = StateError
      return nil
   }
   ok := false
   switch s.state {
   case StateNew:
      ok = to == StateChallengeBuilt
   case StateChallengeBuilt:
      ok = to == StateAwaitingResponse
   case StateAwaitingResponse:
      ok = to == StateLicensed
   case StateLicensed:
      ok = to == StateExpired
   }
   if !ok {
      return errors.Errorf("session %v: bad transition %v -> %v", s.Id, s.state, to)
   }
   s.state = to
   return nil
}

// buildChallenge is valid exactly once, from NEW. A consumed challenge can
// not be rebuilt; start over with a fresh session.
func (s *LicenseSession) buildChallenge(handle CdmSession) error {
   s.mu.Lock()
   defer s.mu.Unlock()
   if s.state != StateNew {
      return errors.Errorf("session %v: challenge already built (state %v)", s.Id, s.state)
   }
   data, err := handle.Challenge()
   if err != nil {
      return err
   }
   s.challenge = data
   return s.advance(StateChallengeBuilt)
}

// handOff releases the challenge to the transport and marks it consumed.
func (s *LicenseSession) handOff() ([]byte, error) {
   s.mu.Lock()
   defer s.mu.Unlock()
   if err := s.advance(StateAwaitingResponse); err != nil {
      return nil, err
   }
   data := s.challenge
   s.challenge = nil
   return data, nil
}

func (s *LicenseSession) licensed(keys []ContentKey, expiry time.Time) error {
   s.mu.Lock()
   defer s.mu.Unlock()
   if err := s.advance(StateLicensed); err != nil {
      return err
   }
   for _, key := range keys {
      s.keyIds = append(s.keyIds, key.Id)
   }
   s.expiry = expiry
   return nil
}

func (s *LicenseSession) fail(err error) error {
   s.mu.Lock()
   defer s.mu.Unlock()
   if s.state != StateError {
      s.state = StateError
      s.err = err
      s.challenge = nil
   }
   return err
}

func (s *LicenseSession) State() SessionState {
   s.mu.Lock()
   defer s.mu.Unlock()
   return s.state
}

func (s *LicenseSession) Err() error {
   s.mu.Lock()
   defer s.mu.Unlock()
   return s.err
}

// KeyIds lists the IDs this session licensed; the keys themselves stay in
// the ring.
func (s *LicenseSession) KeyIds() [][]byte {
   s.mu.Lock()
   defer s.mu.Unlock()
   return s.keyIds
}

// Usable reports whether the session can still serve decrypts, moving
// LICENSED to EXPIRED when its deadline has passed. A zero expiry means
// valid for the process lifetime.
func (s *LicenseSession) Usable(now time.Time) bool {
   s.mu.Lock()
   defer s.mu.Unlock()
   if s.state != StateLicensed {
      return false
   }
   if !s.expiry.IsZero() && now.After(s.expiry) {
      s.state = StateExpired
      return false
   }
   return true
}

// Invalidate forces EXPIRED and wipes the session's keys from the ring.
func (s *LicenseSession) Invalidate(ring *KeyRing) {
   s.mu.Lock()
   if s.state == StateLicensed {
      s.state = StateExpired
   }
   s.mu.Unlock()
   ring.Evict(s.Id)
}

const (
   licenseRetries    = 2
   licenseRetryDelay = 500 * time.Millisecond
)

// licenseExchange runs challenge/response round trips. Transport faults
// and malformed responses get a fresh session and another try; rejection
// is terminal.
type licenseExchange struct {
   cdm  Cdm
   cred *DeviceCredential
   send SendFunc
   ring *KeyRing
   ttl  time.Duration
}

func (e *licenseExchange) run(ctx context.Context, contentId ContentId) (*LicenseSession, error) {
   var lastErr error
   for attempt := 0; attempt <= licenseRetries; attempt++ {
      if attempt > 0 {
         log.Printf("license retry %v for %v: %v", attempt, contentId, lastErr)
         select {
         case <-ctx.Done():
            return nil, ctx.Err()
         case <-time.After(licenseRetryDelay):
         }
      }
      session, err := e.attempt(ctx, contentId)
      if err == nil {
         return session, nil
      }
      if errors.Is(err, ErrLicenseRejected) || errors.Is(err, ErrDeviceRejected) {
         return nil, err
      }
      if ctx.Err() != nil {
         return nil, err
      }
      lastErr = err
   }
   return nil, lastErr
}

func (e *licenseExchange) attempt(ctx context.Context, contentId ContentId) (*LicenseSession, error) {
   session := newLicenseSession(contentId)
   handle, err := e.cdm.Open(e.cred, contentId)
   if err != nil {
      return nil, session.fail(err)
   }
   defer handle.Close()
   if err := session.buildChallenge(handle); err != nil {
      return nil, session.fail(err)
   }
   challenge, err := session.handOff()
   if err != nil {
      return nil, session.fail(err)
   }
   response, err := e.send(ctx, challenge)
   if err != nil {
      return nil, session.fail(err)
   }
   keys, err := handle.ParseLicense(response)
   if err != nil {
      return nil, session.fail(err)
   }
   expiry := e.expiry(keys)
   for i := range keys {
      if keys[i].Expiry.IsZero() {
         keys[i].Expiry = expiry
      }
      log.Printf("key %x", keys[i].Key)
   }
   e.ring.Store(session.Id, keys)
   if ctx.Err() != nil {
      // Cancelled after the keys landed; do not leave them behind.
      e.ring.Evict(session.Id)
      return nil, session.fail(ctx.Err())
   }
   if err := session.licensed(keys, expiry); err != nil {
      e.ring.Evict(session.Id)
      return nil, session.fail(err)
   }
   return session, nil
}

// expiry picks the earliest deadline the license declares, falling back to
// the configured TTL. No declared expiry and no TTL means process-lifetime
// validity.
func (e *licenseExchange) expiry(keys []ContentKey) time.Time {
   var earliest time.Time
   for _, key := range keys {
      if key.Expiry.IsZero() {
         continue
      }
      if earliest.IsZero() || key.Expiry.Before(earliest) {
         earliest = key.Expiry
      }
   }
   if earliest.IsZero() && e.ttl > 0 {
      earliest = time.Now().Add(e.ttl)
   }
   return earliest
}
