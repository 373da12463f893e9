package kagane

import (
   "context"
   "github.com/pkg/errors"
   "golang.org/x/sync/singleflight"
   "iter"
   "log"
   "net/url"
   "strconv"
   "sync"
   "time"
)

// Asset is one protected chapter to fetch and decrypt.
type Asset struct {
   Series  string
   Chapter string
   Pages   int
}

func (a Asset) ContentId() ContentId {
   return ContentId{Series: a.Series, Chapter: a.Chapter}
}

// Page is one decrypted page, ready to write out.
type Page struct {
   Index     int
   Data      []byte
   Extension string
}

// Pipeline drives assets through license acquisition and decryption.
// License acquisition is serialized per content ID; decrypted keys are
// cached in the ring until their session expires.
type Pipeline struct {
   cfg    *Config
   cdm    Cdm
   cred   *DeviceCredential
   ring   *KeyRing
   dec    *Decryptor
   tokens *TokenClient

   exchange *licenseExchange
   flight   singleflight.Group

   mu       sync.Mutex
   sessions map[string]*LicenseSession
}

// NewPipeline resolves the device credential before anything touches the
// network: without a device nothing else can proceed.
func NewPipeline(cfg *Config) (*Pipeline, error) {
   store := CredentialStore{Override: cfg.DevicePath, SearchDir: cfg.SearchDir}
   cred, err := store.Load()
   if err != nil {
      return nil, err
   }
   log.Printf("device %v L%v %v", cred.Type, cred.SecurityLevel, cred.Path)

   cdm := cfg.Cdm
   if cdm == nil {
      cdm = WidevineCdm{}
   }
   send := cfg.Send
   if send == nil {
      if cfg.LicenseUrl == "" {
         return nil, errors.New("Config.Send function is not set")
      }
      send = LicenseSend(cfg.Client, cfg.LicenseUrl, nil)
   }
   ttl := cfg.KeyTTL
   switch {
   case ttl == 0:
      ttl = DefaultKeyTTL
   case ttl < 0:
      ttl = 0
   }

   ring := NewKeyRing()
   return &Pipeline{
      cfg:  cfg,
      cdm:  cdm,
      cred: cred,
      ring: ring,
      dec:  NewDecryptor(ring),
      tokens: &TokenClient{
         ApiUrl: cfg.ApiUrl,
         Origin: cfg.Origin,
         Client: cfg.Client,
      },
      exchange: &licenseExchange{
         cdm:  cdm,
         cred: cred,
         send: send,
         ring: ring,
         ttl:  ttl,
      },
      sessions: make(map[string]*LicenseSession),
   }, nil
}

// KeyRing exposes the ring for callers that drive the decryptor directly.
func (p *Pipeline) KeyRing() *KeyRing {
   return p.ring
}

func (p *Pipeline) Decryptor() *Decryptor {
   return p.dec
}

// session returns a cached LICENSED session for the content ID or runs a
// new exchange. At most one exchange is in flight per content ID.
func (p *Pipeline) session(ctx context.Context, contentId ContentId) (*LicenseSession, error) {
   if s := p.cachedSession(contentId); s != nil {
      return s, nil
   }
   v, err, _ := p.flight.Do(contentId.String(), func() (any, error) {
      if s := p.cachedSession(contentId); s != nil {
         return s, nil
      }
      p.mu.Lock()
      if old := p.sessions[contentId.String()]; old != nil {
         // Expired or errored; its keys have no future.
         delete(p.sessions, contentId.String())
         p.mu.Unlock()
         old.Invalidate(p.ring)
      } else {
         p.mu.Unlock()
      }
      fresh, err := p.exchange.run(ctx, contentId)
      if err != nil {
         return nil, err
      }
      p.mu.Lock()
      p.sessions[contentId.String()] = fresh
      p.mu.Unlock()
      return fresh, nil
   })
   if err != nil {
      return nil, err
   }
   return v.(*LicenseSession), nil
}

func (p *Pipeline) cachedSession(contentId ContentId) *LicenseSession {
   p.mu.Lock()
   defer p.mu.Unlock()
   s := p.sessions[contentId.String()]
   if s != nil && s.Usable(time.Now()) {
      return s
   }
   return nil
}

// Pages yields an asset's decrypted pages in order, lazily. The sequence
// is forward-only and stops on the first failure; re-fetching means
// restarting the asset.
func (p *Pipeline) Pages(ctx context.Context, asset Asset) iter.Seq2[Page, error] {
   return func(yield func(Page, error) bool) {
      contentId := asset.ContentId()
      session, err := p.session(ctx, contentId)
      if err != nil {
         yield(Page{}, err)
         return
      }
      keyId := session.KeyIds()[0]

      bundle, err := p.tokens.Bundle(ctx, contentId, p.tokenChallenge(contentId))
      if err != nil {
         yield(Page{}, err)
         return
      }

      for idx := 1; idx <= asset.Pages; idx++ {
         payload, err := p.fetchPage(ctx, bundle, contentId, idx)
         if errors.Is(err, errUnauthorized) {
            p.tokens.Invalidate(contentId)
            bundle, err = p.tokens.Bundle(ctx, contentId, p.tokenChallenge(contentId))
            if err == nil {
               payload, err = p.fetchPage(ctx, bundle, contentId, idx)
            }
         }
         if err != nil {
            yield(Page{}, errors.Wrapf(err, "page %v", idx))
            return
         }
         plain, err := p.dec.DecryptPage(keyId, payload)
         if errors.Is(err, ErrKeyMismatch) {
            // Session keys aged out under us; one fresh round trip.
            session, err = p.session(ctx, contentId)
            if err == nil {
               keyId = session.KeyIds()[0]
               plain, err = p.dec.DecryptPage(keyId, payload)
            }
         }
         if err != nil {
            yield(Page{}, errors.Wrapf(err, "page %v", idx))
            return
         }
         if !looksLikeImage(plain) {
            plain = descramblePage(plain, contentId, idx)
            if !looksLikeImage(plain) {
               yield(Page{}, errors.Wrapf(ErrDecryptionFault, "page %v did not descramble", idx))
               return
            }
         }
         page := Page{Index: idx, Data: plain, Extension: detectExtension(plain)}
         if !yield(page, nil) {
            return
         }
      }
   }
}

// tokenChallenge builds a fresh challenge for the token exchange on its
// own single-owner CDM handle.
func (p *Pipeline) tokenChallenge(contentId ContentId) func() ([]byte, error) {
   return func() ([]byte, error) {
      handle, err := p.cdm.Open(p.cred, contentId)
      if err != nil {
         return nil, err
      }
      defer handle.Close()
      return handle.Challenge()
   }
}

func (p *Pipeline) fetchPage(ctx context.Context, bundle *TokenBundle, contentId ContentId, page int) ([]byte, error) {
   address := bundle.CacheUrl +
      "/api/v1/books/" + contentId.Series +
      "/file/" + contentId.Chapter +
      "/" + strconv.Itoa(page) +
      "?token=" + url.QueryEscape(bundle.Token)
   return fetch(ctx, p.cfg.Client, address, nil)
}
