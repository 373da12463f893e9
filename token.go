package kagane

import (
   "bytes"
   "context"
   "encoding/base64"
   "encoding/json"
   "github.com/pkg/errors"
   "github.com/tidwall/gjson"
   "io"
   "net/http"
   "strings"
   "sync"
   "time"
)

// tokenSkew renews a token slightly before its declared expiry so in-flight
// page fetches do not race the deadline.
const tokenSkew = 30 * time.Second

// TokenBundle is the short-lived grant the CDN wants before it serves
// encrypted pages. The token is opaque and passed through unchanged.
type TokenBundle struct {
   Token     string
   CacheUrl  string
   ExpiresAt time.Time
}

func (b *TokenBundle) expired(now time.Time) bool {
   if b.ExpiresAt.IsZero() {
      return false
   }
   return now.After(b.ExpiresAt.Add(-tokenSkew))
}

// TokenClient exchanges a license challenge for an access token at the
// book-file endpoint and caches the result per content ID.
type TokenClient struct {
   // ApiUrl is the service base, e.g. https://api.kagane.org
   ApiUrl string
   // Origin is sent as Origin and Referer on the exchange.
   Origin string
   Client *http.Client

   mu    sync.Mutex
   cache map[string]*TokenBundle
}

// Bundle returns a cached non-expired token or issues a fresh one.
// challenge is built lazily since a cache hit needs no license work.
func (t *TokenClient) Bundle(ctx context.Context, contentId ContentId, challenge func() ([]byte, error)) (*TokenBundle, error) {
   t.mu.Lock()
   bundle, ok := t.cache[contentId.String()]
   t.mu.Unlock()
   if ok && !bundle.expired(time.Now()) {
      return bundle, nil
   }
   data, err := challenge()
   if err != nil {
      return nil, err
   }
   bundle, err = t.issue(ctx, contentId, data)
   if err != nil {
      return nil, err
   }
   t.mu.Lock()
   if t.cache == nil {
      t.cache = make(map[string]*TokenBundle)
   }
   t.cache[contentId.String()] = bundle
   t.mu.Unlock()
   return bundle, nil
}

// Invalidate drops the cached token, forcing the next Bundle to reissue.
// Used when the CDN answers 401 with a token we thought was fresh.
func (t *TokenClient) Invalidate(contentId ContentId) {
   t.mu.Lock()
   delete(t.cache, contentId.String())
   t.mu.Unlock()
}

func (t *TokenClient) issue(ctx context.Context, contentId ContentId, challenge []byte) (*TokenBundle, error) {
   body, err := json.Marshal(map[string]string{
      "challenge": base64.StdEncoding.EncodeToString(challenge),
   })
   if err != nil {
      return nil, err
   }
   address := t.ApiUrl + "/api/v1/books/" + contentId.Series + "/file/" + contentId.Chapter
   req, err := http.NewRequestWithContext(ctx, "POST", address, bytes.NewReader(body))
   if err != nil {
      return nil, err
   }
   req.Header.Set("Content-Type", "application/json")
   if t.Origin != "" {
      req.Header.Set("Origin", t.Origin)
      req.Header.Set("Referer", t.Origin+"/")
   }
   client := t.Client
   if client == nil {
      client = http.DefaultClient
   }
   resp, err := client.Do(req)
   if err != nil {
      return nil, err
   }
   defer resp.Body.Close()
   data, err := io.ReadAll(resp.Body)
   if err != nil {
      return nil, err
   }
   switch resp.StatusCode {
   case http.StatusOK:
   case http.StatusUnauthorized, http.StatusForbidden:
      return nil, errors.Wrapf(ErrLicenseRejected, "token endpoint status %v", resp.Status)
   default:
      return nil, errors.Errorf("token endpoint status %v", resp.Status)
   }
   token := gjson.GetBytes(data, "access_token").String()
   cacheUrl := gjson.GetBytes(data, "cache_url").String()
   if token == "" || cacheUrl == "" {
      return nil, errors.Wrap(ErrLicenseMalformed, "token response missing fields")
   }
   bundle := TokenBundle{
      Token:    token,
      CacheUrl: strings.TrimSuffix(cacheUrl, "/"),
   }
   if exp, ok := jwtExpiry(token); ok {
      bundle.ExpiresAt = exp
   }
   return &bundle, nil
}

// jwtExpiry reads the exp claim out of an unverified JWT payload. Tokens
// without a readable exp are treated as non-expiring and cached for the
// process lifetime.
func jwtExpiry(token string) (time.Time, bool) {
   parts := strings.Split(token, ".")
   if len(parts) != 3 {
      return time.Time{}, false
   }
   payload, err := base64.RawURLEncoding.DecodeString(parts[1])
   if err != nil {
      return time.Time{}, false
   }
   exp := gjson.GetBytes(payload, "exp")
   if !exp.Exists() {
      return time.Time{}, false
   }
   return time.Unix(exp.Int(), 0), true
}
