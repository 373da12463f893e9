package kagane

import (
   "bytes"
   "context"
   "github.com/pkg/errors"
   "io"
   "log"
   "net/http"
   "net/url"
   "strings"
   "time"
)

// Transport configures the default HTTP transport for logging and proxy
// support.
func Transport(policy func(*http.Request) string) {
   http.DefaultTransport = &http.Transport{
      Proxy: func(req *http.Request) (*url.URL, error) {
         flags := policy(req)
         if strings.ContainsRune(flags, 'L') {
            method := req.Method
            if method == "" {
               method = http.MethodGet
            }
            log.Println(method, req.URL)
         }
         if strings.ContainsRune(flags, 'P') {
            return http.ProxyFromEnvironment(req)
         }
         return nil, nil
      },
   }
}

var errUnauthorized = errors.New("unauthorized")

const (
   fetchRetries    = 2
   fetchRetryDelay = 500 * time.Millisecond
)

// fetch GETs one resource with a small bounded retry. 401 is surfaced as
// errUnauthorized without retrying so the caller can reissue its token.
func fetch(ctx context.Context, client *http.Client, address string, header http.Header) ([]byte, error) {
   if client == nil {
      client = http.DefaultClient
   }
   var lastErr error
   for attempt := 0; attempt <= fetchRetries; attempt++ {
      if attempt > 0 {
         select {
         case <-ctx.Done():
            return nil, ctx.Err()
         case <-time.After(fetchRetryDelay):
         }
      }
      data, err := fetchOnce(ctx, client, address, header)
      if err == nil {
         return data, nil
      }
      if errors.Is(err, errUnauthorized) || ctx.Err() != nil {
         return nil, err
      }
      lastErr = err
   }
   return nil, lastErr
}

func fetchOnce(ctx context.Context, client *http.Client, address string, header http.Header) ([]byte, error) {
   req, err := http.NewRequestWithContext(ctx, "GET", address, nil)
   if err != nil {
      return nil, err
   }
   if header != nil {
      req.Header = header.Clone()
   }
   resp, err := client.Do(req)
   if err != nil {
      return nil, err
   }
   defer resp.Body.Close()
   switch resp.StatusCode {
   case http.StatusOK, http.StatusPartialContent:
   case http.StatusUnauthorized:
      return nil, errUnauthorized
   default:
      return nil, errors.New(resp.Status)
   }
   return io.ReadAll(resp.Body)
}

// LicenseSend builds the challenge transport for one license endpoint.
// Authorization-class statuses map to rejection (terminal); anything else
// is a transport fault the session layer may retry.
func LicenseSend(client *http.Client, endpoint string, header http.Header) SendFunc {
   if client == nil {
      client = http.DefaultClient
   }
   return func(ctx context.Context, challenge []byte) ([]byte, error) {
      req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(challenge))
      if err != nil {
         return nil, err
      }
      if header != nil {
         req.Header = header.Clone()
      }
      if req.Header.Get("Content-Type") == "" {
         req.Header.Set("Content-Type", "application/octet-stream")
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
         return data, nil
      case http.StatusUnauthorized, http.StatusForbidden:
         return nil, errors.Wrapf(ErrLicenseRejected, "status %v", resp.Status)
      }
      return nil, errors.Errorf("license endpoint status %v", resp.Status)
   }
}
