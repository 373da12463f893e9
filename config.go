package kagane

import (
   "net/http"
   "time"
)

// DefaultKeyTTL bounds how long a license without a declared expiry is
// trusted. Nothing survives a process restart either way.
const DefaultKeyTTL = 6 * time.Hour

// Config holds pipeline configuration.
type Config struct {
   // Send exchanges a license challenge for a license response. When nil,
   // LicenseUrl must be set and a default transport is built from it.
   Send       SendFunc
   LicenseUrl string

   // Number of assets to process in parallel. Pages within one asset are
   // always sequential.
   Threads int

   // DevicePath overrides *.wvd discovery; SearchDir is where discovery
   // looks (default current directory).
   DevicePath string
   SearchDir  string

   // ApiUrl is the token/metadata service base; Origin is sent as
   // Origin/Referer where the service expects a browser.
   ApiUrl string
   Origin string

   OutDir string

   // KeyTTL for licenses that declare no expiry. Zero means DefaultKeyTTL;
   // negative means trust for the process lifetime.
   KeyTTL time.Duration

   Client *http.Client

   // Cdm overrides the emulated-device binding. Nil means WidevineCdm.
   Cdm Cdm
}
