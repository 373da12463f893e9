package kagane

import (
   "encoding/binary"
   "fmt"
   "github.com/pkg/errors"
   "os"
   "path/filepath"
   "sync"
)

// DeviceCredentialEnv overrides credential discovery when set.
const DeviceCredentialEnv = "KAGANE_WVD"

type DeviceType uint8

const (
   DeviceAndroid DeviceType = 1
   DeviceChrome  DeviceType = 2
)

func (d DeviceType) String() string {
   switch d {
   case DeviceAndroid:
      return "android"
   case DeviceChrome:
      return "chrome"
   }
   return fmt.Sprintf("unknown(%d)", uint8(d))
}

// DeviceCredential is a loaded provisioned-device blob (.wvd container).
// Immutable after load; shared read-only across sessions.
type DeviceCredential struct {
   Type          DeviceType
   SecurityLevel uint8
   PrivateKey    []byte
   ClientId      []byte
   Path          string
}

// CredentialStore resolves and caches the device credential for the process.
// Zero value is usable; Load is safe for concurrent use and reads the file
// at most once.
type CredentialStore struct {
   // Override, when non-empty, is used instead of discovery.
   Override string
   // SearchDir is scanned for exactly one *.wvd file. Empty means the
   // current working directory.
   SearchDir string

   once sync.Once
   cred *DeviceCredential
   err  error
}

func (s *CredentialStore) Load() (*DeviceCredential, error) {
   s.once.Do(func() {
      s.cred, s.err = s.load()
   })
   return s.cred, s.err
}

func (s *CredentialStore) load() (*DeviceCredential, error) {
   path, err := s.resolve()
   if err != nil {
      return nil, err
   }
   data, err := os.ReadFile(path)
   if err != nil {
      return nil, errors.Wrap(ErrCredentialNotFound, err.Error())
   }
   cred, err := parseWvd(data)
   if err != nil {
      return nil, errors.Wrapf(err, "%v", path)
   }
   cred.Path = path
   return cred, nil
}

func (s *CredentialStore) resolve() (string, error) {
   override := s.Override
   if override == "" {
      override = os.Getenv(DeviceCredentialEnv)
   }
   if override != "" {
      if _, err := os.Stat(override); err != nil {
         return "", errors.Wrapf(ErrCredentialNotFound, "override path %v", override)
      }
      return override, nil
   }
   dir := s.SearchDir
   if dir == "" {
      dir = "."
   }
   matches, err := filepath.Glob(filepath.Join(dir, "*.wvd"))
   if err != nil {
      return "", errors.Wrap(ErrCredentialNotFound, err.Error())
   }
   switch len(matches) {
   case 0:
      return "", errors.Wrapf(
         ErrCredentialNotFound,
         "no *.wvd in %v and %v is not set", dir, DeviceCredentialEnv,
      )
   case 1:
      return matches[0], nil
   }
   return "", errors.Wrapf(
      ErrCredentialNotFound, "%v *.wvd files in %v, expected one", len(matches), dir,
   )
}

// wvd container, version 2:
// "WVD" | version | type | security level | flags | key len u16 | key | id len u16 | id
const wvdHeaderSize = 3 + 1 + 1 + 1 + 1 + 2

// parseWvd does a structural check only. Whether the key pair inside is
// actually accepted is decided by the CDM at session-open time.
func parseWvd(data []byte) (*DeviceCredential, error) {
   if len(data) < wvdHeaderSize {
      return nil, errors.Wrapf(ErrCredentialInvalid, "%v bytes, want at least %v", len(data), wvdHeaderSize)
   }
   if string(data[:3]) != "WVD" {
      return nil, errors.Wrap(ErrCredentialInvalid, "bad magic")
   }
   if data[3] != 2 {
      return nil, errors.Wrapf(ErrCredentialInvalid, "unsupported container version %v", data[3])
   }
   cred := DeviceCredential{
      Type:          DeviceType(data[4]),
      SecurityLevel: data[5],
   }
   if cred.Type != DeviceAndroid && cred.Type != DeviceChrome {
      return nil, errors.Wrapf(ErrCredentialInvalid, "unknown device type %v", data[4])
   }
   rest := data[wvdHeaderSize-2:]
   keyLen := int(binary.BigEndian.Uint16(rest))
   if len(rest) < 2+keyLen+2 {
      return nil, errors.Wrap(ErrCredentialInvalid, "truncated private key")
   }
   cred.PrivateKey = rest[2 : 2+keyLen]
   rest = rest[2+keyLen:]
   idLen := int(binary.BigEndian.Uint16(rest))
   if len(rest) < 2+idLen {
      return nil, errors.Wrap(ErrCredentialInvalid, "truncated client ID")
   }
   cred.ClientId = rest[2 : 2+idLen]
   if keyLen == 0 || idLen == 0 {
      return nil, errors.Wrap(ErrCredentialInvalid, "empty key or client ID")
   }
   return &cred, nil
}
