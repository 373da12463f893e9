package kagane

import (
   "bytes"
   "github.com/orajowo/widevine"
   "github.com/pkg/errors"
   "time"
)

// ContentKey is one decrypted key from a license. Key bytes live in the
// KeyRing and are wiped on eviction.
type ContentKey struct {
   Id     []byte
   Key    []byte
   Expiry time.Time
}

// Cdm turns a device credential and content ID into a license challenge,
// and a license response into content keys. The cryptographic internals
// are the emulation library's problem; implementations only manage session
// lifecycle and error translation.
type Cdm interface {
   Open(cred *DeviceCredential, contentId ContentId) (CdmSession, error)
}

// CdmSession is single-owner: never share one handle across concurrent
// challenge builds. Close is idempotent.
type CdmSession interface {
   Challenge() ([]byte, error)
   ParseLicense(response []byte) ([]ContentKey, error)
   Close()
}

// WidevineCdm binds the emulated device to github.com/orajowo/widevine.
type WidevineCdm struct{}

func (WidevineCdm) Open(cred *DeviceCredential, contentId ContentId) (CdmSession, error) {
   payload, err := widevine.PsshBox(contentId.Pssh())
   if err != nil {
      return nil, err
   }
   var session widevineSession
   err = session.cdm.New(cred.PrivateKey, cred.ClientId, payload)
   if err != nil {
      // Structural validation already passed, so a refusal here means the
      // key pair itself was not accepted.
      return nil, errors.Wrap(ErrDeviceRejected, err.Error())
   }
   return &session, nil
}

type widevineSession struct {
   cdm    widevine.Cdm
   closed bool
}

func (s *widevineSession) Challenge() ([]byte, error) {
   return s.cdm.RequestBody()
}

func (s *widevineSession) ParseLicense(response []byte) ([]ContentKey, error) {
   var body widevine.ResponseBody
   if err := body.Unmarshal(response); err != nil {
      return nil, errors.Wrap(ErrLicenseMalformed, err.Error())
   }
   block, err := s.cdm.Block(body)
   if err != nil {
      return nil, errors.Wrap(ErrLicenseMalformed, err.Error())
   }
   var zero [16]byte
   var out []ContentKey
   for container := range body.Container() {
      id := container.Id()
      if len(id) == 0 {
         continue
      }
      key := container.Key(block)
      if bytes.Equal(key, zero[:]) {
         continue
      }
      out = append(out, ContentKey{Id: id, Key: key})
   }
   if len(out) == 0 {
      // A parseable response with no usable key is the server saying no.
      return nil, ErrLicenseRejected
   }
   return out, nil
}

func (s *widevineSession) Close() {
   if s.closed {
      return
   }
   s.cdm = widevine.Cdm{}
   s.closed = true
}
