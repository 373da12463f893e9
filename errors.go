package kagane

import (
   "errors"
)

var (
   // Credential resolution and structural validation.
   ErrCredentialNotFound = errors.New("device credential not found")
   ErrCredentialInvalid  = errors.New("device credential invalid")

   // The emulation layer refused a structurally valid credential.
   ErrDeviceRejected = errors.New("device rejected")

   // License server denied the request. Terminal for the content ID.
   ErrLicenseRejected = errors.New("license rejected")

   // License response could not be parsed. Retryable within the session
   // budget.
   ErrLicenseMalformed = errors.New("license malformed")

   ErrKeyMismatch     = errors.New("key ID mismatch")
   ErrDecryptionFault = errors.New("decryption fault")
)
