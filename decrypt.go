package kagane

import (
   "bytes"
   "crypto/aes"
   "crypto/cipher"
   "github.com/pkg/errors"
   "sync"
)

// Page payload framing: an opaque header, then the GCM nonce, then the
// ciphertext and tag.
const (
   pageHeaderSize = 128
   pageNonceSize  = 12
   pageMinSize    = pageHeaderSize + pageNonceSize
)

// Decryptor turns ciphertext into plaintext with keys checked out from the
// ring. It never hands key bytes to callers.
type Decryptor struct {
   ring *KeyRing
}

func NewDecryptor(ring *KeyRing) *Decryptor {
   return &Decryptor{ring: ring}
}

// DecryptPage opens one whole-page payload. An authentication failure is a
// DecryptionFault, not a key mismatch: the key ID resolved, the bytes did
// not.
func (d *Decryptor) DecryptPage(keyId, payload []byte) ([]byte, error) {
   if len(payload) < pageMinSize {
      return nil, errors.Wrapf(ErrDecryptionFault, "payload %v bytes, want at least %v", len(payload), pageMinSize)
   }
   nonce := payload[pageHeaderSize:pageMinSize]
   ciphertext := payload[pageMinSize:]
   var plain []byte
   err := d.ring.Checkout(keyId, func(key ContentKey) error {
      block, err := aes.NewCipher(key.Key)
      if err != nil {
         return errors.Wrap(ErrDecryptionFault, err.Error())
      }
      gcm, err := cipher.NewGCM(block)
      if err != nil {
         return errors.Wrap(ErrDecryptionFault, err.Error())
      }
      plain, err = gcm.Open(nil, nonce, ciphertext, nil)
      if err != nil {
         return errors.Wrap(ErrDecryptionFault, err.Error())
      }
      return nil
   })
   if err != nil {
      return nil, err
   }
   return plain, nil
}

// EncryptedSegment is one piece of a segmented asset. Iv, when present,
// reinitializes the counter; an empty Iv continues the previous segment's
// keystream, which is why order is mandatory.
type EncryptedSegment struct {
   Index int
   KeyId []byte
   Iv    []byte
   Data  []byte
}

// SegmentStream decrypts one asset's counter-mode segments. Calls must be
// strictly in index order and never concurrent: the counter state is
// continuous across segments.
type SegmentStream struct {
   mu     sync.Mutex
   block  cipher.Block
   stream cipher.Stream
   keyId  []byte
   next   int
}

// NewSegmentStream resolves the key once and pins it to the stream.
func (d *Decryptor) NewSegmentStream(keyId []byte) (*SegmentStream, error) {
   var s SegmentStream
   err := d.ring.Checkout(keyId, func(key ContentKey) error {
      block, err := aes.NewCipher(key.Key)
      if err != nil {
         return errors.Wrap(ErrDecryptionFault, err.Error())
      }
      s.block = block
      return nil
   })
   if err != nil {
      return nil, err
   }
   s.keyId = append([]byte(nil), keyId...)
   return &s, nil
}

func (s *SegmentStream) Decrypt(seg EncryptedSegment) ([]byte, error) {
   s.mu.Lock()
   defer s.mu.Unlock()
   if seg.KeyId != nil && !bytes.Equal(seg.KeyId, s.keyId) {
      return nil, errors.Wrapf(ErrKeyMismatch, "segment %v", seg.Index)
   }
   if seg.Index != s.next {
      return nil, errors.Wrapf(
         ErrDecryptionFault, "segment %v out of order, want %v", seg.Index, s.next,
      )
   }
   if len(seg.Iv) > 0 {
      if len(seg.Iv) != s.block.BlockSize() {
         return nil, errors.Wrapf(ErrDecryptionFault, "IV %v bytes", len(seg.Iv))
      }
      s.stream = cipher.NewCTR(s.block, seg.Iv)
   }
   if s.stream == nil {
      return nil, errors.Wrapf(ErrDecryptionFault, "segment %v has no IV and no prior counter state", seg.Index)
   }
   plain := make([]byte, len(seg.Data))
   s.stream.XORKeyStream(plain, seg.Data)
   s.next++
   return plain, nil
}
