package kagane

import (
   "crypto/sha256"
   "encoding/binary"
   "encoding/hex"
   "fmt"
)

var widevineSystemId, _ = hex.DecodeString("edef8ba979d64acea3c827dcd51d21ed")

// ContentId identifies one protected chapter. Derived per asset, never
// persisted.
type ContentId struct {
   Series  string
   Chapter string
}

func (c ContentId) String() string {
   return c.Series + ":" + c.Chapter
}

// Seed is the 16-byte init-data seed the service derives key material from.
func (c ContentId) Seed() []byte {
   sum := sha256.Sum256([]byte(c.String()))
   return sum[:16]
}

// Pssh builds the version 0 PSSH box for this content ID. The box payload
// is a single length-delimited content_id field holding the seed.
func (c ContentId) Pssh() []byte {
   seed := c.Seed()
   info := append([]byte{0x12, byte(len(seed))}, seed...)

   var inner []byte
   inner = append(inner, 0, 0, 0, 0) // version 0, no flags
   inner = append(inner, widevineSystemId...)
   inner = binary.BigEndian.AppendUint32(inner, uint32(len(info)))
   inner = append(inner, info...)

   box := binary.BigEndian.AppendUint32(nil, uint32(len(inner)+8))
   box = append(box, "pssh"...)
   return append(box, inner...)
}

// pageName is the canonical page file name the service seeds against.
func pageName(page int) string {
   return fmt.Sprintf("%04d.jpg", page)
}

// pageSeed feeds the descrambler for one page of a chapter.
func pageSeed(c ContentId, page int) uint64 {
   name := c.String() + ":" + pageName(page)
   sum := sha256.Sum256([]byte(name))
   return binary.BigEndian.Uint64(sum[:8])
}
