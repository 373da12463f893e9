package kagane

import (
   "bytes"
   "crypto/sha256"
   "encoding/binary"
   "testing"
)

func TestPsshBox(t *testing.T) {
   contentId := ContentId{Series: "series-1", Chapter: "chapter-9"}
   box := contentId.Pssh()

   if got := binary.BigEndian.Uint32(box); int(got) != len(box) {
      t.Fatalf("box size field %v, actual %v", got, len(box))
   }
   if string(box[4:8]) != "pssh" {
      t.Fatalf("box type %q", box[4:8])
   }
   if !bytes.Equal(box[8:12], []byte{0, 0, 0, 0}) {
      t.Fatalf("version/flags %x", box[8:12])
   }
   if !bytes.Equal(box[12:28], widevineSystemId) {
      t.Fatalf("system ID %x", box[12:28])
   }
   dataSize := binary.BigEndian.Uint32(box[28:32])
   payload := box[32:]
   if int(dataSize) != len(payload) {
      t.Fatalf("data size %v, payload %v", dataSize, len(payload))
   }

   sum := sha256.Sum256([]byte("series-1:chapter-9"))
   want := append([]byte{0x12, 16}, sum[:16]...)
   if !bytes.Equal(payload, want) {
      t.Fatalf("payload %x", payload)
   }
}

func TestPsshDeterministic(t *testing.T) {
   a := ContentId{"s", "c"}
   if !bytes.Equal(a.Pssh(), a.Pssh()) {
      t.Fatal("same content ID produced different boxes")
   }
   b := ContentId{"s", "d"}
   if bytes.Equal(a.Pssh(), b.Pssh()) {
      t.Fatal("different content IDs produced the same box")
   }
}

func TestPageSeed(t *testing.T) {
   contentId := ContentId{"s", "c"}
   if pageSeed(contentId, 1) != pageSeed(contentId, 1) {
      t.Fatal("page seed not deterministic")
   }
   if pageSeed(contentId, 1) == pageSeed(contentId, 2) {
      t.Fatal("distinct pages share a seed")
   }
   if pageSeed(contentId, 1) == pageSeed(ContentId{"s", "d"}, 1) {
      t.Fatal("distinct chapters share a seed")
   }
}
