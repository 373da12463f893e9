package kagane

import (
   "bytes"
)

var (
   jpegSignature = []byte{0xFF, 0xD8}
   jxlSignature  = []byte{0xFF, 0x0A}
   jxlBoxHeader  = []byte("\x00\x00\x00\x0cJXL ")
   riffSignature = []byte("RIFF")
   webpSignature = []byte("WEBP")
)

// looksLikeImage inspects the first bytes of decrypted data to decide
// whether it is already a finished page or still needs descrambling.
func looksLikeImage(data []byte) bool {
   if bytes.HasPrefix(data, jpegSignature) || bytes.HasPrefix(data, jxlSignature) {
      return true
   }
   if len(data) >= 12 && bytes.HasPrefix(data, riffSignature) && bytes.Equal(data[8:12], webpSignature) {
      return true
   }
   return bytes.HasPrefix(data, jxlBoxHeader)
}

// detectExtension maps decrypted page bytes to an output file extension.
func detectExtension(data []byte) string {
   switch {
   case bytes.HasPrefix(data, jpegSignature):
      return ".jpg"
   case len(data) >= 12 && bytes.HasPrefix(data, riffSignature) && bytes.Equal(data[8:12], webpSignature):
      return ".webp"
   case bytes.HasPrefix(data, jxlSignature), bytes.HasPrefix(data, jxlBoxHeader):
      return ".jxl"
   }
   return ".bin"
}
