package kagane

import (
   "crypto/sha256"
   "crypto/sha512"
   "encoding/binary"
   "strconv"
)

// Seeded permutation the service applies to pages that are not served as
// plain images. Everything here must reproduce the service's generator
// bit for bit; constants and round structure come from its player.

const (
   scrambleGrid = 10
   prngMult     = 0x27BB2EE687B0B0FD
   roundMult32  = 0x45D9F3B
)

var scrambleSbox = [16]uint64{
   163, 95, 137, 13, 55, 193, 107, 228,
   114, 185, 22, 243, 68, 218, 158, 40,
}

type randomizer struct {
   size    int
   state   uint64
   entropy []byte
   order   []int
}

func newRandomizer(seed uint64, grid int) *randomizer {
   decimal := strconv.FormatUint(seed, 10)
   digest := sha256.Sum256([]byte(decimal))
   entropy := sha512.Sum512([]byte(decimal))
   r := randomizer{
      size:    grid * grid,
      state:   binary.BigEndian.Uint64(digest[:8]) ^ binary.BigEndian.Uint64(digest[8:16]),
      entropy: entropy[:],
   }
   r.order = make([]int, r.size)
   for i := range r.order {
      r.order[i] = i
   }
   r.permute()
   return &r
}

func (r *randomizer) prng() uint64 {
   r.state ^= r.state << 11
   r.state ^= r.state >> 19
   r.state ^= r.state << 7
   r.state *= prngMult
   return r.state
}

func sbox(value uint64) uint64 {
   return scrambleSbox[value&15] ^ scrambleSbox[(value>>4)&15]
}

func (r *randomizer) round(value, entropy uint64) uint64 {
   result := value ^ r.prng() ^ entropy
   rot := ((result << 5) | (result >> 3)) & 0xFFFFFFFF
   result = (rot * roundMult32) & 0xFFFFFFFF
   result ^= sbox(result & 0xFF)
   result ^= result >> 13
   return result
}

func (r *randomizer) feistel(left, right uint64, rounds int) (uint64, uint64) {
   for i := 0; i < rounds; i++ {
      ent := uint64(r.entropy[i%len(r.entropy)])
      left ^= r.round(right, ent)
      entSecond := ent ^ uint64((i*31)&0xFF)
      right ^= r.round(left, entSecond)
   }
   return left, right
}

func (r *randomizer) permute() {
   size := uint64(r.size)
   half := r.size / 2
   for idx := 0; idx < half; idx++ {
      left, right := r.feistel(uint64(idx), uint64(idx+half), 4)
      src := left % size
      dst := right % size
      r.order[src], r.order[dst] = r.order[dst], r.order[src]
   }
   for idx := r.size - 1; idx > 0; idx-- {
      ent := uint64(r.entropy[idx%len(r.entropy)])
      pos := (r.prng() + ent) % uint64(idx+1)
      r.order[idx], r.order[pos] = r.order[pos], r.order[idx]
   }
}

type scrambler struct {
   total      int
   randomizer *randomizer
   graph      [][]int
   inDegree   []int
   path       []int
}

func newScrambler(seed uint64, grid int) *scrambler {
   s := scrambler{
      total:      grid * grid,
      randomizer: newRandomizer(seed, grid),
   }
   s.buildGraph(seed, grid)
   s.path = s.topological()
   return &s
}

// buildGraph uses its own generator instance so the dependency graph and
// the base permutation draw from independent streams, exactly like the
// service does.
func (s *scrambler) buildGraph(seed uint64, grid int) {
   rng := newRandomizer(seed, grid)
   s.graph = make([][]int, s.total)
   s.inDegree = make([]int, s.total)
   for node := 0; node < s.total; node++ {
      count := int(rng.prng()%3) + 2
      for i := 0; i < count; i++ {
         target := int(rng.prng() % uint64(s.total))
         if target != node && !s.wouldCycle(target, node) {
            s.graph[target] = append(s.graph[target], node)
            s.inDegree[node]++
         }
      }
   }
   for node := 0; node < s.total; node++ {
      if s.inDegree[node] != 0 {
         continue
      }
      for attempts := 0; attempts < 10; attempts++ {
         source := int(rng.prng() % uint64(s.total))
         if source != node && !s.wouldCycle(source, node) {
            s.graph[source] = append(s.graph[source], node)
            s.inDegree[node]++
            break
         }
      }
   }
}

func (s *scrambler) wouldCycle(target, start int) bool {
   stack := []int{start}
   visited := make(map[int]bool)
   for len(stack) > 0 {
      node := stack[len(stack)-1]
      stack = stack[:len(stack)-1]
      if node == target {
         return true
      }
      if visited[node] {
         continue
      }
      visited[node] = true
      stack = append(stack, s.graph[node]...)
   }
   return false
}

func (s *scrambler) topological() []int {
   inDegree := make([]int, s.total)
   copy(inDegree, s.inDegree)
   var queue, order []int
   for node := 0; node < s.total; node++ {
      if inDegree[node] == 0 {
         queue = append(queue, node)
      }
   }
   for len(queue) > 0 {
      node := queue[0]
      queue = queue[1:]
      order = append(order, node)
      for _, neighbor := range s.graph[node] {
         inDegree[neighbor]--
         if inDegree[neighbor] == 0 {
            queue = append(queue, neighbor)
         }
      }
   }
   return order
}

// mapping returns (dst, src) chunk pairs for unscramble.
func (s *scrambler) mapping() [][2]int {
   order := make([]int, len(s.randomizer.order))
   copy(order, s.randomizer.order)
   if len(s.path) == s.total {
      temp := make([]int, s.total)
      for idx, val := range s.path {
         temp[idx] = order[val]
      }
      order = temp
   }
   out := make([][2]int, s.total)
   for idx := 0; idx < s.total; idx++ {
      out[idx] = [2]int{idx, order[idx]}
   }
   return out
}

// unscramble reorders equal chunks of data per the mapping. headMode
// controls which end carries the remainder bytes and the direction the
// mapping is applied in.
func unscramble(data []byte, mapping [][2]int, headMode bool) []byte {
   size := len(mapping)
   total := len(data)
   if size == 0 {
      return data
   }
   chunk := total / size
   remainder := total % size

   var prefix, body []byte
   if headMode {
      prefix = data[:remainder]
      body = data[remainder:]
   } else {
      prefix = data[total-remainder:]
      body = data[:total-remainder]
   }

   chunks := make([][]byte, size)
   for i := 0; i < size; i++ {
      chunks[i] = body[i*chunk : (i+1)*chunk]
   }
   result := make([][]byte, size)
   for _, pair := range mapping {
      dst, src := pair[0], pair[1]
      if dst >= size || src >= size {
         continue
      }
      if headMode {
         result[dst] = chunks[src]
      } else {
         result[src] = chunks[dst]
      }
   }

   out := make([]byte, 0, total)
   if !headMode {
      out = append(out, prefix...)
   }
   for _, piece := range result {
      out = append(out, piece...)
   }
   if headMode {
      out = append(out, prefix...)
   }
   return out
}

// descramblePage undoes the page permutation for one chapter page.
func descramblePage(data []byte, contentId ContentId, page int) []byte {
   mapping := newScrambler(pageSeed(contentId, page), scrambleGrid).mapping()
   return unscramble(data, mapping, true)
}
