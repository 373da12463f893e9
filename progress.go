package kagane

import (
   "log"
   "sync"
   "time"
)

type progress struct {
   mu        sync.Mutex
   total     int
   processed int
   start     time.Time
   lastLog   time.Time
}

func newProgress(total int) *progress {
   return &progress{
      total:   total,
      start:   time.Now(),
      lastLog: time.Now(),
   }
}

func (p *progress) update() {
   p.mu.Lock()
   defer p.mu.Unlock()
   p.processed++
   now := time.Now()
   if now.Sub(p.lastLog) > time.Second {
      left := p.total - p.processed
      elapsed := now.Sub(p.start)
      var eta time.Duration
      if p.processed > 0 {
         avgPerItem := elapsed / time.Duration(p.processed)
         eta = avgPerItem * time.Duration(left)
      }
      log.Printf(
         "done %d | left %d | ETA %s",
         p.processed, left, eta.Truncate(time.Second),
      )
      p.lastLog = now
   }
}
