package kagane

import (
   "context"
   "fmt"
   "github.com/pkg/errors"
   "golang.org/x/sync/errgroup"
   "log"
   "os"
   "path/filepath"
   "sync/atomic"
)

// Run processes assets concurrently and writes decrypted pages to OutDir.
// A failed asset is logged and skipped; it never takes the others down
// with it. Credential-level failures already aborted in NewPipeline.
func (p *Pipeline) Run(ctx context.Context, assets []Asset) error {
   numWorkers := p.cfg.Threads
   if numWorkers < 1 {
      numWorkers = 1
   }
   var group errgroup.Group
   group.SetLimit(numWorkers)
   prog := newProgress(len(assets))
   var failed atomic.Int64
   for _, asset := range assets {
      group.Go(func() error {
         if err := p.saveAsset(ctx, asset); err != nil {
            log.Printf("asset %v: %v", asset.ContentId(), err)
            failed.Add(1)
         }
         prog.update()
         return nil
      })
   }
   group.Wait()
   if n := failed.Load(); n > 0 {
      return errors.Errorf("%v of %v assets failed", n, len(assets))
   }
   return nil
}

// saveAsset writes one asset's pages. Partial output is discarded on
// failure, never returned.
func (p *Pipeline) saveAsset(ctx context.Context, asset Asset) error {
   var written []string
   for page, err := range p.Pages(ctx, asset) {
      if err != nil {
         for _, path := range written {
            os.Remove(path)
         }
         return err
      }
      name := fmt.Sprintf(
         "%v_%v_%04d%v", asset.Series, asset.Chapter, page.Index, page.Extension,
      )
      path := filepath.Join(p.cfg.OutDir, name)
      log.Println("Create", name)
      if err := os.WriteFile(path, page.Data, 0o644); err != nil {
         for _, prior := range written {
            os.Remove(prior)
         }
         return err
      }
      written = append(written, path)
   }
   return nil
}
