package main

import (
   "41.neocities.org/kagane"
   "github.com/joho/godotenv"
   "github.com/spf13/cobra"
   "log"
   "net/http"
   "os"
   "path"
   "time"
)

var config kagane.Config

var (
   chapterId string
   seriesId  string
   pages     int
   keyTtl    time.Duration
   verbose   bool
)

var rootCmd = &cobra.Command{
   Use:   "kagane",
   Short: "download and decrypt protected chapters",
   Args:  cobra.NoArgs,
   RunE: func(cmd *cobra.Command, args []string) error {
      log.SetFlags(log.Ltime)
      kagane.Transport(func(req *http.Request) string {
         if verbose || path.Ext(req.URL.Path) == "" {
            return "LP"
         }
         return "P"
      })
      config.KeyTTL = keyTtl
      pipeline, err := kagane.NewPipeline(&config)
      if err != nil {
         return err
      }
      assets := []kagane.Asset{
         {Series: seriesId, Chapter: chapterId, Pages: pages},
      }
      ctx := cmd.Context()
      return pipeline.Run(ctx, assets)
   },
}

func init() {
   // .env is optional; real env wins either way.
   godotenv.Load()

   flags := rootCmd.Flags()
   flags.StringVar(&seriesId, "series", "", "series ID")
   flags.StringVar(&chapterId, "chapter", "", "chapter ID")
   flags.IntVar(&pages, "pages", 0, "page count for the chapter")
   flags.StringVar(&config.DevicePath, "wvd", os.Getenv(kagane.DeviceCredentialEnv), "device credential path (*.wvd)")
   flags.StringVar(&config.ApiUrl, "api", "https://api.kagane.org", "service API base URL")
   flags.StringVar(&config.Origin, "origin", "https://kagane.org", "Origin/Referer to present")
   flags.StringVar(&config.LicenseUrl, "license", "", "license server URL")
   flags.StringVar(&config.OutDir, "out", ".", "output directory")
   flags.IntVar(&config.Threads, "threads", 1, "assets to process in parallel")
   flags.DurationVar(&keyTtl, "key-ttl", 0, "trust window for licenses without an expiry (0 = default)")
   flags.BoolVar(&verbose, "verbose", false, "log every request")
   rootCmd.MarkFlagRequired("series")
   rootCmd.MarkFlagRequired("chapter")
   rootCmd.MarkFlagRequired("pages")
}

func main() {
   if err := rootCmd.Execute(); err != nil {
      log.Fatal(err)
   }
}
