package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/xgimage/pkg/imaging"
	"github.com/jacktea/xgimage/pkg/server/httpapi"
	"github.com/jacktea/xgimage/pkg/server/middleware"
	"github.com/jacktea/xgimage/pkg/worker"
)

func newServeHTTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-http",
		Short: "Serve the image API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeHTTP(cmd)
		},
	}
	flags := cmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.Int("rate-limit", 0, "requests allowed per window and client (0 disables)")
	flags.Duration("rate-window", time.Second, "rate limit window")
	flags.Int64("max-upload", 32<<20, "largest accepted upload in bytes")
	flags.Duration("cache-max-age", 24*time.Hour, "Cache-Control max-age on served images")
	flags.Bool("with-worker", false, "run the precompute worker in the same process")
	flags.Int("concurrency", 4, "variants computed in parallel by the in-process worker")
	bindConfig("serve_http.addr", flags.Lookup("addr"))
	bindConfig("serve_http.rate_limit", flags.Lookup("rate-limit"))
	bindConfig("serve_http.rate_window", flags.Lookup("rate-window"))
	bindConfig("serve_http.max_upload", flags.Lookup("max-upload"))
	bindConfig("serve_http.cache_max_age", flags.Lookup("cache-max-age"))
	bindConfig("serve_http.with_worker", flags.Lookup("with-worker"))
	bindConfig("serve_http.concurrency", flags.Lookup("concurrency"))
	return cmd
}

func runServeHTTP(cmd *cobra.Command) error {
	a := application
	srv := &httpapi.Server{
		Images:  a.images,
		Content: a.content,
		Naming:  a.naming,
		Log:     a.log,
		Opts: httpapi.Options{
			RateLimit: middleware.RateLimitOptions{
				Requests: viper.GetInt("serve_http.rate_limit"),
				Window:   viper.GetDuration("serve_http.rate_window"),
				Key:      middleware.ClientIP,
			},
			MaxUploadBytes: viper.GetInt64("serve_http.max_upload"),
			CacheMaxAge:    viper.GetDuration("serve_http.cache_max_age"),
		},
	}
	var p *worker.Processor
	if viper.GetBool("serve_http.with_worker") {
		var err error
		if p, err = a.processor(viper.GetInt("serve_http.concurrency"), 0); err != nil {
			return err
		}
	}
	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return srv.Start(ctx, viper.GetString("serve_http.addr"))
	})
	if p != nil {
		g.Go(func() error { return p.Run(ctx) })
	}
	return g.Wait()
}

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Precompute configured versions for queued uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := application.processor(viper.GetInt("worker.concurrency"), viper.GetDuration("worker.poll"))
			if err != nil {
				return err
			}
			if viper.GetBool("worker.once") {
				n, err := p.Drain(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d jobs\n", n)
				return err
			}
			return p.Run(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.Int("concurrency", 4, "variants computed in parallel per job")
	flags.Duration("poll", time.Second, "wait between polls of an empty queue")
	flags.Bool("once", false, "process queued jobs and exit")
	bindConfig("worker.concurrency", flags.Lookup("concurrency"))
	bindConfig("worker.poll", flags.Lookup("poll"))
	bindConfig("worker.once", flags.Lookup("once"))
	return cmd
}

func (a *app) processor(concurrency int, poll time.Duration) (*worker.Processor, error) {
	return worker.New(worker.Options{
		Consumer:     a.queue,
		Variants:     a.images,
		Naming:       a.naming,
		Concurrency:  concurrency,
		PollInterval: poll,
		Logger:       a.log.With().Str("component", "worker").Logger(),
	})
}

func newIngestCmd() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Store an image and queue its versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ct := contentType
			if ct == "" {
				ct = detectContentType(args[0], data)
			}
			res, err := application.images.Ingest(cmd.Context(), data, ct, filepath.Base(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "media type (detected when empty)")
	return cmd
}

func detectContentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

func newResizeCmd() *cobra.Command {
	var (
		req imaging.VariantRequest
		out string
	)
	cmd := &cobra.Command{
		Use:   "resize <file-name|identifier>",
		Short: "Fetch or compute a resized variant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Source = args[0]
			v, err := application.images.GetVariant(cmd.Context(), req)
			if err != nil {
				return err
			}
			if v.CacheErr != nil {
				application.log.Warn().Err(v.CacheErr).Str("key", v.Key).Msg("variant not cached")
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(v.Data)
				return err
			}
			if err := os.WriteFile(out, v.Data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s cached=%t -> %s\n", v.Key, v.Cached, out)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&req.Width, "width", 0, "target width (0 keeps aspect ratio)")
	flags.IntVar(&req.Height, "height", 0, "target height (0 keeps aspect ratio)")
	flags.StringVar(&req.Format, "format", "", "output format")
	flags.IntVar(&req.Quality, "quality", 0, "output quality (0 uses the default)")
	flags.BoolVar(&req.UseCache, "cache", true, "read and fill the variant cache")
	flags.StringVarP(&out, "out", "o", "", "output file (stdout when empty)")
	return cmd
}

func newQueryCmd() *cobra.Command {
	var f imaging.QueryFilter
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List index records",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := application.images.Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.Identifier, "identifier", "", "asset identifier")
	flags.StringVar(&f.Variant, "variant", "", "variant key, e.g. original")
	flags.StringVar(&f.FileName, "file", "", "storage key")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
