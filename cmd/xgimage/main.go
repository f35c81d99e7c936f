package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	application *app
	rootCmd     = &cobra.Command{
		Use:           "xgimage",
		Short:         "xgimage image storage and variant service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if application != nil {
				return nil
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			application, err = buildApp(cmd.Context(), cfg)
			return err
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if application != nil {
		application.close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("xgimage")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "xgimage"))
		}
	}
	viper.SetEnvPrefix("XGIMAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("log-level", "info", "log level: trace|debug|info|warn|error")
	flags.String("log-format", "json", "log format: json|console")

	flags.String("root", ".xgimage/blobs", "blob storage root (local provider)")
	flags.String("namespace", "images", "directory or key prefix that holds blobs")
	flags.Bool("encrypt", false, "seal blobs with AES-256-GCM")
	flags.String("key", "", "hex-encoded 32-byte key when encryption enabled")

	flags.String("storage-provider", "local", "storage provider: local|s3|memory")
	flags.String("storage-endpoint", "", "remote storage endpoint")
	flags.String("storage-bucket", "", "remote storage bucket name")
	flags.String("storage-region", "", "region (S3 only)")
	flags.String("storage-access-key", "", "remote storage access key")
	flags.String("storage-secret-key", "", "remote storage secret key")
	flags.String("storage-session-token", "", "remote storage session token (S3)")

	flags.String("hybrid-provider", "", "secondary storage provider for hybrid tier")
	flags.String("hybrid-endpoint", "", "secondary storage endpoint")
	flags.String("hybrid-bucket", "", "secondary storage bucket")
	flags.String("hybrid-region", "", "secondary storage region (S3 only)")
	flags.String("hybrid-access-key", "", "secondary storage access key")
	flags.String("hybrid-secret-key", "", "secondary storage secret key")
	flags.String("hybrid-session-token", "", "secondary storage session token (S3)")
	flags.Bool("hybrid-mirror", true, "mirror writes to the secondary store")
	flags.Bool("hybrid-cache-read", true, "cache secondary reads into the primary store")

	flags.String("index-provider", "bolt", "metadata index: bolt|memory")
	flags.String("index-path", ".xgimage/index.db", "bolt database for the index and bolt queue")

	flags.String("queue-provider", "bolt", "job queue: bolt|redis|memory")
	flags.Duration("queue-visibility", 5*time.Minute, "lease before an unacked bolt job is redelivered")
	flags.String("redis-addr", "127.0.0.1:6379", "redis address")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database")
	flags.String("redis-key", "xgimage:jobs", "redis list holding pending jobs")

	flags.String("default-format", "jpeg", "format used when a request names none")
	flags.StringSlice("formats", []string{"jpeg", "png", "gif", "bmp", "tiff"}, "formats the codec may produce")
	flags.Int("default-quality", 85, "quality used when a request leaves it unset")
	flags.Int("max-dimension", 10000, "largest accepted width or height, including a side derived from the aspect ratio")
	flags.Int64("max-source-pixels", 100_000_000, "largest source width*height the codec will decode (0 disables)")
	flags.StringSlice("versions", nil, "versions precomputed for every upload, as name=format:quality:WxH")

	for _, name := range []string{
		"log-level", "log-format",
		"root", "namespace", "encrypt", "key",
		"storage-provider", "storage-endpoint", "storage-bucket", "storage-region",
		"storage-access-key", "storage-secret-key", "storage-session-token",
		"hybrid-provider", "hybrid-endpoint", "hybrid-bucket", "hybrid-region",
		"hybrid-access-key", "hybrid-secret-key", "hybrid-session-token",
		"hybrid-mirror", "hybrid-cache-read",
		"index-provider", "index-path",
		"queue-provider", "queue-visibility", "redis-addr", "redis-password", "redis-db", "redis-key",
		"default-format", "formats", "default-quality", "max-dimension", "max-source-pixels", "versions",
	} {
		bindConfig(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}
}

func initCommands() {
	rootCmd.AddCommand(
		newServeHTTPCmd(),
		newWorkerCmd(),
		newIngestCmd(),
		newResizeCmd(),
		newQueryCmd(),
	)
}
