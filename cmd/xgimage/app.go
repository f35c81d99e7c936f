package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/jacktea/xgimage/pkg/blob"
	"github.com/jacktea/xgimage/pkg/codec"
	"github.com/jacktea/xgimage/pkg/encryption"
	"github.com/jacktea/xgimage/pkg/imaging"
	"github.com/jacktea/xgimage/pkg/index"
	"github.com/jacktea/xgimage/pkg/logging"
	"github.com/jacktea/xgimage/pkg/naming"
	"github.com/jacktea/xgimage/pkg/queue"
)

type storageOptions struct {
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
}

type config struct {
	LogLevel  string
	LogFormat string

	Root      string
	Namespace string
	Encrypt   bool
	Key       string

	Provider string
	Storage  storageOptions

	HybridProvider  string
	Hybrid          storageOptions
	HybridMirror    bool
	HybridCacheRead bool

	IndexProvider string
	IndexPath     string

	QueueProvider   string
	QueueVisibility time.Duration
	Redis           queue.RedisOptions

	DefaultFormat  string
	Formats        []string
	DefaultQuality int
	MaxDimension   int
	MaxPixels      int64
	Versions       []string
}

func loadConfig() (config, error) {
	cfg := config{
		LogLevel:  viper.GetString("log_level"),
		LogFormat: viper.GetString("log_format"),
		Root:      viper.GetString("root"),
		Namespace: viper.GetString("namespace"),
		Encrypt:   viper.GetBool("encrypt"),
		Key:       viper.GetString("key"),
		Provider:  strings.ToLower(viper.GetString("storage_provider")),
		Storage: storageOptions{
			Endpoint:     viper.GetString("storage_endpoint"),
			Bucket:       viper.GetString("storage_bucket"),
			Region:       viper.GetString("storage_region"),
			AccessKey:    viper.GetString("storage_access_key"),
			SecretKey:    viper.GetString("storage_secret_key"),
			SessionToken: viper.GetString("storage_session_token"),
		},
		HybridProvider: strings.ToLower(viper.GetString("hybrid_provider")),
		Hybrid: storageOptions{
			Endpoint:     viper.GetString("hybrid_endpoint"),
			Bucket:       viper.GetString("hybrid_bucket"),
			Region:       viper.GetString("hybrid_region"),
			AccessKey:    viper.GetString("hybrid_access_key"),
			SecretKey:    viper.GetString("hybrid_secret_key"),
			SessionToken: viper.GetString("hybrid_session_token"),
		},
		HybridMirror:    viper.GetBool("hybrid_mirror"),
		HybridCacheRead: viper.GetBool("hybrid_cache_read"),
		IndexProvider:   strings.ToLower(viper.GetString("index_provider")),
		IndexPath:       viper.GetString("index_path"),
		QueueProvider:   strings.ToLower(viper.GetString("queue_provider")),
		QueueVisibility: viper.GetDuration("queue_visibility"),
		Redis: queue.RedisOptions{
			Addr:     viper.GetString("redis_addr"),
			Password: viper.GetString("redis_password"),
			DB:       viper.GetInt("redis_db"),
			Key:      viper.GetString("redis_key"),
		},
		DefaultFormat:  viper.GetString("default_format"),
		Formats:        viper.GetStringSlice("formats"),
		DefaultQuality: viper.GetInt("default_quality"),
		MaxDimension:   viper.GetInt("max_dimension"),
		MaxPixels:      viper.GetInt64("max_source_pixels"),
		Versions:       viper.GetStringSlice("versions"),
	}
	return cfg, nil
}

// app holds the wired components shared by every command.
type app struct {
	cfg     config
	log     zerolog.Logger
	naming  naming.Scheme
	content blob.Store
	index   index.Store
	queue   queue.Queue
	images  *imaging.Service
	closers []func() error
}

func buildApp(ctx context.Context, cfg config) (*app, error) {
	log, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg
	content, err := buildBlobStore(cfg.Provider, cfg.Root, cfg.Namespace, cfg.Storage)
	if err != nil {
		return err
	}
	if cfg.HybridProvider != "" {
		secondary, err := buildBlobStore(cfg.HybridProvider, cfg.Root, cfg.Namespace, cfg.Hybrid)
		if err != nil {
			return fmt.Errorf("hybrid: %w", err)
		}
		content, err = blob.NewHybridStore(content, secondary, blob.HybridOptions{
			MirrorSecondary: cfg.HybridMirror,
			CacheOnRead:     cfg.HybridCacheRead,
			Logger:          a.log.With().Str("component", "hybrid").Logger(),
		})
		if err != nil {
			return err
		}
	}
	if cfg.Encrypt {
		opts, err := encryptionOptions(cfg.Key)
		if err != nil {
			return err
		}
		if content, err = blob.NewSealedStore(content, opts); err != nil {
			return err
		}
	}
	a.content = content

	var bolt *index.BoltStore
	switch cfg.IndexProvider {
	case "", "bolt":
		if dir := filepath.Dir(cfg.IndexPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("index dir: %w", err)
			}
		}
		bolt, err = index.NewBoltStore(index.BoltConfig{Path: cfg.IndexPath})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, bolt.Close)
		a.index = bolt
	case "memory":
		a.index = index.NewMemoryStore()
	default:
		return fmt.Errorf("unknown index provider %q", cfg.IndexProvider)
	}

	switch cfg.QueueProvider {
	case "", "bolt":
		if bolt == nil {
			return fmt.Errorf("bolt queue requires the bolt index provider")
		}
		q, err := queue.NewBoltQueue(bolt.DB(), "", cfg.QueueVisibility)
		if err != nil {
			return err
		}
		a.queue = q
	case "redis":
		q := queue.NewRedisQueue(cfg.Redis)
		if n, err := q.Recover(ctx); err != nil {
			a.log.Warn().Err(err).Msg("redis recover")
		} else if n > 0 {
			a.log.Info().Int("jobs", n).Msg("requeued in-flight jobs")
		}
		a.queue = q
	case "memory":
		a.queue = queue.NewMemoryQueue()
	default:
		return fmt.Errorf("unknown queue provider %q", cfg.QueueProvider)
	}

	table, err := codec.ParseFormatTable(cfg.DefaultFormat, cfg.Formats)
	if err != nil {
		return err
	}
	versions, err := parseVersions(cfg.Versions)
	if err != nil {
		return err
	}
	maxDimension := cfg.MaxDimension
	if maxDimension <= 0 {
		maxDimension = imaging.DefaultMaxDimension
	}
	images := codec.NewImaging(table).WithLimits(codec.Limits{MaxDimension: maxDimension, MaxPixels: cfg.MaxPixels})
	a.naming = naming.Scheme{DefaultExtension: table.Default().String()}
	a.images, err = imaging.New(imaging.Options{
		Content:        a.content,
		Index:          a.index,
		Queue:          a.queue,
		Codec:          images,
		Naming:         a.naming,
		Versions:       versions,
		DefaultQuality: cfg.DefaultQuality,
		MaxDimension:   maxDimension,
		Logger:         a.log,
	})
	return err
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}

func buildBlobStore(provider, root, namespace string, opts storageOptions) (blob.Store, error) {
	switch provider {
	case "", "local":
		return blob.NewPathStore(root, namespace)
	case "memory":
		return blob.NewMemoryStore(), nil
	case "s3":
		if opts.Endpoint == "" || opts.Bucket == "" {
			return nil, fmt.Errorf("s3 provider requires endpoint and bucket")
		}
		if opts.AccessKey == "" || opts.SecretKey == "" {
			return nil, fmt.Errorf("s3 provider requires access and secret keys")
		}
		region := opts.Region
		if region == "" {
			region = "us-east-1"
		}
		return blob.NewS3Store(blob.S3Config{
			RemoteConfig: blob.RemoteConfig{
				Endpoint: opts.Endpoint,
				Bucket:   opts.Bucket,
				Prefix:   namespace,
			},
			Region:       region,
			AccessKey:    opts.AccessKey,
			SecretKey:    opts.SecretKey,
			SessionToken: opts.SessionToken,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", provider)
	}
}

func encryptionOptions(key string) (encryption.Options, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(key))
	if err != nil {
		return encryption.Options{}, fmt.Errorf("encryption key: %w", err)
	}
	opts := encryption.Options{Method: encryption.MethodAES256GCM, Key: raw}
	if err := opts.Validate(); err != nil {
		return encryption.Options{}, err
	}
	return opts, nil
}

// parseVersions reads name=format:quality:WxH entries. Quality may be empty
// to take the service default; width or height may be 0.
func parseVersions(specs []string) ([]imaging.Version, error) {
	var out []imaging.Version
	for _, raw := range specs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		name, rest, ok := strings.Cut(raw, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("version %q: expected name=format:quality:WxH", raw)
		}
		parts := strings.Split(rest, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("version %q: expected name=format:quality:WxH", raw)
		}
		v := imaging.Version{Name: name, Format: parts[0]}
		if parts[1] != "" {
			q, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, fmt.Errorf("version %q: quality: %w", raw, err)
			}
			v.Quality = q
		}
		ws, hs, ok := strings.Cut(strings.ToLower(parts[2]), "x")
		if !ok {
			return nil, fmt.Errorf("version %q: size must be WxH", raw)
		}
		w, err := strconv.Atoi(ws)
		if err != nil {
			return nil, fmt.Errorf("version %q: width: %w", raw, err)
		}
		h, err := strconv.Atoi(hs)
		if err != nil {
			return nil, fmt.Errorf("version %q: height: %w", raw, err)
		}
		if w < 0 || h < 0 || (w == 0 && h == 0) {
			return nil, fmt.Errorf("version %q: needs a positive width or height", raw)
		}
		v.Width, v.Height = w, h
		out = append(out, v)
	}
	return out, nil
}
