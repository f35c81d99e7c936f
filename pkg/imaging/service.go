// Package imaging coordinates the content store, the metadata index, the
// job queue and the codec. It exposes three operations: Ingest stores an
// upload, GetVariant serves a derived image from cache or computes it, and
// Query lists index records.
//
// The service holds no mutable state. Concurrent requests for the same
// variant may both compute and overwrite; the storage key is a pure function
// of the parameters so every writer stores the same result.
package imaging

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jacktea/xgimage/pkg/blob"
	"github.com/jacktea/xgimage/pkg/codec"
	"github.com/jacktea/xgimage/pkg/index"
	"github.com/jacktea/xgimage/pkg/naming"
	"github.com/jacktea/xgimage/pkg/queue"
)

const (
	// DefaultQuality fills requests that leave quality unset.
	DefaultQuality = 85
	// DefaultMaxDimension bounds requested widths and heights.
	DefaultMaxDimension = 10000

	timeLayout = time.RFC3339Nano
)

// Version is a named variant precomputed for every upload.
type Version struct {
	Name    string
	Format  string
	Quality int
	Width   int
	Height  int
}

// Options enumerates every collaborator and tunable of a Service.
type Options struct {
	Content blob.Store
	Index   index.Store
	Queue   queue.Publisher
	Codec   codec.Codec
	Naming  naming.Scheme

	Versions       []Version
	DefaultQuality int
	MaxDimension   int

	Logger zerolog.Logger
	Now    func() time.Time
	// NewID mints asset identifiers. The result must not contain "_".
	NewID func() string
}

// Service implements ingestion, variant orchestration and query projection.
type Service struct {
	opts Options
}

// New validates opts and fills defaults.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Content == nil:
		return nil, fmt.Errorf("imaging: content store is required")
	case opts.Index == nil:
		return nil, fmt.Errorf("imaging: index is required")
	case opts.Queue == nil:
		return nil, fmt.Errorf("imaging: queue is required")
	case opts.Codec == nil:
		return nil, fmt.Errorf("imaging: codec is required")
	}
	if opts.DefaultQuality <= 0 || opts.DefaultQuality > 100 {
		opts.DefaultQuality = DefaultQuality
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = DefaultMaxDimension
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = NewIdentifier
	}
	for _, v := range opts.Versions {
		if v.Width < 0 || v.Height < 0 || (v.Width == 0 && v.Height == 0) {
			return nil, fmt.Errorf("imaging: version %q needs a positive width or height", v.Name)
		}
	}
	opts.Versions = append([]Version(nil), opts.Versions...)
	return &Service{opts: opts}, nil
}

// Naming returns the scheme the service derives keys with.
func (s *Service) Naming() naming.Scheme { return s.opts.Naming }

// NewIdentifier returns a random 32-character hex identifier.
func NewIdentifier() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// resolve fills defaults and derives the variant and storage keys.
func (s *Service) resolve(identifier, format string, quality, width, height int) (codec.Format, string, string) {
	if quality <= 0 {
		quality = s.opts.DefaultQuality
	}
	f := s.opts.Codec.ResolveFormat(format, quality)
	variant := s.opts.Naming.VariantKey(f.Extension, f.Quality, width, height)
	return f, variant, s.opts.Naming.StorageKey(identifier, variant, f.Extension)
}
