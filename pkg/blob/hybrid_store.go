package blob

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jacktea/xgimage/pkg/codec"
	"github.com/jacktea/xgimage/pkg/naming"
	"github.com/jacktea/xgimage/pkg/xerrors"
)

// HybridOptions control hybrid store behaviour.
type HybridOptions struct {
	MirrorSecondary bool // if true, writes are mirrored to secondary
	CacheOnRead     bool // if true, secondary hits are copied into primary
	// Logger receives read-fill failures, which never fail the Get.
	Logger zerolog.Logger
}

// HybridStore layers a primary (usually local) store over a secondary
// backend.
type HybridStore struct {
	primary   Store
	secondary Store
	opts      HybridOptions
}

// NewHybridStore composes primary and secondary blob stores.
func NewHybridStore(primary, secondary Store, opts HybridOptions) (*HybridStore, error) {
	if primary == nil {
		return nil, fmt.Errorf("hybrid: primary store required")
	}
	if secondary == nil {
		return nil, fmt.Errorf("hybrid: secondary store required")
	}
	return &HybridStore{primary: primary, secondary: secondary, opts: opts}, nil
}

// Put writes to primary and, when mirroring, to secondary. The write is
// acknowledged only once every target accepted it.
func (h *HybridStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := h.primary.Put(ctx, key, data, contentType); err != nil {
		return err
	}
	if h.opts.MirrorSecondary {
		return h.secondary.Put(ctx, key, data, contentType)
	}
	return nil
}

// Get reads primary first and falls back to secondary on NotFound.
func (h *HybridStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := h.primary.Get(ctx, key)
	if err == nil {
		return data, nil
	}
	if !xerrors.Is(err, xerrors.KindNotFound) {
		return nil, err
	}
	data, err = h.secondary.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if h.opts.CacheOnRead {
		if err := h.primary.Put(ctx, key, data, fillContentType(key)); err != nil {
			h.opts.Logger.Warn().Err(err).Str("key", key).Msg("hybrid: primary fill failed")
		}
	}
	return data, nil
}

func (h *HybridStore) Delete(ctx context.Context, key string) error {
	primaryErr := h.primary.Delete(ctx, key)
	if err := h.secondary.Delete(ctx, key); err != nil && primaryErr == nil {
		primaryErr = err
	}
	return primaryErr
}

func (h *HybridStore) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := h.primary.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return h.secondary.Exists(ctx, key)
}

// fillContentType recovers the media type from the key extension, since
// Store.Get does not return it.
func fillContentType(key string) string {
	if ct, ok := codec.MimeType(naming.Scheme{}.ExtensionFromKey(key)); ok {
		return ct
	}
	return ""
}
