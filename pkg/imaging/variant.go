package imaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jacktea/xgimage/pkg/codec"
	"github.com/jacktea/xgimage/pkg/index"
	"github.com/jacktea/xgimage/pkg/naming"
	"github.com/jacktea/xgimage/pkg/xerrors"
)

// VariantRequest asks for Source transformed to the given parameters.
// Source is a storage key, or a bare identifier meaning its original.
type VariantRequest struct {
	Source   string
	Width    int
	Height   int
	Format   string
	Quality  int
	UseCache bool
}

// Variant is a served image.
type Variant struct {
	Data        []byte
	ContentType string
	Key         string
	// Cached reports that Data came from the content store.
	Cached bool
	// CacheErr holds a failed write-through. Data is still valid.
	CacheErr error
}

// GetVariant returns the requested variant, reading the content store
// first when UseCache is set and writing the computed result back on a miss.
func (s *Service) GetVariant(ctx context.Context, req VariantRequest) (Variant, error) {
	if err := s.checkDimensions(req.Width, req.Height); err != nil {
		return Variant{}, err
	}
	source := strings.ToLower(strings.TrimSpace(req.Source))
	if source == "" {
		return Variant{}, xerrors.E(xerrors.KindInvalidInput, "variant", "source is required")
	}
	source, id, err := s.resolveSource(ctx, source)
	if err != nil {
		return Variant{}, err
	}
	format, variant, key := s.resolve(id, req.Format, req.Quality, req.Width, req.Height)
	log := s.opts.Logger.With().Str("key", key).Logger()

	if req.UseCache {
		data, err := s.opts.Content.Get(ctx, key)
		switch {
		case err == nil:
			log.Debug().Msg("variant cache hit")
			return Variant{Data: data, ContentType: format.MimeType, Key: key, Cached: true}, nil
		case xerrors.NotFound(err):
		default:
			log.Warn().Err(err).Msg("variant cache read failed, recomputing")
		}
	}

	original, err := s.opts.Content.Get(ctx, source)
	if err != nil {
		if xerrors.NotFound(err) {
			return Variant{}, xerrors.Wrap(xerrors.KindSourceNotFound, "variant", source, err)
		}
		return Variant{}, storeUnavailable("variant.source", source, err)
	}
	if err := s.checkFitted(original, req.Width, req.Height); err != nil {
		return Variant{}, err
	}
	out, err := s.opts.Codec.Resize(original, req.Width, req.Height, format)
	switch {
	case errors.Is(err, codec.ErrTooLarge), errors.Is(err, codec.ErrDimensions):
		return Variant{}, xerrors.Wrap(xerrors.KindInvalidDimensions, "variant", key, err)
	case err != nil:
		return Variant{}, xerrors.Wrap(xerrors.KindTransformFailed, "variant", key, err)
	}
	v := Variant{Data: out, ContentType: format.MimeType, Key: key}
	if req.UseCache {
		if err := s.fill(ctx, id, variant, key, source, format, req.Width, req.Height, out); err != nil {
			log.Warn().Err(err).Msg("variant computed but not cached")
			v.CacheErr = err
		}
	}
	return v, nil
}

func (s *Service) checkDimensions(width, height int) error {
	switch {
	case width < 0 || height < 0:
		return xerrors.E(xerrors.KindInvalidDimensions, "variant", "width and height must not be negative")
	case width == 0 && height == 0:
		return xerrors.E(xerrors.KindInvalidDimensions, "variant", "width or height is required")
	case width > s.opts.MaxDimension || height > s.opts.MaxDimension:
		return xerrors.E(xerrors.KindInvalidDimensions, "variant", "dimension exceeds limit")
	}
	return nil
}

// checkFitted bounds the side derived from the source aspect ratio when
// only one target dimension is given. Sources the codec cannot measure are
// left to Resize.
func (s *Service) checkFitted(source []byte, width, height int) error {
	if width > 0 && height > 0 {
		return nil
	}
	srcW, srcH, err := s.opts.Codec.Dimensions(source)
	if err != nil {
		return nil
	}
	w, h := codec.FitDimensions(srcW, srcH, width, height)
	if w > s.opts.MaxDimension || h > s.opts.MaxDimension {
		return xerrors.E(xerrors.KindInvalidDimensions, "variant", fmt.Sprintf("fitted size %dx%d exceeds limit", w, h))
	}
	return nil
}

// storeUnavailable classifies an untyped collaborator error.
func storeUnavailable(op, key string, err error) error {
	if xerrors.KindOf(err) != xerrors.KindInternal {
		return err
	}
	return xerrors.Wrap(xerrors.KindStoreUnavailable, op, key, err)
}

// resolveSource returns the source storage key and its identifier. A bare
// identifier is resolved to its original through the index.
func (s *Service) resolveSource(ctx context.Context, source string) (string, string, error) {
	if strings.Contains(source, "_") {
		id, err := s.opts.Naming.IdentifierFromKey(source)
		return source, id, err
	}
	rows, err := s.opts.Index.Query(ctx, index.Filter{PartitionKey: source, RowKey: naming.Original})
	if err != nil {
		return "", "", storeUnavailable("variant.resolve", source, err)
	}
	for _, row := range rows {
		if key, ok := row.Properties[index.PropFileName].(string); ok && key != "" {
			return key, source, nil
		}
	}
	return "", "", xerrors.E(xerrors.KindSourceNotFound, "variant", source)
}

// fill writes the computed variant to the content store and then records
// it in the index.
func (s *Service) fill(ctx context.Context, id, variant, key, source string, format codec.Format, width, height int, data []byte) error {
	if err := s.opts.Content.Put(ctx, key, data, format.MimeType); err != nil {
		return err
	}
	_, err := s.opts.Index.Upsert(ctx, index.Entity{
		PartitionKey: id,
		RowKey:       variant,
		Properties: map[string]any{
			index.PropFileName:         key,
			index.PropOriginalFileName: source,
			index.PropContentType:      format.MimeType,
			index.PropExtension:        format.Extension,
			index.PropFileSize:         int64(len(data)),
			index.PropCreatedOn:        s.opts.Now().UTC().Format(timeLayout),
			index.PropQuality:          format.Quality,
			index.PropWidth:            width,
			index.PropHeight:           height,
		},
	})
	return err
}
