// Package codec decodes, resizes and re-encodes images.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrDimensions is returned when neither target dimension is positive.
	ErrDimensions = errors.New("codec: width or height must be positive")
	// ErrTooLarge is returned when the source or the fitted output exceeds
	// the configured Limits.
	ErrTooLarge = errors.New("codec: image exceeds size limits")
)

// Limits bound the work a single Resize may do. Zero fields are unbounded.
type Limits struct {
	// MaxDimension caps each side of the output after aspect fitting.
	MaxDimension int
	// MaxPixels caps width*height of the decoded source.
	MaxPixels int64
}

// Codec is the image transform contract used by the orchestrators.
type Codec interface {
	ResolveFormat(name string, quality int) Format
	Resize(data []byte, width, height int, f Format) ([]byte, error)
	Dimensions(data []byte) (int, int, error)
}

// Imaging implements Codec with the standard image packages and
// golang.org/x/image.
type Imaging struct {
	formats FormatTable
	scaler  draw.Scaler
	limits  Limits
}

// NewImaging returns a codec producing the formats in table.
func NewImaging(table FormatTable) *Imaging {
	return &Imaging{formats: table, scaler: draw.CatmullRom}
}

// WithLimits returns a copy of c that enforces l.
func (c *Imaging) WithLimits(l Limits) *Imaging {
	cp := *c
	cp.limits = l
	return &cp
}

func (c *Imaging) ResolveFormat(name string, quality int) Format {
	return c.formats.Resolve(name, quality)
}

func (c *Imaging) Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("codec: decode config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// Resize scales data to width x height and encodes it as f. A zero
// dimension is derived from the other one, keeping the aspect ratio.
func (c *Imaging) Resize(data []byte, width, height int, f Format) ([]byte, error) {
	if width < 0 || height < 0 || (width == 0 && height == 0) {
		return nil, ErrDimensions
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: decode config: %w", err)
	}
	if limit := c.limits.MaxPixels; limit > 0 && int64(cfg.Width)*int64(cfg.Height) > limit {
		return nil, fmt.Errorf("%w: source %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}
	width, height = FitDimensions(cfg.Width, cfg.Height, width, height)
	if limit := c.limits.MaxDimension; limit > 0 && (width > limit || height > limit) {
		return nil, fmt.Errorf("%w: output %dx%d", ErrTooLarge, width, height)
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	c.scaler.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	var buf bytes.Buffer
	if err := encode(&buf, dst, f); err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", f.Tag, err)
	}
	return buf.Bytes(), nil
}

// FitDimensions derives a zero target side from the source aspect ratio.
// Both results are at least 1.
func FitDimensions(srcW, srcH, width, height int) (int, int) {
	switch {
	case width == 0 && srcH > 0:
		width = int(math.Round(float64(srcW) * float64(height) / float64(srcH)))
	case height == 0 && srcW > 0:
		height = int(math.Round(float64(srcH) * float64(width) / float64(srcW)))
	}
	return max(width, 1), max(height, 1)
}

func encode(buf *bytes.Buffer, img image.Image, f Format) error {
	switch f.Tag {
	case TagJPEG:
		return jpeg.Encode(buf, img, &jpeg.Options{Quality: f.Quality})
	case TagPNG:
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		if f.Quality < 50 {
			enc.CompressionLevel = png.BestCompression
		}
		return enc.Encode(buf, img)
	case TagGIF:
		return gif.Encode(buf, img, &gif.Options{NumColors: 256})
	case TagBMP:
		return bmp.Encode(buf, img)
	case TagTIFF:
		return tiff.Encode(buf, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unsupported format %v", f.Tag)
	}
}
