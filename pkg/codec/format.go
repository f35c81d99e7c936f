package codec

import (
	"fmt"
	"strings"
)

// Tag enumerates the encodable image formats.
type Tag int

const (
	TagJPEG Tag = iota + 1
	TagPNG
	TagGIF
	TagBMP
	TagTIFF
)

var tagNames = map[Tag]string{
	TagJPEG: "jpeg",
	TagPNG:  "png",
	TagGIF:  "gif",
	TagBMP:  "bmp",
	TagTIFF: "tiff",
}

var mimeTypes = map[Tag]string{
	TagJPEG: "image/jpeg",
	TagPNG:  "image/png",
	TagGIF:  "image/gif",
	TagBMP:  "image/bmp",
	TagTIFF: "image/tiff",
}

// extensions maps every accepted spelling to its tag.
var extensions = map[string]Tag{
	"jpg":  TagJPEG,
	"jpeg": TagJPEG,
	"jpe":  TagJPEG,
	"jfif": TagJPEG,
	"png":  TagPNG,
	"gif":  TagGIF,
	"bmp":  TagBMP,
	"dib":  TagBMP,
	"tif":  TagTIFF,
	"tiff": TagTIFF,
}

func (t Tag) String() string {
	if n, ok := tagNames[t]; ok {
		return n
	}
	return fmt.Sprintf("tag(%d)", int(t))
}

// ParseTag normalises an extension, format name or MIME type.
func ParseTag(name string) (Tag, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "image/")
	n = strings.TrimPrefix(n, ".")
	t, ok := extensions[n]
	return t, ok
}

// MimeType returns the media type for an extension or format name.
func MimeType(name string) (string, bool) {
	t, ok := ParseTag(name)
	if !ok {
		return "", false
	}
	return mimeTypes[t], true
}

// Format is a resolved output format.
type Format struct {
	Tag       Tag
	Extension string
	MimeType  string
	Quality   int
}

func newFormat(t Tag, quality int) Format {
	if quality <= 0 || quality > 100 {
		quality = 100
	}
	return Format{Tag: t, Extension: tagNames[t], MimeType: mimeTypes[t], Quality: quality}
}

// FormatTable is the set of formats a codec will produce, plus the fallback
// used for blank or unknown names. It is immutable once built.
type FormatTable struct {
	fallback Tag
	enabled  map[Tag]struct{}
}

// NewFormatTable enables tags with fallback as the default. The fallback is
// always enabled.
func NewFormatTable(fallback Tag, tags ...Tag) (FormatTable, error) {
	if _, ok := tagNames[fallback]; !ok {
		return FormatTable{}, fmt.Errorf("codec: unknown default format %v", fallback)
	}
	enabled := map[Tag]struct{}{fallback: {}}
	for _, t := range tags {
		if _, ok := tagNames[t]; !ok {
			return FormatTable{}, fmt.Errorf("codec: unknown format %v", t)
		}
		enabled[t] = struct{}{}
	}
	return FormatTable{fallback: fallback, enabled: enabled}, nil
}

// DefaultFormats enables every format with jpeg as the fallback.
func DefaultFormats() FormatTable {
	t, _ := NewFormatTable(TagJPEG, TagPNG, TagGIF, TagBMP, TagTIFF)
	return t
}

// ParseFormatTable builds a table from names such as "jpeg,png".
func ParseFormatTable(fallback string, names []string) (FormatTable, error) {
	def, ok := ParseTag(fallback)
	if !ok {
		return FormatTable{}, fmt.Errorf("codec: unknown default format %q", fallback)
	}
	tags := make([]Tag, 0, len(names))
	for _, n := range names {
		t, ok := ParseTag(n)
		if !ok {
			return FormatTable{}, fmt.Errorf("codec: unknown format %q", n)
		}
		tags = append(tags, t)
	}
	return NewFormatTable(def, tags...)
}

// Resolve maps a requested name to a Format, falling back to the default
// when the name is blank, unknown, or not enabled.
func (t FormatTable) Resolve(name string, quality int) Format {
	fallback := t.fallback
	if fallback == 0 {
		fallback = TagJPEG
	}
	if tag, ok := ParseTag(name); ok {
		if _, enabled := t.enabled[tag]; enabled {
			return newFormat(tag, quality)
		}
	}
	return newFormat(fallback, quality)
}

// Default returns the fallback format.
func (t FormatTable) Default() Tag {
	if t.fallback == 0 {
		return TagJPEG
	}
	return t.fallback
}
