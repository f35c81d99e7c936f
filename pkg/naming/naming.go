// Package naming derives storage keys for originals and their variants.
//
// A storage key has the shape {identifier}_{variant}.{extension}. Variant
// keys for derived images are {format}_{quality}_{width}x{height}; the
// reserved variant "original" names the unmodified upload and can never be
// produced by VariantKey because it contains no "x" separated dimensions.
// Every function here is pure.
package naming

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jacktea/xgimage/pkg/xerrors"
)

const (
	// Original is the variant key reserved for the uploaded bytes.
	Original = "original"
	// DefaultExtension applies when a key or file name carries no extension.
	DefaultExtension = "jpeg"
)

// Scheme holds the naming configuration. The zero value is ready to use.
type Scheme struct {
	DefaultExtension string
}

// Params are the transform parameters encoded in a variant key.
type Params struct {
	Format  string
	Quality int
	Width   int
	Height  int
}

// Template is a storage key with the identifier bound and the variant and
// extension left open.
type Template struct {
	prefix string
}

// Fill completes the template.
func (t Template) Fill(variant, extension string) string {
	return strings.ToLower(t.prefix + variant + "." + extension)
}

// String renders the template with {0} and {1} placeholders.
func (t Template) String() string {
	return t.prefix + "{0}.{1}"
}

// VariantKey names a derived variant.
func (s Scheme) VariantKey(format string, quality, width, height int) string {
	return strings.ToLower(fmt.Sprintf("%s_%d_%dx%d", format, quality, width, height))
}

// StorageKey names the stored blob for identifier and variant.
func (s Scheme) StorageKey(identifier, variant, extension string) string {
	return strings.ToLower(identifier + "_" + variant + "." + extension)
}

// PartialKey binds identifier into a Template.
func (s Scheme) PartialKey(identifier string) Template {
	return Template{prefix: strings.ToLower(identifier) + "_"}
}

// IdentifierFromKey returns everything before the first separator.
func (s Scheme) IdentifierFromKey(key string) (string, error) {
	i := strings.IndexByte(key, '_')
	if i <= 0 {
		return "", xerrors.E(xerrors.KindMalformedKey, "naming.IdentifierFromKey", key)
	}
	return key[:i], nil
}

// VariantFromKey returns the variant segment between the identifier and the
// extension.
func (s Scheme) VariantFromKey(key string) (string, error) {
	i := strings.IndexByte(key, '_')
	if i <= 0 || i == len(key)-1 {
		return "", xerrors.E(xerrors.KindMalformedKey, "naming.VariantFromKey", key)
	}
	rest := key[i+1:]
	if dot := strings.LastIndexByte(rest, '.'); dot >= 0 {
		rest = rest[:dot]
	}
	if rest == "" {
		return "", xerrors.E(xerrors.KindMalformedKey, "naming.VariantFromKey", key)
	}
	return rest, nil
}

// ExtensionFromKey returns the lower-cased suffix after the last dot, or the
// default extension when there is none.
func (s Scheme) ExtensionFromKey(key string) string {
	i := strings.LastIndexByte(key, '.')
	if i < 0 || i == len(key)-1 {
		return s.defaultExtension()
	}
	return strings.ToLower(key[i+1:])
}

// RelativePath joins namespace and key for hierarchical layouts.
func (s Scheme) RelativePath(namespace, key string) string {
	namespace = strings.Trim(namespace, "/")
	if namespace == "" {
		return strings.ToLower(key)
	}
	return strings.ToLower(namespace + "/" + key)
}

// ParseVariantKey reverses VariantKey.
func (s Scheme) ParseVariantKey(variant string) (Params, error) {
	fail := func() (Params, error) {
		return Params{}, xerrors.E(xerrors.KindMalformedKey, "naming.ParseVariantKey", variant)
	}
	parts := strings.Split(variant, "_")
	if len(parts) != 3 || parts[0] == "" {
		return fail()
	}
	quality, err := strconv.Atoi(parts[1])
	if err != nil {
		return fail()
	}
	dims := strings.Split(parts[2], "x")
	if len(dims) != 2 {
		return fail()
	}
	width, err := strconv.Atoi(dims[0])
	if err != nil {
		return fail()
	}
	height, err := strconv.Atoi(dims[1])
	if err != nil {
		return fail()
	}
	return Params{Format: parts[0], Quality: quality, Width: width, Height: height}, nil
}

func (s Scheme) defaultExtension() string {
	if s.DefaultExtension == "" {
		return DefaultExtension
	}
	return strings.ToLower(s.DefaultExtension)
}
