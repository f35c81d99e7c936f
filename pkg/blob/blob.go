package blob

import (
	"context"
	"strings"

	"github.com/jacktea/xgimage/pkg/xerrors"
)

// Store persists whole blobs addressed by storage key. Keys are produced by
// the naming package and treated as opaque here. A single Put is atomic per
// key; overwriting a key replaces its content.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns an error of kind xerrors.KindNotFound when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// checkKey rejects keys that could escape a hierarchical layout.
func checkKey(op, key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return xerrors.E(xerrors.KindInvalidInput, op, "key is required")
	case strings.ContainsAny(key, `/\`), strings.Contains(key, ".."):
		return xerrors.E(xerrors.KindInvalidInput, op, key)
	}
	return nil
}

func unavailable(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if k := xerrors.KindOf(err); k != xerrors.KindInternal {
		return err
	}
	return xerrors.Wrap(xerrors.KindStoreUnavailable, op, key, err)
}
