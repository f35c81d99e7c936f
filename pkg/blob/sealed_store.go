package blob

import (
	"context"

	"github.com/jacktea/xgimage/pkg/encryption"
	"github.com/jacktea/xgimage/pkg/xerrors"
)

// SealedStore encrypts blobs before handing them to the wrapped store. The
// storage key is bound as additional data, so a blob copied under another
// key fails to open.
type SealedStore struct {
	next Store
	opts encryption.Options
}

// NewSealedStore validates opts and wraps next.
func NewSealedStore(next Store, opts encryption.Options) (*SealedStore, error) {
	if next == nil {
		return nil, xerrors.E(xerrors.KindInvalidInput, "SealedStore", "store")
	}
	if err := opts.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalidInput, "SealedStore", "", err)
	}
	return &SealedStore{next: next, opts: opts}, nil
}

func (s *SealedStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	sealed, err := encryption.Seal(data, []byte(key), s.opts)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "SealedStore.Put", key, err)
	}
	return s.next.Put(ctx, key, sealed, contentType)
}

func (s *SealedStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := encryption.Open(sealed, []byte(key), s.opts)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "SealedStore.Get", key, err)
	}
	return plain, nil
}

func (s *SealedStore) Delete(ctx context.Context, key string) error {
	return s.next.Delete(ctx, key)
}

func (s *SealedStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.next.Exists(ctx, key)
}
