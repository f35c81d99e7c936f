package blob

import (
	"context"
	"errors"
	"os"
	"path"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/jacktea/xgimage/pkg/naming"
	"github.com/jacktea/xgimage/pkg/xerrors"
)

// FSStore persists blobs on a billy filesystem under an optional namespace
// directory.
type FSStore struct {
	fs        billy.Filesystem
	namespace string
	naming    naming.Scheme
}

// NewPathStore returns an FSStore rooted at a local directory.
func NewPathStore(root, namespace string) (*FSStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalidInput, "PathStore", "root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindStoreUnavailable, "PathStore.mkdir", root, err)
	}
	return NewFSStore(osfs.New(root), namespace)
}

// NewFSStore wraps an existing filesystem.
func NewFSStore(fs billy.Filesystem, namespace string) (*FSStore, error) {
	if fs == nil {
		return nil, xerrors.E(xerrors.KindInvalidInput, "FSStore", "filesystem")
	}
	return &FSStore{fs: fs, namespace: namespace}, nil
}

func (s *FSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkKey("FSStore.Put", key); err != nil {
		return err
	}
	final := s.pathFor(key)
	dir := path.Dir(final)
	if dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return unavailable("FSStore.mkdir", key, err)
		}
	}
	tmp, err := s.fs.TempFile(dir, "upload-")
	if err != nil {
		return unavailable("FSStore.tempfile", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return unavailable("FSStore.write", key, err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return unavailable("FSStore.close", key, err)
	}
	if err := s.fs.Rename(tmpName, final); err != nil {
		s.fs.Remove(tmpName)
		return unavailable("FSStore.rename", key, err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkKey("FSStore.Get", key); err != nil {
		return nil, err
	}
	data, err := util.ReadFile(s.fs, s.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, xerrors.Wrap(xerrors.KindNotFound, "FSStore.Get", key, err)
		}
		return nil, unavailable("FSStore.Get", key, err)
	}
	return data, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := checkKey("FSStore.Delete", key); err != nil {
		return err
	}
	if err := s.fs.Remove(s.pathFor(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return unavailable("FSStore.Delete", key, err)
	}
	return nil
}

func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkKey("FSStore.Exists", key); err != nil {
		return false, err
	}
	_, err := s.fs.Stat(s.pathFor(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, unavailable("FSStore.Exists", key, err)
}

func (s *FSStore) pathFor(key string) string {
	return s.naming.RelativePath(s.namespace, key)
}
