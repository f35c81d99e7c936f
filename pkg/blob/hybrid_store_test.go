package blob

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jacktea/xgimage/pkg/xerrors"
)

func TestHybridStoreMirror(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	secondary := NewMemoryStore()
	store, err := NewHybridStore(primary, secondary, HybridOptions{MirrorSecondary: true})
	if err != nil {
		t.Fatalf("new hybrid: %v", err)
	}
	if err := store.Put(ctx, "a_original.png", []byte("hello"), "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if primary.Len() != 1 || secondary.Len() != 1 {
		t.Fatalf("expected mirrored write, got %d/%d", primary.Len(), secondary.Len())
	}
	if secondary.ContentType("a_original.png") != "image/png" {
		t.Fatalf("expected content type mirrored")
	}
}

func TestHybridStoreCacheOnRead(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	secondary := NewMemoryStore()
	if err := secondary.Put(ctx, "b_original.png", []byte("remote"), "image/png"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store, _ := NewHybridStore(primary, secondary, HybridOptions{CacheOnRead: true})
	data, err := store.Get(ctx, "b_original.png")
	if err != nil || string(data) != "remote" {
		t.Fatalf("get: %q %v", data, err)
	}
	if ok, _ := primary.Exists(ctx, "b_original.png"); !ok {
		t.Fatalf("expected primary filled on read")
	}
}

type failingStore struct {
	*MemoryStore
	err error
}

func (f failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, f.err
}

func TestHybridStoreDoesNotMaskPrimaryOutage(t *testing.T) {
	outage := xerrors.Wrap(xerrors.KindStoreUnavailable, "test", "", errors.New("down"))
	secondary := NewMemoryStore()
	_ = secondary.Put(context.Background(), "c_original.png", []byte("x"), "")
	store, _ := NewHybridStore(failingStore{MemoryStore: NewMemoryStore(), err: outage}, secondary, HybridOptions{})
	if _, err := store.Get(context.Background(), "c_original.png"); !errors.Is(err, outage) {
		t.Fatalf("expected primary outage surfaced, got %v", err)
	}
}

func TestNewHybridStoreRequiresBoth(t *testing.T) {
	if _, err := NewHybridStore(nil, NewMemoryStore(), HybridOptions{}); err == nil {
		t.Fatalf("expected error for nil primary")
	}
	if _, err := NewHybridStore(NewMemoryStore(), nil, HybridOptions{}); err == nil {
		t.Fatalf("expected error for nil secondary")
	}
}

type rejectingStore struct {
	*MemoryStore
}

func (rejectingStore) Put(context.Context, string, []byte, string) error {
	return errors.New("read-only")
}

func TestHybridStoreFillKeepsContentType(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	secondary := NewMemoryStore()
	_ = secondary.Put(ctx, "d_jpeg_80_10x0.jpeg", []byte("v"), "image/jpeg")
	store, _ := NewHybridStore(primary, secondary, HybridOptions{CacheOnRead: true})
	if _, err := store.Get(ctx, "d_jpeg_80_10x0.jpeg"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if ct := primary.ContentType("d_jpeg_80_10x0.jpeg"); ct != "image/jpeg" {
		t.Fatalf("expected image/jpeg on fill, got %q", ct)
	}
}

func TestHybridStoreLogsFailedFill(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	secondary := NewMemoryStore()
	_ = secondary.Put(ctx, "e_original.png", []byte("remote"), "image/png")
	store, _ := NewHybridStore(rejectingStore{NewMemoryStore()}, secondary, HybridOptions{
		CacheOnRead: true,
		Logger:      zerolog.New(&logs),
	})
	data, err := store.Get(ctx, "e_original.png")
	if err != nil || string(data) != "remote" {
		t.Fatalf("fill failure must not fail the read: %q %v", data, err)
	}
	if !strings.Contains(logs.String(), "primary fill failed") || !strings.Contains(logs.String(), "e_original.png") {
		t.Fatalf("expected fill failure logged, got %q", logs.String())
	}
}
