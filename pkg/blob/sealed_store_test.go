package blob

import (
	"bytes"
	"context"
	"testing"

	"github.com/jacktea/xgimage/pkg/encryption"
	"github.com/jacktea/xgimage/pkg/xerrors"
)

func TestSealedStoreEncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	opts := encryption.Options{Method: encryption.MethodAES256GCM, Key: bytes.Repeat([]byte("k"), 32)}
	store, err := NewSealedStore(inner, opts)
	if err != nil {
		t.Fatalf("new sealed store: %v", err)
	}
	if err := store.Put(ctx, "a_original.png", []byte("secret"), "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	raw, _ := inner.Get(ctx, "a_original.png")
	if len(raw) != len("secret")+encryption.Overhead(opts.Method) || bytes.Contains(raw, []byte("secret")) {
		t.Fatalf("expected sealed payload at rest, got %q", raw)
	}
	plain, err := store.Get(ctx, "a_original.png")
	if err != nil || string(plain) != "secret" {
		t.Fatalf("get: %q %v", plain, err)
	}
}

func TestSealedStoreBindsKey(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	store, _ := NewSealedStore(inner, encryption.Options{Method: encryption.MethodAES256GCM, Key: bytes.Repeat([]byte("z"), 32)})
	_ = store.Put(ctx, "a_original.png", []byte("secret"), "")
	raw, _ := inner.Get(ctx, "a_original.png")
	_ = inner.Put(ctx, "b_original.png", raw, "")
	if _, err := store.Get(ctx, "b_original.png"); !xerrors.Is(err, xerrors.KindInternal) {
		t.Fatalf("expected open failure for moved blob, got %v", err)
	}
	if _, err := store.Get(ctx, "c_original.png"); !xerrors.Is(err, xerrors.KindNotFound) {
		t.Fatalf("expected not found passthrough, got %v", err)
	}
}

func TestNewSealedStoreRejectsBadKey(t *testing.T) {
	_, err := NewSealedStore(NewMemoryStore(), encryption.Options{Method: encryption.MethodAES256GCM, Key: []byte("short")})
	if !xerrors.Is(err, xerrors.KindInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
