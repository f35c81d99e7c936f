package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jacktea/xgimage/pkg/blob"
	"github.com/jacktea/xgimage/pkg/imaging"
)

func TestBuildBlobStoreLocal(t *testing.T) {
	store, err := buildBlobStore("local", t.TempDir(), "images", storageOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*blob.FSStore); !ok {
		t.Fatalf("expected path store, got %T", store)
	}
}

func TestBuildBlobStoreS3Validation(t *testing.T) {
	if _, err := buildBlobStore("s3", "", "", storageOptions{}); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := buildBlobStore("s3", "", "", storageOptions{Endpoint: "https://s3.example.com", Bucket: "b"}); err == nil {
		t.Fatalf("expected credential error")
	}
}

func TestBuildBlobStoreS3Success(t *testing.T) {
	store, err := buildBlobStore("s3", "", "images", storageOptions{
		Endpoint:  "https://s3.example.com",
		Bucket:    "bucket",
		AccessKey: "ak",
		SecretKey: "sk",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*blob.RemoteStore); !ok {
		t.Fatalf("expected remote store, got %T", store)
	}
}

func TestBuildBlobStoreUnknown(t *testing.T) {
	if _, err := buildBlobStore("ftp", "", "", storageOptions{}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestParseVersions(t *testing.T) {
	got, err := parseVersions([]string{"thumb=jpeg:80:150x0", " ", "square=png::64X64"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []imaging.Version{
		{Name: "thumb", Format: "jpeg", Quality: 80, Width: 150},
		{Name: "square", Format: "png", Width: 64, Height: 64},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d versions, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("version %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestParseVersionsRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"thumb",
		"=jpeg:80:10x10",
		"thumb=jpeg:80",
		"thumb=jpeg:high:10x10",
		"thumb=jpeg:80:10",
		"thumb=jpeg:80:axb",
		"thumb=jpeg:80:0x0",
		"thumb=jpeg:80:-1x10",
	} {
		if _, err := parseVersions([]string{raw}); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestEncryptionOptions(t *testing.T) {
	if _, err := encryptionOptions(strings.Repeat("ab", 32)); err != nil {
		t.Fatalf("valid key: %v", err)
	}
	if _, err := encryptionOptions("abcd"); err == nil {
		t.Fatalf("expected short key error")
	}
	if _, err := encryptionOptions("zz"); err == nil {
		t.Fatalf("expected hex error")
	}
}

func TestBuildAppRejectsBoltQueueWithoutBoltIndex(t *testing.T) {
	cfg := testConfig(t)
	cfg.IndexProvider = "memory"
	if _, err := buildApp(context.Background(), cfg); err == nil {
		t.Fatalf("expected provider mismatch error")
	}
}

func TestBuildAppEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Encrypt = true
	cfg.Key = strings.Repeat("01", 32)
	a, err := buildApp(ctx, cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.close()

	res, err := a.images.Ingest(ctx, testPNG(t, 40, 20), "image/png", "photo.png")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	p, err := a.processor(2, 0)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	n, err := p.Drain(ctx)
	if err != nil || n != 1 {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
	records, err := a.images.Query(ctx, imaging.QueryFilter{Identifier: res.Identifier})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected original and thumb records, got %d: %v", len(records), records)
	}
	want := res.Identifier + "_jpeg_80_20x0.jpeg"
	v, err := a.images.GetVariant(ctx, imaging.VariantRequest{Source: res.OriginalKey, Width: 20, Format: "jpeg", Quality: 80, UseCache: true})
	if err != nil {
		t.Fatalf("variant: %v", err)
	}
	if v.Key != want || !v.Cached {
		t.Fatalf("expected cached %s, got %s cached=%t", want, v.Key, v.Cached)
	}
}

func testConfig(t *testing.T) config {
	t.Helper()
	dir := t.TempDir()
	return config{
		LogLevel:       "error",
		Root:           filepath.Join(dir, "blobs"),
		Namespace:      "images",
		Provider:       "local",
		IndexProvider:  "bolt",
		IndexPath:      filepath.Join(dir, "db", "index.db"),
		QueueProvider:  "bolt",
		DefaultFormat:  "jpeg",
		Formats:        []string{"jpeg", "png"},
		DefaultQuality: 85,
		MaxDimension:   1000,
		Versions:       []string{"thumb=jpeg:80:20x0"},
	}
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 9), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}
