package imaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jacktea/xgimage/pkg/blob"
	"github.com/jacktea/xgimage/pkg/codec"
	"github.com/jacktea/xgimage/pkg/index"
	"github.com/jacktea/xgimage/pkg/queue"
)

// countingCodec produces deterministic bytes and counts resize calls.
type countingCodec struct {
	resizes atomic.Int32
	fail    error
	// srcW and srcH, when set, are reported for every source.
	srcW, srcH int
}

func (c *countingCodec) ResolveFormat(name string, quality int) codec.Format {
	return codec.DefaultFormats().Resolve(name, quality)
}

func (c *countingCodec) Resize(data []byte, w, h int, f codec.Format) ([]byte, error) {
	c.resizes.Add(1)
	if c.fail != nil {
		return nil, c.fail
	}
	return []byte(fmt.Sprintf("%s|%dx%d|%s|%d", data, w, h, f.Extension, f.Quality)), nil
}

func (c *countingCodec) Dimensions(data []byte) (int, int, error) {
	if c.srcW > 0 {
		return c.srcW, c.srcH, nil
	}
	if strings.HasPrefix(string(data), "img:") {
		return 640, 480, nil
	}
	return 0, 0, errors.New("unknown format")
}

// flakyStore fails puts whose key matches failPut.
type flakyStore struct {
	*blob.MemoryStore
	failPut func(key string) bool
	getErr  error
	puts    atomic.Int32
	gets    atomic.Int32
}

func (f *flakyStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	f.puts.Add(1)
	if f.failPut != nil && f.failPut(key) {
		return errors.New("disk full")
	}
	return f.MemoryStore.Put(ctx, key, data, contentType)
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.gets.Add(1)
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.MemoryStore.Get(ctx, key)
}

type failingIndex struct {
	*index.MemoryStore
	err error
}

func (f failingIndex) Upsert(ctx context.Context, e index.Entity) (index.Entity, error) {
	return index.Entity{}, f.err
}

type unreachableIndex struct {
	*index.MemoryStore
	err error
}

func (u unreachableIndex) Query(context.Context, index.Filter) ([]index.Entity, error) {
	return nil, u.err
}

type failingQueue struct{ err error }

func (f failingQueue) Publish(context.Context, queue.Job) error { return f.err }

type fixture struct {
	svc     *Service
	content *flakyStore
	index   *index.MemoryStore
	queue   *queue.MemoryQueue
	codec   *countingCodec
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		content: &flakyStore{MemoryStore: blob.NewMemoryStore()},
		index:   index.NewMemoryStore(),
		queue:   queue.NewMemoryQueue(),
		codec:   &countingCodec{},
	}
	opts := Options{
		Content: f.content,
		Index:   f.index,
		Queue:   f.queue,
		Codec:   f.codec,
		Now:     func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := New(opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	return f
}

func sequentialIDs(ids ...string) func() string {
	var mu sync.Mutex
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}
}
