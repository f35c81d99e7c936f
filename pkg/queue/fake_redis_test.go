package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	mu      sync.Mutex
	lists   map[string][]string
	lremErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{lists: make(map[string][]string)}
}

func (f *fakeRedis) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append(f.lists[key], toString(v))
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.lists[source]
	if len(src) == 0 {
		return redis.NewStringResult("", redis.Nil)
	}
	var v string
	if srcpos == "LEFT" {
		v, f.lists[source] = src[0], src[1:]
	} else {
		v, f.lists[source] = src[len(src)-1], src[:len(src)-1]
	}
	if destpos == "LEFT" {
		f.lists[destination] = append([]string{v}, f.lists[destination]...)
	} else {
		f.lists[destination] = append(f.lists[destination], v)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lremErr != nil {
		return redis.NewIntResult(0, f.lremErr)
	}
	want := toString(value)
	list := f.lists[key]
	var removed int64
	out := list[:0]
	for _, v := range list {
		if v == want && (count == 0 || removed < count) {
			removed++
			continue
		}
		out = append(out, v)
	}
	f.lists[key] = out
	return redis.NewIntResult(removed, nil)
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
