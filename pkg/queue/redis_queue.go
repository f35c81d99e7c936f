package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jacktea/xgimage/pkg/xerrors"
)

// redisClient is the subset of *redis.Client the queue needs.
type redisClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
}

// RedisQueue keeps pending jobs in a list and moves them to a processing
// list while they are being worked on.
type RedisQueue struct {
	client     redisClient
	pending    string
	processing string
}

// RedisOptions configures a RedisQueue.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// NewRedisQueue dials redis with opts.
func NewRedisQueue(opts RedisOptions) *RedisQueue {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	return newRedisQueue(client, opts.Key)
}

func newRedisQueue(client redisClient, key string) *RedisQueue {
	if key == "" {
		key = "xgimage:jobs"
	}
	return &RedisQueue{client: client, pending: key, processing: key + ":processing"}
}

func (q *RedisQueue) Publish(ctx context.Context, job Job) error {
	data, err := json.Marshal(envelope{ID: uuid.NewString(), Job: job})
	if err != nil {
		return xerrors.Wrap(xerrors.KindInvalidInput, "RedisQueue.Publish", job.Identifier, err)
	}
	if err := q.client.RPush(ctx, q.pending, data).Err(); err != nil {
		return xerrors.Wrap(xerrors.KindStoreUnavailable, "RedisQueue.Publish", job.Identifier, err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context) (Delivery, error) {
	raw, err := q.client.LMove(ctx, q.pending, q.processing, "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, ErrEmpty
	}
	if err != nil {
		return Delivery{}, xerrors.Wrap(xerrors.KindStoreUnavailable, "RedisQueue.Receive", q.pending, err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Unparseable entries would block the processing list forever.
		decodeErr := fmt.Errorf("decode job: %w", err)
		if err := q.client.LRem(ctx, q.processing, 1, raw).Err(); err != nil {
			return Delivery{}, xerrors.Wrap(xerrors.KindStoreUnavailable, "RedisQueue.Receive", q.processing, errors.Join(decodeErr, err))
		}
		return Delivery{}, xerrors.Wrap(xerrors.KindInternal, "RedisQueue.Receive", q.pending, decodeErr)
	}
	return Delivery{ID: raw, Job: env.Job, Attempt: 1}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	if err := q.client.LRem(ctx, q.processing, 1, d.ID).Err(); err != nil {
		return xerrors.Wrap(xerrors.KindStoreUnavailable, "RedisQueue.Ack", q.processing, err)
	}
	return nil
}

// Recover moves every job left in the processing list back to pending. Run
// it before starting consumers after a crash.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "LEFT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, xerrors.Wrap(xerrors.KindStoreUnavailable, "RedisQueue.Recover", q.processing, err)
		}
		n++
	}
}
