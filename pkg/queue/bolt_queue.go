package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/xgimage/pkg/xerrors"
)

// DefaultVisibility is how long a received job stays leased before it is
// handed out again.
const DefaultVisibility = 5 * time.Minute

// BoltQueue stores jobs in a BoltDB bucket keyed by sequence number.
type BoltQueue struct {
	db         *bolt.DB
	bucket     []byte
	visibility time.Duration
	now        func() time.Time
}

// NewBoltQueue uses bucket inside db, creating it when missing.
func NewBoltQueue(db *bolt.DB, bucket string, visibility time.Duration) (*BoltQueue, error) {
	if db == nil {
		return nil, fmt.Errorf("boltqueue: db is required")
	}
	if bucket == "" {
		bucket = "jobs"
	}
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	q := &BoltQueue{db: db, bucket: []byte(bucket), visibility: visibility, now: time.Now}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(q.bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("boltqueue: create bucket %s: %w", bucket, err)
	}
	return q, nil
}

func (q *BoltQueue) Publish(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(q.bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(envelope{ID: strconv.FormatUint(seq, 10), Job: job})
		if err != nil {
			return err
		}
		return b.Put(encodeUint64(seq), data)
	})
	return xerrors.Wrap(xerrors.KindStoreUnavailable, "BoltQueue.Publish", job.Identifier, err)
}

// Receive leases the oldest job whose lease is free or expired.
func (q *BoltQueue) Receive(ctx context.Context) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	var (
		d     Delivery
		found bool
	)
	now := q.now()
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(q.bucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("boltqueue: decode %d: %w", decodeUint64(k), err)
			}
			if env.LeaseUntil.After(now) {
				continue
			}
			env.Attempt++
			env.LeaseUntil = now.Add(q.visibility)
			data, err := json.Marshal(env)
			if err != nil {
				return err
			}
			if err := b.Put(append([]byte(nil), k...), data); err != nil {
				return err
			}
			d = Delivery{ID: env.ID, Job: env.Job, Attempt: env.Attempt}
			found = true
			return nil
		}
		return nil
	})
	if err != nil {
		return Delivery{}, xerrors.Wrap(xerrors.KindStoreUnavailable, "BoltQueue.Receive", "", err)
	}
	if !found {
		return Delivery{}, ErrEmpty
	}
	return d, nil
}

// Ack removes a delivered job. Acking an unknown job is a no-op.
func (q *BoltQueue) Ack(ctx context.Context, d Delivery) error {
	seq, err := strconv.ParseUint(d.ID, 10, 64)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInvalidInput, "BoltQueue.Ack", d.ID, err)
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(q.bucket).Delete(encodeUint64(seq))
	})
	return xerrors.Wrap(xerrors.KindStoreUnavailable, "BoltQueue.Ack", d.ID, err)
}

// Len reports the number of unacked jobs.
func (q *BoltQueue) Len() (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(q.bucket).Stats().KeyN
		return nil
	})
	return n, err
}

func encodeUint64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
