package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/xgimage/pkg/xerrors"
)

var bucketEntities = []byte("entities")

// BoltConfig configures the BoltDB-backed index.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
	// Now overrides the write clock; used by tests.
	Now func() time.Time
}

// BoltStore persists entities in BoltDB, one nested bucket per partition.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

type boltRecord struct {
	ETag       string          `json:"etag"`
	Sequence   uint64          `json:"seq"`
	Timestamp  time.Time       `json:"ts"`
	Properties json.RawMessage `json:"props"`
}

// NewBoltStore opens (or creates) the database at cfg.Path.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntities)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltdb: create bucket %s: %w", bucketEntities, err)
	}
	return &BoltStore{cfg: cfg, db: db}, nil
}

// DB exposes the handle so other components can share the file.
func (b *BoltStore) DB() *bolt.DB { return b.db }

// Close releases the database.
func (b *BoltStore) Close() error { return b.db.Close() }

func (b *BoltStore) Upsert(ctx context.Context, e Entity) (Entity, error) {
	if err := validateEntity("BoltStore.Upsert", e); err != nil {
		return Entity{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entity{}, xerrors.Wrap(xerrors.KindStoreUnavailable, "BoltStore.Upsert", e.PartitionKey, err)
	}
	encoded, err := encodeProperties(e.Properties)
	if err != nil {
		return Entity{}, xerrors.Wrap(xerrors.KindInvalidInput, "BoltStore.Upsert", e.RowKey, err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketEntities)
		part, err := root.CreateBucketIfNotExists([]byte(e.PartitionKey))
		if err != nil {
			return err
		}
		seq, err := root.NextSequence()
		if err != nil {
			return err
		}
		rec := boltRecord{
			ETag:       revisionTag(encoded, seq),
			Sequence:   seq,
			Timestamp:  b.cfg.Now().UTC(),
			Properties: encoded,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := part.Put([]byte(e.RowKey), data); err != nil {
			return err
		}
		e.ETag, e.Sequence, e.Timestamp = rec.ETag, rec.Sequence, rec.Timestamp
		return nil
	})
	if err != nil {
		return Entity{}, xerrors.Wrap(xerrors.KindStoreUnavailable, "BoltStore.Upsert", e.PartitionKey+"/"+e.RowKey, err)
	}
	e.Properties, err = decodeProperties(encoded)
	return e, err
}

func (b *BoltStore) Query(ctx context.Context, f Filter) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.KindStoreUnavailable, "BoltStore.Query", f.PartitionKey, err)
	}
	var out []Entity
	err := b.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketEntities)
		if f.PartitionKey != "" {
			part := root.Bucket([]byte(f.PartitionKey))
			if part == nil {
				return nil
			}
			return scanPartition(part, f.PartitionKey, f, &out)
		}
		return root.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			return scanPartition(root.Bucket(k), string(k), f, &out)
		})
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindStoreUnavailable, "BoltStore.Query", f.PartitionKey, err)
	}
	return out, nil
}

func scanPartition(part *bolt.Bucket, partition string, f Filter, out *[]Entity) error {
	visit := func(k, v []byte) error {
		e, err := decodeRecord(partition, k, v)
		if err != nil {
			return err
		}
		if f.Matches(e) {
			*out = append(*out, e)
		}
		return nil
	}
	if f.RowKey != "" {
		v := part.Get([]byte(f.RowKey))
		if v == nil {
			return nil
		}
		return visit([]byte(f.RowKey), v)
	}
	c := part.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := visit(k, v); err != nil {
			return err
		}
	}
	return nil
}

func decodeRecord(partition string, key, value []byte) (Entity, error) {
	var rec boltRecord
	dec := json.NewDecoder(bytes.NewReader(value))
	if err := dec.Decode(&rec); err != nil {
		return Entity{}, fmt.Errorf("boltdb: decode %s/%s: %w", partition, key, err)
	}
	props, err := decodeProperties(rec.Properties)
	if err != nil {
		return Entity{}, fmt.Errorf("boltdb: decode properties %s/%s: %w", partition, key, err)
	}
	return Entity{
		PartitionKey: partition,
		RowKey:       string(key),
		ETag:         rec.ETag,
		Sequence:     rec.Sequence,
		Timestamp:    rec.Timestamp,
		Properties:   props,
	}, nil
}

func validateEntity(op string, e Entity) error {
	if e.PartitionKey == "" {
		return xerrors.E(xerrors.KindInvalidInput, op, "partition key is required")
	}
	if e.RowKey == "" {
		return xerrors.E(xerrors.KindInvalidInput, op, "row key is required")
	}
	return nil
}
