package index

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jacktea/xgimage/pkg/xerrors"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	seq  uint64
	rows map[string]map[string]memoryRow
	now  func() time.Time
}

type memoryRow struct {
	etag    string
	seq     uint64
	ts      time.Time
	encoded []byte
}

// NewMemoryStore returns an empty index.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]map[string]memoryRow), now: time.Now}
}

func (m *MemoryStore) Upsert(ctx context.Context, e Entity) (Entity, error) {
	if err := validateEntity("MemoryStore.Upsert", e); err != nil {
		return Entity{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entity{}, xerrors.Wrap(xerrors.KindStoreUnavailable, "MemoryStore.Upsert", e.PartitionKey, err)
	}
	encoded, err := encodeProperties(e.Properties)
	if err != nil {
		return Entity{}, xerrors.Wrap(xerrors.KindInvalidInput, "MemoryStore.Upsert", e.RowKey, err)
	}
	m.mu.Lock()
	m.seq++
	row := memoryRow{etag: revisionTag(encoded, m.seq), seq: m.seq, ts: m.now().UTC(), encoded: encoded}
	part := m.rows[e.PartitionKey]
	if part == nil {
		part = make(map[string]memoryRow)
		m.rows[e.PartitionKey] = part
	}
	part[e.RowKey] = row
	m.mu.Unlock()
	return row.entity(e.PartitionKey, e.RowKey)
}

func (m *MemoryStore) Query(ctx context.Context, f Filter) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.KindStoreUnavailable, "MemoryStore.Query", f.PartitionKey, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	partitions := make([]string, 0, len(m.rows))
	for pk := range m.rows {
		if f.PartitionKey == "" || f.PartitionKey == pk {
			partitions = append(partitions, pk)
		}
	}
	sort.Strings(partitions)
	var out []Entity
	for _, pk := range partitions {
		rowKeys := make([]string, 0, len(m.rows[pk]))
		for rk := range m.rows[pk] {
			rowKeys = append(rowKeys, rk)
		}
		sort.Strings(rowKeys)
		for _, rk := range rowKeys {
			e, err := m.rows[pk][rk].entity(pk, rk)
			if err != nil {
				return nil, err
			}
			if f.Matches(e) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// Len reports the number of rows.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, part := range m.rows {
		n += len(part)
	}
	return n
}

func (r memoryRow) entity(pk, rk string) (Entity, error) {
	props, err := decodeProperties(r.encoded)
	if err != nil {
		return Entity{}, err
	}
	return Entity{PartitionKey: pk, RowKey: rk, ETag: r.etag, Sequence: r.seq, Timestamp: r.ts, Properties: props}, nil
}
