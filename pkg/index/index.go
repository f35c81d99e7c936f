// Package index stores one metadata row per (identifier, variant) pair.
//
// Rows are wide-column entities: a partition key, a row key, free-form
// properties, and bookkeeping fields assigned by the store. Bookkeeping
// fields are visible to callers of this package only; domain-facing views
// are built by projecting Properties.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Internal field names. None of them may appear in a projected record.
const (
	FieldPartitionKey = "PartitionKey"
	FieldRowKey       = "RowKey"
	FieldTimestamp    = "Timestamp"
	FieldETag         = "ETag"
	FieldSequence     = "Sequence"
)

// Property columns written by the orchestrators.
const (
	PropFileName         = "file_name"
	PropOriginalFileName = "original_file_name"
	PropContentType      = "content_type"
	PropExtension        = "extension"
	PropFileSize         = "file_size"
	PropCreatedOn        = "created_on"
	PropQuality          = "quality"
	PropWidth            = "width"
	PropHeight           = "height"
)

// InternalFields lists every bookkeeping field name.
func InternalFields() []string {
	return []string{FieldPartitionKey, FieldRowKey, FieldTimestamp, FieldETag, FieldSequence}
}

// Entity is a raw index row.
type Entity struct {
	PartitionKey string
	RowKey       string
	// ETag, Sequence and Timestamp are assigned by the store on Upsert.
	ETag       string
	Sequence   uint64
	Timestamp  time.Time
	Properties map[string]any
}

// Filter narrows a Query. Empty fields match everything.
type Filter struct {
	PartitionKey string
	RowKey       string
	// Properties match when the stored value formats to the given string.
	Properties map[string]string
}

// Store is the metadata index contract.
type Store interface {
	// Upsert inserts or replaces the row addressed by PartitionKey and RowKey.
	Upsert(ctx context.Context, e Entity) (Entity, error)
	Query(ctx context.Context, f Filter) ([]Entity, error)
}

// Matches reports whether e satisfies f.
func (f Filter) Matches(e Entity) bool {
	if f.PartitionKey != "" && f.PartitionKey != e.PartitionKey {
		return false
	}
	if f.RowKey != "" && f.RowKey != e.RowKey {
		return false
	}
	for k, want := range f.Properties {
		v, ok := e.Properties[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// encodeProperties produces the stored form of props. Both stores keep
// properties in this form so reads return identical value types.
func encodeProperties(props map[string]any) ([]byte, error) {
	if props == nil {
		props = map[string]any{}
	}
	return json.Marshal(props)
}

func decodeProperties(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var props map[string]any
	if err := dec.Decode(&props); err != nil {
		return nil, err
	}
	for k, v := range props {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				props[k] = i
			} else if f, err := n.Float64(); err == nil {
				props[k] = f
			}
		}
	}
	if props == nil {
		props = map[string]any{}
	}
	return props, nil
}
