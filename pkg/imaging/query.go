package imaging

import (
	"context"
	"strings"

	"github.com/jacktea/xgimage/pkg/index"
)

// Record is a projected index row. It never carries index bookkeeping
// fields.
type Record map[string]any

// Projected field names.
const (
	FieldIdentifier = "identifier"
	FieldVariant    = "variant"
	FieldCreatedOn  = index.PropCreatedOn
)

// QueryFilter narrows Query. Empty fields match everything.
type QueryFilter struct {
	Identifier string
	Variant    string
	FileName   string
}

// Query lists index records matching f.
func (s *Service) Query(ctx context.Context, f QueryFilter) ([]Record, error) {
	filter := index.Filter{
		PartitionKey: strings.ToLower(strings.TrimSpace(f.Identifier)),
		RowKey:       strings.ToLower(strings.TrimSpace(f.Variant)),
	}
	if name := strings.ToLower(strings.TrimSpace(f.FileName)); name != "" {
		filter.Properties = map[string]string{index.PropFileName: name}
		if filter.PartitionKey == "" {
			if id, err := s.opts.Naming.IdentifierFromKey(name); err == nil {
				filter.PartitionKey = id
			}
		}
	}
	rows, err := s.opts.Index.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, project(row))
	}
	return out, nil
}

func project(e index.Entity) Record {
	r := make(Record, len(e.Properties)+3)
	for k, v := range e.Properties {
		r[k] = v
	}
	for _, internal := range index.InternalFields() {
		delete(r, internal)
	}
	r[FieldIdentifier] = e.PartitionKey
	r[FieldVariant] = e.RowKey
	if _, ok := r[FieldCreatedOn]; !ok && !e.Timestamp.IsZero() {
		r[FieldCreatedOn] = e.Timestamp.UTC().Format(timeLayout)
	}
	return r
}
