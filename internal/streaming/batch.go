package streaming

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Record is one row destined for the target table: a flat mapping of column
// name to value. Variant columns carry arbitrary JSON-marshalable values.
type Record map[string]any

// Schema is the set of column names the target table accepts. Records using
// any other column are rejected locally before a byte goes on the wire.
type Schema struct {
	columns map[string]struct{}
	names   []string
}

// NewSchema builds a Schema from the declared column names.
func NewSchema(columns ...string) Schema {
	s := Schema{columns: make(map[string]struct{}, len(columns))}
	for _, c := range columns {
		if _, dup := s.columns[c]; dup {
			continue
		}
		s.columns[c] = struct{}{}
		s.names = append(s.names, c)
	}
	return s
}

// Columns returns the declared column names in declaration order.
func (s Schema) Columns() []string { return s.names }

func (s Schema) validate(idx int, rec Record) error {
	for col := range rec {
		if _, ok := s.columns[col]; !ok {
			return newError(ClassSchema, "batch.build",
				fmt.Sprintf("record %d uses unknown column %q", idx, col))
		}
	}
	return nil
}

// Batch is an ordered group of records encoded once at build time. It is
// immutable: a batch is submitted as-is and either fully accepted or fully
// retried.
type Batch struct {
	records []Record
	payload []byte
}

// BuildBatch validates every record against the schema and encodes the batch
// as newline-delimited JSON, one row per line, in the given order. Row order
// is significant: the server advances the continuation token per row in
// submission order.
func BuildBatch(schema Schema, records []Record) (*Batch, error) {
	const op = "batch.build"
	if len(records) == 0 {
		return nil, newError(ClassSchema, op, "batch has no records")
	}

	var buf bytes.Buffer
	for i, rec := range records {
		if err := schema.validate(i, rec); err != nil {
			return nil, err
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, wrapError(ClassSchema, op, fmt.Errorf("encode record %d: %w", i, err))
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	return &Batch{records: records, payload: buf.Bytes()}, nil
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int { return len(b.records) }

// Size returns the encoded payload size in bytes.
func (b *Batch) Size() int { return len(b.payload) }

// Payload returns the encoded NDJSON body. Callers must not mutate it.
func (b *Batch) Payload() []byte { return b.payload }

// SplitRecords chunks records into groups whose encoded size stays under
// maxBytes, preserving order. A single record that alone exceeds the limit
// is a schema-class error: no split can make it fit.
func SplitRecords(schema Schema, records []Record, maxBytes int) ([]*Batch, error) {
	const op = "batch.split"
	if maxBytes <= 0 {
		return nil, newError(ClassConfig, op, "max batch size must be positive")
	}

	var (
		batches []*Batch
		current []Record
		size    int
	)
	for i, rec := range records {
		if err := schema.validate(i, rec); err != nil {
			return nil, err
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, wrapError(ClassSchema, op, fmt.Errorf("encode record %d: %w", i, err))
		}
		rowSize := len(line) + 1
		if rowSize > maxBytes {
			return nil, newError(ClassSchema, op,
				fmt.Sprintf("record %d encodes to %d bytes, over the %d byte row limit", i, rowSize, maxBytes))
		}
		if size+rowSize > maxBytes && len(current) > 0 {
			b, err := BuildBatch(schema, current)
			if err != nil {
				return nil, err
			}
			batches = append(batches, b)
			current, size = nil, 0
		}
		current = append(current, rec)
		size += rowSize
	}
	if len(current) > 0 {
		b, err := BuildBatch(schema, current)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}
