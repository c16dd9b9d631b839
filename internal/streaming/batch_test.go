package streaming

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func testSchema() Schema {
	return NewSchema("row_id", "host", "cpu_usage_pct", "payload")
}

func TestBuildBatchRejectsUnknownColumns(t *testing.T) {
	_, err := BuildBatch(testSchema(), []Record{
		{"row_id": "1", "host": "edge-1"},
		{"row_id": "2", "bogus_column": true},
	})
	if err == nil {
		t.Fatal("BuildBatch() error = nil, want schema error")
	}
	if ClassOf(err) != ClassSchema {
		t.Errorf("ClassOf(err) = %v, want schema", ClassOf(err))
	}
	if !strings.Contains(err.Error(), "bogus_column") {
		t.Errorf("error should name the offending column, got %v", err)
	}
}

func TestBuildBatchPreservesOrder(t *testing.T) {
	records := []Record{
		{"row_id": "a"},
		{"row_id": "b"},
		{"row_id": "c"},
	}
	batch, err := BuildBatch(testSchema(), records)
	if err != nil {
		t.Fatalf("BuildBatch() error = %v", err)
	}

	lines := bytes.Split(bytes.TrimSuffix(batch.Payload(), []byte("\n")), []byte("\n"))
	if len(lines) != 3 {
		t.Fatalf("payload has %d lines, want 3", len(lines))
	}
	for i, want := range []string{"a", "b", "c"} {
		var row map[string]any
		if err := json.Unmarshal(lines[i], &row); err != nil {
			t.Fatalf("line %d not valid JSON: %v", i, err)
		}
		if row["row_id"] != want {
			t.Errorf("line %d row_id = %v, want %q (order must be preserved)", i, row["row_id"], want)
		}
	}
}

func TestBuildBatchEmpty(t *testing.T) {
	if _, err := BuildBatch(testSchema(), nil); err == nil {
		t.Fatal("BuildBatch(nil) error = nil, want schema error")
	}
}

func TestSplitRecordsSizing(t *testing.T) {
	// Each record encodes to roughly 2KB.
	filler := strings.Repeat("x", 2000)
	var records []Record
	for i := 0; i < 25; i++ {
		records = append(records, Record{"row_id": filler})
	}

	// 25 records at ~2KB is ~50KB: far under the 4MB row cap, so it stays
	// one batch.
	batches, err := SplitRecords(testSchema(), records, DefaultMaxRowsBytes)
	if err != nil {
		t.Fatalf("SplitRecords() error = %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if batches[0].Len() != 25 {
		t.Errorf("batch rows = %d, want 25", batches[0].Len())
	}
	if batches[0].Size() > 60_000 || batches[0].Size() < 50_000 {
		t.Errorf("batch size = %d bytes, want ~50KB", batches[0].Size())
	}

	// A tight cap forces splitting while preserving record order.
	batches, err = SplitRecords(testSchema(), records, 5000)
	if err != nil {
		t.Fatalf("SplitRecords() error = %v", err)
	}
	if len(batches) < 10 {
		t.Errorf("batches = %d, want >= 10 under a 5KB cap", len(batches))
	}
	total := 0
	for _, b := range batches {
		if b.Size() > 5000 {
			t.Errorf("batch size = %d, over the 5000 byte cap", b.Size())
		}
		total += b.Len()
	}
	if total != 25 {
		t.Errorf("total rows after split = %d, want 25", total)
	}
}

func TestSplitRecordsOversizedRecord(t *testing.T) {
	records := []Record{{"row_id": strings.Repeat("x", 10_000)}}
	_, err := SplitRecords(testSchema(), records, 5000)
	if err == nil {
		t.Fatal("SplitRecords() error = nil, want schema error for unsplittable record")
	}
	if ClassOf(err) != ClassSchema {
		t.Errorf("ClassOf(err) = %v, want schema", ClassOf(err))
	}
}
