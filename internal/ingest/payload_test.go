package ingest

import (
	"reflect"
	"testing"

	"github.com/DanJSal/datamgr/internal/schema"
	"github.com/DanJSal/datamgr/internal/hashset"
)

func sampleColumnBatch(temps []float64, sites []string) hashset.Batch {
	return hashset.Batch{
		Fields: []hashset.Column{
			{Name: "temp", Base: schema.KindFloat64, Float64: temps},
			{Name: "site", Base: schema.KindText, Text: sites},
		},
	}
}

func TestEncodeDecodeStagedBatchRoundTrips(t *testing.T) {
	b := sampleColumnBatch([]float64{1.5, 2.5}, []string{"north", "south"})
	payload, err := EncodeStagedBatch(b)
	if err != nil {
		t.Fatalf("EncodeStagedBatch: %v", err)
	}
	got, err := DecodeStagedBatch(payload)
	if err != nil {
		t.Fatalf("DecodeStagedBatch: %v", err)
	}
	if !reflect.DeepEqual(got.Fields[0].Float64, b.Fields[0].Float64) {
		t.Errorf("round-tripped float column = %v, want %v", got.Fields[0].Float64, b.Fields[0].Float64)
	}
	if !reflect.DeepEqual(got.Fields[1].Text, b.Fields[1].Text) {
		t.Errorf("round-tripped text column = %v, want %v", got.Fields[1].Text, b.Fields[1].Text)
	}
}

func TestMergeBatchesConcatenatesRows(t *testing.T) {
	a := sampleColumnBatch([]float64{1}, []string{"north"})
	b := sampleColumnBatch([]float64{2, 3}, []string{"south", "east"})
	merged, err := MergeBatches([]hashset.Batch{a, b})
	if err != nil {
		t.Fatalf("MergeBatches: %v", err)
	}
	if BatchRowCount(merged) != 3 {
		t.Errorf("BatchRowCount = %d, want 3", BatchRowCount(merged))
	}
	want := []float64{1, 2, 3}
	if !reflect.DeepEqual(merged.Fields[0].Float64, want) {
		t.Errorf("merged temp column = %v, want %v", merged.Fields[0].Float64, want)
	}
}

func TestMergeBatchesRejectsFieldMismatch(t *testing.T) {
	a := sampleColumnBatch([]float64{1}, []string{"north"})
	b := hashset.Batch{Fields: []hashset.Column{{Name: "temp", Base: schema.KindFloat64, Float64: []float64{2}}}}
	if _, err := MergeBatches([]hashset.Batch{a, b}); err == nil {
		t.Fatal("expected error merging batches with differing field counts")
	}
}
