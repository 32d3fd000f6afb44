package ingest

import (
	"bytes"
	"encoding/gob"

	"github.com/DanJSal/datamgr/internal/derrors"
	"github.com/DanJSal/datamgr/internal/hashset"
)

// EncodeStagedBatch serializes a row batch for durable storage in
// StagingQueue (spec §4.7 step 4, crash-safe mode: rows are first written
// through StagingQueue before a separate writer claims and seals them).
// The wire format is an internal implementation detail of this process
// group, not the on-disk part format ContentHasher/PartFileStore use.
func EncodeStagedBatch(b hashset.Batch) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to encode staged batch payload")
	}
	return buf.Bytes(), nil
}

// DecodeStagedBatch reverses EncodeStagedBatch.
func DecodeStagedBatch(payload []byte) (hashset.Batch, error) {
	var b hashset.Batch
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&b); err != nil {
		return hashset.Batch{}, derrors.Wrap(derrors.IOFault, err, "failed to decode staged batch payload")
	}
	return b, nil
}

// MergeBatches concatenates rows of same-shaped batches, field by field, in
// the order given — used to combine a claimed staging prefix (many small
// enqueued batches) into one batch before sealing (spec §4.6 claim-prefix,
// §4.7 step 4).
func MergeBatches(batches []hashset.Batch) (hashset.Batch, error) {
	if len(batches) == 0 {
		return hashset.Batch{}, derrors.New(derrors.InvalidKeyValue, "cannot merge zero batches")
	}
	out := hashset.Batch{
		JaggedLen:   map[string][]int64{},
		JaggedShape: map[string][][]int64{},
	}
	first := batches[0]
	out.Fields = make([]hashset.Column, len(first.Fields))
	for i, f := range first.Fields {
		out.Fields[i] = hashset.Column{Name: f.Name, Base: f.Base, Shape: f.Shape}
	}
	for _, b := range batches {
		if len(b.Fields) != len(out.Fields) {
			return hashset.Batch{}, derrors.New(derrors.SchemaMismatch, "staged batches have differing field counts")
		}
		for i, f := range b.Fields {
			if f.Name != out.Fields[i].Name || f.Base != out.Fields[i].Base {
				return hashset.Batch{}, derrors.New(derrors.SchemaMismatch, "staged batch field %q does not match prefix field %q", f.Name, out.Fields[i].Name)
			}
			out.Fields[i].Int64 = append(out.Fields[i].Int64, f.Int64...)
			out.Fields[i].Float64 = append(out.Fields[i].Float64, f.Float64...)
			out.Fields[i].Bool = append(out.Fields[i].Bool, f.Bool...)
			out.Fields[i].Text = append(out.Fields[i].Text, f.Text...)
		}
		for name, lens := range b.JaggedLen {
			out.JaggedLen[name] = append(out.JaggedLen[name], lens...)
		}
		for name, shapes := range b.JaggedShape {
			out.JaggedShape[name] = append(out.JaggedShape[name], shapes...)
		}
	}
	return out, nil
}

// BatchRowCount returns the row count of a batch, inferred from whichever
// typed column slice is non-empty in the first field.
func BatchRowCount(b hashset.Batch) int {
	if len(b.Fields) == 0 {
		return 0
	}
	f := b.Fields[0]
	switch {
	case f.Int64 != nil:
		return len(f.Int64)
	case f.Float64 != nil:
		return len(f.Float64)
	case f.Bool != nil:
		return len(f.Bool)
	case f.Text != nil:
		return len(f.Text)
	default:
		return 0
	}
}
